// Package retry provides a generic retry combinator with exponential
// backoff, jitter, and a retryability predicate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int              // maximum number of attempts
	InitialDelay    time.Duration    // delay before the second attempt
	MaxDelay        time.Duration    // cap on the delay between attempts
	Multiplier      float64          // backoff multiplier
	RandomizeFactor float64          // jitter factor in [0,1]
	RetryIf         func(error) bool // predicate deciding whether to retry
}

// DefaultConfig returns the engine-wide default retry policy: three
// attempts with exponential backoff from a 5 second base.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    5 * time.Second,
		MaxDelay:        time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         DefaultRetryIf,
	}
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Do runs op until it succeeds, the predicate rejects the error, the
// attempts run out, or the context is cancelled.
func Do(ctx context.Context, cfg *Config, op Operation) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryIf(err) || attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(jitter(delay, cfg.RandomizeFactor)):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted during backoff: %w", ctx.Err())
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	if factor > 1 {
		factor = 1
	}
	delta := float64(d) * factor
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// TemporaryError marks an error as retryable.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string { return fmt.Sprintf("temporary error: %v", e.Err) }
func (e *TemporaryError) Unwrap() error { return e.Err }

// Temporary satisfies the conventional temporary-error interface.
func (e *TemporaryError) Temporary() bool { return true }

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// DefaultRetryIf retries unless the error is explicitly permanent.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	type temporary interface{ Temporary() bool }
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
