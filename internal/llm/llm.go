// Package llm provides a uniform client for chat completion, short
// completion, embedding, and multimodal image analysis. The rest of the
// engine depends only on the Client interface; the OpenAI implementation
// lives in openai.go.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client is the provider-neutral surface the memory core consumes.
type Client interface {
	// Chat runs a multi-turn chat completion. When opts carries a
	// MemoryContext block it is prepended verbatim to the user message.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Complete runs a short single-prompt completion.
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)

	// Embed returns one embedding per input text, all of the same
	// dimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// AnalyzeImage describes an image, optionally steered by a user
	// message.
	AnalyzeImage(ctx context.Context, req ImageRequest) (string, error)

	// Dimension reports the embedding dimension of the configured model.
	Dimension() int

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ChatRequest carries one turn of a conversation.
type ChatRequest struct {
	UserID        string
	SessionID     string
	Message       string
	History       []Message
	MemoryContext string // injected verbatim before "USER MESSAGE: <text>"
	MaxTokens     int
}

// Message is a single prior turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// ChatResponse is the provider's reply.
type ChatResponse struct {
	Text string
}

// CompletionOptions tunes a short completion. Temperature applies when
// non-nil; nil falls back to the provider's configured default, so an
// explicit zero stays deterministic.
type CompletionOptions struct {
	MaxTokens   int
	Temperature *float32
}

// Temp returns a pointer for CompletionOptions.Temperature.
func Temp(v float32) *float32 {
	return &v
}

// ImageRequest asks for a multimodal analysis of raw image bytes.
type ImageRequest struct {
	UserID      string
	SessionID   string
	ImageBytes  []byte
	MimeType    string
	UserMessage string
}

// Error is a typed provider failure carrying a retryability hint. The
// pipeline layer decides retry versus skip based on Retryable.
type Error struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary lets the retry package's default predicate see the hint.
func (e *Error) Temporary() bool { return e.Retryable }

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}
