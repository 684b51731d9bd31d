package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"companion-memory/internal/config"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	qcfg := config.Default().Queue
	qcfg.MaxAttempts = 3
	qcfg.BackoffBase = 10 * time.Millisecond

	m, err := NewManager(context.Background(),
		&config.RedisConfig{Addr: mr.Addr()}, &qcfg, zap.NewNop())
	require.NoError(t, err)
	return m, mr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 20*time.Millisecond)
}

func TestEnqueueAndProcess(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var seen []*Job
	m.Register(KindIngest, func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job)
		return nil
	}, false)

	m.Start(context.Background())
	defer m.Stop()

	job, err := NewJob(KindIngest, "user-1", IngestPayload{RecordID: "rec-1"})
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(context.Background(), job, 0))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	var p IngestPayload
	require.NoError(t, seen[0].DecodePayload(&p))
	assert.Equal(t, "rec-1", p.RecordID)
	assert.Equal(t, 1, seen[0].Attempts)
}

func TestEnqueueReleasesJobWhenSchedulingFails(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	// A wrong-typed delayed key makes the schedule step fail after the
	// job body is stored.
	require.NoError(t, mr.Set(keyDelayed, "blocker"))

	job, err := NewKeyedJob(KindConsolidate, "user-1", ConsolidatePayload{UserID: "user-1"})
	require.NoError(t, err)
	require.Error(t, m.Enqueue(ctx, job, time.Minute))
	assert.False(t, mr.Exists(keyJob+job.ID))

	// With the body released, re-enqueueing the same keyed job is not
	// treated as a duplicate.
	mr.Del(keyDelayed)
	require.NoError(t, m.Enqueue(ctx, job, time.Minute))
	assert.True(t, mr.Exists(keyJob+job.ID))
	card, err := m.client.ZCard(ctx, keyDelayed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestDelayedJobPromoted(t *testing.T) {
	m, _ := newTestManager(t)

	var done atomic.Int32
	m.Register(KindAttach, func(ctx context.Context, job *Job) error {
		done.Add(1)
		return nil
	}, false)

	m.Start(context.Background())
	defer m.Stop()

	job, err := NewJob(KindAttach, "user-1", AttachPayload{ChunkID: "chunk-1"})
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(context.Background(), job, 50*time.Millisecond))

	// Not ready before the delay elapses and a promoter tick runs.
	assert.Equal(t, int32(0), done.Load())
	waitFor(t, func() bool { return done.Load() == 1 })
}

func TestDuplicateKeyedJobDropped(t *testing.T) {
	m, _ := newTestManager(t)

	var runs atomic.Int32
	m.Register(KindConsolidate, func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return nil
	}, true)

	ctx := context.Background()
	first, err := NewKeyedJob(KindConsolidate, "user-1", ConsolidatePayload{UserID: "user-1"})
	require.NoError(t, err)
	second, err := NewKeyedJob(KindConsolidate, "user-1", ConsolidatePayload{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, m.Enqueue(ctx, first, time.Hour))
	require.NoError(t, m.Enqueue(ctx, second, time.Hour))

	// Only one stored body, so only one delayed entry matters.
	n, err := m.client.ZCard(ctx, keyDelayed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int32(0), runs.Load())
}

func TestRetryThenSucceed(t *testing.T) {
	m, _ := newTestManager(t)

	var attempts atomic.Int32
	m.Register(KindIngest, func(ctx context.Context, job *Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, false)

	m.Start(context.Background())
	defer m.Stop()

	job, err := NewJob(KindIngest, "user-1", IngestPayload{RecordID: "rec-1"})
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(context.Background(), job, 0))

	waitFor(t, func() bool { return attempts.Load() == 3 })

	waitFor(t, func() bool {
		n, err := m.client.LLen(context.Background(), keyCompleted).Result()
		return err == nil && n == 1
	})
}

func TestExhaustedJobRecordedAsFailed(t *testing.T) {
	m, _ := newTestManager(t)

	var attempts atomic.Int32
	m.Register(KindIngest, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("permanent")
	}, false)

	m.Start(context.Background())
	defer m.Stop()

	job, err := NewJob(KindIngest, "user-1", IngestPayload{RecordID: "rec-1"})
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(context.Background(), job, 0))

	waitFor(t, func() bool {
		n, err := m.client.LLen(context.Background(), keyFailed).Result()
		return err == nil && n == 1
	})
	assert.Equal(t, int32(3), attempts.Load())

	// The job body is gone once the outcome is recorded.
	exists, err := m.client.Exists(context.Background(), keyJob+job.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestSerializedKindRunsOnePerUser(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.ConsolidateWorkers = 3

	var inFlight, maxInFlight atomic.Int32
	m.Register(KindConsolidate, func(ctx context.Context, job *Job) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, true)

	m.Start(context.Background())
	defer m.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		job, err := NewJob(KindConsolidate, "user-1", ConsolidatePayload{UserID: "user-1"})
		require.NoError(t, err)
		require.NoError(t, m.Enqueue(ctx, job, 0))
	}

	waitFor(t, func() bool {
		n, err := m.client.LLen(ctx, keyCompleted).Result()
		return err == nil && n == 3
	})
	assert.Equal(t, int32(1), maxInFlight.Load())
}
