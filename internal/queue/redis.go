package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"companion-memory/internal/config"
)

const (
	keyDelayed   = "memq:delayed"
	keyReady     = "memq:ready:"     // + kind
	keyJob       = "memq:job:"       // + id
	keyLock      = "memq:lock:"      // + kind:userID
	keyCompleted = "memq:completed"
	keyFailed    = "memq:failed"

	jobTTL       = 7 * 24 * time.Hour
	lockTTL      = 10 * time.Minute
	lockRetryIn  = 2 * time.Second
	promoteEvery = time.Second
	promoteBatch = 100
	popTimeout   = time.Second
)

// Handler processes one job. A returned error triggers retry with
// backoff until the attempt budget is spent.
type Handler func(ctx context.Context, job *Job) error

// Manager owns the broker connection, the promoter, and the per-kind
// worker pools.
type Manager struct {
	client     *redis.Client
	cfg        *config.QueueConfig
	logger     *zap.Logger
	handlers   map[Kind]Handler
	serialized map[Kind]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager connects to Redis and verifies the broker is reachable.
func NewManager(ctx context.Context, redisCfg *config.RedisConfig, cfg *config.QueueConfig, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Manager{
		client:     client,
		cfg:        cfg,
		logger:     logger.Named("queue"),
		handlers:   make(map[Kind]Handler),
		serialized: make(map[Kind]bool),
	}, nil
}

// Register binds a handler to a kind. With serialized set, at most one
// job of this kind runs per user at a time, enforced by a broker lock.
func (m *Manager) Register(kind Kind, h Handler, serialized bool) {
	m.handlers[kind] = h
	m.serialized[kind] = serialized
}

// Enqueue stores the job and makes it ready after delay. A keyed job
// whose ID is already stored is dropped, which keeps one pending
// consolidation per user.
func (m *Manager) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	stored, err := m.client.SetNX(ctx, keyJob+job.ID, raw, jobTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if !stored {
		m.logger.Debug("duplicate job dropped",
			zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
		return nil
	}
	if err := m.schedule(ctx, job, delay); err != nil {
		// Release the body so a later enqueue of the same keyed job is
		// not dropped as a duplicate of this unscheduled one.
		if delErr := m.client.Del(context.WithoutCancel(ctx), keyJob+job.ID).Err(); delErr != nil {
			m.logger.Warn("failed to release unscheduled job",
				zap.String("job_id", job.ID), zap.Error(delErr))
		}
		return err
	}
	return nil
}

func (m *Manager) schedule(ctx context.Context, job *Job, delay time.Duration) error {
	if delay > 0 {
		err := m.client.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: member(job),
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to delay job: %w", err)
		}
		return nil
	}
	if err := m.client.LPush(ctx, keyReady+string(job.Kind), job.ID).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// member encodes kind alongside id so the promoter knows which ready
// list to target without loading the job.
func member(job *Job) string {
	return string(job.Kind) + "|" + job.ID
}

// Start launches the promoter and one worker pool per registered kind.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.promoter(ctx)

	for kind, h := range m.handlers {
		n := m.workersFor(kind)
		for i := 0; i < n; i++ {
			m.wg.Add(1)
			go m.worker(ctx, kind, h)
		}
		m.logger.Info("workers started",
			zap.String("kind", string(kind)), zap.Int("count", n))
	}
}

// Stop cancels the pools, waits for in-flight jobs, and closes the
// broker connection.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	_ = m.client.Close()
}

// HealthCheck pings the broker.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Manager) workersFor(kind Kind) int {
	var n int
	switch kind {
	case KindIngest:
		n = m.cfg.IngestWorkers
	case KindAttach:
		n = m.cfg.AttachWorkers
	case KindConsolidate:
		n = m.cfg.ConsolidateWorkers
	case KindThoughts:
		n = m.cfg.ThoughtWorkers
	case KindFileUpload:
		n = m.cfg.FileUploadWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// promoter moves due delayed jobs onto their ready lists.
func (m *Manager) promoter(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.promote(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("promotion failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := m.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, mem := range members {
		kind, id, ok := splitMember(mem)
		if !ok {
			_ = m.client.ZRem(ctx, keyDelayed, mem).Err()
			continue
		}
		pipe := m.client.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, mem)
		pipe.LPush(ctx, keyReady+kind, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func splitMember(mem string) (kind, id string, ok bool) {
	for i := 0; i < len(mem); i++ {
		if mem[i] == '|' {
			return mem[:i], mem[i+1:], true
		}
	}
	return "", "", false
}

// worker pops ready jobs of one kind and runs them through the handler.
func (m *Manager) worker(ctx context.Context, kind Kind, h Handler) {
	defer m.wg.Done()
	ready := keyReady + string(kind)

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := m.client.BRPop(ctx, popTimeout, ready).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("pop failed", zap.String("kind", string(kind)), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		m.run(ctx, kind, h, res[1])
	}
}

func (m *Manager) run(ctx context.Context, kind Kind, h Handler, jobID string) {
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		m.logger.Warn("failed to load job",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}

	if m.serialized[kind] {
		lockKey := keyLock + string(kind) + ":" + job.UserID
		locked, err := m.client.SetNX(ctx, lockKey, job.ID, lockTTL).Result()
		if err != nil || !locked {
			// Another run for this user is in flight. Try again soon
			// without spending an attempt.
			if err := m.schedule(ctx, job, lockRetryIn); err != nil {
				m.logger.Warn("failed to requeue locked job",
					zap.String("job_id", job.ID), zap.Error(err))
			}
			return
		}
		defer m.client.Del(context.WithoutCancel(ctx), lockKey)
	}

	job.Attempts++
	if err := h(ctx, job); err != nil {
		m.fail(ctx, job, err)
		return
	}
	m.complete(ctx, job)
}

func (m *Manager) loadJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := m.client.Get(ctx, keyJob+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	job := &Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) fail(ctx context.Context, job *Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	job.LastError = cause.Error()

	if job.Attempts < m.cfg.MaxAttempts {
		backoff := m.cfg.BackoffBase << (job.Attempts - 1)
		m.logger.Warn("job failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", backoff),
			zap.Error(cause))

		raw, err := json.Marshal(job)
		if err == nil {
			err = m.client.Set(ctx, keyJob+job.ID, raw, jobTTL).Err()
		}
		if err == nil {
			err = m.schedule(ctx, job, backoff)
		}
		if err != nil {
			m.logger.Error("failed to requeue job",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	m.logger.Error("job exhausted attempts",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Error(cause))
	m.finish(ctx, job, keyFailed, m.cfg.KeepFailed)
}

func (m *Manager) complete(ctx context.Context, job *Job) {
	m.finish(context.WithoutCancel(ctx), job, keyCompleted, m.cfg.KeepCompleted)
}

// finish records the terminal outcome on a capped history list and
// drops the job body.
func (m *Manager) finish(ctx context.Context, job *Job, listKey string, keep int) {
	raw, err := json.Marshal(job)
	if err != nil {
		raw = []byte(job.ID)
	}
	pipe := m.client.TxPipeline()
	pipe.LPush(ctx, listKey, raw)
	if keep > 0 {
		pipe.LTrim(ctx, listKey, 0, int64(keep-1))
	}
	pipe.Del(ctx, keyJob+job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("failed to record job outcome",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}
