// Package store is the relational persistence layer. It owns entity
// identity and relationships; writes that must be observed together run
// inside a single pgx transaction here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"companion-memory/internal/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the pgx connection pool and exposes the repositories.
type Store struct {
	pool   *pgxpool.Pool
	cfg    *config.PostgresConfig
	logger *zap.Logger
}

// Connect opens the pool and optionally runs migrations.
func Connect(ctx context.Context, cfg *config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool, cfg: cfg, logger: logger.Named("store")}
	if cfg.MigrateOnUp {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the schema idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS raw_record (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL,
			content TEXT NOT NULL,
			perspective_owner_id TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			topic_key TEXT,
			importance_score DOUBLE PRECISION,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			skip_importance_check BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at TIMESTAMPTZ,
			processing_error TEXT,
			dedup_key TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS raw_record_user_created_idx
			ON raw_record (user_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS raw_record_dedup_idx
			ON raw_record (dedup_key) WHERE dedup_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS chunk (
			id UUID PRIMARY KEY,
			raw_record_id UUID NOT NULL REFERENCES raw_record(id),
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			chunk_text TEXT NOT NULL,
			chunk_index INT NOT NULL,
			token_count INT NOT NULL,
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (raw_record_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS chunk_user_idx ON chunk (user_id)`,
		`CREATE INDEX IF NOT EXISTS chunk_status_idx ON chunk (processing_status)`,
		`CREATE TABLE IF NOT EXISTS episode (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			narrative TEXT NOT NULL DEFAULT '',
			centroid REAL[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS episode_user_created_idx
			ON episode (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS chunk_episode (
			chunk_id UUID NOT NULL REFERENCES chunk(id),
			episode_id UUID NOT NULL REFERENCES episode(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chunk_id, episode_id)
		)`,
		`CREATE INDEX IF NOT EXISTS chunk_episode_episode_idx
			ON chunk_episode (episode_id)`,
		`CREATE TABLE IF NOT EXISTS thought (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			vector REAL[] NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS thought_user_idx ON thought (user_id)`,
		`CREATE TABLE IF NOT EXISTS episode_thought (
			episode_id UUID NOT NULL REFERENCES episode(id),
			thought_id UUID NOT NULL REFERENCES thought(id),
			weight DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (episode_id, thought_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.logger.Info("schema migrated")
	return nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close drains and closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) queryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(s.cfg.QueryTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
