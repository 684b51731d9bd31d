// Command memoryd runs the long-term memory engine: the ingest
// pipeline, the episode and thought builders, and the retrieval
// surface, all behind a Redis-backed job queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/llm"
	"companion-memory/internal/logging"
	"companion-memory/internal/memory"
	"companion-memory/internal/queue"
	"companion-memory/internal/store"
	"companion-memory/internal/vector"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "memoryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, &cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer st.Close()

	vs := vector.NewStore(&cfg.Qdrant, logger)
	if err := vs.Connect(ctx); err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	defer func() { _ = vs.Close() }()

	qm, err := queue.NewManager(ctx, &cfg.Redis, &cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	client := llm.NewOpenAIClient(&cfg.OpenAI)
	service := memory.NewService(st, vs, client, qm, cfg, logger)

	scheduler, err := memory.NewScheduler(service, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	qm.Start(ctx)
	scheduler.Start()
	logger.Info("memoryd started")

	for name, herr := range service.Health(ctx) {
		if herr != nil {
			logger.Warn("backend unhealthy at startup",
				zap.String("backend", name), zap.Error(herr))
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	scheduler.Stop()
	qm.Stop()
	logger.Info("memoryd stopped")
	return nil
}
