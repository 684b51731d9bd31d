package memory

import (
	"go.uber.org/zap"

	"companion-memory/internal/chunker"
	"companion-memory/internal/config"
	"companion-memory/internal/importance"
	"companion-memory/internal/llm"
)

func newScorer(client llm.Client, cfg *config.Config, logger *zap.Logger) *importance.Evaluator {
	return importance.NewEvaluator(client, &cfg.Importance, logger)
}

func newChunker(cfg *config.Config) *chunker.Chunker {
	return chunker.New(&cfg.Chunking)
}
