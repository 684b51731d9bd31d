// Package consolidate batches a user's orphan chunks into episodes.
// Where the online attacher works one chunk at a time, the
// consolidator looks at the whole orphan pool and carves out dense
// clusters with DBSCAN.
package consolidate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/episode"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
	"companion-memory/internal/vector"
	"companion-memory/internal/vectormath"
)

// orphanBatch bounds how many orphans one pass considers.
const orphanBatch = 200

// Store is the relational surface the consolidator needs.
type Store interface {
	ListOrphanChunks(ctx context.Context, userID string, limit int) ([]*model.Chunk, error)
	CreateEpisode(ctx context.Context, ep *model.Episode, chunkIDs []string) error
}

// VectorIndex is the vector-store surface the consolidator needs.
type VectorIndex interface {
	FetchVector(ctx context.Context, class vector.Class, id string) ([]float32, error)
	UpsertBatch(ctx context.Context, class vector.Class, objects []vector.Object) error
}

// Consolidator turns orphan-chunk clusters into episodes.
type Consolidator struct {
	store   Store
	vectors VectorIndex
	client  llm.Client
	cfg     *config.Config
	logger  *zap.Logger
}

// New wires the consolidator.
func New(store Store, vectors VectorIndex, client llm.Client, cfg *config.Config, logger *zap.Logger) *Consolidator {
	return &Consolidator{
		store:   store,
		vectors: vectors,
		client:  client,
		cfg:     cfg,
		logger:  logger.Named("consolidate"),
	}
}

// Run consolidates one user's orphans. Returns the number of episodes
// created.
func (c *Consolidator) Run(ctx context.Context, userID string) (int, error) {
	orphans, err := c.store.ListOrphanChunks(ctx, userID, orphanBatch)
	if err != nil {
		return 0, err
	}
	if len(orphans) < c.cfg.Consolidation.Threshold {
		return 0, nil
	}

	chunks, vecs := c.loadVectors(ctx, orphans)
	if len(chunks) < c.cfg.Consolidation.Threshold {
		return 0, nil
	}

	clusters := dbscan(vecs, c.cfg.Consolidation.Epsilon, c.cfg.Consolidation.MinPoints)
	created := 0
	for _, members := range clusters {
		if len(members) > c.cfg.Consolidation.MaxChunksPerEpisode {
			members = members[:c.cfg.Consolidation.MaxChunksPerEpisode]
		}
		if err := c.createEpisode(ctx, userID, chunks, vecs, members); err != nil {
			return created, err
		}
		created++
	}

	if created > 0 {
		c.logger.Info("consolidated orphans",
			zap.String("user_id", userID),
			zap.Int("orphans", len(chunks)),
			zap.Int("episodes", created))
	}
	return created, nil
}

// loadVectors pairs each orphan with its indexed vector, dropping
// chunks whose vector is not readable.
func (c *Consolidator) loadVectors(ctx context.Context, orphans []*model.Chunk) ([]*model.Chunk, [][]float32) {
	chunks := make([]*model.Chunk, 0, len(orphans))
	vecs := make([][]float32, 0, len(orphans))
	for _, ch := range orphans {
		vec, err := c.vectors.FetchVector(ctx, vector.ClassChunk, ch.ID)
		if err != nil || vec == nil {
			c.logger.Debug("orphan vector unavailable",
				zap.String("chunk_id", ch.ID), zap.Error(err))
			continue
		}
		chunks = append(chunks, ch)
		vecs = append(vecs, vectormath.Align(vec, c.cfg.Qdrant.Dimension))
	}
	return chunks, vecs
}

func (c *Consolidator) createEpisode(ctx context.Context, userID string,
	chunks []*model.Chunk, vecs [][]float32, members []int) error {

	memberVecs := make([][]float32, len(members))
	chunkIDs := make([]string, len(members))
	for i, idx := range members {
		memberVecs[i] = vecs[idx]
		chunkIDs[i] = chunks[idx].ID
	}
	centroid := vectormath.Mean(memberVecs)

	title, narrative := c.describe(ctx, chunks, members)
	ep := model.NewEpisode(userID, title, narrative, centroid)
	if err := c.store.CreateEpisode(ctx, ep, chunkIDs); err != nil {
		return err
	}

	err := c.vectors.UpsertBatch(ctx, vector.ClassEpisode, []vector.Object{{
		ID:     ep.ID,
		Vector: centroid,
		Properties: map[string]any{
			vector.ClassEpisode.BackRefKey(): ep.ID,
			"userId":                         userID,
			"title":                          ep.Title,
			"createdAt":                      ep.CreatedAt.UTC().Format(time.RFC3339),
		},
	}})
	if err != nil {
		c.logger.Warn("failed to index consolidated episode",
			zap.String("episode_id", ep.ID), zap.Error(err))
	}
	return nil
}

// describe builds the cluster text within the prompt budget and asks
// the LLM for a title and narrative, degrading to a truncated first
// chunk on provider failure.
func (c *Consolidator) describe(ctx context.Context, chunks []*model.Chunk, members []int) (title, narrative string) {
	budget := c.cfg.Consolidation.TextBudgetChars
	var b strings.Builder
	for _, idx := range members {
		text := chunks[idx].Text
		if b.Len()+len(text)+1 > budget {
			break
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	out, err := c.client.Complete(ctx, llm.EpisodePrompt(b.String()), llm.CompletionOptions{
		MaxTokens: 500,
	})
	if err == nil {
		title, narrative = episode.ParseDescription(out)
	}
	if title == "" {
		title = chunks[members[0]].Text
		if len(title) > model.MaxTitleLen {
			title = title[:model.MaxTitleLen]
		}
	}
	return title, narrative
}
