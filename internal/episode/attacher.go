// Package episode groups chunks into episodes as they arrive. Each new
// chunk is compared against the user's recent episode centroids and
// either joins the close ones, seeds a fresh episode, or stays an
// orphan for the consolidator.
package episode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
	"companion-memory/internal/queue"
	"companion-memory/internal/retry"
	"companion-memory/internal/vector"
	"companion-memory/internal/vectormath"
)

// ErrVectorNotVisible is returned when a chunk's vector has not become
// readable in the index yet; the queue retries the job.
var ErrVectorNotVisible = errors.New("chunk vector not yet visible")

// Store is the relational surface the attacher needs.
type Store interface {
	GetChunk(ctx context.Context, id string) (*model.Chunk, error)
	GetEpisode(ctx context.Context, id string) (*model.Episode, error)
	ListRecentEpisodes(ctx context.Context, userID string, limit int, since time.Time) ([]*model.Episode, error)
	CreateEpisode(ctx context.Context, ep *model.Episode, chunkIDs []string) error
	LinkChunk(ctx context.Context, chunkID, episodeID string, vec []float32) error
}

// VectorIndex is the vector-store surface the attacher needs.
type VectorIndex interface {
	FetchVector(ctx context.Context, class vector.Class, id string) ([]float32, error)
	UpsertBatch(ctx context.Context, class vector.Class, objects []vector.Object) error
}

// Enqueuer hands consolidation work to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// Attacher decides episode membership for one chunk at a time.
type Attacher struct {
	store   Store
	vectors VectorIndex
	client  llm.Client
	queue   Enqueuer
	cfg     *config.Config
	logger  *zap.Logger
}

// NewAttacher wires the attacher.
func NewAttacher(store Store, vectors VectorIndex, client llm.Client, q Enqueuer,
	cfg *config.Config, logger *zap.Logger) *Attacher {
	return &Attacher{
		store:   store,
		vectors: vectors,
		client:  client,
		queue:   q,
		cfg:     cfg,
		logger:  logger.Named("episode"),
	}
}

// AttachChunk runs the attachment decision for one processed chunk.
// Above the primary threshold the chunk joins every sufficiently close
// episode; far from everything it may seed a new episode; in between
// it stays an orphan and a consolidation pass is requested.
func (a *Attacher) AttachChunk(ctx context.Context, chunkID string) error {
	chunk, err := a.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	if chunk.ProcessingStatus != model.ChunkProcessed {
		a.logger.Debug("chunk not processed yet, skipping attach",
			zap.String("chunk_id", chunkID),
			zap.String("status", string(chunk.ProcessingStatus)))
		return nil
	}

	vec, err := a.fetchChunkVector(ctx, chunkID)
	if err != nil {
		return err
	}
	vec = vectormath.Align(vec, a.cfg.Qdrant.Dimension)

	epCfg := &a.cfg.Episodes
	since := time.Now().Add(-epCfg.TimeWindow)
	candidates, err := a.store.ListRecentEpisodes(ctx, chunk.UserID, epCfg.MaxCandidates, since)
	if err != nil {
		return err
	}

	best := 0.0
	var near []*model.Episode
	for _, ep := range candidates {
		sim := vectormath.Cosine(vec, ep.Centroid)
		if sim > best {
			best = sim
		}
		if sim >= epCfg.MultiAttach {
			near = append(near, ep)
		}
	}

	switch {
	case best >= epCfg.PrimaryAttach:
		return a.attach(ctx, chunk, vec, near)
	case best < epCfg.SeedThreshold && a.important(chunk):
		return a.seed(ctx, chunk, vec)
	default:
		// Ambiguous similarity, or too unimportant to seed. Leave the
		// chunk an orphan and let the consolidator batch it up later.
		return a.requestConsolidation(ctx, chunk.UserID)
	}
}

// fetchChunkVector reads the chunk's vector from the index, retrying
// because a freshly upserted point can lag behind its ack.
func (a *Attacher) fetchChunkVector(ctx context.Context, chunkID string) ([]float32, error) {
	attempts := a.cfg.Episodes.VectorFetchTry
	if attempts < 1 {
		attempts = 1
	}

	var vec []float32
	err := retry.Do(ctx, &retry.Config{
		MaxAttempts:     attempts,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2,
		RandomizeFactor: 0.5,
		RetryIf:         func(error) bool { return true },
	}, func(ctx context.Context) error {
		got, err := a.vectors.FetchVector(ctx, vector.ClassChunk, chunkID)
		if err != nil {
			return err
		}
		if got == nil {
			return ErrVectorNotVisible
		}
		vec = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", chunkID, err)
	}
	return vec, nil
}

// attach links the chunk into every close episode and refreshes their
// centroid points in the index.
func (a *Attacher) attach(ctx context.Context, chunk *model.Chunk, vec []float32, eps []*model.Episode) error {
	for _, ep := range eps {
		if err := a.store.LinkChunk(ctx, chunk.ID, ep.ID, vec); err != nil {
			return fmt.Errorf("failed to link chunk to episode %s: %w", ep.ID, err)
		}
		updated, err := a.store.GetEpisode(ctx, ep.ID)
		if err != nil {
			return err
		}
		if err := a.indexEpisode(ctx, updated); err != nil {
			a.logger.Warn("failed to refresh episode vector",
				zap.String("episode_id", ep.ID), zap.Error(err))
		}
	}
	a.logger.Debug("chunk attached",
		zap.String("chunk_id", chunk.ID), zap.Int("episodes", len(eps)))
	return nil
}

// seed creates a new single-chunk episode with an LLM title and
// narrative. A provider failure degrades to a truncated-text title
// rather than losing the episode.
func (a *Attacher) seed(ctx context.Context, chunk *model.Chunk, vec []float32) error {
	title, narrative := a.describe(ctx, chunk.Text)
	ep := model.NewEpisode(chunk.UserID, title, narrative, vec)

	if err := a.store.CreateEpisode(ctx, ep, []string{chunk.ID}); err != nil {
		return err
	}
	if err := a.indexEpisode(ctx, ep); err != nil {
		a.logger.Warn("failed to index seeded episode",
			zap.String("episode_id", ep.ID), zap.Error(err))
	}
	a.logger.Info("seeded episode",
		zap.String("episode_id", ep.ID), zap.String("user_id", chunk.UserID))
	return nil
}

func (a *Attacher) describe(ctx context.Context, text string) (title, narrative string) {
	out, err := a.client.Complete(ctx, llm.EpisodePrompt(text), llm.CompletionOptions{
		MaxTokens: 500,
	})
	if err == nil {
		title, narrative = ParseDescription(out)
	}
	if title == "" {
		title = text
		if len(title) > model.MaxTitleLen {
			title = title[:model.MaxTitleLen]
		}
	}
	return title, narrative
}

func (a *Attacher) important(chunk *model.Chunk) bool {
	return chunk.Metadata.ForceImportant ||
		chunk.ImportanceScore >= a.cfg.Importance.Threshold
}

func (a *Attacher) requestConsolidation(ctx context.Context, userID string) error {
	job, err := queue.NewKeyedJob(queue.KindConsolidate, userID,
		queue.ConsolidatePayload{UserID: userID})
	if err != nil {
		return err
	}
	return a.queue.Enqueue(ctx, job, 0)
}

func (a *Attacher) indexEpisode(ctx context.Context, ep *model.Episode) error {
	return a.vectors.UpsertBatch(ctx, vector.ClassEpisode, []vector.Object{{
		ID:     ep.ID,
		Vector: vectormath.Align(ep.Centroid, a.cfg.Qdrant.Dimension),
		Properties: map[string]any{
			vector.ClassEpisode.BackRefKey(): ep.ID,
			"userId":                         ep.UserID,
			"title":                          ep.Title,
			"createdAt":                      ep.CreatedAt.UTC().Format(time.RFC3339),
		},
	}})
}
