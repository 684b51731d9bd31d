// Package retrieve answers memory queries in three stages: episode
// match first, direct chunk search to fill remaining slots, then
// thought search for higher-order context. Retrieval is best-effort by
// contract; any backend failure yields an empty result, never an error
// surfaced to the conversation path.
package retrieve

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/model"
	"companion-memory/internal/vector"
	"companion-memory/internal/vectormath"
)

// Kind labels where a memory came from.
type Kind string

const (
	KindChunk   Kind = "chunk"
	KindEpisode Kind = "episode"
	KindThought Kind = "thought"
)

// Chunks reached through an episode inherit 0.9 of the episode's
// certainty; the thought stage searches with its floor relaxed to 0.75
// of the configured certainty, keeping raw scores.
const (
	episodeChunkDiscount = 0.9
	thoughtFloorScale    = 0.75
	maxThoughts          = 3
)

// Memory is one retrieved item, ready for context injection. Chunks
// reached through an episode carry the episode's id and title.
type Memory struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Text         string    `json:"text"`
	Certainty    float64   `json:"certainty"`
	CreatedAt    time.Time `json:"created_at"`
	EpisodeID    string    `json:"episode_id,omitempty"`
	EpisodeTitle string    `json:"episode_title,omitempty"`
}

// Options narrows one retrieval call. Zero numeric values fall back to
// the configured defaults; every stage runs unless excluded.
type Options struct {
	Limit           int
	MinImportance   float64
	Certainty       float64
	ExcludeEpisodes bool
	ExcludeChunks   bool
}

// Store is the relational surface the retriever needs.
type Store interface {
	GetEpisodes(ctx context.Context, ids []string) ([]*model.Episode, error)
	ListEpisodeChunks(ctx context.Context, episodeID string, limit int) ([]*model.Chunk, error)
	GetThoughts(ctx context.Context, ids []string) ([]*model.Thought, error)
}

// VectorIndex is the vector-store surface the retriever needs.
type VectorIndex interface {
	Nearest(ctx context.Context, class vector.Class, vec []float32, opts vector.NearestOptions) ([]vector.Hit, error)
}

// Embedder produces the query embedding.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever runs the staged search.
type Retriever struct {
	store    Store
	vectors  VectorIndex
	embedder Embedder
	cfg      *config.Config
	logger   *zap.Logger
}

// New wires the retriever.
func New(store Store, vectors VectorIndex, embedder Embedder,
	cfg *config.Config, logger *zap.Logger) *Retriever {
	return &Retriever{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("retrieve"),
	}
}

// Retrieve returns up to the requested number of memories for a user's
// query, best first. Failures degrade to an empty result.
func (r *Retriever) Retrieve(ctx context.Context, userID, query string, opts Options) []Memory {
	opts = r.withDefaults(opts)

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		r.logger.Warn("query embedding failed",
			zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	qvec := vectormath.Align(vecs[0], r.cfg.Qdrant.Dimension)

	var out []Memory
	if !opts.ExcludeEpisodes {
		out = append(out, r.episodeStage(ctx, userID, qvec, opts)...)
	}
	if !opts.ExcludeChunks {
		remaining := opts.Limit - countKind(out, KindChunk) - countKind(out, KindEpisode)
		if remaining > 0 {
			out = append(out, r.chunkStage(ctx, userID, qvec, remaining, opts)...)
		}
	}
	out = append(out, r.thoughtStage(ctx, userID, qvec, opts)...)

	out = dedupe(out)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Certainty > out[j].Certainty
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// withDefaults fills unset options from configuration.
func (r *Retriever) withDefaults(opts Options) Options {
	rCfg := &r.cfg.Retrieval
	if opts.Limit <= 0 {
		opts.Limit = rCfg.Limit
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.MinImportance <= 0 {
		opts.MinImportance = rCfg.MinImportance
	}
	if opts.Certainty <= 0 {
		opts.Certainty = rCfg.Certainty
	}
	return opts
}

// episodeStage matches episode centroids and expands each hit into the
// episode itself plus its linked chunks at discounted certainty.
func (r *Retriever) episodeStage(ctx context.Context, userID string, qvec []float32, opts Options) []Memory {
	hits, err := r.vectors.Nearest(ctx, vector.ClassEpisode, qvec, vector.NearestOptions{
		UserID:       userID,
		Limit:        opts.Limit,
		MinCertainty: opts.Certainty,
	})
	if err != nil {
		r.logger.Warn("episode stage failed", zap.Error(err))
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	certainty := make(map[string]float64, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
		certainty[h.ID] = h.Certainty
	}

	episodes, err := r.store.GetEpisodes(ctx, ids)
	if err != nil {
		r.logger.Warn("failed to load matched episodes", zap.Error(err))
		return nil
	}

	var out []Memory
	for _, ep := range episodes {
		c := certainty[ep.ID]
		text := ep.Title
		if ep.Narrative != "" {
			text += ": " + ep.Narrative
		}
		out = append(out, Memory{
			ID:        ep.ID,
			Kind:      KindEpisode,
			Text:      text,
			Certainty: c,
			CreatedAt: ep.CreatedAt,
		})

		chunks, err := r.store.ListEpisodeChunks(ctx, ep.ID, r.cfg.Retrieval.ChunksPerEp)
		if err != nil {
			r.logger.Warn("failed to load episode chunks",
				zap.String("episode_id", ep.ID), zap.Error(err))
			continue
		}
		for _, ch := range chunks {
			out = append(out, Memory{
				ID:           ch.ID,
				Kind:         KindChunk,
				Text:         ch.Text,
				Certainty:    c * episodeChunkDiscount,
				CreatedAt:    ch.CreatedAt,
				EpisodeID:    ep.ID,
				EpisodeTitle: ep.Title,
			})
		}
	}
	return out
}

// chunkStage searches chunks directly to fill the remaining slots,
// with the importance floor filtering out low-value memories
// server-side.
func (r *Retriever) chunkStage(ctx context.Context, userID string, qvec []float32, remaining int, opts Options) []Memory {
	hits, err := r.vectors.Nearest(ctx, vector.ClassChunk, qvec, vector.NearestOptions{
		UserID:        userID,
		Limit:         remaining,
		MinCertainty:  opts.Certainty,
		MinImportance: opts.MinImportance,
	})
	if err != nil {
		r.logger.Warn("chunk stage failed", zap.Error(err))
		return nil
	}

	var out []Memory
	for _, h := range hits {
		text, _ := h.Properties["chunkText"].(string)
		if text == "" {
			continue
		}
		out = append(out, Memory{
			ID:        h.ID,
			Kind:      KindChunk,
			Text:      text,
			Certainty: h.Certainty,
			CreatedAt: parseTime(h.Properties["sourceCreatedAt"]),
		})
	}
	return out
}

// thoughtStage searches thoughts with a relaxed certainty floor, so
// looser higher-order matches still surface; scores stay raw.
func (r *Retriever) thoughtStage(ctx context.Context, userID string, qvec []float32, opts Options) []Memory {
	hits, err := r.vectors.Nearest(ctx, vector.ClassThought, qvec, vector.NearestOptions{
		UserID:       userID,
		Limit:        maxThoughts,
		MinCertainty: thoughtFloorScale * opts.Certainty,
	})
	if err != nil {
		r.logger.Warn("thought stage failed", zap.Error(err))
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	certainty := make(map[string]float64, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
		certainty[h.ID] = h.Certainty
	}

	thoughts, err := r.store.GetThoughts(ctx, ids)
	if err != nil {
		r.logger.Warn("failed to load matched thoughts", zap.Error(err))
		return nil
	}

	var out []Memory
	for _, th := range thoughts {
		out = append(out, Memory{
			ID:        th.ID,
			Kind:      KindThought,
			Text:      th.Name + ": " + th.Description,
			Certainty: certainty[th.ID],
			CreatedAt: th.CreatedAt,
		})
	}
	return out
}

// dedupe keeps the highest-certainty occurrence of each id.
func dedupe(memories []Memory) []Memory {
	best := make(map[string]int, len(memories))
	var out []Memory
	for _, m := range memories {
		if i, ok := best[m.ID]; ok {
			if m.Certainty > out[i].Certainty {
				out[i] = m
			}
			continue
		}
		best[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func countKind(memories []Memory, kind Kind) int {
	n := 0
	for _, m := range memories {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func parseTime(v any) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
