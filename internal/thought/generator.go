// Package thought derives higher-order insights from clusters of
// related episodes. The generator runs nightly per user: it greedily
// groups recent episode centroids, asks the LLM for one insight per
// group, and stores the surviving thoughts with weighted episode links.
package thought

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
	"companion-memory/internal/vector"
	"companion-memory/internal/vectormath"
)

// defaultImportance stands in when the model's importance line is
// missing or unparseable.
const defaultImportance = 0.5

// mismatchWeight is the link weight used when a thought vector and an
// episode centroid cannot be compared.
const mismatchWeight = 0.5

// Store is the relational surface the generator needs.
type Store interface {
	ListRecentEpisodes(ctx context.Context, userID string, limit int, since time.Time) ([]*model.Episode, error)
	CreateThought(ctx context.Context, th *model.Thought, links []model.EpisodeThought) error
}

// VectorIndex is the vector-store surface the generator needs.
type VectorIndex interface {
	UpsertBatch(ctx context.Context, class vector.Class, objects []vector.Object) error
}

// Generator produces thoughts for one user at a time.
type Generator struct {
	store   Store
	vectors VectorIndex
	client  llm.Client
	cfg     *config.Config
	logger  *zap.Logger
}

// NewGenerator wires the generator.
func NewGenerator(store Store, vectors VectorIndex, client llm.Client,
	cfg *config.Config, logger *zap.Logger) *Generator {
	return &Generator{
		store:   store,
		vectors: vectors,
		client:  client,
		cfg:     cfg,
		logger:  logger.Named("thought"),
	}
}

// Run generates thoughts for a user's recent episodes and returns how
// many were stored. Clusters that produce no usable insight or score
// below the importance floor are dropped without error.
func (g *Generator) Run(ctx context.Context, userID string) (int, error) {
	tCfg := &g.cfg.Thoughts
	episodes, err := g.store.ListRecentEpisodes(ctx, userID, tCfg.MaxEpisodes, time.Time{})
	if err != nil {
		return 0, err
	}
	if len(episodes) < tCfg.MinEpisodes {
		return 0, nil
	}

	created := 0
	for _, cluster := range clusterEpisodes(episodes, tCfg.EpisodeSimMin) {
		if len(cluster) < tCfg.MinEpisodes {
			continue
		}
		ok, err := g.generateOne(ctx, userID, cluster)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		g.logger.Info("generated thoughts",
			zap.String("user_id", userID), zap.Int("count", created))
	}
	return created, nil
}

// clusterEpisodes greedily groups episodes whose centroid stays within
// the similarity floor of the cluster's first member.
func clusterEpisodes(episodes []*model.Episode, simMin float64) [][]*model.Episode {
	assigned := make([]bool, len(episodes))
	var clusters [][]*model.Episode

	for i, seed := range episodes {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		cluster := []*model.Episode{seed}
		for j := i + 1; j < len(episodes); j++ {
			if assigned[j] {
				continue
			}
			if vectormath.Cosine(seed.Centroid, episodes[j].Centroid) >= simMin {
				assigned[j] = true
				cluster = append(cluster, episodes[j])
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func (g *Generator) generateOne(ctx context.Context, userID string, cluster []*model.Episode) (bool, error) {
	summaries := make([]string, len(cluster))
	for i, ep := range cluster {
		summaries[i] = ep.Title
		if ep.Narrative != "" {
			summaries[i] += " - " + ep.Narrative
		}
	}

	out, err := g.client.Complete(ctx, llm.ThoughtPrompt(summaries), llm.CompletionOptions{
		MaxTokens: 400,
	})
	if err != nil {
		g.logger.Warn("insight generation failed",
			zap.String("user_id", userID), zap.Error(err))
		return false, nil
	}

	name, description, importance := ParseThought(out)
	if name == "" {
		g.logger.Debug("insight reply had no name, dropping cluster",
			zap.String("user_id", userID))
		return false, nil
	}
	if importance < g.cfg.Thoughts.MinImportance {
		return false, nil
	}

	vecs, err := g.client.Embed(ctx, []string{name + ": " + description})
	if err != nil || len(vecs) != 1 {
		g.logger.Warn("insight embedding failed",
			zap.String("user_id", userID), zap.Error(err))
		return false, nil
	}
	vec := vectormath.Align(vecs[0], g.cfg.Qdrant.Dimension)

	th := model.NewThought(userID, name, description, vec, importance)
	links := make([]model.EpisodeThought, len(cluster))
	for i, ep := range cluster {
		links[i] = model.EpisodeThought{
			EpisodeID: ep.ID,
			ThoughtID: th.ID,
			Weight:    linkWeight(vec, ep.Centroid),
		}
	}

	if err := g.store.CreateThought(ctx, th, links); err != nil {
		return false, err
	}

	err = g.vectors.UpsertBatch(ctx, vector.ClassThought, []vector.Object{{
		ID:     th.ID,
		Vector: vec,
		Properties: map[string]any{
			vector.ClassThought.BackRefKey(): th.ID,
			"userId":                         userID,
			"name":                           name,
			"importance":                     importance,
		},
	}})
	if err != nil {
		g.logger.Warn("failed to index thought",
			zap.String("thought_id", th.ID), zap.Error(err))
	}
	return true, nil
}

func linkWeight(vec, centroid []float32) float64 {
	if len(vec) != len(centroid) || len(vec) == 0 {
		return mismatchWeight
	}
	return vectormath.Cosine(vec, centroid)
}

// ParseThought extracts name, description, and importance from a model
// reply of the documented NAME/DESCRIPTION/IMPORTANCE shape. The parse
// is tolerant: a bad importance line falls back to the default, and
// missing fields come back empty.
func ParseThought(out string) (name, description string, importance float64) {
	importance = defaultImportance
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "NAME:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "NAME:"))
		case strings.HasPrefix(line, "DESCRIPTION:"):
			description = strings.TrimSpace(strings.TrimPrefix(line, "DESCRIPTION:"))
		case strings.HasPrefix(line, "IMPORTANCE:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "IMPORTANCE:"))
			if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 && f <= 1 {
				importance = f
			}
		}
	}
	return name, description, importance
}
