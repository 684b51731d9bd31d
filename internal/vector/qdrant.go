// Package vector adapts the Qdrant vector database for the memory
// engine. Each embedding class lives in its own collection; every
// object carries a back-reference to its relational row plus the
// user-scoped filter fields. The relational store stays the source of
// truth; everything here is a rebuildable index.
package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"companion-memory/internal/config"
)

// Class names the embedding collections.
type Class string

const (
	ClassChunk   Class = "ChunkEmbedding"
	ClassEpisode Class = "EpisodeEmbedding"
	ClassThought Class = "ThoughtEmbedding"

	// ClassMemoryNode was written by an earlier revision and is never
	// used by the core. Kept only so DeleteClass can clean it up; it is
	// the default entry in LegacyClasses.
	ClassMemoryNode Class = "MemoryNode"
)

// BackRefKey is the payload property holding the relational row id for
// a class.
func (c Class) BackRefKey() string {
	switch c {
	case ClassChunk:
		return "chunkDbId"
	case ClassEpisode:
		return "episodeDbId"
	case ClassThought:
		return "thoughtDbId"
	default:
		return "dbId"
	}
}

// Object is one upsertable point: caller-supplied id, payload
// properties, and the vector.
type Object struct {
	ID         string
	Properties map[string]any
	Vector     []float32
}

// Hit is one nearest-neighbor result.
type Hit struct {
	ID         string
	Properties map[string]any
	Certainty  float64
}

// NearestOptions narrows a nearest-neighbor query. UserID is mandatory.
type NearestOptions struct {
	UserID        string
	Limit         int
	MinCertainty  float64
	MinImportance float64 // 0 disables the importance filter
}

// Store is the typed Qdrant adapter.
type Store struct {
	client *qdrant.Client
	cfg    *config.QdrantConfig
	logger *zap.Logger
}

// NewStore creates the adapter without connecting; Connect must be
// called before use.
func NewStore(cfg *config.QdrantConfig, logger *zap.Logger) *Store {
	return &Store{cfg: cfg, logger: logger.Named("vector")}
}

// Connect dials Qdrant and bootstraps the schema: the three embedding
// collections are created when missing, and legacy collections are
// dropped once.
func (s *Store) Connect(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   s.cfg.Host,
		Port:   s.cfg.Port,
		APIKey: s.cfg.APIKey,
		UseTLS: s.cfg.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create qdrant client: %w", err)
	}
	s.client = client

	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	for _, legacy := range s.cfg.LegacyClasses {
		if err := s.DeleteClass(ctx, Class(legacy)); err != nil {
			s.logger.Warn("legacy class cleanup failed",
				zap.String("class", legacy), zap.Error(err))
		}
	}
	return nil
}

// EnsureSchema idempotently creates the embedding collections with
// cosine distance and the payload indexes used for filtering.
func (s *Store) EnsureSchema(ctx context.Context) error {
	existing, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}

	for _, class := range []Class{ClassChunk, ClassEpisode, ClassThought} {
		if have[string(class)] {
			continue
		}
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: string(class),
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.cfg.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", class, err)
		}

		for field, fieldType := range map[string]qdrant.FieldType{
			"userId":     qdrant.FieldType_FieldTypeKeyword,
			"importance": qdrant.FieldType_FieldTypeFloat,
		} {
			_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: string(class),
				FieldName:      field,
				FieldType:      &fieldType,
			})
			if err != nil {
				return fmt.Errorf("failed to index %s.%s: %w", class, field, err)
			}
		}
		s.logger.Info("created collection", zap.String("class", string(class)))
	}
	return nil
}

// UpsertBatch writes objects into a class in batches of the configured
// size. Every vector must match the configured dimension.
func (s *Store) UpsertBatch(ctx context.Context, class Class, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 25
	}

	points := make([]*qdrant.PointStruct, 0, len(objects))
	for i := range objects {
		obj := &objects[i]
		if len(obj.Vector) != s.cfg.Dimension {
			return fmt.Errorf("object %s has dimension %d, want %d",
				obj.ID, len(obj.Vector), s.cfg.Dimension)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(obj.ID),
			Vectors: qdrant.NewVectors(obj.Vector...),
			Payload: qdrant.NewValueMap(obj.Properties),
		})
	}

	for start := 0; start < len(points); start += batchSize {
		end := min(start+batchSize, len(points))
		opCtx, cancel := s.withTimeout(ctx)
		_, err := s.client.Upsert(opCtx, &qdrant.UpsertPoints{
			CollectionName: string(class),
			Points:         points[start:end],
		})
		cancel()
		if err != nil {
			return fmt.Errorf("failed to upsert batch into %s: %w", class, err)
		}
	}

	s.logger.Debug("upserted objects",
		zap.String("class", string(class)), zap.Int("count", len(objects)))
	return nil
}

// Nearest runs a filtered nearest-neighbor query. The user filter is
// mandatory; results below MinCertainty are cut off server-side.
func (s *Store) Nearest(ctx context.Context, class Class, vec []float32, opts NearestOptions) ([]Hit, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("nearest query on %s requires a user filter", class)
	}
	if len(vec) != s.cfg.Dimension {
		return nil, fmt.Errorf("query vector has dimension %d, want %d", len(vec), s.cfg.Dimension)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("userId", opts.UserID),
	}
	if opts.MinImportance > 0 {
		must = append(must, qdrant.NewRange("importance", &qdrant.Range{
			Gte: qdrant.PtrOf(opts.MinImportance),
		}))
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	scored, err := s.client.Query(opCtx, &qdrant.QueryPoints{
		CollectionName: string(class),
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         &qdrant.Filter{Must: must},
		ScoreThreshold: qdrant.PtrOf(float32(opts.MinCertainty)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", class, err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, point := range scored {
		hits = append(hits, Hit{
			ID:         pointIDString(point.GetId()),
			Properties: payloadToMap(point.GetPayload()),
			Certainty:  float64(point.GetScore()),
		})
	}
	return hits, nil
}

// FetchVector returns the stored vector for an object id, or nil when
// the point is not yet visible.
func (s *Store) FetchVector(ctx context.Context, class Class, id string) ([]float32, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	points, err := s.client.Get(opCtx, &qdrant.GetPoints{
		CollectionName: string(class),
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s point %s: %w", class, id, err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	vectors := points[0].GetVectors()
	if vectors == nil || vectors.GetVector() == nil {
		return nil, nil
	}
	return vectors.GetVector().GetData(), nil
}

// DeleteClass drops a whole collection. Used only for the one-time
// legacy cleanup at startup.
func (s *Store) DeleteClass(ctx context.Context, class Class) error {
	existing, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range existing {
		if name == string(class) {
			if err := s.client.DeleteCollection(ctx, string(class)); err != nil {
				return fmt.Errorf("failed to delete collection %s: %w", class, err)
			}
			s.logger.Info("deleted legacy collection", zap.String("class", string(class)))
			return nil
		}
	}
	return nil
}

// HealthCheck verifies the connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = kind.StringValue
		case *qdrant.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *qdrant.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *qdrant.Value_BoolValue:
			out[k] = kind.BoolValue
		default:
			out[k] = v.String()
		}
	}
	return out
}
