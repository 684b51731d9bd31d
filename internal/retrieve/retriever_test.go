package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/model"
	"companion-memory/internal/vector"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetEpisodes(ctx context.Context, ids []string) ([]*model.Episode, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Episode), args.Error(1)
}

func (m *mockStore) ListEpisodeChunks(ctx context.Context, episodeID string, limit int) ([]*model.Chunk, error) {
	args := m.Called(ctx, episodeID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Chunk), args.Error(1)
}

func (m *mockStore) GetThoughts(ctx context.Context, ids []string) ([]*model.Thought, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Thought), args.Error(1)
}

type mockVectors struct {
	mock.Mock
}

func (m *mockVectors) Nearest(ctx context.Context, class vector.Class, vec []float32, opts vector.NearestOptions) ([]vector.Hit, error) {
	args := m.Called(ctx, class, vec, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Hit), args.Error(1)
}

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

type fixture struct {
	store     *mockStore
	vectors   *mockVectors
	embedder  *mockEmbedder
	retriever *Retriever
}

func newFixture() *fixture {
	f := &fixture{
		store:    &mockStore{},
		vectors:  &mockVectors{},
		embedder: &mockEmbedder{},
	}
	cfg := config.Default()
	cfg.Qdrant.Dimension = 4
	f.retriever = New(f.store, f.vectors, f.embedder, cfg, zap.NewNop())
	return f
}

func (f *fixture) queryVec() []float32 {
	vec := []float32{1, 0, 0, 0}
	f.embedder.On("Embed", mock.Anything, []string{"the query"}).
		Return([][]float32{vec}, nil)
	return vec
}

func noHits(f *fixture, classes ...vector.Class) {
	for _, class := range classes {
		f.vectors.On("Nearest", mock.Anything, class, mock.Anything, mock.Anything).
			Return([]vector.Hit{}, nil)
	}
}

func chunkOf(userID, text string) *model.Chunk {
	rec := model.NewRawRecord(userID, "sess-1", model.ContentUserChat, text)
	return model.NewChunk(rec, text, 0, 4, 0.6)
}

func TestRetrieveEmbeddingFailureReturnsEmpty(t *testing.T) {
	f := newFixture()
	f.embedder.On("Embed", mock.Anything, mock.Anything).
		Return(nil, errors.New("provider down"))

	assert.Empty(t, f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{}))
	f.vectors.AssertNotCalled(t, "Nearest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetrieveEpisodeStageExpandsChunks(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	ep := model.NewEpisode("user-1", "Trip to Kyoto", "A week of temples.", vec)
	f.vectors.On("Nearest", mock.Anything, vector.ClassEpisode, vec, mock.Anything).
		Return([]vector.Hit{{ID: ep.ID, Certainty: 0.9}}, nil)
	f.store.On("GetEpisodes", mock.Anything, []string{ep.ID}).
		Return([]*model.Episode{ep}, nil)
	linked := chunkOf("user-1", "We stayed near Gion.")
	f.store.On("ListEpisodeChunks", mock.Anything, ep.ID, 10).
		Return([]*model.Chunk{linked}, nil)
	noHits(f, vector.ClassChunk, vector.ClassThought)

	got := f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{})
	require.Len(t, got, 2)

	assert.Equal(t, KindEpisode, got[0].Kind)
	assert.Equal(t, "Trip to Kyoto: A week of temples.", got[0].Text)
	assert.InDelta(t, 0.9, got[0].Certainty, 1e-9)

	assert.Equal(t, KindChunk, got[1].Kind)
	assert.Equal(t, "We stayed near Gion.", got[1].Text)
	assert.InDelta(t, 0.81, got[1].Certainty, 1e-9)
	assert.Equal(t, ep.ID, got[1].EpisodeID)
	assert.Equal(t, "Trip to Kyoto", got[1].EpisodeTitle)
}

func TestRetrieveChunkStageFillsRemainingSlots(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	ep := model.NewEpisode("user-1", "Episode", "", vec)
	f.vectors.On("Nearest", mock.Anything, vector.ClassEpisode, vec, mock.Anything).
		Return([]vector.Hit{{ID: ep.ID, Certainty: 0.9}}, nil)
	f.store.On("GetEpisodes", mock.Anything, []string{ep.ID}).
		Return([]*model.Episode{ep}, nil)
	f.store.On("ListEpisodeChunks", mock.Anything, ep.ID, 10).
		Return([]*model.Chunk{
			chunkOf("user-1", "first"), chunkOf("user-1", "second"),
		}, nil)

	// One episode plus two linked chunks leaves two of five slots.
	f.vectors.On("Nearest", mock.Anything, vector.ClassChunk, vec, vector.NearestOptions{
		UserID:        "user-1",
		Limit:         2,
		MinCertainty:  0.65,
		MinImportance: 0.45,
	}).Return([]vector.Hit{}, nil)
	noHits(f, vector.ClassThought)

	f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{})
	f.vectors.AssertExpectations(t)
}

func TestRetrieveOptionsOverrideAndExcludeStages(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	f.vectors.On("Nearest", mock.Anything, vector.ClassChunk, vec, vector.NearestOptions{
		UserID:        "user-1",
		Limit:         2,
		MinCertainty:  0.8,
		MinImportance: 0.6,
	}).Return([]vector.Hit{
		{ID: "c1", Certainty: 0.9, Properties: map[string]any{"chunkText": "kept"}},
	}, nil)
	noHits(f, vector.ClassThought)

	got := f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{
		Limit:           2,
		MinImportance:   0.6,
		Certainty:       0.8,
		ExcludeEpisodes: true,
	})
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Text)
	f.vectors.AssertNotCalled(t, "Nearest",
		mock.Anything, vector.ClassEpisode, mock.Anything, mock.Anything)

	// Excluding chunks as well leaves only the thought stage.
	f2 := newFixture()
	vec2 := f2.queryVec()
	f2.vectors.On("Nearest", mock.Anything, vector.ClassThought, vec2, mock.Anything).
		Return([]vector.Hit{}, nil)
	got = f2.retriever.Retrieve(context.Background(), "user-1", "the query", Options{
		ExcludeEpisodes: true,
		ExcludeChunks:   true,
	})
	assert.Empty(t, got)
	f2.vectors.AssertNotCalled(t, "Nearest",
		mock.Anything, vector.ClassEpisode, mock.Anything, mock.Anything)
	f2.vectors.AssertNotCalled(t, "Nearest",
		mock.Anything, vector.ClassChunk, mock.Anything, mock.Anything)
}

func TestRetrieveDirectChunkStageFills(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	noHits(f, vector.ClassEpisode, vector.ClassThought)
	f.vectors.On("Nearest", mock.Anything, vector.ClassChunk, vec, vector.NearestOptions{
		UserID:        "user-1",
		Limit:         5,
		MinCertainty:  0.65,
		MinImportance: 0.45,
	}).Return([]vector.Hit{
		{ID: "c1", Certainty: 0.8, Properties: map[string]any{"chunkText": "direct hit"}},
		{ID: "c2", Certainty: 0.7, Properties: map[string]any{}}, // no text, dropped
	}, nil)

	got := f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{})
	require.Len(t, got, 1)
	assert.Equal(t, "direct hit", got[0].Text)
	assert.Equal(t, KindChunk, got[0].Kind)
}

func TestRetrieveThoughtStageRelaxedFloor(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	noHits(f, vector.ClassEpisode, vector.ClassChunk)
	th := model.NewThought("user-1", "Routine matters", "Structure helps.", vec, 0.7)
	// Thoughts search at 0.75 of the certainty floor; a 0.55 hit that
	// episodes and chunks would miss still surfaces, score untouched.
	// The floor is multiplied at runtime to match the code's float64
	// rounding; the constant-folded 0.75*0.65 differs by one ulp.
	floor := 0.65
	f.vectors.On("Nearest", mock.Anything, vector.ClassThought, vec, vector.NearestOptions{
		UserID:       "user-1",
		Limit:        3,
		MinCertainty: 0.75 * floor,
	}).Return([]vector.Hit{{ID: th.ID, Certainty: 0.55}}, nil)
	f.store.On("GetThoughts", mock.Anything, []string{th.ID}).
		Return([]*model.Thought{th}, nil)

	got := f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{})
	require.Len(t, got, 1)
	assert.Equal(t, KindThought, got[0].Kind)
	assert.Equal(t, "Routine matters: Structure helps.", got[0].Text)
	assert.InDelta(t, 0.55, got[0].Certainty, 1e-9)
}

func TestRetrieveDedupesAndSorts(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	ep := model.NewEpisode("user-1", "Episode", "", vec)
	shared := chunkOf("user-1", "appears twice")
	f.vectors.On("Nearest", mock.Anything, vector.ClassEpisode, vec, mock.Anything).
		Return([]vector.Hit{{ID: ep.ID, Certainty: 0.7}}, nil)
	f.store.On("GetEpisodes", mock.Anything, []string{ep.ID}).
		Return([]*model.Episode{ep}, nil)
	f.store.On("ListEpisodeChunks", mock.Anything, ep.ID, 10).
		Return([]*model.Chunk{shared}, nil)

	// The same chunk also surfaces directly with a higher score.
	f.vectors.On("Nearest", mock.Anything, vector.ClassChunk, vec, mock.Anything).
		Return([]vector.Hit{{
			ID:        shared.ID,
			Certainty: 0.95,
			Properties: map[string]any{
				"chunkText": "appears twice",
			},
		}}, nil)
	noHits(f, vector.ClassThought)

	got := f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{})
	require.Len(t, got, 2)
	// The direct, higher-certainty copy wins and sorts first.
	assert.Equal(t, shared.ID, got[0].ID)
	assert.InDelta(t, 0.95, got[0].Certainty, 1e-9)
	assert.Equal(t, ep.ID, got[1].ID)
}

func TestRetrieveTruncatesToLimit(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	hits := make([]vector.Hit, 8)
	for i := range hits {
		hits[i] = vector.Hit{
			ID:        string(rune('a' + i)),
			Certainty: 0.9 - float64(i)*0.01,
			Properties: map[string]any{
				"chunkText": "text",
			},
		}
	}
	noHits(f, vector.ClassEpisode, vector.ClassThought)
	f.vectors.On("Nearest", mock.Anything, vector.ClassChunk, vec, mock.Anything).
		Return(hits, nil)

	got := f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{})
	assert.Len(t, got, 5)
	assert.InDelta(t, 0.9, got[0].Certainty, 1e-9)
}

func TestRetrieveStageFailureDegrades(t *testing.T) {
	f := newFixture()
	vec := f.queryVec()

	f.vectors.On("Nearest", mock.Anything, vector.ClassEpisode, vec, mock.Anything).
		Return(nil, errors.New("qdrant down"))
	f.vectors.On("Nearest", mock.Anything, vector.ClassChunk, vec, mock.Anything).
		Return(nil, errors.New("qdrant down"))
	f.vectors.On("Nearest", mock.Anything, vector.ClassThought, vec, mock.Anything).
		Return(nil, errors.New("qdrant down"))

	assert.Empty(t, f.retriever.Retrieve(context.Background(), "user-1", "the query", Options{}))
}
