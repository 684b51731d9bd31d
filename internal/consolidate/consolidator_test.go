package consolidate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
	"companion-memory/internal/vector"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListOrphanChunks(ctx context.Context, userID string, limit int) ([]*model.Chunk, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Chunk), args.Error(1)
}

func (m *mockStore) CreateEpisode(ctx context.Context, ep *model.Episode, chunkIDs []string) error {
	return m.Called(ctx, ep, chunkIDs).Error(0)
}

type mockVectors struct {
	mock.Mock
}

func (m *mockVectors) FetchVector(ctx context.Context, class vector.Class, id string) ([]float32, error) {
	args := m.Called(ctx, class, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *mockVectors) UpsertBatch(ctx context.Context, class vector.Class, objects []vector.Object) error {
	return m.Called(ctx, class, objects).Error(0)
}

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.ChatResponse), args.Error(1)
}

func (m *mockLLM) Complete(ctx context.Context, prompt string, opts llm.CompletionOptions) (string, error) {
	args := m.Called(ctx, prompt, opts)
	return args.String(0), args.Error(1)
}

func (m *mockLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *mockLLM) AnalyzeImage(ctx context.Context, req llm.ImageRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockLLM) Dimension() int { return 1536 }

func (m *mockLLM) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func orphan(userID, text string) *model.Chunk {
	rec := model.NewRawRecord(userID, "sess-1", model.ContentUserChat, text)
	ch := model.NewChunk(rec, text, 0, 4, 0.6)
	ch.ProcessingStatus = model.ChunkProcessed
	return ch
}

func TestDBSCANTwoClustersAndNoise(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0, 0},
		{0.99, 0.1, 0, 0},
		{0.98, 0.15, 0, 0},
		{0, 1, 0, 0},
		{0.1, 0.99, 0, 0},
		{0, 0, 1, 0}, // noise
	}
	clusters := dbscan(vectors, 0.30, 2)
	require.Len(t, clusters, 2)
	assert.ElementsMatch(t, []int{0, 1, 2}, clusters[0])
	assert.ElementsMatch(t, []int{3, 4}, clusters[1])
}

func TestDBSCANAllNoise(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	assert.Empty(t, dbscan(vectors, 0.30, 2))
}

func TestDBSCANMismatchedDimensionIsFar(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0, 0},
		{1, 0, 0, 0},
		{1, 0}, // wrong dimension, must not join
	}
	clusters := dbscan(vectors, 0.30, 2)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []int{0, 1}, clusters[0])
}

func TestRunBelowThresholdDoesNothing(t *testing.T) {
	store := &mockStore{}
	store.On("ListOrphanChunks", mock.Anything, "user-1", orphanBatch).
		Return([]*model.Chunk{orphan("user-1", "only one")}, nil)

	c := New(store, &mockVectors{}, &mockLLM{}, testConfig(), zap.NewNop())
	created, err := c.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, created)
	store.AssertNotCalled(t, "CreateEpisode", mock.Anything, mock.Anything, mock.Anything)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Qdrant.Dimension = 4
	return cfg
}

func TestRunCreatesEpisodePerCluster(t *testing.T) {
	store := &mockStore{}
	vectors := &mockVectors{}
	client := &mockLLM{}

	// Six orphans: two dense groups of three.
	groupA := [][]float32{{1, 0, 0, 0}, {0.99, 0.1, 0, 0}, {0.98, 0.15, 0, 0}}
	groupB := [][]float32{{0, 1, 0, 0}, {0.1, 0.99, 0, 0}, {0.15, 0.98, 0, 0}}

	var orphans []*model.Chunk
	for i := 0; i < 6; i++ {
		orphans = append(orphans, orphan("user-1", fmt.Sprintf("memory %d", i)))
	}
	for i, vec := range append(groupA, groupB...) {
		vectors.On("FetchVector", mock.Anything, vector.ClassChunk, orphans[i].ID).
			Return(vec, nil)
	}

	store.On("ListOrphanChunks", mock.Anything, "user-1", orphanBatch).Return(orphans, nil)
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("Title: Cluster\n\nSummary: Related memories.", nil)

	var createdEps []*model.Episode
	var linked [][]string
	store.On("CreateEpisode", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			createdEps = append(createdEps, args.Get(1).(*model.Episode))
			linked = append(linked, args.Get(2).([]string))
		}).Return(nil)
	vectors.On("UpsertBatch", mock.Anything, vector.ClassEpisode, mock.Anything).Return(nil)

	c := New(store, vectors, client, testConfig(), zap.NewNop())
	created, err := c.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	require.Len(t, createdEps, 2)
	assert.ElementsMatch(t, []string{orphans[0].ID, orphans[1].ID, orphans[2].ID}, linked[0])
	assert.ElementsMatch(t, []string{orphans[3].ID, orphans[4].ID, orphans[5].ID}, linked[1])
	for _, ep := range createdEps {
		assert.Equal(t, "Cluster", ep.Title)
		assert.Len(t, ep.Centroid, 4)
	}
}

func TestRunSkipsOrphansWithoutVectors(t *testing.T) {
	store := &mockStore{}
	vectors := &mockVectors{}

	a := orphan("user-1", "has vector")
	b := orphan("user-1", "no vector")
	store.On("ListOrphanChunks", mock.Anything, "user-1", orphanBatch).
		Return([]*model.Chunk{a, b}, nil)
	vectors.On("FetchVector", mock.Anything, vector.ClassChunk, a.ID).
		Return([]float32{1, 0, 0, 0}, nil)
	vectors.On("FetchVector", mock.Anything, vector.ClassChunk, b.ID).
		Return(nil, nil)

	c := New(store, vectors, &mockLLM{}, testConfig(), zap.NewNop())
	created, err := c.Run(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, created)
}
