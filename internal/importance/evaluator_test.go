package importance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
)

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

func newEvaluator(client llm.Client) *Evaluator {
	cfg := config.Default().Importance
	return NewEvaluator(client, &cfg, zap.NewNop())
}

func TestScoreEmptyContent(t *testing.T) {
	e := newEvaluator(&mockLLM{})
	assert.Zero(t, e.Score(context.Background(), "   ", model.ContentUserChat))
}

func TestScoreFromLLM(t *testing.T) {
	client := &mockLLM{}
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("IMPORTANCE_SCORE: 0.85", nil).Once()

	e := newEvaluator(client)
	got := e.Score(context.Background(), "I got engaged to Sam last night", model.ContentUserChat)
	assert.InDelta(t, 0.85, got, 1e-9)
	client.AssertExpectations(t)
}

func TestScoreCachesIdenticalContent(t *testing.T) {
	client := &mockLLM{}
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("IMPORTANCE_SCORE: 0.7", nil).Once()

	e := newEvaluator(client)
	first := e.Score(context.Background(), "my sister moved to Lisbon", model.ContentUserChat)
	second := e.Score(context.Background(), "my sister moved to Lisbon", model.ContentUserChat)
	assert.Equal(t, first, second)
	client.AssertNumberOfCalls(t, "Complete", 1)
}

func TestScoreCacheExpires(t *testing.T) {
	client := &mockLLM{}
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("IMPORTANCE_SCORE: 0.7", nil).Twice()

	cfg := config.Default().Importance
	cfg.CacheTTL = time.Millisecond
	e := NewEvaluator(client, &cfg, zap.NewNop())

	e.Score(context.Background(), "same text", model.ContentUserChat)
	time.Sleep(5 * time.Millisecond)
	e.Score(context.Background(), "same text", model.ContentUserChat)
	client.AssertNumberOfCalls(t, "Complete", 2)
}

func TestScoreFallsBackToHeuristic(t *testing.T) {
	client := &mockLLM{}
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("provider down"))

	e := newEvaluator(client)
	got := e.Score(context.Background(), "What is 2+2?", model.ContentUserChat)
	// base 0.3, question 0.1, digits 0.1
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{"canonical line", "IMPORTANCE_SCORE: 0.75", 0.75, false},
		{"line among noise", "Sure!\nIMPORTANCE_SCORE: 0.4\nThanks", 0.4, false},
		{"bare number", "0.3", 0.3, false},
		{"out of range", "IMPORTANCE_SCORE: 1.5", 0, true},
		{"negative", "-0.1", 0, true},
		{"garbage", "pretty important", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScore(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestHeuristic(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		contentType model.ContentType
		want        float64
	}{
		{"small talk", "hello there", model.ContentUserChat, 0.3},
		{"question with digits", "What is 2+2?", model.ContentUserChat, 0.5},
		{"file event", "uploaded resume.pdf", model.ContentFileEvent, 0.7},
		{"question in document ignored", "what now?", model.ContentDocumentContent, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Heuristic(tt.content, tt.contentType), 1e-9)
		})
	}
}

func TestHeuristicCapped(t *testing.T) {
	long := "Maria Santos visited Porto Alegre with Diego Fernandez in 2019. "
	for len(long) < 250 {
		long += long
	}
	got := Heuristic(long, model.ContentDocumentContent)
	assert.LessOrEqual(t, got, 0.9)
}

func TestHeuristicProperNouns(t *testing.T) {
	plain := Heuristic("we talked about things yesterday evening", model.ContentUserChat)
	named := Heuristic("we met Alice and Bruno in Lisbon yesterday", model.ContentUserChat)
	assert.Greater(t, named, plain)
}
