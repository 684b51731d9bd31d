package llm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"companion-memory/internal/config"
)

// OpenAIClient implements Client on the OpenAI API.
type OpenAIClient struct {
	client      *openai.Client
	cfg         *config.OpenAIConfig
	rateLimiter *rateLimiter

	cacheMu sync.RWMutex
	cache   map[string][]float32
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(cfg *config.OpenAIConfig) *OpenAIClient {
	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	return &OpenAIClient{
		client:      openai.NewClient(cfg.APIKey),
		cfg:         cfg,
		rateLimiter: newRateLimiter(rpm, time.Minute/time.Duration(rpm)),
		cache:       make(map[string][]float32),
	}
}

// Chat runs a multi-turn chat completion.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "chat", Err: err, Retryable: false}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: ComposeUserMessage(req.MemoryContext, req.Message),
	})

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.ChatModel,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, c.wrap("chat", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Op: "chat", Err: errors.New("no choices returned"), Retryable: true}
	}
	return &ChatResponse{Text: resp.Choices[0].Message.Content}, nil
}

// Complete runs a short single-prompt completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", &Error{Op: "complete", Err: err, Retryable: false}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.completionTemperature(opts),
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", c.wrap("complete", err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Op: "complete", Err: errors.New("no choices returned"), Retryable: true}
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns one embedding per input text, serving repeats from the
// in-memory cache.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &Error{Op: "embed", Err: errors.New("texts cannot be empty"), Retryable: false}
	}

	results := make([][]float32, len(texts))
	uncached := make([]string, 0, len(texts))
	uncachedIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if cached := c.cacheGet(text); cached != nil {
			results[i] = cached
			continue
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "embed", Err: err, Retryable: false}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: uncached,
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, c.wrap("embed", err)
	}
	if len(resp.Data) != len(uncached) {
		return nil, &Error{
			Op:        "embed",
			Err:       fmt.Errorf("requested %d embeddings, got %d", len(uncached), len(resp.Data)),
			Retryable: true,
		}
	}

	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		copy(vec, data.Embedding)
		results[uncachedIdx[i]] = vec
		c.cachePut(uncached[i], vec)
	}
	return results, nil
}

// AnalyzeImage describes an image via the vision model.
func (c *OpenAIClient) AnalyzeImage(ctx context.Context, req ImageRequest) (string, error) {
	if len(req.ImageBytes) == 0 {
		return "", &Error{Op: "analyze_image", Err: errors.New("image bytes cannot be empty"), Retryable: false}
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", &Error{Op: "analyze_image", Err: err, Retryable: false}
	}

	prompt := req.UserMessage
	if prompt == "" {
		prompt = "Describe this image in detail, focusing on anything personally meaningful."
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MimeType,
		base64.StdEncoding.EncodeToString(req.ImageBytes))

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.VisionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", c.wrap("analyze_image", err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Op: "analyze_image", Err: errors.New("no choices returned"), Retryable: true}
	}
	return resp.Choices[0].Message.Content, nil
}

// Dimension reports the embedding dimension of the configured model.
func (c *OpenAIClient) Dimension() int {
	switch c.cfg.EmbeddingModel {
	case "text-embedding-3-large":
		return 3072
	default:
		// ada-002 and 3-small both produce 1536 dimensions.
		return 1536
	}
}

// HealthCheck issues a minimal embedding request.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	_, err := c.Embed(ctx, []string{"health check"})
	return err
}

// completionTemperature honors an explicitly requested temperature,
// including zero; only an unset option falls back to the config.
func (c *OpenAIClient) completionTemperature(opts CompletionOptions) float32 {
	if opts.Temperature != nil {
		return *opts.Temperature
	}
	return c.cfg.Temperature
}

func (c *OpenAIClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(c.cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// wrap classifies a provider error: rate limits, server errors, and
// network timeouts are retryable; everything else is not.
func (c *OpenAIClient) wrap(op string, err error) error {
	retryable := false

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryable = apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	} else if errors.Is(err, context.DeadlineExceeded) {
		retryable = true
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) {
			retryable = true
		}
	}

	return &Error{Op: op, Err: err, Retryable: retryable}
}

func (c *OpenAIClient) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.cfg.EmbeddingModel + "|" + text))
	return string(h[:])
}

func (c *OpenAIClient) cacheGet(text string) []float32 {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if vec, ok := c.cache[c.cacheKey(text)]; ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	return nil
}

func (c *OpenAIClient) cachePut(text string, vec []float32) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	maxSize := c.cfg.CacheMaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	if len(c.cache) >= maxSize {
		// Evict an arbitrary tenth of the cache to make room.
		evict := maxSize / 10
		if evict == 0 {
			evict = 1
		}
		for k := range c.cache {
			delete(c.cache, k)
			evict--
			if evict == 0 {
				break
			}
		}
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache[c.cacheKey(text)] = stored
}

// rateLimiter is a token-bucket limiter for provider calls.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

func newRateLimiter(maxTokens int, refillRate time.Duration) *rateLimiter {
	return &rateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if add := int(now.Sub(rl.lastRefill) / rl.refillRate); add > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+add)
		rl.lastRefill = now
	}
	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a request can proceed or the context is done.
func (rl *rateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
