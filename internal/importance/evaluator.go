// Package importance scores raw records for long-term memory value.
// The evaluator asks the LLM first and falls back to a cheap heuristic
// when the provider is down, so ingestion never blocks on scoring.
package importance

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
)

const scoreLinePrefix = "IMPORTANCE_SCORE:"

// Evaluator scores content in [0,1]. It never returns an error: when
// the LLM fails, a heuristic estimate is used instead.
type Evaluator struct {
	client llm.Client
	cfg    *config.ImportanceConfig
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	score   float64
	expires time.Time
}

// NewEvaluator builds an evaluator with a per-content TTL cache.
func NewEvaluator(client llm.Client, cfg *config.ImportanceConfig, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		client: client,
		cfg:    cfg,
		logger: logger.Named("importance"),
		cache:  make(map[string]cacheEntry),
	}
}

// Score rates a record's content. Empty content scores zero. Repeated
// evaluations of identical content within the cache TTL are served from
// memory.
func (e *Evaluator) Score(ctx context.Context, content string, contentType model.ContentType) float64 {
	if strings.TrimSpace(content) == "" {
		return 0
	}

	key := cacheKey(content, contentType)
	if score, ok := e.cached(key); ok {
		return score
	}

	score, err := e.llmScore(ctx, content, contentType)
	if err != nil {
		e.logger.Warn("llm scoring failed, using heuristic",
			zap.String("content_type", string(contentType)),
			zap.Error(err))
		score = Heuristic(content, contentType)
	}

	e.store(key, score)
	return score
}

func (e *Evaluator) llmScore(ctx context.Context, content string, contentType model.ContentType) (float64, error) {
	prompt := llm.ImportancePrompt(content, contentType)
	out, err := e.client.Complete(ctx, prompt, llm.CompletionOptions{
		MaxTokens:   20,
		Temperature: llm.Temp(0),
	})
	if err != nil {
		return 0, err
	}
	return ParseScore(out)
}

// ParseScore extracts the score from a model reply. It accepts the
// documented "IMPORTANCE_SCORE: <n>" line anywhere in the output, or a
// bare number, and rejects values outside [0,1].
func ParseScore(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, scoreLinePrefix); ok {
			return parseBounded(strings.TrimSpace(rest))
		}
	}
	return parseBounded(strings.TrimSpace(out))
}

func parseBounded(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable importance score %q: %w", s, err)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("importance score out of range: %f", f)
	}
	return f, nil
}

// Heuristic is the offline fallback. It favors uploads, substantial
// text, questions, numbers, and proper nouns, and never exceeds 0.9.
func Heuristic(content string, contentType model.ContentType) float64 {
	score := 0.3

	isFile := contentType == model.ContentFileEvent ||
		contentType == model.ContentDocumentContent
	if isFile {
		score += 0.4
	}
	if len(content) > 200 {
		score += 0.1
	}
	if !isFile && strings.Contains(content, "?") {
		score += 0.1
	}
	if strings.ContainsFunc(content, unicode.IsDigit) {
		score += 0.1
	}
	score += properNounBonus(content)

	if score > 0.9 {
		score = 0.9
	}
	return score
}

// properNounBonus grants up to 0.2 for capitalized mid-sentence words,
// a rough proxy for names and places.
func properNounBonus(content string) float64 {
	words := strings.Fields(content)
	if len(words) < 2 {
		return 0
	}
	var proper int
	for i, w := range words {
		if i == 0 {
			continue
		}
		r := []rune(strings.TrimFunc(w, unicode.IsPunct))
		if len(r) > 1 && unicode.IsUpper(r[0]) && unicode.IsLower(r[1]) {
			proper++
		}
	}
	bonus := float64(proper) / float64(len(words))
	if bonus > 0.2 {
		bonus = 0.2
	}
	return bonus
}

func cacheKey(content string, contentType model.ContentType) string {
	h := sha256.Sum256([]byte(string(contentType) + "|" + content))
	return fmt.Sprintf("%x", h[:16])
}

func (e *Evaluator) cached(key string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(e.cache, key)
		return 0, false
	}
	return entry.score, true
}

func (e *Evaluator) store(key string, score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.CacheMaxSize > 0 && len(e.cache) >= e.cfg.CacheMaxSize {
		// Drop an arbitrary tenth to stay bounded.
		drop := e.cfg.CacheMaxSize / 10
		if drop < 1 {
			drop = 1
		}
		for k := range e.cache {
			delete(e.cache, k)
			drop--
			if drop == 0 {
				break
			}
		}
	}
	e.cache[key] = cacheEntry{score: score, expires: time.Now().Add(e.cfg.CacheTTL)}
}
