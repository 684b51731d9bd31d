// Package chunker splits raw record content into retrieval-sized
// chunks along natural text boundaries. Splitting is recursive over a
// separator hierarchy, from paragraph breaks down to sentence ends,
// with an even hard split as the last resort.
package chunker

import (
	"strings"

	"companion-memory/internal/config"
	"companion-memory/internal/model"
)

// separators, strongest boundary first.
var separators = []string{"\n\n", "\n", ". ", "? ", "! "}

// Chunker turns one raw record into its ordered chunks.
type Chunker struct {
	cfg *config.ChunkingConfig
}

// New builds a chunker with the given size bounds.
func New(cfg *config.ChunkingConfig) *Chunker {
	return &Chunker{cfg: cfg}
}

// Chunk splits a record's content and wraps each piece in a chunk
// carrying the record's identity, metadata, and importance score.
func (c *Chunker) Chunk(rec *model.RawRecord, importance float64) []*model.Chunk {
	pieces := c.SplitText(rec.Content)
	chunks := make([]*model.Chunk, 0, len(pieces))
	for i, text := range pieces {
		chunks = append(chunks, model.NewChunk(rec, text, i, TokenCount(text), importance))
	}
	return chunks
}

// SplitText returns the ordered text pieces for one content string.
// Content at or under the max bound stays a single piece. Size
// decisions run on the raw text; pieces are whitespace-trimmed only at
// the end, so a trailing separator still counts toward the boundary.
func (c *Chunker) SplitText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.cfg.MaxChars {
		return []string{strings.TrimSpace(text)}
	}

	pieces := c.mergeTrailing(c.split(text, 0))
	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// split recursively packs separator-delimited segments into pieces of
// at most max chars, recursing a level deeper for any segment that
// alone exceeds the max bound.
func (c *Chunker) split(text string, sepIdx int) []string {
	if len(text) <= c.cfg.MaxChars {
		return []string{text}
	}
	if sepIdx >= len(separators) {
		return c.hardSplit(text)
	}

	segments := strings.SplitAfter(text, separators[sepIdx])
	if len(segments) == 1 {
		return c.split(text, sepIdx+1)
	}

	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, seg := range segments {
		if len(seg) > c.cfg.MaxChars {
			flush()
			out = append(out, c.split(seg, sepIdx+1)...)
			continue
		}
		if cur.Len()+len(seg) > c.cfg.MaxChars {
			flush()
		}
		cur.WriteString(seg)
	}
	flush()
	return out
}

// hardSplit cuts separator-free text into target-sized pieces as a
// last resort; only the final piece may fall short of the target.
func (c *Chunker) hardSplit(text string) []string {
	size := c.cfg.TargetChars
	out := make([]string, 0, (len(text)+size-1)/size)
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
	}
	return out
}

// mergeTrailing folds a final fragment under the min bound into its
// predecessor when the pair still fits the max bound. Pieces carry
// their separators at this point, so plain concatenation restores the
// source text.
func (c *Chunker) mergeTrailing(pieces []string) []string {
	n := len(pieces)
	if n < 2 {
		return pieces
	}
	last := pieces[n-1]
	prev := pieces[n-2]
	if len(last) >= c.cfg.MinChars || len(prev)+len(last) > c.cfg.MaxChars {
		return pieces
	}
	pieces[n-2] = prev + last
	return pieces[:n-1]
}

// TokenCount is the rough chars-over-four token estimate used for
// budgeting downstream prompts.
func TokenCount(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
