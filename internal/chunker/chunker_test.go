package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-memory/internal/config"
	"companion-memory/internal/model"
)

func newChunker() *Chunker {
	cfg := config.Default().Chunking
	return New(&cfg)
}

func TestSplitTextEmpty(t *testing.T) {
	assert.Nil(t, newChunker().SplitText("   \n  "))
}

func TestSplitTextSinglePieceAtBoundary(t *testing.T) {
	c := newChunker()

	pieces := c.SplitText(strings.Repeat("a", 1999))
	require.Len(t, pieces, 1)

	pieces = c.SplitText(strings.Repeat("a", 2000))
	require.Len(t, pieces, 1)
}

func TestSplitTextSentenceBoundaryAroundMax(t *testing.T) {
	c := newChunker()

	// 666 repeats plus a bare "A" is 1999 chars, under the max bound.
	pieces := c.SplitText(strings.Repeat("A. ", 666) + "A")
	require.Len(t, pieces, 1)

	// 667 repeats is 2001 chars: two chunks, split on a sentence end,
	// whose rejoined text equals the input modulo separators.
	input := strings.Repeat("A. ", 667)
	pieces = c.SplitText(input)
	require.Len(t, pieces, 2)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p), 2000)
		assert.True(t, strings.HasSuffix(p, "A."))
	}
	assert.Equal(t, strings.TrimSpace(input), strings.Join(pieces, " "))
}

func TestSplitTextHardSplitAtTarget(t *testing.T) {
	c := newChunker()

	pieces := c.SplitText(strings.Repeat("a", 2001))
	require.Len(t, pieces, 3)
	assert.Equal(t, 800, len(pieces[0]))
	assert.Equal(t, 800, len(pieces[1]))
	assert.Equal(t, 401, len(pieces[2]))
	assert.Equal(t, strings.Repeat("a", 2001), strings.Join(pieces, ""))
}

func TestSplitTextPrefersParagraphs(t *testing.T) {
	c := newChunker()
	para := strings.Repeat("b", 1200)
	text := para + "\n\n" + para

	pieces := c.SplitText(text)
	require.Len(t, pieces, 2)
	for _, p := range pieces {
		assert.Equal(t, para, p)
	}
}

func TestSplitTextPacksSmallParagraphs(t *testing.T) {
	c := newChunker()
	small := strings.Repeat("c", 300)
	text := strings.Repeat(small+"\n\n", 7) // 7 paragraphs, > max total

	pieces := c.SplitText(text)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p), 2000)
	}
	// Adjacent small paragraphs share a piece instead of one piece each.
	assert.Less(t, len(pieces), 7)
}

func TestSplitTextSentenceFallback(t *testing.T) {
	c := newChunker()
	text := strings.TrimSpace(strings.Repeat("The quick brown fox jumps over the lazy dog. ", 60))

	pieces := c.SplitText(text)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p), 2000)
	}
}

func TestSplitTextMergesTinyTail(t *testing.T) {
	c := newChunker()

	// A target-sized hard split of 2450 chars leaves a 50-char tail,
	// which folds into its predecessor.
	pieces := c.SplitText(strings.Repeat("x", 2450))
	require.Len(t, pieces, 3)
	assert.Equal(t, 800, len(pieces[0]))
	assert.Equal(t, 800, len(pieces[1]))
	assert.Equal(t, 850, len(pieces[2]))
}

func TestChunkCarriesRecordIdentity(t *testing.T) {
	c := newChunker()
	rec := model.NewRawRecord("user-1", "sess-1", model.ContentUserChat,
		strings.Repeat("d", 2500))
	rec.SkipImportanceCheck = true

	chunks := c.Chunk(rec, 0.8)
	require.Len(t, chunks, 4)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, rec.ID, ch.RawRecordID)
		assert.Equal(t, "user-1", ch.UserID)
		assert.Equal(t, "sess-1", ch.SessionID)
		assert.InDelta(t, 0.8, ch.ImportanceScore, 1e-9)
		assert.True(t, ch.Metadata.ForceImportant)
		assert.Equal(t, model.ContentUserChat, ch.Metadata.ContentType)
		assert.Equal(t, TokenCount(ch.Text), ch.TokenCount)
		require.NoError(t, ch.Validate())
	}
}

func TestTokenCount(t *testing.T) {
	assert.Equal(t, 1, TokenCount("ab"))
	assert.Equal(t, 1, TokenCount("abcd"))
	assert.Equal(t, 2, TokenCount("abcde"))
	assert.Equal(t, 25, TokenCount(strings.Repeat("x", 100)))
}
