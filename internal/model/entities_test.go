package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentTypeValid(t *testing.T) {
	for _, ct := range []ContentType{
		ContentUserChat, ContentAIResponse, ContentFileEvent,
		ContentDocumentContent, ContentImageAnalysis,
	} {
		assert.True(t, ct.Valid(), string(ct))
	}
	assert.False(t, ContentType("tweet").Valid())
	assert.False(t, ContentType("").Valid())
}

func TestRecordStatusTransitions(t *testing.T) {
	assert.True(t, RecordPending.CanTransitionTo(RecordProcessed))
	assert.True(t, RecordPending.CanTransitionTo(RecordSkipped))
	assert.True(t, RecordPending.CanTransitionTo(RecordError))
	assert.True(t, RecordError.CanTransitionTo(RecordError))

	assert.False(t, RecordProcessed.CanTransitionTo(RecordPending))
	assert.False(t, RecordProcessed.CanTransitionTo(RecordError))
	assert.False(t, RecordSkipped.CanTransitionTo(RecordProcessed))
}

func TestNewRawRecordDefaults(t *testing.T) {
	rec := NewRawRecord("user-1", "sess-1", ContentUserChat, "hello")
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, RecordPending, rec.ProcessingStatus)
	assert.Equal(t, "user-1", rec.PerspectiveOwnerID)
	assert.Equal(t, "user-1", rec.SubjectID)
	assert.WithinDuration(t, time.Now().UTC(), rec.CreatedAt, time.Minute)
	require.NoError(t, rec.Validate())
}

func TestRawRecordValidate(t *testing.T) {
	rec := NewRawRecord("", "s", ContentUserChat, "x")
	assert.Error(t, rec.Validate())

	rec = NewRawRecord("u", "s", ContentType("bogus"), "x")
	assert.Error(t, rec.Validate())

	rec = NewRawRecord("u", "s", ContentUserChat, "x")
	bad := 1.5
	rec.ImportanceScore = &bad
	assert.Error(t, rec.Validate())
}

func TestNewChunkInheritsIdentity(t *testing.T) {
	rec := NewRawRecord("user-1", "sess-1", ContentDocumentContent, "body")
	rec.TopicKey = "taxes"
	rec.SkipImportanceCheck = true

	ch := NewChunk(rec, "body", 0, 1, 0.6)
	assert.Equal(t, rec.ID, ch.RawRecordID)
	assert.Equal(t, "user-1", ch.UserID)
	assert.Equal(t, ChunkPending, ch.ProcessingStatus)
	assert.Equal(t, ContentDocumentContent, ch.Metadata.ContentType)
	assert.Equal(t, "taxes", ch.Metadata.TopicKey)
	assert.True(t, ch.Metadata.ForceImportant)
	require.NoError(t, ch.Validate())
}

func TestChunkValidate(t *testing.T) {
	rec := NewRawRecord("u", "s", ContentUserChat, "x")

	ch := NewChunk(rec, "  ", 0, 1, 0)
	assert.Error(t, ch.Validate())

	ch = NewChunk(rec, "text", 0, 0, 0)
	assert.Error(t, ch.Validate())

	ch = NewChunk(rec, "text", -1, 1, 0)
	assert.Error(t, ch.Validate())
}

func TestNewEpisodeTruncatesTitle(t *testing.T) {
	ep := NewEpisode("u", strings.Repeat("t", 80), "", []float32{1})
	assert.Len(t, ep.Title, MaxTitleLen)

	ep = NewEpisode("u", "short", "", []float32{1})
	assert.Equal(t, "short", ep.Title)
}
