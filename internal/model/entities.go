// Package model defines the canonical entities of the memory engine:
// raw records, chunks, episodes, thoughts, and the links between them.
// The relational store is the source of truth for everything here; the
// vector store only carries rebuildable shadows.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContentType classifies what kind of content a raw record carries.
type ContentType string

const (
	ContentUserChat        ContentType = "user_chat"
	ContentAIResponse      ContentType = "ai_response"
	ContentFileEvent       ContentType = "uploaded_file_event"
	ContentDocumentContent ContentType = "uploaded_document_content"
	ContentImageAnalysis   ContentType = "image_analysis"
)

// Valid reports whether the content type is one of the known values.
func (ct ContentType) Valid() bool {
	switch ct {
	case ContentUserChat, ContentAIResponse, ContentFileEvent,
		ContentDocumentContent, ContentImageAnalysis:
		return true
	default:
		return false
	}
}

// RecordStatus tracks a raw record through the ingestion pipeline.
// Transitions are pending -> processed | skipped | error, and terminal
// states are never left again.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordProcessed RecordStatus = "processed"
	RecordSkipped   RecordStatus = "skipped"
	RecordError     RecordStatus = "error"
)

// Terminal reports whether the status is final.
func (s RecordStatus) Terminal() bool {
	return s == RecordProcessed || s == RecordSkipped || s == RecordError
}

// CanTransitionTo enforces the record state machine.
func (s RecordStatus) CanTransitionTo(next RecordStatus) bool {
	if s == next {
		return true
	}
	return s == RecordPending && next.Terminal()
}

// RawRecord is a single ingested item: a user utterance, an AI reply,
// a file event, extracted document content, or an image analysis.
type RawRecord struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id"`
	SessionID           string       `json:"session_id"`
	ContentType         ContentType  `json:"content_type"`
	Content             string       `json:"content"`
	PerspectiveOwnerID  string       `json:"perspective_owner_id"`
	SubjectID           string       `json:"subject_id"`
	TopicKey            string       `json:"topic_key,omitempty"`
	ImportanceScore     *float64     `json:"importance_score,omitempty"`
	ProcessingStatus    RecordStatus `json:"processing_status"`
	SkipImportanceCheck bool         `json:"skip_importance_check,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	ProcessedAt         *time.Time   `json:"processed_at,omitempty"`
	ProcessingError     string       `json:"processing_error,omitempty"`
}

// NewRawRecord creates a pending raw record with a fresh ID.
func NewRawRecord(userID, sessionID string, contentType ContentType, content string) *RawRecord {
	now := time.Now().UTC()
	return &RawRecord{
		ID:                 uuid.New().String(),
		UserID:             userID,
		SessionID:          sessionID,
		ContentType:        contentType,
		Content:            content,
		PerspectiveOwnerID: userID,
		SubjectID:          userID,
		ProcessingStatus:   RecordPending,
		CreatedAt:          now,
	}
}

// Validate checks the caller-supplied fields of a raw record.
func (r *RawRecord) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id cannot be empty")
	}
	if !r.ContentType.Valid() {
		return fmt.Errorf("unknown content_type: %s", r.ContentType)
	}
	if r.ImportanceScore != nil && (*r.ImportanceScore < 0 || *r.ImportanceScore > 1) {
		return fmt.Errorf("importance_score out of range: %f", *r.ImportanceScore)
	}
	return nil
}

// ChunkStatus tracks a chunk through embedding and vector indexing.
type ChunkStatus string

const (
	ChunkPending        ChunkStatus = "pending"
	ChunkEmbeddingError ChunkStatus = "embedding_error"
	ChunkPendingVector  ChunkStatus = "pending_vector"
	ChunkProcessed      ChunkStatus = "processed"
)

// ChunkMetadata is the fixed metadata record carried by every chunk.
// It replaces the ad hoc dictionary payloads of earlier revisions with
// a structured column validated at the boundary.
type ChunkMetadata struct {
	ContentType        ContentType `json:"content_type"`
	SourceCreatedAt    time.Time   `json:"source_created_at"`
	PerspectiveOwnerID string      `json:"perspective_owner_id"`
	SubjectID          string      `json:"subject_id"`
	TopicKey           string      `json:"topic_key,omitempty"`
	ForceImportant     bool        `json:"force_important,omitempty"`
}

// Chunk is a semantic slice of one raw record: the unit of embedding
// and retrieval.
type Chunk struct {
	ID               string        `json:"id"`
	RawRecordID      string        `json:"raw_record_id"`
	UserID           string        `json:"user_id"`
	SessionID        string        `json:"session_id"`
	Text             string        `json:"text"`
	Index            int           `json:"index"`
	TokenCount       int           `json:"token_count"`
	ImportanceScore  float64       `json:"importance_score"`
	Vector           []float32     `json:"vector,omitempty"`
	ProcessingStatus ChunkStatus   `json:"processing_status"`
	Metadata         ChunkMetadata `json:"metadata"`
	CreatedAt        time.Time     `json:"created_at"`
}

// NewChunk creates a pending chunk inheriting identity from its parent record.
func NewChunk(rec *RawRecord, text string, index, tokenCount int, importance float64) *Chunk {
	return &Chunk{
		ID:               uuid.New().String(),
		RawRecordID:      rec.ID,
		UserID:           rec.UserID,
		SessionID:        rec.SessionID,
		Text:             text,
		Index:            index,
		TokenCount:       tokenCount,
		ImportanceScore:  importance,
		ProcessingStatus: ChunkPending,
		Metadata: ChunkMetadata{
			ContentType:        rec.ContentType,
			SourceCreatedAt:    rec.CreatedAt,
			PerspectiveOwnerID: rec.PerspectiveOwnerID,
			SubjectID:          rec.SubjectID,
			TopicKey:           rec.TopicKey,
			ForceImportant:     rec.SkipImportanceCheck,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks chunk invariants.
func (c *Chunk) Validate() error {
	if c.RawRecordID == "" {
		return errors.New("chunk must reference a raw record")
	}
	if strings.TrimSpace(c.Text) == "" {
		return errors.New("chunk text cannot be empty")
	}
	if c.TokenCount <= 0 {
		return errors.New("chunk token count must be positive")
	}
	if c.Index < 0 {
		return errors.New("chunk index cannot be negative")
	}
	return nil
}

// Episode is a user-scoped cluster of related chunks with a generated
// title, narrative, and centroid vector.
type Episode struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Narrative string    `json:"narrative"`
	Centroid  []float32 `json:"centroid"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxTitleLen caps generated episode titles.
const MaxTitleLen = 50

// NewEpisode creates an episode seeded with the given centroid.
func NewEpisode(userID, title, narrative string, centroid []float32) *Episode {
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}
	return &Episode{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Narrative: narrative,
		Centroid:  centroid,
		CreatedAt: time.Now().UTC(),
	}
}

// ChunkEpisode links a chunk to an episode. A chunk may belong to
// several episodes; the pair is unique.
type ChunkEpisode struct {
	ChunkID   string    `json:"chunk_id"`
	EpisodeID string    `json:"episode_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Thought is a higher-order insight derived from a cluster of episodes.
type Thought struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Vector      []float32 `json:"vector"`
	Importance  float64   `json:"importance"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewThought creates a thought with a fresh ID.
func NewThought(userID, name, description string, vector []float32, importance float64) *Thought {
	return &Thought{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        name,
		Description: description,
		Vector:      vector,
		Importance:  importance,
		CreatedAt:   time.Now().UTC(),
	}
}

// EpisodeThought links a thought to one of its source episodes with a
// weight equal to the cosine similarity between the thought vector and
// the episode centroid at creation time.
type EpisodeThought struct {
	EpisodeID string  `json:"episode_id"`
	ThoughtID string  `json:"thought_id"`
	Weight    float64 `json:"weight"`
}
