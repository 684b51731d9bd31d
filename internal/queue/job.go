// Package queue is the Redis-backed background job system: a delayed
// set promoted into per-kind ready lists, consumed by bounded worker
// pools with exponential-backoff retries.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a job family. Each kind has its own ready list, handler,
// and worker pool.
type Kind string

const (
	KindIngest      Kind = "ingest"
	KindAttach      Kind = "attach_episode"
	KindConsolidate Kind = "consolidate"
	KindThoughts    Kind = "generate_thoughts"
	KindFileUpload  Kind = "file_upload"
)

// Kinds lists every job family, in worker startup order.
func Kinds() []Kind {
	return []Kind{KindIngest, KindAttach, KindConsolidate, KindThoughts, KindFileUpload}
}

// Job is one unit of background work. Serialized jobs ride through
// Redis; Attempts counts deliveries so far.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewJob builds a job with a random ID and an encoded payload.
func NewJob(kind Kind, userID string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		UserID:     userID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// NewKeyedJob builds a job whose ID derives from the kind and user so
// that at most one such job is pending per user at a time.
func NewKeyedJob(kind Kind, userID string, payload any) (*Job, error) {
	j, err := NewJob(kind, userID, payload)
	if err != nil {
		return nil, err
	}
	j.ID = fmt.Sprintf("%s:%s", kind, userID)
	return j, nil
}

// DecodePayload unmarshals the payload into dst.
func (j *Job) DecodePayload(dst any) error {
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// IngestPayload drives chunking, scoring, and embedding of one record.
type IngestPayload struct {
	RecordID string `json:"record_id"`
}

// AttachPayload drives episode attachment of one chunk.
type AttachPayload struct {
	ChunkID string `json:"chunk_id"`
}

// ConsolidatePayload drives orphan-chunk clustering for one user.
type ConsolidatePayload struct {
	UserID string `json:"user_id"`
}

// ThoughtsPayload drives thought generation for one user.
type ThoughtsPayload struct {
	UserID string `json:"user_id"`
}

// FileUploadPayload drives extraction and ingestion of uploaded files.
// Data is carried inline; the queue is not meant for large binaries.
type FileUploadPayload struct {
	RecordID string `json:"record_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}
