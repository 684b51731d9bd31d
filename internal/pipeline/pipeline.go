// Package pipeline turns a pending raw record into processed,
// embedded, vector-indexed chunks. The flow is score, gate, chunk,
// embed, index; each failure mode lands the record or its chunks in a
// status the sweeper or the retry system can pick up later.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"companion-memory/internal/chunker"
	"companion-memory/internal/config"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
	"companion-memory/internal/queue"
	"companion-memory/internal/store"
	"companion-memory/internal/vector"
	"companion-memory/internal/vectormath"
)

// RecordStore is the relational surface the pipeline needs.
type RecordStore interface {
	GetRawRecord(ctx context.Context, id string) (*model.RawRecord, error)
	SetRawRecordStatus(ctx context.Context, id string, status model.RecordStatus, procErr string) error
	SetRawRecordImportance(ctx context.Context, id string, score float64) error
	CreateChunks(ctx context.Context, chunks []*model.Chunk) error
	SetChunkStatus(ctx context.Context, ids []string, status model.ChunkStatus) error
	ListChunksByStatus(ctx context.Context, status model.ChunkStatus, limit int) ([]*model.Chunk, error)
	CountUnprocessedChunks(ctx context.Context, rawRecordID string) (int, error)
}

// VectorIndex is the vector-store surface the pipeline needs.
type VectorIndex interface {
	UpsertBatch(ctx context.Context, class vector.Class, objects []vector.Object) error
}

// Enqueuer hands follow-up jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// Scorer rates content importance.
type Scorer interface {
	Score(ctx context.Context, content string, contentType model.ContentType) float64
}

// Embedder produces embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline is the ingest worker body.
type Pipeline struct {
	records  RecordStore
	vectors  VectorIndex
	embedder Embedder
	scorer   Scorer
	queue    Enqueuer
	chunker  *chunker.Chunker
	cfg      *config.Config
	logger   *zap.Logger
}

// New wires the pipeline.
func New(records RecordStore, vectors VectorIndex, embedder Embedder, scorer Scorer,
	q Enqueuer, ch *chunker.Chunker, cfg *config.Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		records:  records,
		vectors:  vectors,
		embedder: embedder,
		scorer:   scorer,
		queue:    q,
		chunker:  ch,
		cfg:      cfg,
		logger:   logger.Named("pipeline"),
	}
}

// ProcessRecord runs the full ingest flow for one raw record. Records
// already in a terminal status are left alone, so redelivery of the
// same job is harmless.
func (p *Pipeline) ProcessRecord(ctx context.Context, recordID string) error {
	rec, err := p.records.GetRawRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("record vanished before processing",
				zap.String("record_id", recordID))
			return nil
		}
		return err
	}
	if rec.ProcessingStatus.Terminal() {
		return nil
	}

	if strings.TrimSpace(rec.Content) == "" {
		return p.records.SetRawRecordStatus(ctx, rec.ID, model.RecordSkipped, "empty content")
	}

	score := p.scoreRecord(ctx, rec)
	if err := p.records.SetRawRecordImportance(ctx, rec.ID, score); err != nil {
		return err
	}

	if !rec.SkipImportanceCheck && score < p.cfg.Importance.Threshold {
		return p.records.SetRawRecordStatus(ctx, rec.ID, model.RecordSkipped,
			fmt.Sprintf("importance %.2f below threshold", score))
	}

	chunks := p.chunker.Chunk(rec, score)
	if len(chunks) == 0 {
		return p.records.SetRawRecordStatus(ctx, rec.ID, model.RecordSkipped, "no chunks produced")
	}
	if err := p.records.CreateChunks(ctx, chunks); err != nil {
		return err
	}

	vecs, err := p.embedChunks(ctx, chunks)
	if err != nil {
		// Embedding is unrecoverable for this record once the retry
		// budget inside the client is spent.
		if serr := p.records.SetChunkStatus(ctx, chunkIDs(chunks), model.ChunkEmbeddingError); serr != nil {
			return serr
		}
		return p.records.SetRawRecordStatus(ctx, rec.ID, model.RecordError,
			fmt.Sprintf("embedding failed: %v", err))
	}

	if err := p.indexChunks(ctx, chunks, vecs); err != nil {
		// The vector store is down but the chunks and their rows are
		// intact. Park them for the sweeper; the record stays pending.
		p.logger.Warn("vector indexing failed, parking chunks",
			zap.String("record_id", rec.ID), zap.Error(err))
		return p.records.SetChunkStatus(ctx, chunkIDs(chunks), model.ChunkPendingVector)
	}

	if err := p.records.SetChunkStatus(ctx, chunkIDs(chunks), model.ChunkProcessed); err != nil {
		return err
	}
	if err := p.records.SetRawRecordStatus(ctx, rec.ID, model.RecordProcessed, ""); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			return nil
		}
		return err
	}

	p.enqueueAttach(ctx, chunks)
	return nil
}

func (p *Pipeline) scoreRecord(ctx context.Context, rec *model.RawRecord) float64 {
	if rec.ImportanceScore != nil {
		return *rec.ImportanceScore
	}
	if rec.SkipImportanceCheck {
		return 1.0
	}
	return p.scorer.Score(ctx, rec.Content, rec.ContentType)
}

// embedChunks embeds every chunk text in one provider call and aligns
// the result to the index dimension. A count mismatch is treated as a
// provider failure.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*model.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vecs), len(chunks))
	}
	for i := range vecs {
		vecs[i] = vectormath.Align(vecs[i], p.cfg.Qdrant.Dimension)
	}
	return vecs, nil
}

func (p *Pipeline) indexChunks(ctx context.Context, chunks []*model.Chunk, vecs [][]float32) error {
	objects := make([]vector.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = vector.Object{
			ID:     c.ID,
			Vector: vecs[i],
			Properties: map[string]any{
				vector.ClassChunk.BackRefKey(): c.ID,
				"chunkText":                    c.Text,
				"userId":                       c.UserID,
				"sessionId":                    c.SessionID,
				"importance":                   c.ImportanceScore,
				"contentType":                  string(c.Metadata.ContentType),
				"sourceCreatedAt":              c.Metadata.SourceCreatedAt.UTC().Format(time.RFC3339),
				"perspectiveOwnerId":           c.Metadata.PerspectiveOwnerID,
				"subjectId":                    c.Metadata.SubjectID,
				"topicKey":                     c.Metadata.TopicKey,
			},
		}
	}
	return p.vectors.UpsertBatch(ctx, vector.ClassChunk, objects)
}

// enqueueAttach schedules one attach job per chunk, in index order,
// after a short settle delay so the vectors become queryable first.
func (p *Pipeline) enqueueAttach(ctx context.Context, chunks []*model.Chunk) {
	for _, c := range chunks {
		job, err := queue.NewJob(queue.KindAttach, c.UserID, queue.AttachPayload{ChunkID: c.ID})
		if err != nil {
			p.logger.Error("failed to build attach job",
				zap.String("chunk_id", c.ID), zap.Error(err))
			continue
		}
		if err := p.queue.Enqueue(ctx, job, p.cfg.Queue.AttachDelay); err != nil {
			p.logger.Error("failed to enqueue attach job",
				zap.String("chunk_id", c.ID), zap.Error(err))
		}
	}
}

// SweepPendingVectors retries chunks parked by an earlier vector-store
// outage: re-embed, re-index, then release the parent record once none
// of its chunks remain unprocessed. Runs from cron.
func (p *Pipeline) SweepPendingVectors(ctx context.Context, limit int) error {
	chunks, err := p.records.ListChunksByStatus(ctx, model.ChunkPendingVector, limit)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	vecs, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("sweep embedding failed: %w", err)
	}
	if err := p.indexChunks(ctx, chunks, vecs); err != nil {
		return fmt.Errorf("sweep indexing failed: %w", err)
	}
	if err := p.records.SetChunkStatus(ctx, chunkIDs(chunks), model.ChunkProcessed); err != nil {
		return err
	}

	for _, recordID := range recordIDs(chunks) {
		remaining, err := p.records.CountUnprocessedChunks(ctx, recordID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		err = p.records.SetRawRecordStatus(ctx, recordID, model.RecordProcessed, "")
		if err != nil && !errors.Is(err, store.ErrTerminalStatus) {
			return err
		}
	}

	p.enqueueAttach(ctx, chunks)
	p.logger.Info("swept parked chunks", zap.Int("count", len(chunks)))
	return nil
}

// IsRetryable reports whether a pipeline failure should be retried by
// the queue. Provider errors marked permanent are not.
func IsRetryable(err error) bool {
	var le *llm.Error
	if errors.As(err, &le) {
		return le.Retryable
	}
	return true
}

func chunkIDs(chunks []*model.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

func recordIDs(chunks []*model.Chunk) []string {
	seen := make(map[string]bool, len(chunks))
	var out []string
	for _, c := range chunks {
		if !seen[c.RawRecordID] {
			seen[c.RawRecordID] = true
			out = append(out, c.RawRecordID)
		}
	}
	return out
}
