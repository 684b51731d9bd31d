// Package memory is the engine facade: it accepts raw records and file
// uploads, hands the asynchronous work to the queue, and serves
// retrieval. Everything below it is wired through the narrow
// interfaces each stage defines for itself.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"companion-memory/internal/config"
	"companion-memory/internal/consolidate"
	"companion-memory/internal/episode"
	"companion-memory/internal/llm"
	"companion-memory/internal/model"
	"companion-memory/internal/pipeline"
	"companion-memory/internal/queue"
	"companion-memory/internal/retrieve"
	"companion-memory/internal/store"
	"companion-memory/internal/thought"
	"companion-memory/internal/vector"
)

// IngestInput is one item handed to the engine.
type IngestInput struct {
	UserID      string
	SessionID   string
	ContentType model.ContentType
	Content     string

	// Optional overrides.
	PerspectiveOwnerID  string
	SubjectID           string
	TopicKey            string
	ImportanceScore     *float64
	SkipImportanceCheck bool
	Dedup               bool
}

// Service is the memory engine's public surface.
type Service struct {
	store        *store.Store
	vectors      *vector.Store
	client       llm.Client
	queue        *queue.Manager
	pipeline     *pipeline.Pipeline
	attacher     *episode.Attacher
	consolidator *consolidate.Consolidator
	generator    *thought.Generator
	retriever    *retrieve.Retriever
	cfg          *config.Config
	logger       *zap.Logger
}

// NewService assembles the engine on top of already-connected stores.
func NewService(st *store.Store, vs *vector.Store, client llm.Client,
	qm *queue.Manager, cfg *config.Config, logger *zap.Logger) *Service {

	scorer := newScorer(client, cfg, logger)
	chk := newChunker(cfg)
	s := &Service{
		store:        st,
		vectors:      vs,
		client:       client,
		queue:        qm,
		pipeline:     pipeline.New(st, vs, client, scorer, qm, chk, cfg, logger),
		attacher:     episode.NewAttacher(st, vs, client, qm, cfg, logger),
		consolidator: consolidate.New(st, vs, client, cfg, logger),
		generator:    thought.NewGenerator(st, vs, client, cfg, logger),
		retriever:    retrieve.New(st, vs, client, cfg, logger),
		cfg:          cfg,
		logger:       logger.Named("memory"),
	}
	s.registerHandlers()
	return s
}

// IngestRawRecord persists a record and schedules its processing.
// Returns the stored record and whether it was newly created; with
// dedup requested, an identical record short-circuits to the existing
// row without enqueueing anything.
func (s *Service) IngestRawRecord(ctx context.Context, in IngestInput) (*model.RawRecord, bool, error) {
	rec := model.NewRawRecord(in.UserID, in.SessionID, in.ContentType, in.Content)
	if in.PerspectiveOwnerID != "" {
		rec.PerspectiveOwnerID = in.PerspectiveOwnerID
	}
	if in.SubjectID != "" {
		rec.SubjectID = in.SubjectID
	}
	rec.TopicKey = in.TopicKey
	rec.ImportanceScore = in.ImportanceScore
	rec.SkipImportanceCheck = in.SkipImportanceCheck

	if err := rec.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid record: %w", err)
	}

	created, err := s.store.CreateRawRecord(ctx, rec, in.Dedup)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.logger.Debug("record deduplicated", zap.String("record_id", rec.ID))
		return rec, false, nil
	}

	job, err := queue.NewJob(queue.KindIngest, rec.UserID, queue.IngestPayload{RecordID: rec.ID})
	if err != nil {
		return rec, true, err
	}
	if err := s.queue.Enqueue(ctx, job, 0); err != nil {
		return rec, true, fmt.Errorf("record stored but not scheduled: %w", err)
	}
	return rec, true, nil
}

// IngestFileUpload records a file upload event and schedules content
// extraction. Images go through vision analysis; anything text-like is
// ingested as document content.
func (s *Service) IngestFileUpload(ctx context.Context, userID, sessionID, filename, mimeType string, data []byte) (*model.RawRecord, error) {
	rec, _, err := s.IngestRawRecord(ctx, IngestInput{
		UserID:              userID,
		SessionID:           sessionID,
		ContentType:         model.ContentFileEvent,
		Content:             fmt.Sprintf("Uploaded file %q (%s, %d bytes)", filename, mimeType, len(data)),
		SkipImportanceCheck: true,
	})
	if err != nil {
		return nil, err
	}

	job, err := queue.NewJob(queue.KindFileUpload, userID, queue.FileUploadPayload{
		RecordID: rec.ID,
		Filename: filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		return rec, err
	}
	if err := s.queue.Enqueue(ctx, job, 0); err != nil {
		return rec, fmt.Errorf("upload stored but not scheduled: %w", err)
	}
	return rec, nil
}

// RetrieveMemories runs the staged retrieval for one query. Zero
// option values fall back to the configured defaults.
func (s *Service) RetrieveMemories(ctx context.Context, userID, query string, opts retrieve.Options) []retrieve.Memory {
	return s.retriever.Retrieve(ctx, userID, query, opts)
}

// MemoryContext renders retrieved memories as the context block the
// conversation layer injects ahead of the user message.
func (s *Service) MemoryContext(ctx context.Context, userID, query string) string {
	memories := s.RetrieveMemories(ctx, userID, query, retrieve.Options{})
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories about this person:\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Text)
	}
	return b.String()
}

// Chat answers one conversational turn with memory context injected,
// and feeds both sides of the exchange back into ingestion.
func (s *Service) Chat(ctx context.Context, userID, sessionID, message string) (string, error) {
	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		UserID:        userID,
		SessionID:     sessionID,
		Message:       message,
		MemoryContext: s.MemoryContext(ctx, userID, message),
	})
	if err != nil {
		return "", err
	}

	for _, in := range []IngestInput{
		{UserID: userID, SessionID: sessionID, ContentType: model.ContentUserChat, Content: message, Dedup: true},
		{UserID: userID, SessionID: sessionID, ContentType: model.ContentAIResponse, Content: resp.Text, Dedup: true},
	} {
		if _, _, err := s.IngestRawRecord(ctx, in); err != nil {
			s.logger.Warn("failed to ingest conversation turn",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	return resp.Text, nil
}

// TriggerConsolidation schedules an orphan consolidation pass for one
// user. Duplicate pending requests collapse into one.
func (s *Service) TriggerConsolidation(ctx context.Context, userID string) error {
	job, err := queue.NewKeyedJob(queue.KindConsolidate, userID,
		queue.ConsolidatePayload{UserID: userID})
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job, 0)
}

// GenerateThoughtsForUser schedules thought generation for one user.
func (s *Service) GenerateThoughtsForUser(ctx context.Context, userID string) error {
	job, err := queue.NewKeyedJob(queue.KindThoughts, userID,
		queue.ThoughtsPayload{UserID: userID})
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job, 0)
}

// Health reports the reachability of every backend.
func (s *Service) Health(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return map[string]error{
		"postgres": s.store.HealthCheck(ctx),
		"qdrant":   s.vectors.HealthCheck(ctx),
		"redis":    s.queue.HealthCheck(ctx),
		"llm":      s.client.HealthCheck(ctx),
	}
}

// registerHandlers binds every job kind to its stage.
func (s *Service) registerHandlers() {
	s.queue.Register(queue.KindIngest, func(ctx context.Context, job *queue.Job) error {
		var p queue.IngestPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		return s.pipeline.ProcessRecord(ctx, p.RecordID)
	}, false)

	s.queue.Register(queue.KindAttach, func(ctx context.Context, job *queue.Job) error {
		var p queue.AttachPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		return s.attacher.AttachChunk(ctx, p.ChunkID)
	}, false)

	s.queue.Register(queue.KindConsolidate, func(ctx context.Context, job *queue.Job) error {
		var p queue.ConsolidatePayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		_, err := s.consolidator.Run(ctx, p.UserID)
		return err
	}, true)

	s.queue.Register(queue.KindThoughts, func(ctx context.Context, job *queue.Job) error {
		var p queue.ThoughtsPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		_, err := s.generator.Run(ctx, p.UserID)
		return err
	}, true)

	s.queue.Register(queue.KindFileUpload, func(ctx context.Context, job *queue.Job) error {
		var p queue.FileUploadPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		return s.processFileUpload(ctx, job.UserID, &p)
	}, false)
}

// processFileUpload extracts content from an uploaded file and feeds
// it back through normal ingestion.
func (s *Service) processFileUpload(ctx context.Context, userID string, p *queue.FileUploadPayload) error {
	event, err := s.store.GetRawRecord(ctx, p.RecordID)
	if err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(p.MimeType, "image/"):
		analysis, err := s.client.AnalyzeImage(ctx, llm.ImageRequest{
			UserID:     userID,
			SessionID:  event.SessionID,
			ImageBytes: p.Data,
			MimeType:   p.MimeType,
		})
		if err != nil {
			return fmt.Errorf("image analysis failed: %w", err)
		}
		_, _, err = s.IngestRawRecord(ctx, IngestInput{
			UserID:              userID,
			SessionID:           event.SessionID,
			ContentType:         model.ContentImageAnalysis,
			Content:             fmt.Sprintf("Image %q: %s", p.Filename, analysis),
			SkipImportanceCheck: true,
		})
		return err

	case strings.HasPrefix(p.MimeType, "text/") || p.MimeType == "application/json":
		_, _, err = s.IngestRawRecord(ctx, IngestInput{
			UserID:              userID,
			SessionID:           event.SessionID,
			ContentType:         model.ContentDocumentContent,
			Content:             fmt.Sprintf("Document %q:\n%s", p.Filename, string(p.Data)),
			SkipImportanceCheck: true,
		})
		return err

	default:
		s.logger.Info("unsupported upload type, event retained without extraction",
			zap.String("record_id", p.RecordID),
			zap.String("mime_type", p.MimeType))
		return nil
	}
}
