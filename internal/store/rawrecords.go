package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"companion-memory/internal/model"
)

// ErrTerminalStatus is returned when a status change would leave a
// terminal state.
var ErrTerminalStatus = errors.New("raw record already in a terminal status")

// DedupKey derives the idempotency key a collaborator may opt into.
func DedupKey(rec *model.RawRecord) string {
	h := sha256.Sum256([]byte(rec.Content))
	return fmt.Sprintf("%s|%s|%s|%d|%x",
		rec.UserID, rec.SessionID, rec.ContentType, rec.CreatedAt.Unix(), h[:8])
}

// CreateRawRecord inserts a record. When dedup is set and an identical
// record already exists, the existing record is returned and created is
// false.
func (s *Store) CreateRawRecord(ctx context.Context, rec *model.RawRecord, dedup bool) (created bool, err error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	var dedupKey *string
	if dedup {
		k := DedupKey(rec)
		dedupKey = &k
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO raw_record (
			id, user_id, session_id, content_type, content,
			perspective_owner_id, subject_id, topic_key, importance_score,
			processing_status, skip_importance_check, created_at, dedup_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		rec.ID, rec.UserID, rec.SessionID, rec.ContentType, rec.Content,
		rec.PerspectiveOwnerID, rec.SubjectID, rec.TopicKey, rec.ImportanceScore,
		rec.ProcessingStatus, rec.SkipImportanceCheck, rec.CreatedAt, dedupKey)
	if err != nil {
		return false, fmt.Errorf("failed to insert raw record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Deduplicated: resolve the canonical id.
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM raw_record WHERE dedup_key = $1`, *dedupKey).Scan(&rec.ID)
		if err != nil {
			return false, fmt.Errorf("failed to resolve deduplicated record: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// GetRawRecord loads one record by id.
func (s *Store) GetRawRecord(ctx context.Context, id string) (*model.RawRecord, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, session_id, content_type, content,
			perspective_owner_id, subject_id, COALESCE(topic_key, ''),
			importance_score, processing_status, skip_importance_check,
			created_at, processed_at, COALESCE(processing_error, '')
		FROM raw_record WHERE id = $1`, id)

	rec := &model.RawRecord{}
	err := row.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.ContentType,
		&rec.Content, &rec.PerspectiveOwnerID, &rec.SubjectID, &rec.TopicKey,
		&rec.ImportanceScore, &rec.ProcessingStatus, &rec.SkipImportanceCheck,
		&rec.CreatedAt, &rec.ProcessedAt, &rec.ProcessingError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load raw record: %w", err)
	}
	return rec, nil
}

// SetRawRecordStatus moves a pending record into a terminal status. The
// state machine is enforced in SQL: a record already terminal is left
// untouched and ErrTerminalStatus is returned, except that an error
// note may be added to a record that is already in error.
func (s *Store) SetRawRecordStatus(ctx context.Context, id string, status model.RecordStatus, procErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot transition to non-terminal status %s", status)
	}
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	if len(procErr) > 1000 {
		procErr = procErr[:1000]
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE raw_record
		SET processing_status = $2, processed_at = $3,
			processing_error = NULLIF($4, '')
		WHERE id = $1
		  AND (processing_status = 'pending'
		       OR (processing_status = 'error' AND $2 = 'error'))`,
		id, status, now, procErr)
	if err != nil {
		return fmt.Errorf("failed to update raw record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminalStatus
	}
	return nil
}

// SetRawRecordImportance records the importance score exactly once.
func (s *Store) SetRawRecordImportance(ctx context.Context, id string, score float64) error {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE raw_record SET importance_score = $2
		WHERE id = $1 AND importance_score IS NULL`, id, score)
	if err != nil {
		return fmt.Errorf("failed to set raw record importance: %w", err)
	}
	return nil
}
