package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"companion-memory/internal/model"
)

// CreateChunks inserts a raw record's chunks in one transaction, in
// ascending index order.
func (s *Store) CreateChunks(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, c := range chunks {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("invalid chunk %s: %w", c.ID, err)
			}
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode chunk metadata: %w", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO chunk (
					id, raw_record_id, user_id, session_id, chunk_text,
					chunk_index, token_count, importance_score,
					processing_status, metadata, created_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				c.ID, c.RawRecordID, c.UserID, c.SessionID, c.Text,
				c.Index, c.TokenCount, c.ImportanceScore,
				c.ProcessingStatus, meta, c.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// GetChunk loads one chunk by id.
func (s *Store) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, chunkSelect+` WHERE id = $1`, id)
	c, err := scanChunk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetChunks loads many chunks by id, preserving no particular order.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]*model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, chunkSelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SetChunkStatus updates the processing status of a set of chunks.
func (s *Store) SetChunkStatus(ctx context.Context, ids []string, status model.ChunkStatus) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`UPDATE chunk SET processing_status = $2 WHERE id = ANY($1)`, ids, status)
	if err != nil {
		return fmt.Errorf("failed to update chunk status: %w", err)
	}
	return nil
}

// ListChunksByStatus returns up to limit chunks in the given status,
// oldest first. Used by the pending-vector sweeper.
func (s *Store) ListChunksByStatus(ctx context.Context, status model.ChunkStatus, limit int) ([]*model.Chunk, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		chunkSelect+` WHERE processing_status = $1 ORDER BY created_at LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks by status: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ListOrphanChunks returns a user's processed chunks that belong to no
// episode, oldest first.
func (s *Store) ListOrphanChunks(ctx context.Context, userID string, limit int) ([]*model.Chunk, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, chunkSelect+`
		WHERE user_id = $1
		  AND processing_status = 'processed'
		  AND NOT EXISTS (
			SELECT 1 FROM chunk_episode ce WHERE ce.chunk_id = chunk.id
		  )
		ORDER BY created_at
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// CountUnprocessedChunks counts a record's chunks not yet in the
// processed status.
func (s *Store) CountUnprocessedChunks(ctx context.Context, rawRecordID string) (int, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM chunk
		WHERE raw_record_id = $1 AND processing_status <> 'processed'`,
		rawRecordID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed chunks: %w", err)
	}
	return n, nil
}

// ListEpisodeChunks returns up to limit chunks linked to an episode,
// oldest first.
func (s *Store) ListEpisodeChunks(ctx context.Context, episodeID string, limit int) ([]*model.Chunk, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.raw_record_id, c.user_id, c.session_id, c.chunk_text,
			c.chunk_index, c.token_count, c.importance_score,
			c.processing_status, c.metadata, c.created_at
		FROM chunk c
		JOIN chunk_episode ce ON ce.chunk_id = c.id
		WHERE ce.episode_id = $1
		ORDER BY c.created_at
		LIMIT $2`, episodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list episode chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

const chunkSelect = `
	SELECT id, raw_record_id, user_id, session_id, chunk_text,
		chunk_index, token_count, importance_score,
		processing_status, metadata, created_at
	FROM chunk`

func scanChunk(row pgx.Row) (*model.Chunk, error) {
	c := &model.Chunk{}
	var meta []byte
	err := row.Scan(&c.ID, &c.RawRecordID, &c.UserID, &c.SessionID, &c.Text,
		&c.Index, &c.TokenCount, &c.ImportanceScore,
		&c.ProcessingStatus, &meta, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
	}
	return c, nil
}

func scanChunks(rows pgx.Rows) ([]*model.Chunk, error) {
	var out []*model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
