package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"companion-memory/internal/model"
	"companion-memory/internal/vectormath"
)

// ErrUserMismatch is returned when a link would cross user boundaries.
var ErrUserMismatch = errors.New("chunk and episode belong to different users")

// CreateEpisode inserts an episode and, optionally, its initial chunk
// links in one transaction.
func (s *Store) CreateEpisode(ctx context.Context, ep *model.Episode, chunkIDs []string) error {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO episode (id, user_id, title, narrative, centroid, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			ep.ID, ep.UserID, ep.Title, ep.Narrative, ep.Centroid, ep.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert episode: %w", err)
		}
		for _, chunkID := range chunkIDs {
			_, err := tx.Exec(ctx, `
				INSERT INTO chunk_episode (chunk_id, episode_id)
				SELECT c.id, $2 FROM chunk c
				WHERE c.id = $1 AND c.user_id = $3
				ON CONFLICT DO NOTHING`, chunkID, ep.ID, ep.UserID)
			if err != nil {
				return fmt.Errorf("failed to link chunk %s: %w", chunkID, err)
			}
		}
		return nil
	})
}

// GetEpisode loads one episode by id.
func (s *Store) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, episodeSelect+` WHERE id = $1`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

// GetEpisodes loads many episodes by id.
func (s *Store) GetEpisodes(ctx context.Context, ids []string) ([]*model.Episode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, episodeSelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ListRecentEpisodes returns a user's newest episodes, optionally
// restricted to those created after the cutoff.
func (s *Store) ListRecentEpisodes(ctx context.Context, userID string, limit int, since time.Time) ([]*model.Episode, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, episodeSelect+`
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ListEpisodeUsers returns the distinct users owning episodes created
// after the cutoff. Drives the nightly thought schedule.
func (s *Store) ListEpisodeUsers(ctx context.Context, since time.Time) ([]string, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM episode WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list episode users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// LinkChunk attaches a chunk to an episode and recomputes the centroid
// with the online weighted-average rule, all in one transaction. The
// prior member count is derived from chunk_episode so the update stays
// consistent with actual membership. Linking the same pair twice is a
// no-op.
func (s *Store) LinkChunk(ctx context.Context, chunkID, episodeID string, vec []float32) error {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		var epUserID string
		var centroid []float32
		err := tx.QueryRow(ctx, `
			SELECT user_id, centroid FROM episode
			WHERE id = $1 FOR UPDATE`, episodeID).Scan(&epUserID, &centroid)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock episode: %w", err)
		}

		var chunkUserID string
		err = tx.QueryRow(ctx,
			`SELECT user_id FROM chunk WHERE id = $1`, chunkID).Scan(&chunkUserID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load chunk owner: %w", err)
		}
		if chunkUserID != epUserID {
			return ErrUserMismatch
		}

		var priorCount int
		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM chunk_episode WHERE episode_id = $1`,
			episodeID).Scan(&priorCount)
		if err != nil {
			return fmt.Errorf("failed to count episode members: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO chunk_episode (chunk_id, episode_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, chunkID, episodeID)
		if err != nil {
			return fmt.Errorf("failed to insert chunk link: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		updated := vectormath.UpdateCentroid(centroid, priorCount, vec)
		_, err = tx.Exec(ctx,
			`UPDATE episode SET centroid = $2 WHERE id = $1`, episodeID, updated)
		if err != nil {
			return fmt.Errorf("failed to update centroid: %w", err)
		}
		return nil
	})
}

// CountEpisodeChunks returns the member count of an episode.
func (s *Store) CountEpisodeChunks(ctx context.Context, episodeID string) (int, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM chunk_episode WHERE episode_id = $1`, episodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count episode chunks: %w", err)
	}
	return n, nil
}

const episodeSelect = `
	SELECT id, user_id, title, narrative, centroid, created_at
	FROM episode`

func scanEpisode(row pgx.Row) (*model.Episode, error) {
	ep := &model.Episode{}
	err := row.Scan(&ep.ID, &ep.UserID, &ep.Title, &ep.Narrative,
		&ep.Centroid, &ep.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func scanEpisodes(rows pgx.Rows) ([]*model.Episode, error) {
	var out []*model.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
