package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"companion-memory/internal/model"
)

// CreateThought inserts a thought and its weighted episode links in one
// transaction.
func (s *Store) CreateThought(ctx context.Context, th *model.Thought, links []model.EpisodeThought) error {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO thought (id, user_id, name, description, vector, importance, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			th.ID, th.UserID, th.Name, th.Description, th.Vector, th.Importance, th.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert thought: %w", err)
		}
		for _, link := range links {
			_, err := tx.Exec(ctx, `
				INSERT INTO episode_thought (episode_id, thought_id, weight)
				VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
				link.EpisodeID, th.ID, link.Weight)
			if err != nil {
				return fmt.Errorf("failed to link episode %s: %w", link.EpisodeID, err)
			}
		}
		return nil
	})
}

// GetThought loads one thought by id.
func (s *Store) GetThought(ctx context.Context, id string) (*model.Thought, error) {
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, description, vector, importance, created_at
		FROM thought WHERE id = $1`, id)

	th := &model.Thought{}
	err := row.Scan(&th.ID, &th.UserID, &th.Name, &th.Description,
		&th.Vector, &th.Importance, &th.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thought: %w", err)
	}
	return th, nil
}

// GetThoughts loads many thoughts by id.
func (s *Store) GetThoughts(ctx context.Context, ids []string) ([]*model.Thought, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.queryTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, description, vector, importance, created_at
		FROM thought WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load thoughts: %w", err)
	}
	defer rows.Close()

	var out []*model.Thought
	for rows.Next() {
		th := &model.Thought{}
		err := rows.Scan(&th.ID, &th.UserID, &th.Name, &th.Description,
			&th.Vector, &th.Importance, &th.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thought: %w", err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}
