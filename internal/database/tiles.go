package database

import (
	"context"
	"fmt"
)

// TileStore persists registry snapshots in the tile_prompts table.
type TileStore struct {
	db *Database
}

// NewTileStore returns a snapshot store backed by db.
func NewTileStore(db *Database) *TileStore {
	return &TileStore{db: db}
}

// Load returns every stored tile prompt keyed by its "x_y" key.
func (s *TileStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.db.QueryContext(ctx, "SELECT tile_key, prompt FROM tile_prompts")
	if err != nil {
		return nil, fmt.Errorf("query tile prompts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, prompt string
		if err := rows.Scan(&key, &prompt); err != nil {
			return nil, fmt.Errorf("scan tile prompt: %w", err)
		}
		out[key] = prompt
	}
	return out, rows.Err()
}

// Save replaces the stored snapshot with entries in a single transaction.
func (s *TileStore) Save(ctx context.Context, entries map[string]string) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tile_prompts"); err != nil {
		return fmt.Errorf("clear tile prompts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.db.qb.Build("INSERT INTO tile_prompts (tile_key, prompt) VALUES (?, ?)"))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for key, prompt := range entries {
		if _, err := stmt.ExecContext(ctx, key, prompt); err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// Merge inserts entries whose keys are not stored yet and leaves existing rows
// untouched. It returns the number of rows inserted.
func (s *TileStore) Merge(ctx context.Context, entries map[string]string) (int, error) {
	query := s.db.qb.Build("INSERT INTO tile_prompts (tile_key, prompt) VALUES (?, ?)")
	inserted := 0
	for key, prompt := range entries {
		_, err := s.db.db.ExecContext(ctx, query, key, prompt)
		if err != nil {
			if s.db.dialect.IsDuplicateKeyError(err) {
				continue
			}
			return inserted, fmt.Errorf("insert %s: %w", key, err)
		}
		inserted++
	}
	return inserted, nil
}

// Count returns the number of stored tile prompts.
func (s *TileStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tile_prompts").Scan(&n); err != nil {
		return 0, fmt.Errorf("count tile prompts: %w", err)
	}
	return n, nil
}
