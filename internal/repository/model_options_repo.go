package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertModelOptionsCache stores the serialized model list for one scope,
// replacing any previous entry.
func (s *Store) UpsertModelOptionsCache(ctx context.Context, scope, itemsJSON string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_options_cache (scope, items_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET items_json = excluded.items_json, updated_at = excluded.updated_at
	`, scope, itemsJSON, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert model options cache %q: %w", scope, err)
	}
	return nil
}

// GetModelOptionsCache returns the cached model list for a scope.
func (s *Store) GetModelOptionsCache(ctx context.Context, scope string) (itemsJSON string, updatedAt time.Time, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT items_json, updated_at FROM model_options_cache WHERE scope = ?`, scope,
	).Scan(&itemsJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get model options cache %q: %w", scope, err)
	}
	return itemsJSON, updatedAt, nil
}
