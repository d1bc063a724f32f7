package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

const apiKeyColumns = `id, name, model_slug, reasoning_effort, client_type, protocol_type,
	auth_scheme, upstream_base_url, static_headers_json, key_hash, status, created_at, last_used_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*model.APIKey, error) {
	k := &model.APIKey{}
	err := row.Scan(&k.ID, &k.Name, &k.ModelSlug, &k.ReasoningEffort, &k.ClientType, &k.ProtocolType,
		&k.AuthScheme, &k.UpstreamBaseURL, &k.StaticHeadersJSON, &k.KeyHash, &k.Status, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetAPIKeyByHash resolves a platform key row from the SHA-256 hex hash of
// the presented plaintext. This is the per-request auth lookup.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return k, nil
}

// GetAPIKey fetches one platform key by id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key %s: %w", id, err)
	}
	return k, nil
}

// ListAPIKeys returns all platform keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CreateAPIKey inserts a platform key and its plaintext secret in one
// transaction. The secret lives only in api_key_secrets.
func (s *Store) CreateAPIKey(ctx context.Context, k *model.APIKey, secret string) error {
	if !model.ValidProtocolAuthPair(k.ProtocolType, k.AuthScheme) {
		return fmt.Errorf("create api key: invalid protocol/auth pair %q/%q", k.ProtocolType, k.AuthScheme)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create api key begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, model_slug, reasoning_effort, client_type, protocol_type,
			auth_scheme, upstream_base_url, static_headers_json, key_hash, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.Name, k.ModelSlug, k.ReasoningEffort, k.ClientType, k.ProtocolType,
		k.AuthScheme, k.UpstreamBaseURL, k.StaticHeadersJSON, k.KeyHash, model.APIKeyStatusActive)
	if err != nil {
		return fmt.Errorf("create api key %s: %w", k.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO api_key_secrets (key_id, secret) VALUES (?, ?)`, k.ID, secret)
	if err != nil {
		return fmt.Errorf("create api key %s secret: %w", k.ID, err)
	}
	return tx.Commit()
}

// GetAPIKeySecret returns the stored plaintext for one platform key.
func (s *Store) GetAPIKeySecret(ctx context.Context, keyID string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM api_key_secrets WHERE key_id = ?`, keyID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get api key %s secret: %w", keyID, err)
	}
	return secret, nil
}

// UpdateAPIKeyStatus enables or disables a platform key.
func (s *Store) UpdateAPIKeyStatus(ctx context.Context, id, status string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("update api key %s status: %w", id, err)
	}
	return nil
}

// TouchAPIKeyLastUsed stamps last_used_at on a successful auth.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return fmt.Errorf("touch api key %s last used: %w", id, err)
	}
	return nil
}

// DeleteAPIKey removes the key; its secret row cascades.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete api key %s: %w", id, err)
	}
	return nil
}
