package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

const tokenColumns = `account_id, id_token, access_token, refresh_token, api_key_access_token,
	last_refresh, access_token_exp, next_refresh_at, last_refresh_attempt_at`

func scanToken(row interface{ Scan(...any) error }) (*model.Token, error) {
	t := &model.Token{}
	err := row.Scan(&t.AccountID, &t.IDToken, &t.AccessToken, &t.RefreshToken, &t.APIKeyAccessToken,
		&t.LastRefresh, &t.AccessTokenExp, &t.NextRefreshAt, &t.LastRefreshAttemptAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetToken fetches the token row for one account.
func (s *Store) GetToken(ctx context.Context, accountID int64) (*model.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token for account %d: %w", accountID, err)
	}
	return t, nil
}

// ListTokensByAccount returns the token rows for all given accounts, keyed by
// account id. Accounts without a token row are simply absent from the map.
func (s *Store) ListTokensByAccount(ctx context.Context) (map[int64]*model.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*model.Token)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out[t.AccountID] = t
	}
	return out, rows.Err()
}

// UpsertToken writes the full OAuth material for an account, replacing any
// existing row. Used by the login flow when an account is (re)authorized.
func (s *Store) UpsertToken(ctx context.Context, t *model.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (account_id, id_token, access_token, refresh_token, api_key_access_token,
			last_refresh, access_token_exp, next_refresh_at, last_refresh_attempt_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			id_token = excluded.id_token,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			api_key_access_token = excluded.api_key_access_token,
			last_refresh = CURRENT_TIMESTAMP,
			access_token_exp = excluded.access_token_exp,
			next_refresh_at = excluded.next_refresh_at,
			last_refresh_attempt_at = excluded.last_refresh_attempt_at
	`, t.AccountID, t.IDToken, t.AccessToken, t.RefreshToken, t.APIKeyAccessToken,
		t.AccessTokenExp, t.NextRefreshAt, t.LastRefreshAttemptAt)
	if err != nil {
		return fmt.Errorf("upsert token for account %d: %w", t.AccountID, err)
	}
	return nil
}

// ListTokensDueForRefresh returns up to limit tokens whose scheduled refresh
// time has arrived (or was never set), oldest schedule first. Rows without a
// usable refresh_token are never due.
func (s *Store) ListTokensDueForRefresh(ctx context.Context, now int64, limit int) ([]*model.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE TRIM(COALESCE(refresh_token, '')) <> ''
		  AND (next_refresh_at IS NULL OR next_refresh_at <= ?)
		ORDER BY next_refresh_at ASC, account_id ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list tokens due for refresh: %w", err)
	}
	defer rows.Close()

	var out []*model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TokenRefreshUpdate carries the material written back after a successful
// issuer refresh. Empty RefreshToken or IDToken leaves the stored value
// untouched; empty APIKeyAccessToken likewise (the exchange is best-effort).
type TokenRefreshUpdate struct {
	AccountID         int64
	AccessToken       string
	RefreshToken      string
	IDToken           string
	APIKeyAccessToken string
	AccessTokenExp    *int64
	NextRefreshAt     *int64
}

// UpdateTokenAfterRefresh applies a refresh result atomically. refresh_token
// and id_token are only replaced when the issuer returned non-empty values,
// since the issuer may or may not rotate them.
func (s *Store) UpdateTokenAfterRefresh(ctx context.Context, u *TokenRefreshUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET
			access_token = ?,
			refresh_token = CASE WHEN TRIM(?) <> '' THEN ? ELSE refresh_token END,
			id_token = CASE WHEN TRIM(?) <> '' THEN ? ELSE id_token END,
			api_key_access_token = CASE WHEN TRIM(?) <> '' THEN ? ELSE api_key_access_token END,
			last_refresh = CURRENT_TIMESTAMP,
			access_token_exp = ?,
			next_refresh_at = ?
		WHERE account_id = ?
	`, u.AccessToken,
		u.RefreshToken, u.RefreshToken,
		u.IDToken, u.IDToken,
		u.APIKeyAccessToken, u.APIKeyAccessToken,
		u.AccessTokenExp, u.NextRefreshAt, u.AccountID)
	if err != nil {
		return fmt.Errorf("update token after refresh for account %d: %w", u.AccountID, err)
	}
	return nil
}

// TouchTokenRefreshAttempt records that a refresh was attempted now, so a
// failing token does not get hammered every tick.
func (s *Store) TouchTokenRefreshAttempt(ctx context.Context, accountID int64, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET last_refresh_attempt_at = ? WHERE account_id = ?`, now, accountID)
	if err != nil {
		return fmt.Errorf("touch token refresh attempt for account %d: %w", accountID, err)
	}
	return nil
}

// UpdateTokenRefreshSchedule moves the next scheduled refresh without
// touching token material, used to defer retries after a failed refresh.
func (s *Store) UpdateTokenRefreshSchedule(ctx context.Context, accountID int64, nextRefreshAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET next_refresh_at = ? WHERE account_id = ?`, nextRefreshAt, accountID)
	if err != nil {
		return fmt.Errorf("update token refresh schedule for account %d: %w", accountID, err)
	}
	return nil
}
