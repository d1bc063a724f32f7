package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LoginSession holds the PKCE material for one in-flight browser login.
type LoginSession struct {
	ID           string
	State        string
	CodeVerifier string
}

// CreateLoginSession stores a pending login's state and PKCE verifier.
func (s *Store) CreateLoginSession(ctx context.Context, sess *LoginSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_sessions (id, state, code_verifier) VALUES (?, ?, ?)`,
		sess.ID, sess.State, sess.CodeVerifier)
	if err != nil {
		return fmt.Errorf("create login session: %w", err)
	}
	return nil
}

// TakeLoginSessionByState fetches and deletes the session matching the
// callback state. A session is single-use.
func (s *Store) TakeLoginSessionByState(ctx context.Context, state string) (*LoginSession, error) {
	sess := &LoginSession{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, code_verifier FROM login_sessions WHERE state = ?`, state,
	).Scan(&sess.ID, &sess.State, &sess.CodeVerifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take login session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM login_sessions WHERE id = ?`, sess.ID); err != nil {
		return nil, fmt.Errorf("consume login session: %w", err)
	}
	return sess, nil
}
