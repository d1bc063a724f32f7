package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("repository: not found")

// ListAccounts returns all accounts ordered by sort_order then id, which is
// the scheduling order the selector starts from.
func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chatgpt_account_id, workspace_id, sort_order, status, created_at
		FROM accounts
		ORDER BY sort_order ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a := &model.Account{}
		if err := rows.Scan(&a.ID, &a.ChatGPTAccountID, &a.WorkspaceID, &a.SortOrder, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	a := &model.Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chatgpt_account_id, workspace_id, sort_order, status, created_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.ChatGPTAccountID, &a.WorkspaceID, &a.SortOrder, &a.Status, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// CreateAccount inserts a new account and returns its id.
func (s *Store) CreateAccount(ctx context.Context, chatgptAccountID, workspaceID string, sortOrder int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (chatgpt_account_id, workspace_id, sort_order, status)
		VALUES (?, ?, ?, ?)
	`, chatgptAccountID, workspaceID, sortOrder, model.AccountStatusActive)
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create account id: %w", err)
	}
	return id, nil
}

// DeleteAccount removes the account; its token row cascades.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	return nil
}

// UpdateAccountStatusIfChanged sets the account status only when it differs
// from the stored value and reports whether a row actually changed. Callers
// use the report to suppress duplicate status-transition events.
func (s *Store) UpdateAccountStatusIfChanged(ctx context.Context, id int64, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ? WHERE id = ? AND status <> ?
	`, status, id, status)
	if err != nil {
		return false, fmt.Errorf("update account %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update account %d status affected: %w", id, err)
	}
	return n > 0, nil
}

// UpdateAccountSortOrder repositions the account in the scheduling order.
func (s *Store) UpdateAccountSortOrder(ctx context.Context, id int64, sortOrder int) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET sort_order = ? WHERE id = ?`, sortOrder, id); err != nil {
		return fmt.Errorf("update account %d sort order: %w", id, err)
	}
	return nil
}
