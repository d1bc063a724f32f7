package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

const usageSnapshotColumns = `id, account_id, used_percent, window_minutes, resets_at,
	secondary_used_percent, secondary_window_minutes, secondary_resets_at, credits_json, captured_at`

func scanUsageSnapshot(row interface{ Scan(...any) error }) (*model.UsageSnapshot, error) {
	u := &model.UsageSnapshot{}
	err := row.Scan(&u.ID, &u.AccountID, &u.UsedPercent, &u.WindowMinutes, &u.ResetsAt,
		&u.SecondaryUsedPercent, &u.SecondaryWindowMinutes, &u.SecondaryResetsAt, &u.CreditsJSON, &u.CapturedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// InsertUsageSnapshot appends one usage observation for an account.
func (s *Store) InsertUsageSnapshot(ctx context.Context, u *model.UsageSnapshot) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_snapshots (account_id, used_percent, window_minutes, resets_at,
			secondary_used_percent, secondary_window_minutes, secondary_resets_at, credits_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.AccountID, u.UsedPercent, u.WindowMinutes, u.ResetsAt,
		u.SecondaryUsedPercent, u.SecondaryWindowMinutes, u.SecondaryResetsAt, u.CreditsJSON)
	if err != nil {
		return 0, fmt.Errorf("insert usage snapshot for account %d: %w", u.AccountID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert usage snapshot id: %w", err)
	}
	return id, nil
}

// LatestUsageSnapshot returns the most recent snapshot for an account.
func (s *Store) LatestUsageSnapshot(ctx context.Context, accountID int64) (*model.UsageSnapshot, error) {
	u, err := scanUsageSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+usageSnapshotColumns+`
		FROM usage_snapshots WHERE account_id = ? ORDER BY id DESC LIMIT 1
	`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest usage snapshot for account %d: %w", accountID, err)
	}
	return u, nil
}

// ListUsageSnapshots returns the newest snapshots for an account.
func (s *Store) ListUsageSnapshots(ctx context.Context, accountID int64, limit int) ([]*model.UsageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageSnapshotColumns+`
		FROM usage_snapshots WHERE account_id = ? ORDER BY id DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage snapshots for account %d: %w", accountID, err)
	}
	defer rows.Close()

	var out []*model.UsageSnapshot
	for rows.Next() {
		u, err := scanUsageSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage snapshot: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PruneUsageSnapshotsForAccount deletes everything older than the newest
// retain snapshots for one account.
func (s *Store) PruneUsageSnapshotsForAccount(ctx context.Context, accountID int64, retain int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_snapshots
		WHERE account_id = ?
		  AND id NOT IN (
			SELECT id FROM usage_snapshots WHERE account_id = ? ORDER BY id DESC LIMIT ?
		  )
	`, accountID, accountID, retain)
	if err != nil {
		return fmt.Errorf("prune usage snapshots for account %d: %w", accountID, err)
	}
	return nil
}
