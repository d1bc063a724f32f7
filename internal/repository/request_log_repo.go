package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

// InsertRequestLog appends one request log row together with its token stats
// in a single transaction, and returns the new log id.
func (s *Store) InsertRequestLog(ctx context.Context, log *model.RequestLog, stat *model.RequestTokenStat) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert request log begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO request_logs (key_id, account_id, method, request_path, model, reasoning_effort,
			upstream_url, status_code, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.KeyID, log.AccountID, log.Method, log.RequestPath, log.Model, log.ReasoningEffort,
		log.UpstreamURL, log.StatusCode, log.Error)
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert request log id: %w", err)
	}

	if stat != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO request_token_stats (request_log_id, input_tokens, cached_input_tokens,
				output_tokens, reasoning_output_tokens, estimated_cost_usd)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, stat.InputTokens, stat.CachedInputTokens,
			stat.OutputTokens, stat.ReasoningOutputTokens, stat.EstimatedCostUSD)
		if err != nil {
			return 0, fmt.Errorf("insert request token stat: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert request log commit: %w", err)
	}
	return id, nil
}

// RequestLogFilter narrows ListRequestLogs. Zero value matches everything.
type RequestLogFilter struct {
	Column    string // exact column match when set
	Value     string
	Pattern   string // LIKE pattern on Column when set
	StatusLow int    // inclusive status range when StatusHigh > 0
	StatusHigh int
}

// ListRequestLogs returns the newest logs matching the filter, joined with
// their token stats (zeros when no stat row exists).
func (s *Store) ListRequestLogs(ctx context.Context, filter RequestLogFilter, limit int) ([]*model.RequestLog, []*model.RequestTokenStat, error) {
	query := `
		SELECT rl.id, rl.key_id, rl.account_id, rl.method, rl.request_path, rl.model,
			rl.reasoning_effort, rl.upstream_url, rl.status_code, rl.error, rl.created_at,
			COALESCE(rts.input_tokens, 0), COALESCE(rts.cached_input_tokens, 0),
			COALESCE(rts.output_tokens, 0), COALESCE(rts.reasoning_output_tokens, 0),
			COALESCE(rts.estimated_cost_usd, 0)
		FROM request_logs rl
		LEFT JOIN request_token_stats rts ON rts.request_log_id = rl.id`
	var (
		where string
		args  []any
	)
	switch {
	case filter.StatusHigh > 0:
		where = ` WHERE rl.status_code BETWEEN ? AND ?`
		args = append(args, filter.StatusLow, filter.StatusHigh)
	case filter.Pattern != "":
		where = fmt.Sprintf(` WHERE rl.%s LIKE ?`, filter.Column)
		args = append(args, filter.Pattern)
	case filter.Column != "":
		where = fmt.Sprintf(` WHERE rl.%s = ?`, filter.Column)
		args = append(args, filter.Value)
	}
	query += where + ` ORDER BY rl.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var (
		logs  []*model.RequestLog
		stats []*model.RequestTokenStat
	)
	for rows.Next() {
		l := &model.RequestLog{}
		st := &model.RequestTokenStat{}
		err := rows.Scan(&l.ID, &l.KeyID, &l.AccountID, &l.Method, &l.RequestPath, &l.Model,
			&l.ReasoningEffort, &l.UpstreamURL, &l.StatusCode, &l.Error, &l.CreatedAt,
			&st.InputTokens, &st.CachedInputTokens,
			&st.OutputTokens, &st.ReasoningOutputTokens, &st.EstimatedCostUSD)
		if err != nil {
			return nil, nil, fmt.Errorf("scan request log: %w", err)
		}
		st.RequestLogID = l.ID
		logs = append(logs, l)
		stats = append(stats, st)
	}
	return logs, stats, rows.Err()
}

// sqliteTimestampLayout matches what CURRENT_TIMESTAMP stores, so range
// comparisons against created_at stay textual and timezone-safe.
const sqliteTimestampLayout = "2006-01-02 15:04:05"

// SummarizeRequestTokenStatsBetween aggregates token stats for logs created
// in [start, end).
func (s *Store) SummarizeRequestTokenStatsBetween(ctx context.Context, start, end time.Time) (*model.TokenStatSummary, error) {
	sum := &model.TokenStatSummary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(rl.id),
			COALESCE(SUM(rts.input_tokens), 0), COALESCE(SUM(rts.cached_input_tokens), 0),
			COALESCE(SUM(rts.output_tokens), 0), COALESCE(SUM(rts.reasoning_output_tokens), 0),
			COALESCE(SUM(rts.estimated_cost_usd), 0)
		FROM request_logs rl
		LEFT JOIN request_token_stats rts ON rts.request_log_id = rl.id
		WHERE rl.created_at >= ? AND rl.created_at < ?
	`, start.UTC().Format(sqliteTimestampLayout), end.UTC().Format(sqliteTimestampLayout)).Scan(&sum.Requests,
		&sum.InputTokens, &sum.CachedInputTokens,
		&sum.OutputTokens, &sum.ReasoningOutputTokens, &sum.EstimatedCostUSD)
	if err != nil {
		return nil, fmt.Errorf("summarize request token stats: %w", err)
	}
	return sum, nil
}

// ClearRequestLogs truncates logs and their stats. Admin action only.
func (s *Store) ClearRequestLogs(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear request logs begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_token_stats`); err != nil {
		return fmt.Errorf("clear request token stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM request_logs`); err != nil {
		return fmt.Errorf("clear request logs: %w", err)
	}
	return tx.Commit()
}
