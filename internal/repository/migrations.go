package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// baseTables is the schema as first shipped. Later columns are added by
// evolveSchema so databases created by older builds upgrade in place.
var baseTables = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		chatgpt_account_id TEXT NOT NULL DEFAULT '',
		workspace_id       TEXT NOT NULL DEFAULT '',
		sort_order         INTEGER NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'active',
		created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		account_id    INTEGER PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
		id_token      TEXT NOT NULL DEFAULT '',
		access_token  TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		last_refresh  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL DEFAULT '',
		model_slug          TEXT NOT NULL DEFAULT '',
		reasoning_effort    TEXT NOT NULL DEFAULT '',
		client_type         TEXT NOT NULL DEFAULT '',
		protocol_type       TEXT NOT NULL DEFAULT 'openai_compat',
		auth_scheme         TEXT NOT NULL DEFAULT 'authorization_bearer',
		upstream_base_url   TEXT NOT NULL DEFAULT '',
		static_headers_json TEXT NOT NULL DEFAULT '',
		key_hash            TEXT NOT NULL UNIQUE,
		status              TEXT NOT NULL DEFAULT 'active',
		created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at        TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS api_key_secrets (
		key_id TEXT PRIMARY KEY REFERENCES api_keys(id) ON DELETE CASCADE,
		secret TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_snapshots (
		id                       INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id               INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		used_percent             REAL,
		window_minutes           INTEGER,
		resets_at                INTEGER,
		secondary_used_percent   REAL,
		secondary_window_minutes INTEGER,
		secondary_resets_at      INTEGER,
		credits_json             TEXT NOT NULL DEFAULT '',
		captured_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_snapshots_account ON usage_snapshots(account_id, id)`,
	// request_logs carried token counters inline before request_token_stats
	// existed; the legacy columns stay for backfill.
	`CREATE TABLE IF NOT EXISTS request_logs (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		key_id                  TEXT NOT NULL DEFAULT '',
		account_id              INTEGER,
		method                  TEXT NOT NULL DEFAULT '',
		request_path            TEXT NOT NULL DEFAULT '',
		model                   TEXT NOT NULL DEFAULT '',
		reasoning_effort        TEXT NOT NULL DEFAULT '',
		upstream_url            TEXT NOT NULL DEFAULT '',
		status_code             INTEGER,
		error                   TEXT NOT NULL DEFAULT '',
		input_tokens            INTEGER NOT NULL DEFAULT 0,
		cached_input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens           INTEGER NOT NULL DEFAULT 0,
		reasoning_output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost_usd      REAL NOT NULL DEFAULT 0,
		created_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at)`,
	`CREATE TABLE IF NOT EXISTS request_token_stats (
		request_log_id          INTEGER PRIMARY KEY REFERENCES request_logs(id) ON DELETE CASCADE,
		input_tokens            INTEGER NOT NULL DEFAULT 0,
		cached_input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens           INTEGER NOT NULL DEFAULT 0,
		reasoning_output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost_usd      REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS model_options_cache (
		scope      TEXT PRIMARY KEY,
		items_json TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS login_sessions (
		id            TEXT PRIMARY KEY,
		state         TEXT NOT NULL DEFAULT '',
		code_verifier TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// tokenColumnAdds is the token-lifecycle schema evolution. Each entry is
// applied only when the column is still missing, so re-running is a no-op.
var tokenColumnAdds = []struct {
	column string
	ddl    string
}{
	{"access_token_exp", `ALTER TABLE tokens ADD COLUMN access_token_exp INTEGER`},
	{"next_refresh_at", `ALTER TABLE tokens ADD COLUMN next_refresh_at INTEGER`},
	{"last_refresh_attempt_at", `ALTER TABLE tokens ADD COLUMN last_refresh_attempt_at INTEGER`},
	{"api_key_access_token", `ALTER TABLE tokens ADD COLUMN api_key_access_token TEXT NOT NULL DEFAULT ''`},
}

// ApplyMigrations brings the schema up to date. Safe to call on every open:
// already-applied steps are skipped, and the whole run happens on the single
// process connection so concurrent readers never see a half-migrated schema.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("nil sql db")
	}

	for _, ddl := range baseTables {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("apply base schema: %w", err)
		}
	}

	for _, add := range tokenColumnAdds {
		exists, err := columnExists(ctx, db, "tokens", add.column)
		if err != nil {
			return fmt.Errorf("check tokens.%s: %w", add.column, err)
		}
		if exists {
			continue
		}
		if _, err := db.ExecContext(ctx, add.ddl); err != nil {
			return fmt.Errorf("add tokens.%s: %w", add.column, err)
		}
	}

	if err := backfillTokenStats(ctx, db); err != nil {
		return err
	}
	return nil
}

// backfillTokenStats copies the legacy per-log token counters into
// request_token_stats for databases that predate the stats table. Only rows
// without a stats entry are touched, keeping the step idempotent.
func backfillTokenStats(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO request_token_stats
			(request_log_id, input_tokens, cached_input_tokens, output_tokens, reasoning_output_tokens, estimated_cost_usd)
		SELECT rl.id, rl.input_tokens, rl.cached_input_tokens, rl.output_tokens, rl.reasoning_output_tokens, rl.estimated_cost_usd
		FROM request_logs rl
		LEFT JOIN request_token_stats rts ON rts.request_log_id = rl.id
		WHERE rts.request_log_id IS NULL
		  AND (rl.input_tokens > 0 OR rl.output_tokens > 0 OR rl.cached_input_tokens > 0
		       OR rl.reasoning_output_tokens > 0 OR rl.estimated_cost_usd > 0)
	`)
	if err != nil {
		return fmt.Errorf("backfill request_token_stats: %w", err)
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
