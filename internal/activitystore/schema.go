package activitystore

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one idempotent, ordered SQL step. golang-migrate/migrate/v4
// would normally own this (it is a dependency of two repos in the
// retrieval pack), but its maintained SQLite driver requires cgo via
// mattn/go-sqlite3, which conflicts with the pure-Go modernc.org/sqlite
// driver used here. A small hand-rolled migrations table fills the same
// role: each entry below is applied at most once, tracked by version.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		project_root TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL DEFAULT 'active',
		prompt_count INTEGER NOT NULL DEFAULT 0,
		tool_count INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		title_manually_edited INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		summary_updated_at DATETIME,
		summary_embedded INTEGER NOT NULL DEFAULT 0,
		parent_session_id TEXT,
		parent_session_reason TEXT NOT NULL DEFAULT '',
		source_machine_id TEXT NOT NULL DEFAULT '',
		transcript_path TEXT NOT NULL DEFAULT ''
	)`},
	{2, `CREATE TABLE IF NOT EXISTS prompt_batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		prompt_number INTEGER NOT NULL,
		user_prompt TEXT NOT NULL DEFAULT '',
		response_summary TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL DEFAULT 'active',
		processed INTEGER NOT NULL DEFAULT 0,
		classification TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT 'user',
		plan_file_path TEXT NOT NULL DEFAULT '',
		plan_content TEXT NOT NULL DEFAULT '',
		plan_embedded INTEGER NOT NULL DEFAULT 0,
		source_plan_batch_id INTEGER REFERENCES prompt_batches(id),
		content_hash TEXT NOT NULL,
		source_machine_id TEXT NOT NULL DEFAULT '',
		UNIQUE(content_hash)
	)`},
	{3, `CREATE INDEX IF NOT EXISTS idx_prompt_batches_session ON prompt_batches(session_id)`},
	{4, `CREATE TABLE IF NOT EXISTS activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		prompt_batch_id INTEGER REFERENCES prompt_batches(id),
		tool_name TEXT NOT NULL,
		tool_input_json TEXT NOT NULL DEFAULT '',
		tool_output_summary TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		files_affected TEXT NOT NULL DEFAULT '[]',
		success INTEGER NOT NULL DEFAULT 1,
		error_message TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		duration_ms INTEGER,
		processed INTEGER NOT NULL DEFAULT 0,
		observation_id TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		source_machine_id TEXT NOT NULL DEFAULT '',
		UNIQUE(content_hash)
	)`},
	{5, `CREATE INDEX IF NOT EXISTS idx_activities_session ON activities(session_id)`},
	{6, `CREATE INDEX IF NOT EXISTS idx_activities_batch ON activities(prompt_batch_id)`},
	{7, `CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		prompt_batch_id INTEGER REFERENCES prompt_batches(id),
		observation TEXT NOT NULL,
		memory_type TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		importance INTEGER NOT NULL DEFAULT 5,
		file_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		embedded INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		resolved_by_session_id TEXT NOT NULL DEFAULT '',
		resolved_at DATETIME,
		superseded_by TEXT NOT NULL DEFAULT '',
		origin_type TEXT NOT NULL DEFAULT 'auto_extracted',
		source_machine_id TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		UNIQUE(content_hash)
	)`},
	{8, `CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id)`},
	{9, `CREATE INDEX IF NOT EXISTS idx_observations_status ON observations(status)`},
	{10, `CREATE TABLE IF NOT EXISTS resolution_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		observation_id TEXT NOT NULL REFERENCES observations(id),
		action TEXT NOT NULL,
		source_machine_id TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		content_hash TEXT NOT NULL,
		UNIQUE(content_hash)
	)`},
	{11, `CREATE TABLE IF NOT EXISTS governance_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		rule_tool_pattern TEXT NOT NULL DEFAULT '',
		rule_input_pattern TEXT NOT NULL DEFAULT '',
		denied_at DATETIME NOT NULL
	)`},
}

// migrate applies every migration not yet recorded in the schema_migrations
// table, in version order, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
