package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const migration001 = `
CREATE TABLE IF NOT EXISTS definitions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	definition TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runs (
	instance_id   TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	params        TEXT,
	output        TEXT,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_definition ON runs (definition_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);

CREATE TABLE IF NOT EXISTS node_records (
	instance_id TEXT NOT NULL,
	node_key    TEXT NOT NULL,
	state       TEXT NOT NULL,
	input       TEXT,
	output      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (instance_id, node_key)
);

CREATE TABLE IF NOT EXISTS plugin_usage (
	plugin_key TEXT PRIMARY KEY,
	executions INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id            TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	cron_expr     TEXT NOT NULL,
	params        TEXT,
	enabled       INTEGER NOT NULL DEFAULT 1,
	last_run_at   TIMESTAMP,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);
`

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", SQL: migration001},
}

// runMigrations creates the schema_version table and applies any pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, skipping comment-only
// fragments.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, l := range strings.Split(s, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
