// Package db is the SQLite event log behind status history and analytics.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the event log. A single connection serialises writers, which is
// what SQLite wants anyway.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultDBPath is ~/.specfactory/specfactory.db. Its directory is created.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	dir := filepath.Join(home, ".specfactory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return filepath.Join(dir, "specfactory.db"), nil
}

// Open opens the event log at path, creating the file and its directory if
// they are missing. ":memory:" gives a throwaway database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for event log %s: %w", path, err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("event log %s: %s: %w", path, stmt, err)
		}
	}
	return &DB{conn: conn, path: path}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// Conn exposes the connection for read-only reporting queries.
func (d *DB) Conn() *sql.DB { return d.conn }

func (d *DB) Path() string { return d.path }

// migrations[i] brings the schema to version i+1. Append only.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS pipeline_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    spec_id     TEXT NOT NULL,
    session_id  TEXT NOT NULL DEFAULT '',
    event       TEXT NOT NULL,
    step        TEXT NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_pipeline_spec ON pipeline_events(spec_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS agent_calls (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    spec_id     TEXT NOT NULL,
    step        TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    role        TEXT NOT NULL,
    kind        TEXT NOT NULL DEFAULT 'stage',
    status      TEXT NOT NULL CHECK(status IN ('success','timeout','empty','malformed','cancelled')),
    latency_ms  INTEGER NOT NULL DEFAULT 0,
    error       TEXT,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_agent_calls_role ON agent_calls(role, status);
CREATE INDEX IF NOT EXISTS idx_agent_calls_spec ON agent_calls(spec_id, step, attempt);

CREATE TABLE IF NOT EXISTS quality_decisions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    spec_id     TEXT NOT NULL,
    checkpoint  TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    issue_id    TEXT NOT NULL,
    resolution  TEXT NOT NULL CHECK(resolution IN ('auto_apply','arbiter_validate','escalate')),
    confidence  TEXT NOT NULL DEFAULT '',
    magnitude   TEXT NOT NULL DEFAULT '',
    agreement   INTEGER NOT NULL DEFAULT 0,
    total_roles INTEGER NOT NULL DEFAULT 0,
    reason      TEXT,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_quality_spec ON quality_decisions(spec_id, checkpoint);

CREATE TABLE IF NOT EXISTS guardrail_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    spec_id     TEXT NOT NULL,
    stage       TEXT NOT NULL,
    passed      BOOLEAN NOT NULL,
    exit_code   INTEGER,
    duration_ms INTEGER,
    summary     TEXT,
    errors      TEXT,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_guardrail_spec ON guardrail_runs(spec_id, stage);
`,
	// Activity feed and --since filters scan by time across specs.
	`
CREATE INDEX IF NOT EXISTS idx_pipeline_time ON pipeline_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_agent_calls_time ON agent_calls(timestamp);
CREATE INDEX IF NOT EXISTS idx_quality_time ON quality_decisions(timestamp);
`,
}

// SchemaVersion is the version Migrate brings the database to.
func SchemaVersion() int { return len(migrations) }

// Version reports the applied schema version, 0 for a fresh database.
func (d *DB) Version() (int, error) {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
)`); err != nil {
		return 0, fmt.Errorf("schema_version table: %w", err)
	}
	var v int
	if err := d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies every pending migration, each in its own transaction.
func (d *DB) Migrate() error {
	current, err := d.Version()
	if err != nil {
		return err
	}
	for v := current + 1; v <= len(migrations); v++ {
		if err := d.apply(v); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) apply(version int) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migrations[version-1]); err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("migration %d: record version: %w", version, err)
	}
	return tx.Commit()
}

// Reset drops every table in the event log and migrates from scratch.
func (d *DB) Reset() error {
	rows, err := d.conn.Query("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("list tables: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	for _, t := range tables {
		if _, err := d.conn.Exec(`DROP TABLE IF EXISTS "` + t + `"`); err != nil {
			return fmt.Errorf("drop %s: %w", t, err)
		}
	}
	return d.Migrate()
}
