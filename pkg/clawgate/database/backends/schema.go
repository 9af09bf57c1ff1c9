// Package backends provides the sqlite and postgresql implementations
// behind the database hub.
package backends

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is the latest schema version.
const SchemaVersion = 1

// Dialect selects dialect-specific SQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Schema returns the DDL for the dialect. Every statement is idempotent.
// Timestamps are unix nanoseconds so both drivers round-trip them exactly.
func Schema(d Dialect) string {
	blob, bigint := "BLOB", "INTEGER"
	if d == DialectPostgres {
		blob, bigint = "BYTEA", "BIGINT"
	}
	r := strings.NewReplacer("{BLOB}", blob, "{BIGINT}", bigint)
	return r.Replace(`
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	channel_id    TEXT NOT NULL,
	tier          TEXT NOT NULL,
	status        TEXT NOT NULL,
	close_reason  TEXT NOT NULL DEFAULT '',
	invocations   TEXT NOT NULL DEFAULT '[]',
	created_at    {BIGINT} NOT NULL,
	last_activity {BIGINT} NOT NULL,
	closed_at     {BIGINT} NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_key
	ON sessions(user_id, channel_id) WHERE status <> 'closed';

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS audit_chain (
	seq           {BIGINT} PRIMARY KEY,
	kind          TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	invocation_id TEXT NOT NULL DEFAULT '',
	actor         TEXT NOT NULL DEFAULT '',
	tool          TEXT NOT NULL DEFAULT '',
	decision      TEXT NOT NULL DEFAULT '',
	code          TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	payload       {BLOB},
	created_at    {BIGINT} NOT NULL,
	prev_checksum {BLOB} NOT NULL,
	checksum      {BLOB} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_chain(session_id);
`)
}

// Migrator applies the schema and records the version in schema_version.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sql.DB, dialect Dialect) *Migrator {
	return &Migrator{db: db, dialect: dialect}
}

// CurrentVersion returns the recorded schema version, 0 when none.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := m.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") || strings.Contains(err.Error(), "does not exist") {
			return 0, nil
		}
		return 0, err
	}
	return int(version.Int64), nil
}

// Migrate brings the schema to the latest version.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT ''
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	// One statement per Exec; drivers disagree on multi-statement batches.
	for _, stmt := range strings.Split(Schema(m.dialect), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	insert := "INSERT INTO schema_version (version) VALUES (?)"
	if m.dialect == DialectPostgres {
		insert = "INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING"
	}
	if _, err := m.db.ExecContext(ctx, insert, SchemaVersion); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
