package backends

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	Path        string
	JournalMode string
	Synchronous string
	BusyTimeout time.Duration
}

// OpenSQLite opens or creates a sqlite database and verifies it.
func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "FULL"
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d&_foreign_keys=ON",
		opts.Path, opts.JournalMode, opts.Synchronous, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", opts.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
