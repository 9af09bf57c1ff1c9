package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jholhewres/clawgate/pkg/clawgate/database/backends"
)

func openTestHub(t *testing.T) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "test.db")
	h, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestOpenSQLiteMigrates(t *testing.T) {
	t.Parallel()
	h := openTestHub(t)
	ctx := context.Background()

	v, err := h.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("schema version = %d, want 1", v)
	}

	for _, table := range []string{"sessions", "audit_chain"} {
		var n int
		if err := h.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}

	st := h.Status(ctx)
	if !st.Healthy || st.Backend != BackendSQLite {
		t.Errorf("status = %+v", st)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(dir, "twice.db")

	for i := 0; i < 2; i++ {
		h, err := Open(context.Background(), cfg, nil)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		h.Close()
	}
}

func TestActiveSessionKeyUnique(t *testing.T) {
	t.Parallel()
	h := openTestHub(t)
	ctx := context.Background()
	insert := `INSERT INTO sessions (id, user_id, channel_id, tier, status, created_at, last_activity)
		VALUES (?, 'u', 'c', 'minimal', ?, 1, 1)`

	if _, err := h.DB().ExecContext(ctx, insert, "s1", "active"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := h.DB().ExecContext(ctx, insert, "s2", "active"); err == nil {
		t.Fatal("second active session for the same key was accepted")
	}
	if _, err := h.DB().ExecContext(ctx, "UPDATE sessions SET status = 'closed' WHERE id = 's1'"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.DB().ExecContext(ctx, insert, "s2", "active"); err != nil {
		t.Fatalf("insert after close: %v", err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	sqlite := &Hub{cfg: Config{Backend: BackendSQLite}}
	pg := &Hub{cfg: Config{Backend: BackendPostgreSQL}, dialect: backends.DialectPostgres}

	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind = %q", got)
	}
	if got, want := pg.Rebind(q), "SELECT a FROM t WHERE x = $1 AND y = $2"; got != want {
		t.Errorf("postgres Rebind = %q, want %q", got, want)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.Backend = "mysql" }, true},
		{"weak sync", func(c *Config) { c.SQLite.Synchronous = "NORMAL" }, true},
		{"postgres without host", func(c *Config) {
			c.Backend = BackendPostgreSQL
			c.PostgreSQL.Host = ""
		}, true},
		{"postgres dsn", func(c *Config) {
			c.Backend = BackendPostgreSQL
			c.PostgreSQL.Host = ""
			c.PostgreSQL.DSN = "postgres://x@y/z"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
