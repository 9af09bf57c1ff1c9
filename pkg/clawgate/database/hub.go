// Package database is the storage hub behind sessions and the audit chain.
// SQLite is the default backend and needs no setup; PostgreSQL is used for
// shared deployments.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/database/backends"
)

// Hub owns the database connection and dialect details.
type Hub struct {
	cfg     Config
	db      *sql.DB
	dialect backends.Dialect
	logger  *slog.Logger
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Hub{cfg: cfg, logger: logger.With("component", "database")}

	var err error
	switch cfg.Backend {
	case BackendSQLite:
		h.dialect = backends.DialectSQLite
		h.db, err = backends.OpenSQLite(ctx, backends.SQLiteOptions{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			Synchronous: cfg.SQLite.Synchronous,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
	case BackendPostgreSQL:
		pg := cfg.PostgreSQL
		h.dialect = backends.DialectPostgres
		h.db, err = backends.OpenPostgreSQL(ctx, backends.PostgreSQLOptions{
			DSN:             pg.DSN,
			Host:            pg.Host,
			Port:            pg.Port,
			Database:        pg.Database,
			User:            pg.User,
			Password:        pg.Password,
			SSLMode:         pg.SSLMode,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := backends.NewMigrator(h.db, h.dialect).Migrate(ctx); err != nil {
		h.db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Backend, err)
	}

	h.logger.Info("database ready", "backend", cfg.Backend)
	return h, nil
}

// DB returns the connection pool.
func (h *Hub) DB() *sql.DB { return h.db }

// Backend returns the active backend type.
func (h *Hub) Backend() BackendType { return h.cfg.Backend }

// Rebind rewrites "?" placeholders for the active dialect. Queries are
// written with "?" and never contain a literal question mark.
func (h *Hub) Rebind(query string) string {
	if h.dialect != backends.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SchemaVersion returns the applied schema version.
func (h *Hub) SchemaVersion(ctx context.Context) (int, error) {
	return backends.NewMigrator(h.db, h.dialect).CurrentVersion(ctx)
}

// HealthStatus is the health of the database.
type HealthStatus struct {
	Backend         BackendType   `json:"backend"`
	Healthy         bool          `json:"healthy"`
	Latency         time.Duration `json:"latency"`
	Error           string        `json:"error,omitempty"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
}

// Status pings the database and reports pool counters.
func (h *Hub) Status(ctx context.Context) HealthStatus {
	start := time.Now()
	err := h.db.PingContext(ctx)
	stats := h.db.Stats()
	st := HealthStatus{
		Backend:         h.cfg.Backend,
		Healthy:         err == nil,
		Latency:         time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Close closes the connection pool.
func (h *Hub) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}
