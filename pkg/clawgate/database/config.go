package database

import (
	"fmt"
	"time"
)

// BackendType identifies the database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config configures the database hub. SQLite is the default and needs no
// setup beyond a writable path.
type Config struct {
	// Backend selects the database: "sqlite" (default) or "postgresql".
	Backend BackendType `yaml:"backend"`

	// SQLite holds sqlite settings.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PostgreSQL holds postgresql settings.
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	// Path is the database file. Default: "./data/clawgate.db".
	Path string `yaml:"path"`

	// JournalMode is the sqlite journal mode. Default: "WAL".
	JournalMode string `yaml:"journal_mode"`

	// Synchronous is the sqlite synchronous level. Default: "FULL", so a
	// committed audit record survives power loss.
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout bounds lock waits. Default: 5s.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PostgreSQLConfig configures the postgresql backend.
type PostgreSQLConfig struct {
	// DSN overrides the individual fields when set.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// SSLMode: disable, require, verify-ca, verify-full. Default: "disable".
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns a sqlite configuration.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/clawgate.db",
			JournalMode: "WAL",
			Synchronous: "FULL",
			BusyTimeout: 5 * time.Second,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "clawgate",
			User:            "clawgate",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
	}
}

// Effective fills zero fields from DefaultConfig.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.Backend == "" {
		out.Backend = def.Backend
	}
	if out.SQLite.Path == "" {
		out.SQLite.Path = def.SQLite.Path
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = def.SQLite.JournalMode
	}
	if out.SQLite.Synchronous == "" {
		out.SQLite.Synchronous = def.SQLite.Synchronous
	}
	if out.SQLite.BusyTimeout <= 0 {
		out.SQLite.BusyTimeout = def.SQLite.BusyTimeout
	}
	pg := &out.PostgreSQL
	if pg.Host == "" {
		pg.Host = def.PostgreSQL.Host
	}
	if pg.Port == 0 {
		pg.Port = def.PostgreSQL.Port
	}
	if pg.Database == "" {
		pg.Database = def.PostgreSQL.Database
	}
	if pg.User == "" {
		pg.User = def.PostgreSQL.User
	}
	if pg.SSLMode == "" {
		pg.SSLMode = def.PostgreSQL.SSLMode
	}
	if pg.MaxOpenConns <= 0 {
		pg.MaxOpenConns = def.PostgreSQL.MaxOpenConns
	}
	if pg.MaxIdleConns <= 0 {
		pg.MaxIdleConns = def.PostgreSQL.MaxIdleConns
	}
	if pg.ConnMaxLifetime <= 0 {
		pg.ConnMaxLifetime = def.PostgreSQL.ConnMaxLifetime
	}
	return out
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, "":
		if c.SQLite.Synchronous != "" && c.SQLite.Synchronous != "FULL" && c.SQLite.Synchronous != "EXTRA" {
			return fmt.Errorf("database.sqlite.synchronous must be FULL or EXTRA for a durable audit chain, got %q", c.SQLite.Synchronous)
		}
	case BackendPostgreSQL:
		if c.PostgreSQL.DSN == "" && c.PostgreSQL.Host == "" {
			return fmt.Errorf("database.postgresql requires dsn or host")
		}
	default:
		return fmt.Errorf("unsupported database backend: %s", c.Backend)
	}
	return nil
}
