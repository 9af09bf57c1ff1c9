package backends

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgreSQLOptions configures OpenPostgreSQL.
type PostgreSQLOptions struct {
	DSN             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgreSQL opens a pool through the pgx database/sql driver.
func OpenPostgreSQL(ctx context.Context, opts PostgreSQLOptions) (*sql.DB, error) {
	db, err := sql.Open("pgx", PostgreSQLDSN(opts))
	if err != nil {
		return nil, fmt.Errorf("open postgresql: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgresql: %w", err)
	}
	return db, nil
}

// PostgreSQLDSN builds a keyword/value connection string. An explicit DSN
// wins over the individual fields.
func PostgreSQLDSN(opts PostgreSQLOptions) string {
	if opts.DSN != "" {
		return opts.DSN
	}
	sslMode := opts.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=%s",
		opts.Host, opts.Port, opts.Database, opts.User, sslMode)
	if opts.Password != "" {
		dsn += fmt.Sprintf(" password='%s'", escapeDSNValue(opts.Password))
	}
	return dsn
}

func escapeDSNValue(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, v[i])
	}
	return string(out)
}
