package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig tunes the pgx pool behind OpenPostgres. Zero values keep
// pgx defaults.
type PostgresConfig struct {
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
	ApplicationName  string
}

// OpenPostgres creates a pgx pool for dsn and wraps it as *sql.DB. Closing
// the returned pool releases the connections; closing the *sql.DB alone does
// not.
func OpenPostgres(ctx context.Context, dsn string, cfg PostgresConfig) (*sql.DB, *pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("dbopen: parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	name := cfg.ApplicationName
	if name == "" {
		name = "scout"
	}
	pc.ConnConfig.RuntimeParams["application_name"] = name
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dctx, pc)
	if err != nil {
		return nil, nil, fmt.Errorf("dbopen: connect postgres: %w", err)
	}
	if err := pool.Ping(dctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("dbopen: ping postgres: %w", err)
	}
	return stdlib.OpenDBFromPool(pool), pool, nil
}

// OpenDSN opens whichever backend dsn selects (see DialectFor). The returned
// close function releases every resource that was opened.
func OpenDSN(ctx context.Context, dsn string, opts ...Option) (*sql.DB, Dialect, func() error, error) {
	if DialectFor(dsn) == Postgres {
		db, pool, err := OpenPostgres(ctx, dsn, PostgresConfig{})
		if err != nil {
			return nil, "", nil, err
		}
		closeFn := func() error {
			err := db.Close()
			pool.Close()
			return err
		}
		return db, Postgres, closeFn, nil
	}
	opts = append([]Option{WithMkdirAll()}, opts...)
	db, err := Open(dsn, opts...)
	if err != nil {
		return nil, "", nil, err
	}
	return db, SQLite, db.Close, nil
}
