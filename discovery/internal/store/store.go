// Package store is the Job Store of the discovery service: jobs, the
// creators found for them, normalized creator keys, the delivery ledger
// and the response cache.
//
// Queries are written once with `?` placeholders and rebound for the
// configured dialect, so the same Store runs on SQLite and Postgres.
// Cross-invocation coordination only happens through conditional updates
// here; callers never hold locks.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/scout/dbopen"
)

// Store wraps the discovery database.
type Store struct {
	DB      *sql.DB
	Dialect dbopen.Dialect
	// Now overrides the clock (tests).
	Now func() time.Time
}

// NewStore creates a Store on an opened database. An empty dialect means
// SQLite.
func NewStore(db *sql.DB, dialect dbopen.Dialect) *Store {
	if dialect == "" {
		dialect = dbopen.SQLite
	}
	return &Store{DB: db, Dialect: dialect, Now: time.Now}
}

// ApplySchema creates the discovery tables if they do not exist.
func (s *Store) ApplySchema(ctx context.Context) error {
	return dbopen.ExecScript(ctx, s.DB, Schema)
}

func (s *Store) q(query string) string { return s.Dialect.Rebind(query) }

func (s *Store) nowMs() int64 { return s.Now().UnixMilli() }

// forUpdate returns the row-lock suffix for read-modify-write
// transactions. SQLite serializes writers already.
func (s *Store) forUpdate() string {
	if s.Dialect == dbopen.Postgres {
		return " FOR UPDATE"
	}
	return ""
}
