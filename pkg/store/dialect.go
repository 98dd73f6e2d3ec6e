// Package store owns the single-writer relational connection this
// process uses for the ledger, rate windows, webhook subscriptions, and
// the tool plugin registry. AEX does not federate across nodes (see
// spec Non-goals) — there is exactly one writable database per
// deployment, selected at startup by DSN scheme.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL dialect a DSN resolved to. Ledger and store
// queries are written once using Postgres-style `$1`-numbered
// placeholders and rebound to `?` for SQLite at execution time via
// Rebind, mirroring the teacher's precedent of one query string serving
// both embeddable and durable backends.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Open opens dsn against the driver implied by its scheme:
// "postgres://" or "postgresql://" selects lib/pq; anything else
// (including a bare file path or "sqlite://") selects the pure-Go
// modernc.org/sqlite driver, which is also what unit tests use for a
// fast, dependency-free SQL surface.
func Open(dsn string) (*sql.DB, Dialect, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("store: open postgres: %w", err)
		}
		return db, DialectPostgres, nil
	}

	path := strings.TrimPrefix(dsn, "sqlite://")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, "", fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite has no row-level locking; a single open connection keeps
	// database/sql's pool from interleaving writes across goroutines,
	// which is what serializes the ledger's writers.
	db.SetMaxOpenConns(1)
	return db, DialectSQLite, nil
}

// Rebind rewrites a query written with Postgres-style `$1`, `$2`, ...
// placeholders into SQLite's positional `?` placeholders when dialect
// is DialectSQLite; it returns query unchanged for DialectPostgres.
func Rebind(dialect Dialect, query string) string {
	if dialect == DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		if _, err := strconv.Atoi(query[i+1 : j]); err == nil {
			b.WriteByte('?')
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
