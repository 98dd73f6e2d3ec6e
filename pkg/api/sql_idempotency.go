package api

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/aexhq/aex/pkg/store"
)

const responseCacheSchema = `
CREATE TABLE IF NOT EXISTS response_cache (
	execution_id TEXT PRIMARY KEY,
	status_code  INTEGER NOT NULL,
	body         BLOB NOT NULL,
	cached_at    TIMESTAMP NOT NULL
);
`

// SQLResponseCache is a durable ResponseCacher backed by the same
// database as the ledger (Postgres or SQLite — see store.Dialect), so a
// replay request can land on any instance behind the load balancer and
// still find the original bytes. Queries are written Postgres-style and
// rebound per dialect with store.Rebind, matching pkg/ratelimit.DBStore
// and pkg/ledger.SQLLedger's dual-dialect precedent.
type SQLResponseCache struct {
	db      *sql.DB
	dialect store.Dialect
	ttl     time.Duration
}

// NewSQLResponseCache wraps db. The caller is responsible for having
// run the response_cache table migration alongside the ledger's own
// schema.
func NewSQLResponseCache(db *sql.DB, dialect store.Dialect, ttl time.Duration) *SQLResponseCache {
	return &SQLResponseCache{db: db, dialect: dialect, ttl: ttl}
}

// Init creates the response_cache table if it does not already exist.
func (c *SQLResponseCache) Init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, responseCacheSchema)
	return err
}

func (c *SQLResponseCache) q(query string) string { return store.Rebind(c.dialect, query) }

func (c *SQLResponseCache) Get(executionID string) (*cachedResponse, bool) {
	var statusCode int
	var body []byte
	var cachedAt time.Time
	err := c.db.QueryRow(
		c.q(`SELECT status_code, body, cached_at FROM response_cache WHERE execution_id = $1`),
		executionID,
	).Scan(&statusCode, &body, &cachedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(cachedAt) > c.ttl {
		_, _ = c.db.Exec(c.q(`DELETE FROM response_cache WHERE execution_id = $1`), executionID)
		return nil, false
	}
	return &cachedResponse{StatusCode: statusCode, Body: body, CachedAt: cachedAt}, true
}

func (c *SQLResponseCache) Put(executionID string, statusCode int, body []byte) {
	now := time.Now().UTC()
	_, err := c.db.Exec(
		c.q(`INSERT INTO response_cache (execution_id, status_code, body, cached_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (execution_id) DO UPDATE SET status_code = $2, body = $3, cached_at = $4`),
		executionID, statusCode, body, now,
	)
	if err != nil {
		slog.Error("response cache: failed to store execution response", "execution_id", executionID, "error", err)
	}
}

// Cleanup removes cache rows older than the configured TTL. Intended to
// run on the same interval as the recovery sweep.
func (c *SQLResponseCache) Cleanup() {
	_, _ = c.db.Exec(c.q(`DELETE FROM response_cache WHERE cached_at < $1`), time.Now().UTC().Add(-c.ttl))
}
