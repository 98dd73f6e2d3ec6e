package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aexhq/aex/pkg/store"
)

const dbSchema = `
CREATE TABLE IF NOT EXISTS rate_windows (
	actor_id     TEXT PRIMARY KEY,
	tokens       REAL NOT NULL,
	last_refill  REAL NOT NULL
);
`

// DBStore is the authoritative fallback rate-window store, used when
// Redis is unavailable or unconfigured. It implements the same token-
// bucket arithmetic as RedisStore's Lua script, but serialized through
// a row-locked transaction instead of an atomic script.
type DBStore struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewDBStore(db *sql.DB, dialect store.Dialect) *DBStore {
	return &DBStore{db: db, dialect: dialect}
}

func (s *DBStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, dbSchema)
	return err
}

func (s *DBStore) q(query string) string { return store.Rebind(s.dialect, query) }

func (s *DBStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	capacity := float64(policy.Burst)
	if capacity <= 0 {
		capacity = float64(policy.RPM)
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ratelimit: begin tx: %w", err)
	}
	defer tx.Rollback()

	selectQuery := s.q("SELECT tokens, last_refill FROM rate_windows WHERE actor_id = $1")
	if s.dialect == store.DialectPostgres {
		selectQuery += " FOR UPDATE"
	}

	var tokens, lastRefill float64
	err = tx.QueryRowContext(ctx, selectQuery, actorID).Scan(&tokens, &lastRefill)
	switch {
	case err == sql.ErrNoRows:
		tokens, lastRefill = capacity, now
		insertQuery := s.q("INSERT INTO rate_windows (actor_id, tokens, last_refill) VALUES ($1, $2, $3)")
		if _, err := tx.ExecContext(ctx, insertQuery, actorID, tokens, lastRefill); err != nil {
			return false, fmt.Errorf("ratelimit: insert window: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("ratelimit: select window: %w", err)
	}

	elapsed := now - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = min(capacity, tokens+elapsed*rate)

	allowed := false
	if tokens >= float64(cost) {
		tokens -= float64(cost)
		allowed = true
	}

	updateQuery := s.q("UPDATE rate_windows SET tokens = $1, last_refill = $2 WHERE actor_id = $3")
	if _, err := tx.ExecContext(ctx, updateQuery, tokens, now, actorID); err != nil {
		return false, fmt.Errorf("ratelimit: update window: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ratelimit: commit: %w", err)
	}
	return allowed, nil
}
