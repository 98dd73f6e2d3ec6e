package store

import (
	"context"
	"database/sql"

	"github.com/Masterminds/semver/v3"
)

// DefaultMigrations lists every additive schema change shipped so far,
// in the order Migrator.Apply gates them against schema_version. Each
// package's own Init (ledger.SQLLedger.Init, ratelimit.DBStore.Init,
// api.SQLResponseCache.Init) creates its base tables with CREATE TABLE
// IF NOT EXISTS and runs unconditionally at startup; DefaultMigrations
// is for changes layered on top of those base tables after they've
// already shipped, where an unconditional CREATE/ALTER would either
// fail on a fresh database ordering issue or silently no-op forever.
func DefaultMigrations() []Migration {
	return []Migration{
		{
			Version:     semver.MustParse("1.0.0"),
			Description: "index response_cache.cached_at for TTL sweeps",
			Up: func(ctx context.Context, db *sql.DB, dialect Dialect) error {
				_, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_response_cache_cached_at ON response_cache (cached_at)`)
				return err
			},
		},
		{
			Version:     semver.MustParse("1.1.0"),
			Description: "index rate_windows.last_refill for recovery sweep scans",
			Up: func(ctx context.Context, db *sql.DB, dialect Dialect) error {
				_, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_rate_windows_last_refill ON rate_windows (last_refill)`)
				return err
			},
		},
	}
}
