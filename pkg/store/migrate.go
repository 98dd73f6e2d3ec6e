package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Migration is one additive schema change, gated on schema_version so
// Migrator never re-applies it and never applies an older migration
// over a newer one.
type Migration struct {
	Version     *semver.Version
	Description string
	Up          func(ctx context.Context, db *sql.DB, dialect Dialect) error
}

// Migrator tracks and applies additive migrations against a
// schema_version table. It never drops or alters existing columns —
// every Migration is expected to be additive (new table, new column
// with a default, new index), matching the ledger's own append-only
// design.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
}

func NewMigrator(db *sql.DB, dialect Dialect) *Migrator {
	return &Migrator{db: db, dialect: dialect}
}

const schemaVersionSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version     TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at  TIMESTAMP NOT NULL
);
`

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schemaVersionSchema)
	return err
}

// Current returns the highest applied version, or nil if none have run.
func (m *Migrator) Current(ctx context.Context) (*semver.Version, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("store: ensure schema_version table: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("store: read schema_version: %w", err)
	}
	defer rows.Close()

	var highest *semver.Version
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if highest == nil || v.GreaterThan(highest) {
			highest = v
		}
	}
	return highest, rows.Err()
}

// Apply runs every migration whose Version is strictly greater than
// the current schema version, in ascending order, recording each as it
// commits. Returns the descriptions of migrations actually applied.
func (m *Migrator) Apply(ctx context.Context, migrations []Migration) ([]string, error) {
	current, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Migration, 0, len(migrations))
	for _, mig := range migrations {
		if current == nil || mig.Version.GreaterThan(current) {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version.LessThan(pending[j].Version) })

	var applied []string
	for _, mig := range pending {
		if err := mig.Up(ctx, m.db, m.dialect); err != nil {
			return applied, fmt.Errorf("store: migration %s failed: %w", mig.Version, err)
		}
		_, err := m.db.ExecContext(ctx,
			Rebind(m.dialect, `INSERT INTO schema_version (version, description, applied_at) VALUES ($1, $2, $3)`),
			mig.Version.String(), mig.Description, time.Now().UTC(),
		)
		if err != nil {
			return applied, fmt.Errorf("store: record migration %s: %w", mig.Version, err)
		}
		applied = append(applied, fmt.Sprintf("%s: %s", mig.Version, mig.Description))
	}
	return applied, nil
}
