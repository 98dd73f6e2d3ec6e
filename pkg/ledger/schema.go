package ledger

// schema is the SQLite DDL. On Postgres, Init runs schemaPostgres, a
// separate full DDL, instead.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	budget_micro BIGINT NOT NULL,
	spent_micro BIGINT NOT NULL DEFAULT 0,
	reserved_micro BIGINT NOT NULL DEFAULT 0,
	rpm_limit INTEGER NOT NULL DEFAULT 60,
	locked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	execution_id TEXT NOT NULL UNIQUE,
	estimated_micro BIGINT NOT NULL,
	actual_micro BIGINT NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	expiry_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_agent_state ON reservations(agent_id, state);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	idempotency_key TEXT,
	request_hash TEXT NOT NULL,
	route_hash TEXT,
	policy_hash TEXT,
	state TEXT NOT NULL,
	status_code INTEGER,
	response_hash TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idem ON executions(agent_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS ledger_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	partition TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	type TEXT NOT NULL,
	amount_micro BIGINT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_partition ON ledger_events(partition, id);
`

// schemaPostgres applies Postgres-only refinements that have no SQLite
// equivalent (serial PK, row-level security deferred to the deployment
// operator rather than hardcoded here, unlike the teacher's ledger
// which enables RLS unconditionally in application DDL).
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	budget_micro BIGINT NOT NULL,
	spent_micro BIGINT NOT NULL DEFAULT 0,
	reserved_micro BIGINT NOT NULL DEFAULT 0,
	rpm_limit INTEGER NOT NULL DEFAULT 60,
	locked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	execution_id TEXT NOT NULL UNIQUE,
	estimated_micro BIGINT NOT NULL,
	actual_micro BIGINT NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	expiry_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_agent_state ON reservations(agent_id, state);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	idempotency_key TEXT,
	request_hash TEXT NOT NULL,
	route_hash TEXT,
	policy_hash TEXT,
	state TEXT NOT NULL,
	status_code INTEGER,
	response_hash TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idem ON executions(agent_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS ledger_events (
	id BIGSERIAL PRIMARY KEY,
	partition TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	type TEXT NOT NULL,
	amount_micro BIGINT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_partition ON ledger_events(partition, id);
`
