package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aexhq/aex/pkg/canonicalize"
	"github.com/aexhq/aex/pkg/store"
)

// Ledger is the durable interface to agent budget accounting, the
// reserve/commit/release obligation lifecycle, and executions. A single
// implementation (SQLLedger) backs both Postgres (production) and
// SQLite (dev/test) DSNs, selected once at startup by store.Open.
type Ledger interface {
	Init(ctx context.Context) error

	CreateAgent(ctx context.Context, a Agent) error
	GetAgent(ctx context.Context, id string) (Agent, error)
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (Agent, error)

	// ListAgents returns every agent, for the replay/invariant sweep
	// (pkg/replay) to check per-agent balance invariants against.
	ListAgents(ctx context.Context) ([]Agent, error)

	// Reserve holds estimatedMicro against agentID for executionID. It
	// fails closed with ErrInsufficientBudget if the agent's resulting
	// liability (spent + reserved) would exceed its budget, and with
	// ErrAgentLocked if the agent's lifecycle gate is closed.
	Reserve(ctx context.Context, agentID, executionID string, estimatedMicro int64) (Reservation, error)

	// Commit settles a reservation at its actual cost: the reservation
	// moves RESERVED -> COMMITTED, the agent's reserved_micro decreases
	// by the estimate and spent_micro increases by actualMicro.
	Commit(ctx context.Context, executionID string, actualMicro int64) (Reservation, error)

	// Release returns a reservation's estimate to the agent's available
	// budget without any spend: RESERVED -> RELEASED.
	Release(ctx context.Context, executionID string) (Reservation, error)

	GetReservation(ctx context.Context, executionID string) (Reservation, error)
	ListReservationsByState(ctx context.Context, state ReservationState) ([]Reservation, error)

	CreateExecution(ctx context.Context, e Execution) error
	GetExecution(ctx context.Context, id string) (Execution, error)
	GetExecutionByIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) (Execution, error)
	UpdateExecutionState(ctx context.Context, id string, state ExecutionState, statusCode int, responseHash string) error

	// ListNonTerminalExecutions returns every execution not yet in a
	// terminal state, for the recovery sweep (pkg/recovery) to inspect.
	ListNonTerminalExecutions(ctx context.Context) ([]Execution, error)

	// ListEvents returns a partition's event chain in append order, for
	// replay and hash-chain verification.
	ListEvents(ctx context.Context, partition string) ([]Event, error)

	// ListAllEvents returns every event across every partition, ordered
	// by (partition, id) — the full chain the replay verifier walks.
	ListAllEvents(ctx context.Context) ([]Event, error)
}

// SQLLedger implements Ledger over database/sql, against either the
// `github.com/lib/pq` or `modernc.org/sqlite` driver depending on the
// Dialect it was opened with.
type SQLLedger struct {
	db      *sql.DB
	dialect store.Dialect

	// ReservationTTL bounds how long a RESERVED reservation may sit
	// unsettled before the recovery sweep (pkg/recovery) reclaims it.
	// Zero means DefaultReservationTTL.
	ReservationTTL time.Duration
}

// DefaultReservationTTL is the reservation lifetime used when
// SQLLedger.ReservationTTL is unset — generous enough to cover a slow
// upstream response, short enough that a crashed dispatcher's budget
// comes back within one recovery sweep interval.
const DefaultReservationTTL = 60 * time.Second

func NewSQLLedger(db *sql.DB, dialect store.Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

func (l *SQLLedger) reservationTTL() time.Duration {
	if l.ReservationTTL > 0 {
		return l.ReservationTTL
	}
	return DefaultReservationTTL
}

func (l *SQLLedger) Init(ctx context.Context) error {
	ddl := schema
	if l.dialect == store.DialectPostgres {
		ddl = schemaPostgres
	}
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

func (l *SQLLedger) q(query string) string {
	return store.Rebind(l.dialect, query)
}

func (l *SQLLedger) CreateAgent(ctx context.Context, a Agent) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	query := l.q(`INSERT INTO agents (id, tenant_id, project_id, name, token_hash, budget_micro, spent_micro, reserved_micro, rpm_limit, locked, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`)
	rpmLimit := a.RPMLimit
	if rpmLimit <= 0 {
		rpmLimit = 60
	}
	_, err := l.db.ExecContext(ctx, query, a.ID, a.TenantID, a.ProjectID, a.Name, a.TokenHash,
		a.BudgetMicro, a.SpentMicro, a.ReservedMicro, rpmLimit, a.Locked, a.CreatedAt, a.UpdatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.TenantID, &a.ProjectID, &a.Name, &a.TokenHash,
		&a.BudgetMicro, &a.SpentMicro, &a.ReservedMicro, &a.RPMLimit, &a.Locked, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	return a, nil
}

func (l *SQLLedger) GetAgent(ctx context.Context, id string) (Agent, error) {
	query := l.q(`SELECT id, tenant_id, project_id, name, token_hash, budget_micro, spent_micro, reserved_micro, rpm_limit, locked, created_at, updated_at
		FROM agents WHERE id = $1`)
	return scanAgent(l.db.QueryRowContext(ctx, query, id))
}

func (l *SQLLedger) GetAgentByTokenHash(ctx context.Context, tokenHash string) (Agent, error) {
	query := l.q(`SELECT id, tenant_id, project_id, name, token_hash, budget_micro, spent_micro, reserved_micro, rpm_limit, locked, created_at, updated_at
		FROM agents WHERE token_hash = $1`)
	return scanAgent(l.db.QueryRowContext(ctx, query, tokenHash))
}

func (l *SQLLedger) ListAgents(ctx context.Context) ([]Agent, error) {
	query := l.q(`SELECT id, tenant_id, project_id, name, token_hash, budget_micro, spent_micro, reserved_micro, rpm_limit, locked, created_at, updated_at
		FROM agents ORDER BY id ASC`)
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Reserve implements the admission-time budget hold: lock the agent
// row, verify the gate and the budget invariant, insert the RESERVED
// row, bump reserved_micro, and append a hash-chained RESERVED event —
// all in one transaction.
func (l *SQLLedger) Reserve(ctx context.Context, agentID, executionID string, estimatedMicro int64) (Reservation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	agent, err := l.lockAgent(ctx, tx, agentID)
	if err != nil {
		return Reservation{}, err
	}
	if agent.Locked {
		return Reservation{}, ErrAgentLocked
	}
	if agent.Liability()+estimatedMicro > agent.BudgetMicro {
		if err := l.denyExecution(ctx, tx, agentID, executionID, estimatedMicro); err != nil {
			return Reservation{}, err
		}
		if err := tx.Commit(); err != nil {
			return Reservation{}, err
		}
		return Reservation{}, ErrInsufficientBudget
	}

	now := time.Now().UTC()
	res := Reservation{
		ID:             executionID,
		AgentID:        agentID,
		ExecutionID:    executionID,
		EstimatedMicro: estimatedMicro,
		State:          ReservationReserved,
		ExpiryAt:       now.Add(l.reservationTTL()),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	insertQ := l.q(`INSERT INTO reservations (id, agent_id, execution_id, estimated_micro, actual_micro, state, expiry_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8)
		ON CONFLICT (execution_id) DO NOTHING`)
	result, err := tx.ExecContext(ctx, insertQ, res.ID, res.AgentID, res.ExecutionID, res.EstimatedMicro, res.State, res.ExpiryAt, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: insert reservation: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: insert reservation rows affected: %w", err)
	}
	if inserted == 0 {
		// Lost the race: a concurrent Reserve for the same execution_id
		// already inserted its row. Reuse it rather than double-counting
		// reserved_micro or surfacing a unique-constraint error to the
		// loser (spec.md §4.3, §5).
		existing, err := l.getReservationTx(ctx, tx, executionID)
		if err != nil {
			return Reservation{}, err
		}
		if err := tx.Commit(); err != nil {
			return Reservation{}, err
		}
		existing.Reused = true
		return existing, nil
	}

	updateQ := l.q(`UPDATE agents SET reserved_micro = reserved_micro + $1, updated_at = $2 WHERE id = $3`)
	if _, err := tx.ExecContext(ctx, updateQ, estimatedMicro, now, agentID); err != nil {
		return Reservation{}, fmt.Errorf("ledger: update agent reserved_micro: %w", err)
	}

	if err := l.appendEvent(ctx, tx, agentID, executionID, EventReserved, estimatedMicro); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func (l *SQLLedger) Commit(ctx context.Context, executionID string, actualMicro int64) (Reservation, error) {
	return l.settle(ctx, executionID, ReservationCommitted, actualMicro, EventCommitted)
}

func (l *SQLLedger) Release(ctx context.Context, executionID string) (Reservation, error) {
	return l.settle(ctx, executionID, ReservationReleased, 0, EventReleased)
}

// settle is the shared CAS transition RESERVED -> {COMMITTED,RELEASED}.
// actualMicro is the real cost for a commit (0 for release); in both
// cases the full estimate is returned to reserved_micro and, for a
// commit, actualMicro is added to spent_micro.
func (l *SQLLedger) settle(ctx context.Context, executionID string, to ReservationState, actualMicro int64, evt EventType) (Reservation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	selectQ := l.q(`SELECT id, agent_id, execution_id, estimated_micro, actual_micro, state, expiry_at, created_at, updated_at
		FROM reservations WHERE execution_id = $1`)
	var res Reservation
	row := tx.QueryRowContext(ctx, selectQ, executionID)
	if err := row.Scan(&res.ID, &res.AgentID, &res.ExecutionID, &res.EstimatedMicro, &res.ActualMicro, &res.State, &res.ExpiryAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	if res.State != ReservationReserved {
		return Reservation{}, ErrInvalidTransition
	}

	if _, err := l.lockAgent(ctx, tx, res.AgentID); err != nil {
		return Reservation{}, err
	}

	now := time.Now().UTC()
	updateResQ := l.q(`UPDATE reservations SET state = $1, actual_micro = $2, updated_at = $3 WHERE execution_id = $4`)
	if _, err := tx.ExecContext(ctx, updateResQ, to, actualMicro, now, executionID); err != nil {
		return Reservation{}, err
	}

	updateAgentQ := l.q(`UPDATE agents SET reserved_micro = reserved_micro - $1, spent_micro = spent_micro + $2, updated_at = $3 WHERE id = $4`)
	if _, err := tx.ExecContext(ctx, updateAgentQ, res.EstimatedMicro, actualMicro, now, res.AgentID); err != nil {
		return Reservation{}, err
	}

	if err := l.appendEvent(ctx, tx, res.AgentID, executionID, evt, actualMicro); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, err
	}
	res.State = to
	res.ActualMicro = actualMicro
	res.UpdatedAt = now
	return res, nil
}

// lockAgent fetches and row-locks an agent within tx: `SELECT ... FOR
// UPDATE` on Postgres, a plain select on SQLite (already serialized —
// see store.Open, which caps the pool at one connection).
func (l *SQLLedger) lockAgent(ctx context.Context, tx *sql.Tx, agentID string) (Agent, error) {
	query := `SELECT id, tenant_id, project_id, name, token_hash, budget_micro, spent_micro, reserved_micro, rpm_limit, locked, created_at, updated_at FROM agents WHERE id = $1`
	if l.dialect == store.DialectPostgres {
		query += " FOR UPDATE"
	}
	return scanAgent(tx.QueryRowContext(ctx, l.q(query), agentID))
}

// appendEvent serializes chain-append per partition. On Postgres this
// uses pg_advisory_xact_lock keyed by the partition so concurrent
// agents append independently; on SQLite the single-connection pool
// already serializes every writer.
func (l *SQLLedger) appendEvent(ctx context.Context, tx *sql.Tx, partition, executionID string, typ EventType, amountMicro int64) error {
	if l.dialect == store.DialectPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", partition); err != nil {
			return fmt.Errorf("ledger: advisory lock: %w", err)
		}
	}

	var prevHash string
	selectQ := l.q(`SELECT hash FROM ledger_events WHERE partition = $1 ORDER BY id DESC LIMIT 1`)
	err := tx.QueryRowContext(ctx, selectQ, partition).Scan(&prevHash)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		prevHash = GenesisHash
	}

	now := time.Now().UTC()
	hash := canonicalize.StableHash(partition, prevHash, executionID, string(typ), fmt.Sprintf("%d", amountMicro), now.Format(time.RFC3339Nano))

	insertQ := l.q(`INSERT INTO ledger_events (partition, execution_id, type, amount_micro, prev_hash, hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`)
	_, err = tx.ExecContext(ctx, insertQ, partition, executionID, typ, amountMicro, prevHash, hash, now)
	return err
}

// denyExecution marks executionID DENIED and appends a budget.deny
// event, for the case where a reservation is rejected for insufficient
// budget. The execution row must already exist (admission creates it
// before calling Reserve); if it is missing there is nothing to deny.
func (l *SQLLedger) denyExecution(ctx context.Context, tx *sql.Tx, agentID, executionID string, estimatedMicro int64) error {
	updateQ := l.q(`UPDATE executions SET state = $1, updated_at = $2 WHERE id = $3`)
	if _, err := tx.ExecContext(ctx, updateQ, ExecutionDenied, time.Now().UTC(), executionID); err != nil {
		return fmt.Errorf("ledger: deny execution: %w", err)
	}
	return l.appendEvent(ctx, tx, agentID, executionID, EventBudgetDeny, estimatedMicro)
}

func (l *SQLLedger) GetReservation(ctx context.Context, executionID string) (Reservation, error) {
	query := l.q(`SELECT id, agent_id, execution_id, estimated_micro, actual_micro, state, expiry_at, created_at, updated_at
		FROM reservations WHERE execution_id = $1`)
	var res Reservation
	row := l.db.QueryRowContext(ctx, query, executionID)
	if err := row.Scan(&res.ID, &res.AgentID, &res.ExecutionID, &res.EstimatedMicro, &res.ActualMicro, &res.State, &res.ExpiryAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

// getReservationTx reads a reservation within an in-flight transaction —
// used by Reserve to fetch the winning row after losing an insert race.
func (l *SQLLedger) getReservationTx(ctx context.Context, tx *sql.Tx, executionID string) (Reservation, error) {
	query := l.q(`SELECT id, agent_id, execution_id, estimated_micro, actual_micro, state, expiry_at, created_at, updated_at
		FROM reservations WHERE execution_id = $1`)
	var res Reservation
	row := tx.QueryRowContext(ctx, query, executionID)
	if err := row.Scan(&res.ID, &res.AgentID, &res.ExecutionID, &res.EstimatedMicro, &res.ActualMicro, &res.State, &res.ExpiryAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

func (l *SQLLedger) ListReservationsByState(ctx context.Context, state ReservationState) ([]Reservation, error) {
	query := l.q(`SELECT id, agent_id, execution_id, estimated_micro, actual_micro, state, expiry_at, created_at, updated_at
		FROM reservations WHERE state = $1 ORDER BY created_at ASC`)
	rows, err := l.db.QueryContext(ctx, query, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Reservation, 0)
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.AgentID, &res.ExecutionID, &res.EstimatedMicro, &res.ActualMicro, &res.State, &res.ExpiryAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CreateExecution inserts the execution row admission creates before
// calling Reserve. ON CONFLICT DO NOTHING makes a concurrent race's
// loser a silent no-op here — the subsequent Reserve call is what
// distinguishes the winner from the loser and returns reused=true.
func (l *SQLLedger) CreateExecution(ctx context.Context, e Execution) error {
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	query := l.q(`INSERT INTO executions (id, agent_id, tenant_id, project_id, idempotency_key, request_hash, route_hash, policy_hash, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`)
	_, err := l.db.ExecContext(ctx, query, e.ID, e.AgentID, e.TenantID, e.ProjectID, nullIfEmpty(e.IdempotencyKey),
		e.RequestHash, nullIfEmpty(e.RouteHash), nullIfEmpty(e.PolicyHash), e.State, e.CreatedAt, e.UpdatedAt)
	return err
}

func scanExecution(row scanner) (Execution, error) {
	var e Execution
	var idem, route, policy, responseHash sql.NullString
	var statusCode sql.NullInt64
	err := row.Scan(&e.ID, &e.AgentID, &e.TenantID, &e.ProjectID, &idem, &e.RequestHash, &route, &policy,
		&e.State, &statusCode, &responseHash, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Execution{}, ErrNotFound
		}
		return Execution{}, err
	}
	e.IdempotencyKey = idem.String
	e.RouteHash = route.String
	e.PolicyHash = policy.String
	e.ResponseHash = responseHash.String
	e.StatusCode = int(statusCode.Int64)
	return e, nil
}

func (l *SQLLedger) GetExecution(ctx context.Context, id string) (Execution, error) {
	query := l.q(`SELECT id, agent_id, tenant_id, project_id, idempotency_key, request_hash, route_hash, policy_hash, state, status_code, response_hash, created_at, updated_at
		FROM executions WHERE id = $1`)
	return scanExecution(l.db.QueryRowContext(ctx, query, id))
}

func (l *SQLLedger) GetExecutionByIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) (Execution, error) {
	query := l.q(`SELECT id, agent_id, tenant_id, project_id, idempotency_key, request_hash, route_hash, policy_hash, state, status_code, response_hash, created_at, updated_at
		FROM executions WHERE agent_id = $1 AND idempotency_key = $2`)
	return scanExecution(l.db.QueryRowContext(ctx, query, agentID, idempotencyKey))
}

func (l *SQLLedger) UpdateExecutionState(ctx context.Context, id string, state ExecutionState, statusCode int, responseHash string) error {
	query := l.q(`UPDATE executions SET state = $1, status_code = $2, response_hash = $3, updated_at = $4 WHERE id = $5`)
	_, err := l.db.ExecContext(ctx, query, state, nullIfZero(statusCode), nullIfEmpty(responseHash), time.Now().UTC(), id)
	return err
}

// ListNonTerminalExecutions returns every execution whose state is not
// one of the four terminal states, ordered oldest-first so the
// recovery sweep processes the longest-stuck rows first.
func (l *SQLLedger) ListNonTerminalExecutions(ctx context.Context) ([]Execution, error) {
	query := l.q(`SELECT id, agent_id, tenant_id, project_id, idempotency_key, request_hash, route_hash, policy_hash, state, status_code, response_hash, created_at, updated_at
		FROM executions WHERE state IN ($1,$2,$3,$4) ORDER BY created_at ASC`)
	rows, err := l.db.QueryContext(ctx, query, ExecutionReserving, ExecutionReserved, ExecutionDispatched, ExecutionResponseReceived)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLLedger) ListEvents(ctx context.Context, partition string) ([]Event, error) {
	query := l.q(`SELECT id, partition, execution_id, type, amount_micro, prev_hash, hash, created_at
		FROM ledger_events WHERE partition = $1 ORDER BY id ASC`)
	rows, err := l.db.QueryContext(ctx, query, partition)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Partition, &e.ExecutionID, &e.Type, &e.AmountMicro, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLLedger) ListAllEvents(ctx context.Context) ([]Event, error) {
	query := l.q(`SELECT id, partition, execution_id, type, amount_micro, prev_hash, hash, created_at
		FROM ledger_events ORDER BY partition ASC, id ASC`)
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Partition, &e.ExecutionID, &e.Type, &e.AmountMicro, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
