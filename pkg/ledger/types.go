// Package ledger implements the financial ledger: per-agent budget
// accounting, the reserve -> commit|release obligation lifecycle, and
// the hash-chained event log that makes every balance change
// replayable and auditable. All monetary values are int64 micro-USD
// (one millionth of a dollar) — no floating point ever touches a
// balance.
package ledger

import (
	"errors"
	"time"
)

// ReservationState is the lifecycle of a single reservation against an
// agent's budget.
type ReservationState string

const (
	ReservationReserved  ReservationState = "RESERVED"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

// ExecutionState is the lifecycle of one logical request attempt:
//
//	RESERVING -> RESERVED -> DISPATCHED -> RESPONSE_RECEIVED -> COMMITTED
//	          \-> DENIED     \-> RELEASED      \-> FAILED
//
// Terminal states act as the idempotency cache for replays.
type ExecutionState string

const (
	ExecutionReserving        ExecutionState = "RESERVING"
	ExecutionReserved         ExecutionState = "RESERVED"
	ExecutionDispatched       ExecutionState = "DISPATCHED"
	ExecutionResponseReceived ExecutionState = "RESPONSE_RECEIVED"
	ExecutionCommitted        ExecutionState = "COMMITTED"
	ExecutionDenied           ExecutionState = "DENIED"
	ExecutionReleased         ExecutionState = "RELEASED"
	ExecutionFailed           ExecutionState = "FAILED"
)

// IsTerminal reports whether an execution in this state can ever
// transition again — used by idempotency lookup to decide between a
// cached replay and a wait-for-completion poll.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCommitted, ExecutionFailed, ExecutionReleased, ExecutionDenied:
		return true
	default:
		return false
	}
}

// EventType names an entry in the hash-chained event log.
type EventType string

const (
	EventReserved    EventType = "budget.reserve"
	EventBudgetDeny  EventType = "budget.deny"
	EventCommitted   EventType = "usage.commit"
	EventReleased    EventType = "reservation.release"
	EventDispatched  EventType = "execution.dispatched"
	EventFailed      EventType = "execution.failed"
)

// Agent is the unit of budget, rate-limit, and lifecycle governance.
type Agent struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	ProjectID    string         `json:"project_id"`
	Name         string         `json:"name"`
	TokenHash    string         `json:"-"`
	BudgetMicro  int64          `json:"budget_micro"`
	SpentMicro   int64          `json:"spent_micro"`
	ReservedMicro int64         `json:"reserved_micro"`
	RPMLimit     int            `json:"rpm_limit"`
	Locked       bool           `json:"locked"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Liability is the agent's total outstanding obligation: what it has
// already spent plus what is currently reserved against it. Invariant:
// Liability() must never exceed BudgetMicro.
func (a Agent) Liability() int64 {
	return a.SpentMicro + a.ReservedMicro
}

// Reservation holds budget aside for an execution between admission and
// settlement.
type Reservation struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agent_id"`
	ExecutionID    string           `json:"execution_id"`
	EstimatedMicro int64            `json:"estimated_micro"`
	ActualMicro    int64            `json:"actual_micro"`
	State          ReservationState `json:"state"`
	ExpiryAt       time.Time        `json:"expiry_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`

	// Reused is true when Reserve lost a race against a concurrent
	// reservation for the same execution_id and returned the winner's
	// row instead of inserting its own (spec.md §4.3: "RESERVED sibling
	// reservation ⇒ return reused=true"). Never persisted.
	Reused bool `json:"-"`
}

// Execution is one admitted request, from admission through settlement.
type Execution struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	TenantID       string         `json:"tenant_id"`
	ProjectID      string         `json:"project_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	RequestHash    string         `json:"request_hash"`
	RouteHash      string         `json:"route_hash,omitempty"`
	PolicyHash     string         `json:"policy_hash,omitempty"`
	State          ExecutionState `json:"state"`
	StatusCode     int            `json:"status_code,omitempty"`
	ResponseHash   string         `json:"response_hash,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Event is a single hash-chained entry in the append-only ledger log.
// Chains are maintained per partition key (the agent id) so that
// concurrent agents' histories can append independently while each
// individual agent's history remains a strict, verifiable chain.
type Event struct {
	ID          int64     `json:"id"`
	Partition   string    `json:"partition"`
	ExecutionID string    `json:"execution_id"`
	Type        EventType `json:"type"`
	AmountMicro int64     `json:"amount_micro"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// GenesisHash is the chain anchor for a partition with no prior events.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrAlreadyExists      = errors.New("ledger: already exists")
	ErrInsufficientBudget = errors.New("ledger: insufficient budget")
	ErrAgentLocked        = errors.New("ledger: agent locked")
	ErrInvalidTransition  = errors.New("ledger: invalid state transition")
	ErrChainBroken        = errors.New("ledger: hash chain broken")
)
