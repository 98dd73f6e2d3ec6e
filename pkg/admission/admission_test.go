package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexhq/aex/pkg/aexerr"
	"github.com/aexhq/aex/pkg/ledger"
	"github.com/aexhq/aex/pkg/policy"
	"github.com/aexhq/aex/pkg/ratelimit"
	"github.com/aexhq/aex/pkg/router"
)

// fakeLedger is an in-memory ledger.Ledger for admission unit tests —
// the real SQLLedger is already covered by pkg/ledger's own sqlmock
// tests; admission only needs a predictable double of the interface.
type fakeLedger struct {
	agents     map[string]ledger.Agent
	executions map[string]ledger.Execution
}

func newFakeLedger(agents ...ledger.Agent) *fakeLedger {
	l := &fakeLedger{agents: map[string]ledger.Agent{}, executions: map[string]ledger.Execution{}}
	for _, a := range agents {
		l.agents[a.ID] = a
	}
	return l
}

func (l *fakeLedger) Init(ctx context.Context) error { return nil }
func (l *fakeLedger) CreateAgent(ctx context.Context, a ledger.Agent) error {
	l.agents[a.ID] = a
	return nil
}
func (l *fakeLedger) GetAgent(ctx context.Context, id string) (ledger.Agent, error) {
	a, ok := l.agents[id]
	if !ok {
		return ledger.Agent{}, ledger.ErrNotFound
	}
	return a, nil
}
func (l *fakeLedger) GetAgentByTokenHash(ctx context.Context, tokenHash string) (ledger.Agent, error) {
	for _, a := range l.agents {
		if a.TokenHash == tokenHash {
			return a, nil
		}
	}
	return ledger.Agent{}, ledger.ErrNotFound
}
func (l *fakeLedger) Reserve(ctx context.Context, agentID, executionID string, estimatedMicro int64) (ledger.Reservation, error) {
	a := l.agents[agentID]
	if a.Locked {
		return ledger.Reservation{}, ledger.ErrAgentLocked
	}
	if a.Liability()+estimatedMicro > a.BudgetMicro {
		return ledger.Reservation{}, ledger.ErrInsufficientBudget
	}
	a.ReservedMicro += estimatedMicro
	l.agents[agentID] = a
	return ledger.Reservation{ID: executionID, AgentID: agentID, ExecutionID: executionID, EstimatedMicro: estimatedMicro, State: ledger.ReservationReserved}, nil
}
func (l *fakeLedger) Commit(ctx context.Context, executionID string, actualMicro int64) (ledger.Reservation, error) {
	return ledger.Reservation{}, nil
}
func (l *fakeLedger) Release(ctx context.Context, executionID string) (ledger.Reservation, error) {
	return ledger.Reservation{}, nil
}
func (l *fakeLedger) GetReservation(ctx context.Context, executionID string) (ledger.Reservation, error) {
	return ledger.Reservation{}, ledger.ErrNotFound
}
func (l *fakeLedger) ListReservationsByState(ctx context.Context, state ledger.ReservationState) ([]ledger.Reservation, error) {
	return nil, nil
}
func (l *fakeLedger) CreateExecution(ctx context.Context, e ledger.Execution) error {
	if _, exists := l.executions[e.ID]; exists {
		return ledger.ErrAlreadyExists
	}
	l.executions[e.ID] = e
	return nil
}
func (l *fakeLedger) GetExecution(ctx context.Context, id string) (ledger.Execution, error) {
	e, ok := l.executions[id]
	if !ok {
		return ledger.Execution{}, ledger.ErrNotFound
	}
	return e, nil
}
func (l *fakeLedger) GetExecutionByIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) (ledger.Execution, error) {
	for _, e := range l.executions {
		if e.AgentID == agentID && e.IdempotencyKey == idempotencyKey {
			return e, nil
		}
	}
	return ledger.Execution{}, ledger.ErrNotFound
}
func (l *fakeLedger) UpdateExecutionState(ctx context.Context, id string, state ledger.ExecutionState, statusCode int, responseHash string) error {
	e := l.executions[id]
	e.State = state
	e.StatusCode = statusCode
	e.ResponseHash = responseHash
	l.executions[id] = e
	return nil
}
func (l *fakeLedger) ListEvents(ctx context.Context, partition string) ([]ledger.Event, error) {
	return nil, nil
}
func (l *fakeLedger) ListNonTerminalExecutions(ctx context.Context) ([]ledger.Execution, error) {
	out := make([]ledger.Execution, 0)
	for _, e := range l.executions {
		if !e.State.IsTerminal() {
			out = append(out, e)
		}
	}
	return out, nil
}
func (l *fakeLedger) ListAllEvents(ctx context.Context) ([]ledger.Event, error) {
	return nil, nil
}
func (l *fakeLedger) ListAgents(ctx context.Context) ([]ledger.Agent, error) {
	out := make([]ledger.Agent, 0, len(l.agents))
	for _, a := range l.agents {
		out = append(out, a)
	}
	return out, nil
}

func testRouter() *router.Router {
	return router.New([]router.Route{
		{Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", Provider: "openai", UpstreamURL: "https://api.openai.com/v1/chat/completions", UpstreamModel: "gpt-4o-mini", PriceInMicro: 150, PriceOutMicro: 600},
	})
}

func testController(fl *fakeLedger) *Controller {
	return &Controller{
		Ledger:      fl,
		Policy:      policy.NewEngine(policy.DefaultKernelRules(), nil),
		Router:      testRouter(),
		RateLimiter: ratelimit.NewLimiter(nil),
	}
}

func TestAdmit_Success(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)

	res, err := c.Admit(context.Background(), Request{
		Endpoint:              "/v1/chat/completions",
		Model:                 "gpt-4o-mini",
		AgentID:               "agent-1",
		Body:                  json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`),
		EstimatedInputTokens:  100,
		EstimatedOutputTokens: 50,
	})
	require.NoError(t, err)
	assert.False(t, res.Replay)
	assert.Equal(t, "openai", res.Route.Provider)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, ledger.ExecutionReserved, fl.executions[res.ExecutionID].State)
}

func TestAdmit_AgentLocked(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, Locked: true, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)

	_, err := c.Admit(context.Background(), Request{Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", AgentID: "agent-1", Body: json.RawMessage(`{}`)})
	require.Error(t, err)
	aerr, ok := aexerr.As(err)
	require.True(t, ok)
	assert.Equal(t, aexerr.CodeAgentLocked, aerr.Code)
}

func TestAdmit_UnknownModel(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)

	_, err := c.Admit(context.Background(), Request{Endpoint: "/v1/chat/completions", Model: "unknown-model", AgentID: "agent-1", Body: json.RawMessage(`{}`)})
	require.Error(t, err)
	aerr, ok := aexerr.As(err)
	require.True(t, ok)
	assert.Equal(t, aexerr.CodeModelNotAllowed, aerr.Code)
}

func TestAdmit_ScopeMismatch(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)

	_, err := c.Admit(context.Background(), Request{
		Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", AgentID: "agent-1",
		TenantID: "other-tenant", Body: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	aerr, ok := aexerr.As(err)
	require.True(t, ok)
	assert.Equal(t, aexerr.CodeScopeMismatch, aerr.Code)
}

func TestAdmit_IdempotentReplay(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)

	body := json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`)
	req := Request{Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", AgentID: "agent-1", IdempotencyKey: "key-1", Body: body, EstimatedInputTokens: 100, EstimatedOutputTokens: 50}

	first, err := c.Admit(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, fl.UpdateExecutionState(context.Background(), first.ExecutionID, ledger.ExecutionCommitted, 200, "resp-hash"))

	second, err := c.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replay)
	assert.Equal(t, 200, second.StatusCode)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
}

func TestAdmit_IdempotencyConflict(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)

	req1 := Request{Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", AgentID: "agent-1", IdempotencyKey: "key-1", Body: json.RawMessage(`{"a":1}`), EstimatedInputTokens: 100, EstimatedOutputTokens: 50}
	first, err := c.Admit(context.Background(), req1)
	require.NoError(t, err)
	require.NoError(t, fl.UpdateExecutionState(context.Background(), first.ExecutionID, ledger.ExecutionCommitted, 200, "hash"))

	req2 := Request{Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", AgentID: "agent-1", IdempotencyKey: "key-1", Body: json.RawMessage(`{"a":2}`)}
	_, err = c.Admit(context.Background(), req2)
	require.Error(t, err)
	aerr, ok := aexerr.As(err)
	require.True(t, ok)
	assert.Equal(t, aexerr.CodeIdempotencyConflict, aerr.Code)
}

func TestAdmit_InsufficientBudget(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)

	_, err := c.Admit(context.Background(), Request{
		Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", AgentID: "agent-1",
		Body: json.RawMessage(`{}`), EstimatedInputTokens: 10000, EstimatedOutputTokens: 10000,
	})
	require.Error(t, err)
	aerr, ok := aexerr.As(err)
	require.True(t, ok)
	assert.Equal(t, aexerr.CodeInsufficientBudget, aerr.Code)
}

// failingPlugin always fails to execute — it stands in for a policy
// plugin that can't load or evaluate (a bad CEL program, a timeout).
type failingPlugin struct{}

func (failingPlugin) Name() string { return "failing_plugin" }
func (failingPlugin) Evaluate(ctx context.Context, pc policy.Context) (policy.Decision, error) {
	return policy.Decision{}, fmt.Errorf("plugin crashed")
}

func TestAdmit_PolicyPluginErrorFailsClosed(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, RPMLimit: 600}
	fl := newFakeLedger(agent)
	c := testController(fl)
	c.Policy = policy.NewEngine(policy.DefaultKernelRules(), []policy.Plugin{failingPlugin{}})

	_, err := c.Admit(context.Background(), Request{
		Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", AgentID: "agent-1",
		Body: json.RawMessage(`{}`), EstimatedInputTokens: 10, EstimatedOutputTokens: 10,
	})
	require.Error(t, err)
	aerr, ok := aexerr.As(err)
	require.True(t, ok)
	assert.Equal(t, aexerr.CodePolicyDenied, aerr.Code, "a failing policy plugin must deny (fail closed), not 500")
}
