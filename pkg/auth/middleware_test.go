package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexhq/aex/pkg/ledger"
)

type fakeLedger struct {
	byHash map[string]ledger.Agent
}

func (l *fakeLedger) Init(ctx context.Context) error                       { return nil }
func (l *fakeLedger) CreateAgent(ctx context.Context, a ledger.Agent) error { return nil }
func (l *fakeLedger) GetAgent(ctx context.Context, id string) (ledger.Agent, error) {
	return ledger.Agent{}, ledger.ErrNotFound
}
func (l *fakeLedger) GetAgentByTokenHash(ctx context.Context, h string) (ledger.Agent, error) {
	a, ok := l.byHash[h]
	if !ok {
		return ledger.Agent{}, ledger.ErrNotFound
	}
	return a, nil
}
func (l *fakeLedger) ListAgents(ctx context.Context) ([]ledger.Agent, error) { return nil, nil }
func (l *fakeLedger) Reserve(ctx context.Context, agentID, executionID string, estimatedMicro int64) (ledger.Reservation, error) {
	return ledger.Reservation{}, nil
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
func (l *fakeLedger) CreateExecution(ctx context.Context, e ledger.Execution) error { return nil }
func (l *fakeLedger) GetExecution(ctx context.Context, id string) (ledger.Execution, error) {
	return ledger.Execution{}, ledger.ErrNotFound
}
func (l *fakeLedger) GetExecutionByIdempotencyKey(ctx context.Context, agentID, key string) (ledger.Execution, error) {
	return ledger.Execution{}, ledger.ErrNotFound
}
func (l *fakeLedger) UpdateExecutionState(ctx context.Context, id string, state ledger.ExecutionState, statusCode int, responseHash string) error {
	return nil
}
func (l *fakeLedger) ListEvents(ctx context.Context, partition string) ([]ledger.Event, error) {
	return nil, nil
}
func (l *fakeLedger) ListNonTerminalExecutions(ctx context.Context) ([]ledger.Execution, error) {
	return nil, nil
}
func (l *fakeLedger) ListAllEvents(ctx context.Context) ([]ledger.Event, error) { return nil, nil }

func TestMiddleware_ValidBearerTokenAuthenticates(t *testing.T) {
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", TokenHash: HashToken("secret-token")}
	fl := &fakeLedger{byHash: map[string]ledger.Agent{agent.TokenHash: agent}}

	var gotPrincipal Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal, _ = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()

	Middleware(fl, nil)(next).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotPrincipal)
	assert.Equal(t, "agent-1", gotPrincipal.GetID())
	assert.True(t, gotPrincipal.CanExecute())
}

func TestMiddleware_MissingHeaderRejected(t *testing.T) {
	fl := &fakeLedger{byHash: map[string]ledger.Agent{}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	Middleware(fl, nil)(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_UnknownTokenRejected(t *testing.T) {
	fl := &fakeLedger{byHash: map[string]ledger.Agent{}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()

	Middleware(fl, nil)(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_PublicPathBypassesAuth(t *testing.T) {
	fl := &fakeLedger{byHash: map[string]ledger.Agent{}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Middleware(fl, nil)(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
