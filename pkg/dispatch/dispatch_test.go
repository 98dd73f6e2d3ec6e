package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/ledger"
	"github.com/aexhq/aex/pkg/router"
)

// fakeLedger is a minimal in-memory ledger.Ledger double — the tests
// seed RESERVED executions into its map directly, and dispatch only
// exercises Commit/Release and UpdateExecutionState.
type fakeLedger struct {
	executions map[string]ledger.Execution
	reserved   map[string]int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{executions: map[string]ledger.Execution{}, reserved: map[string]int64{}}
}

func (l *fakeLedger) Init(ctx context.Context) error                          { return nil }
func (l *fakeLedger) CreateAgent(ctx context.Context, a ledger.Agent) error    { return nil }
func (l *fakeLedger) GetAgent(ctx context.Context, id string) (ledger.Agent, error) {
	return ledger.Agent{}, ledger.ErrNotFound
}
func (l *fakeLedger) GetAgentByTokenHash(ctx context.Context, h string) (ledger.Agent, error) {
	return ledger.Agent{}, ledger.ErrNotFound
}
func (l *fakeLedger) Reserve(ctx context.Context, agentID, executionID string, estimatedMicro int64) (ledger.Reservation, error) {
	l.reserved[executionID] = estimatedMicro
	return ledger.Reservation{ID: executionID, ExecutionID: executionID, EstimatedMicro: estimatedMicro, State: ledger.ReservationReserved}, nil
}
func (l *fakeLedger) Commit(ctx context.Context, executionID string, actualMicro int64) (ledger.Reservation, error) {
	delete(l.reserved, executionID)
	return ledger.Reservation{ID: executionID, ExecutionID: executionID, ActualMicro: actualMicro, State: ledger.ReservationCommitted}, nil
}
func (l *fakeLedger) Release(ctx context.Context, executionID string) (ledger.Reservation, error) {
	delete(l.reserved, executionID)
	return ledger.Reservation{ID: executionID, ExecutionID: executionID, State: ledger.ReservationReleased}, nil
}
func (l *fakeLedger) GetReservation(ctx context.Context, executionID string) (ledger.Reservation, error) {
	return ledger.Reservation{}, ledger.ErrNotFound
}
func (l *fakeLedger) ListReservationsByState(ctx context.Context, state ledger.ReservationState) ([]ledger.Reservation, error) {
	return nil, nil
}
func (l *fakeLedger) CreateExecution(ctx context.Context, e ledger.Execution) error {
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
func (l *fakeLedger) GetExecutionByIdempotencyKey(ctx context.Context, agentID, key string) (ledger.Execution, error) {
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
	return nil, nil
}

func testResult(upstreamURL string) admission.Result {
	return admission.Result{
		ExecutionID: "exec-1",
		TenantID:    "t1",
		ProjectID:   "p1",
		Route: router.Route{
			Endpoint:      "/v1/chat/completions",
			Model:         "gpt-4o-mini",
			Provider:      "openai",
			UpstreamURL:   upstreamURL,
			UpstreamModel: "gpt-4o-mini-2024-07-18",
			PriceInMicro:  150,
			PriceOutMicro: 600,
		},
		PatchedBody: json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`),
	}
}

func TestSend_SuccessRewritesModelAndCommits(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "gpt-4o-mini-2024-07-18", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini-2024-07-18","choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstream.Close()

	fl := newFakeLedger()
	res := testResult(upstream.URL)
	fl.executions[res.ExecutionID] = ledger.Execution{ID: res.ExecutionID, State: ledger.ExecutionReserved}

	d := &Dispatcher{Ledger: fl}
	resp, err := d.Send(context.Background(), admission.Request{AgentID: "agent-1", Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini"}, res, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, "gpt-4o-mini", out["model"])

	assert.Equal(t, ledger.ExecutionCommitted, fl.executions[res.ExecutionID].State)
	_, stillReserved := fl.reserved[res.ExecutionID]
	assert.False(t, stillReserved)
}

func TestSend_UpstreamErrorReleasesAndForwardsVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited upstream"}}`))
	}))
	defer upstream.Close()

	fl := newFakeLedger()
	res := testResult(upstream.URL)
	fl.executions[res.ExecutionID] = ledger.Execution{ID: res.ExecutionID, State: ledger.ExecutionReserved}
	fl.reserved[res.ExecutionID] = 1000

	d := &Dispatcher{Ledger: fl}
	resp, err := d.Send(context.Background(), admission.Request{AgentID: "agent-1"}, res, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "rate limited upstream")

	assert.Equal(t, ledger.ExecutionReleased, fl.executions[res.ExecutionID].State)
	_, stillReserved := fl.reserved[res.ExecutionID]
	assert.False(t, stillReserved)
}

func TestStream_RewritesModelAccumulatesUsageAndCommitsOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"model\":\"gpt-4o-mini-2024-07-18\",\"choices\":[{\"delta\":{\"content\":\"hi there\"}}]}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: {\"model\":\"gpt-4o-mini-2024-07-18\",\"choices\":[{\"delta\":{}}],\"usage\":{\"prompt_tokens\":20,\"completion_tokens\":8}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	fl := newFakeLedger()
	res := testResult(upstream.URL)
	fl.executions[res.ExecutionID] = ledger.Execution{ID: res.ExecutionID, State: ledger.ExecutionReserved}
	fl.reserved[res.ExecutionID] = 1000

	d := &Dispatcher{Ledger: fl}
	var buf bytes.Buffer
	actualMicro, err := d.Stream(context.Background(), admission.Request{AgentID: "agent-1"}, res, "", &buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"model":"gpt-4o-mini"`)
	assert.Contains(t, out, "data: [DONE]\n\n")
	assert.NotContains(t, out, "gpt-4o-mini-2024-07-18")

	// usage block reported 20 input / 8 output tokens; expected cost
	// follows the route's per-1k prices.
	assert.Equal(t, res.Route.EstimateCostMicro(20, 8), actualMicro)
	assert.Equal(t, ledger.ExecutionCommitted, fl.executions[res.ExecutionID].State)
	_, stillReserved := fl.reserved[res.ExecutionID]
	assert.False(t, stillReserved)
}

func TestStream_NonStreamingUpstreamErrorReleasesOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer upstream.Close()

	fl := newFakeLedger()
	res := testResult(upstream.URL)
	fl.executions[res.ExecutionID] = ledger.Execution{ID: res.ExecutionID, State: ledger.ExecutionReserved}
	fl.reserved[res.ExecutionID] = 1000

	d := &Dispatcher{Ledger: fl}
	var buf bytes.Buffer
	_, err := d.Stream(context.Background(), admission.Request{AgentID: "agent-1"}, res, "", &buf)
	require.Error(t, err)
	assert.Equal(t, ledger.ExecutionReleased, fl.executions[res.ExecutionID].State)
	_, stillReserved := fl.reserved[res.ExecutionID]
	assert.False(t, stillReserved)
}
