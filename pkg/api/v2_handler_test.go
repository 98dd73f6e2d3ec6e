package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/api"
	"github.com/aexhq/aex/pkg/ledger"
	"github.com/aexhq/aex/pkg/ratelimit"
	"github.com/aexhq/aex/pkg/router"
)

func newV2Handlers(t *testing.T) (*api.AdmissionV2Handler, *api.SettlementV2Handler, *fakeLedger) {
	t.Helper()
	agent := ledger.Agent{ID: "agent-1", TenantID: "t1", ProjectID: "p1", BudgetMicro: 1_000_000, RPMLimit: 1000}
	fl := newFakeLedger(agent)

	rt := router.New([]router.Route{{
		Endpoint:      "/api/v2/admission/check",
		Model:         "gpt-4o-mini",
		PriceInMicro:  50,
		PriceOutMicro: 100,
	}})
	ctrl := &admission.Controller{
		Ledger:      fl,
		Router:      rt,
		RateLimiter: ratelimit.NewLimiter(nil),
	}

	return &api.AdmissionV2Handler{Admission: ctrl}, &api.SettlementV2Handler{Ledger: fl}, fl
}

func TestAdmissionV2Handler_CheckReservesAgainstLedger(t *testing.T) {
	handler, _, fl := newV2Handlers(t)

	req := withAgent(httptest.NewRequest(http.MethodPost, "/api/v2/admission/check", jsonBody(t, map[string]any{
		"endpoint":                "/api/v2/admission/check",
		"model":                   "gpt-4o-mini",
		"estimated_input_tokens":  10,
		"estimated_output_tokens": 20,
	})))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	execID, _ := resp["execution_id"].(string)
	require.NotEmpty(t, execID)
	assert.Equal(t, float64(2500), resp["estimated_cost_micro"])

	exec, ok := fl.executions[execID]
	require.True(t, ok)
	assert.Equal(t, ledger.ExecutionReserved, exec.State)
}

func TestAdmissionV2Handler_CallerSuppliedExecutionIDIsHonored(t *testing.T) {
	handler, _, fl := newV2Handlers(t)

	req := withAgent(httptest.NewRequest(http.MethodPost, "/api/v2/admission/check", jsonBody(t, map[string]any{
		"execution_id": "caller-chosen-id",
		"endpoint":     "/api/v2/admission/check",
		"model":        "gpt-4o-mini",
	})))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := fl.executions["caller-chosen-id"]
	assert.True(t, ok, "admission should have reserved under the caller-supplied execution_id")
}

func TestSettlementV2Handler_CommitMarksExecutionCommitted(t *testing.T) {
	admitHandler, settleHandler, fl := newV2Handlers(t)

	admitReq := withAgent(httptest.NewRequest(http.MethodPost, "/api/v2/admission/check", jsonBody(t, map[string]any{
		"endpoint": "/api/v2/admission/check",
		"model":    "gpt-4o-mini",
	})))
	admitRec := httptest.NewRecorder()
	admitHandler.ServeHTTP(admitRec, admitReq)
	require.Equal(t, http.StatusOK, admitRec.Code)
	var admitResp map[string]any
	require.NoError(t, json.Unmarshal(admitRec.Body.Bytes(), &admitResp))
	execID := admitResp["execution_id"].(string)

	commitReq := httptest.NewRequest(http.MethodPost, "/api/v2/settlement/commit", jsonBody(t, map[string]any{
		"execution_id":      execID,
		"actual_cost_micro": 2000,
	}))
	commitRec := httptest.NewRecorder()
	settleHandler.Commit(commitRec, commitReq)

	require.Equal(t, http.StatusOK, commitRec.Code)
	assert.Equal(t, ledger.ExecutionCommitted, fl.executions[execID].State)
}

func TestSettlementV2Handler_ReleaseMarksExecutionReleased(t *testing.T) {
	admitHandler, settleHandler, fl := newV2Handlers(t)

	admitReq := withAgent(httptest.NewRequest(http.MethodPost, "/api/v2/admission/check", jsonBody(t, map[string]any{
		"endpoint": "/api/v2/admission/check",
		"model":    "gpt-4o-mini",
	})))
	admitRec := httptest.NewRecorder()
	admitHandler.ServeHTTP(admitRec, admitReq)
	require.Equal(t, http.StatusOK, admitRec.Code)
	var admitResp map[string]any
	require.NoError(t, json.Unmarshal(admitRec.Body.Bytes(), &admitResp))
	execID := admitResp["execution_id"].(string)

	releaseReq := httptest.NewRequest(http.MethodPost, "/api/v2/settlement/release", jsonBody(t, map[string]any{
		"execution_id": execID,
	}))
	releaseRec := httptest.NewRecorder()
	settleHandler.Release(releaseRec, releaseReq)

	require.Equal(t, http.StatusOK, releaseRec.Code)
	assert.Equal(t, ledger.ExecutionReleased, fl.executions[execID].State)
}

func TestSettlementV2Handler_CommitRequiresExecutionID(t *testing.T) {
	_, settleHandler, _ := newV2Handlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/settlement/commit", jsonBody(t, map[string]any{}))
	rec := httptest.NewRecorder()
	settleHandler.Commit(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
