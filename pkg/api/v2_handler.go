package api

import (
	"encoding/json"
	"net/http"

	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/auth"
	"github.com/aexhq/aex/pkg/canonicalize"
	"github.com/aexhq/aex/pkg/ledger"
)

// AdmissionV2Handler serves POST /api/v2/admission/check (spec.md §6):
// admission decoupled from proxying. A caller that dispatches to an
// upstream itself (rather than through ChatHandler) runs admission
// here, sends the request on its own, then reports the outcome to
// SettlementV2Handler. Like ToolsHandler, it populates
// admission.Request.ExecutionID from a caller-supplied value — the
// proxy handlers always derive it from the idempotency key or request
// hash instead (spec.md §4.2's execution_id derivation order).
type AdmissionV2Handler struct {
	Admission *admission.Controller
}

type admissionCheckRequest struct {
	ExecutionID           string          `json:"execution_id"`
	IdempotencyKey        string          `json:"idempotency_key"`
	StepID                string          `json:"step_id"`
	Endpoint              string          `json:"endpoint"`
	Model                 string          `json:"model"`
	TenantID              string          `json:"tenant_id"`
	ProjectID             string          `json:"project_id"`
	Body                  json.RawMessage `json:"body"`
	EstimatedInputTokens  int64           `json:"estimated_input_tokens"`
	EstimatedOutputTokens int64           `json:"estimated_output_tokens"`
}

func (h *AdmissionV2Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !principal.CanExecute() {
		WriteForbidden(w, "read-only capability token cannot request admission")
		return
	}

	body, err := readBody(r)
	if err != nil {
		WriteBadRequest(w, "request body exceeds size limit or could not be read")
		return
	}

	var req admissionCheckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.Endpoint == "" {
		WriteBadRequest(w, "endpoint is required")
		return
	}

	admitReq := admission.Request{
		ExecutionID:           req.ExecutionID,
		IdempotencyKey:        req.IdempotencyKey,
		StepID:                req.StepID,
		Endpoint:              req.Endpoint,
		Model:                 req.Model,
		AgentID:               principal.GetID(),
		TenantID:              req.TenantID,
		ProjectID:             req.ProjectID,
		Body:                  req.Body,
		EstimatedInputTokens:  req.EstimatedInputTokens,
		EstimatedOutputTokens: req.EstimatedOutputTokens,
	}

	res, err := h.Admission.Admit(r.Context(), admitReq)
	if err != nil {
		WriteAEXError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"execution_id":        res.ExecutionID,
		"tenant_id":           res.TenantID,
		"project_id":          res.ProjectID,
		"estimated_cost_micro": res.EstimatedCostMicro,
		"route_hash":          res.RouteHash,
		"policy_hash":         res.PolicyHash,
		"request_hash":        res.RequestHash,
		"idempotent_replay":   res.Replay,
		"status_code":         res.StatusCode,
		"response_hash":       res.ResponseHash,
	})
}

// SettlementV2Handler serves POST /api/v2/settlement/commit and
// POST /api/v2/settlement/release (spec.md §6): the settlement half of
// the decoupled v2 API. A caller that admitted a request through
// AdmissionV2Handler and dispatched it itself reports the outcome here
// directly against the ledger, without going through pkg/dispatch —
// there is no upstream HTTP round trip for this package to own.
type SettlementV2Handler struct {
	Ledger ledger.Ledger
}

type settlementCommitRequest struct {
	ExecutionID     string          `json:"execution_id"`
	ActualCostMicro int64           `json:"actual_cost_micro"`
	StatusCode      int             `json:"status_code"`
	ResponseBody    json.RawMessage `json:"response_body"`
}

type settlementReleaseRequest struct {
	ExecutionID string `json:"execution_id"`
	StatusCode  int    `json:"status_code"`
}

// Commit settles an externally-dispatched execution at its actual cost.
func (h *SettlementV2Handler) Commit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	body, err := readBody(r)
	if err != nil {
		WriteBadRequest(w, "request body exceeds size limit or could not be read")
		return
	}
	var req settlementCommitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.ExecutionID == "" {
		WriteBadRequest(w, "execution_id is required")
		return
	}
	statusCode := req.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	responseHash := canonicalize.HashBytes(req.ResponseBody)

	if err := h.Ledger.UpdateExecutionState(r.Context(), req.ExecutionID, ledger.ExecutionResponseReceived, statusCode, responseHash); err != nil {
		WriteInternal(w, err)
		return
	}
	if _, err := h.Ledger.Commit(r.Context(), req.ExecutionID, req.ActualCostMicro); err != nil {
		WriteAEXError(w, r, err)
		return
	}
	if err := h.Ledger.UpdateExecutionState(r.Context(), req.ExecutionID, ledger.ExecutionCommitted, statusCode, responseHash); err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id":  req.ExecutionID,
		"state":         ledger.ExecutionCommitted,
		"response_hash": responseHash,
	})
}

// Release settles an externally-dispatched execution with no spend,
// returning its estimate to the agent's available budget.
func (h *SettlementV2Handler) Release(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	body, err := readBody(r)
	if err != nil {
		WriteBadRequest(w, "request body exceeds size limit or could not be read")
		return
	}
	var req settlementReleaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.ExecutionID == "" {
		WriteBadRequest(w, "execution_id is required")
		return
	}
	statusCode := req.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	if err := h.Ledger.UpdateExecutionState(r.Context(), req.ExecutionID, ledger.ExecutionReleased, statusCode, ""); err != nil {
		WriteInternal(w, err)
		return
	}
	if _, err := h.Ledger.Release(r.Context(), req.ExecutionID); err != nil {
		WriteAEXError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": req.ExecutionID,
		"state":        ledger.ExecutionReleased,
	})
}
