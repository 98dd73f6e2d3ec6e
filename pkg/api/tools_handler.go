package api

import (
	"encoding/json"
	"net/http"

	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/auth"
	"github.com/aexhq/aex/pkg/dispatch"
)

// ToolsHandler serves POST /v1/tools/execute (spec.md §6): a tool
// invocation is a ledger-accounted execution at a flat, per-tool cost
// rather than a token-priced upstream call. The tool_name selects the
// route the same way model does for chat/responses/embeddings — the
// routes table's price_in_micro_per_1k for a tools-execute route is the
// flat cost itself, since ToolsHandler always estimates with a fixed
// 1000-token input and zero output.
type ToolsHandler struct {
	Admission *admission.Controller
	Dispatch  *dispatch.Dispatcher
}

type toolExecuteRequest struct {
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments"`
	ExecutionID string          `json:"execution_id"`
}

// flatRateInputTokens is the fixed EstimatedInputTokens passed to
// admission for every tool execution, chosen so that
// route.EstimateCostMicro(flatRateInputTokens, 0) == route.PriceInMicro
// — the routes table's price for a tools-execute route is read
// directly as the flat per-call cost in micro-USD.
const flatRateInputTokens = 1000

func (h *ToolsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
		WriteForbidden(w, "read-only capability token cannot dispatch executions")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 2<<20)
	body, err := readBody(r)
	if err != nil {
		WriteBadRequest(w, "request body exceeds size limit or could not be read")
		return
	}

	var req toolExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.ToolName == "" {
		WriteBadRequest(w, "tool_name is required")
		return
	}

	admitReq := admission.Request{
		ExecutionID:           req.ExecutionID,
		IdempotencyKey:        r.Header.Get("Idempotency-Key"),
		StepID:                r.Header.Get("X-AEX-Step-Id"),
		Endpoint:              endpointFor(r.URL.Path),
		Model:                 req.ToolName,
		AgentID:               principal.GetID(),
		TenantID:              r.Header.Get("X-AEX-Tenant-Id"),
		ProjectID:             r.Header.Get("X-AEX-Project-Id"),
		Body:                  body,
		EstimatedInputTokens:  flatRateInputTokens,
		EstimatedOutputTokens: 0,
	}

	res, err := h.Admission.Admit(r.Context(), admitReq)
	if err != nil {
		WriteAEXError(w, r, err)
		return
	}

	if res.Replay {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"execution_id":      res.ExecutionID,
			"idempotent_replay": true,
			"response_hash":     res.ResponseHash,
		})
		return
	}

	resultBody, err := json.Marshal(map[string]any{
		"execution_id": res.ExecutionID,
		"tool_name":    req.ToolName,
		"status":       "completed",
		"cost_micro":   res.EstimatedCostMicro,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp, err := h.Dispatch.SettleFlatRate(r.Context(), res, resultBody)
	if err != nil {
		WriteAEXError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
