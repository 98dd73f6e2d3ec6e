// Package dispatch sends an admitted request upstream and settles its
// reservation exactly once, in both the non-streaming and
// server-sent-events paths. Admission has already reserved budget and
// produced a RouteHash/PatchedBody; dispatch's only jobs are: send the
// bytes, translate the upstream's token accounting into the ledger's
// settlement calls, and never leave a RESERVED row unsettled.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aexhq/aex/pkg/aexerr"
	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/canonicalize"
	"github.com/aexhq/aex/pkg/ledger"
	"github.com/aexhq/aex/pkg/observability"
	"github.com/aexhq/aex/pkg/policy"
)

// WebhookNotifier queues a best-effort webhook delivery for a tenant
// event. Implemented by webhook.Store; nil disables webhook fan-out
// entirely without affecting settlement itself.
type WebhookNotifier interface {
	Notify(ctx context.Context, tenantID, event, deliveryID string) error
}

// Dispatcher owns the upstream HTTP client and the ledger settlement
// calls that must bracket every dispatch.
type Dispatcher struct {
	Ledger     ledger.Ledger
	Policy     *policy.Engine
	HTTPClient Doer

	// Telemetry records SLO observations and audit timeline entries for
	// every dispatch. Nil disables instrumentation entirely.
	Telemetry *observability.Recorder

	// Webhooks fans out budget.committed/budget.released notifications
	// (spec.md §4.3) after settlement. Best-effort: a notify failure is
	// logged, never returned to the caller, since webhook delivery is
	// explicitly non-critical (spec.md §7).
	Webhooks WebhookNotifier
}

func (d *Dispatcher) notify(ctx context.Context, tenantID, event, executionID string) {
	if d.Webhooks == nil || tenantID == "" {
		return
	}
	if err := d.Webhooks.Notify(ctx, tenantID, event, executionID); err != nil {
		slog.Warn("webhook notify failed", "event", event, "execution_id", executionID, "error", err)
	}
}

func (d *Dispatcher) httpClient() Doer {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return NewUpstreamClient(120*time.Second, 5, 10*time.Second)
}

// Response is a non-streaming upstream response, already settled
// against the ledger and with the model field rewritten to the
// client-facing name where the upstream body allows it.
type Response struct {
	StatusCode int
	Body       []byte
}

// usageTokens tolerates every token-count key shape spec.md §4.6 names.
type usageTokens struct {
	promptTokens     int64
	inputTokens      int64
	totalTokens      int64
	completionTokens int64
	outputTokens     int64
}

func parseUsage(raw map[string]interface{}) usageTokens {
	var u usageTokens
	u.promptTokens, _ = toInt64(raw["prompt_tokens"])
	u.inputTokens, _ = toInt64(raw["input_tokens"])
	u.totalTokens, _ = toInt64(raw["total_tokens"])
	u.completionTokens, _ = toInt64(raw["completion_tokens"])
	u.outputTokens, _ = toInt64(raw["output_tokens"])
	return u
}

func (u usageTokens) input() int64 {
	switch {
	case u.promptTokens > 0:
		return u.promptTokens
	case u.inputTokens > 0:
		return u.inputTokens
	default:
		return u.totalTokens
	}
}

func (u usageTokens) output() int64 {
	if u.completionTokens > 0 {
		return u.completionTokens
	}
	return u.outputTokens
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// rewriteModel parses body as a JSON object and sets its "model" key,
// re-marshaling. Used both to translate the client-facing model name
// into the provider's upstream model before sending, and to translate
// an upstream response's model name back to the client-facing one
// before returning it — provider_model never leaks to the caller.
func rewriteModel(body []byte, model string) ([]byte, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("dispatch: rewrite model: %w", err)
	}
	parsed["model"] = model
	out, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("dispatch: re-marshal body: %w", err)
	}
	return out, nil
}

func newUpstreamRequest(ctx context.Context, url string, body []byte, authHeader string, streaming bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// postFlightPolicy runs the policy engine a second time, now that the
// actual cost is known, so a plugin that caps realized spend can still
// deny after the fact — admission's pre-flight evaluation only ever
// saw the estimate.
func (d *Dispatcher) postFlightPolicy(ctx context.Context, req admission.Request, res admission.Result, actualMicro int64) (policy.Decision, error) {
	if d.Policy == nil {
		return policy.Decision{Allow: true}, nil
	}
	decision, err := d.Policy.Evaluate(ctx, policy.Context{
		AgentID:       req.AgentID,
		TenantID:      res.TenantID,
		ProjectID:     res.ProjectID,
		Endpoint:      req.Endpoint,
		Model:         req.Model,
		EstimatedCost: actualMicro,
	})
	outcome := "allow"
	if err != nil || !decision.Allow {
		outcome = "deny"
	}
	observability.AddSpanEvent(ctx, "dispatch.postflight_policy", observability.PolicyOperation("kernel", outcome)...)
	return decision, err
}

// settleReleased marks an execution released with the given upstream
// status and calls Release exactly once. Callers treat any error here
// as fatal to the request, since it means the ledger's view of the
// reservation may now disagree with what the caller believes happened.
func (d *Dispatcher) settleReleased(ctx context.Context, tenantID, executionID string, statusCode int) error {
	if err := d.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionReleased, statusCode, ""); err != nil {
		return fmt.Errorf("dispatch: mark released: %w", err)
	}
	if _, err := d.Ledger.Release(ctx, executionID); err != nil {
		return fmt.Errorf("dispatch: release reservation: %w", err)
	}
	observability.AddSpanEvent(ctx, "dispatch.settlement", observability.SettlementOperation("release", 0)...)
	d.notify(ctx, tenantID, "budget.released", executionID)
	return nil
}

func (d *Dispatcher) settleCommitted(ctx context.Context, tenantID, executionID string, actualMicro int64, statusCode int, responseHash string) error {
	if err := d.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionResponseReceived, statusCode, responseHash); err != nil {
		return fmt.Errorf("dispatch: mark response received: %w", err)
	}
	if _, err := d.Ledger.Commit(ctx, executionID, actualMicro); err != nil {
		return fmt.Errorf("dispatch: commit: %w", err)
	}
	if err := d.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionCommitted, statusCode, responseHash); err != nil {
		return fmt.Errorf("dispatch: mark committed: %w", err)
	}
	observability.AddSpanEvent(ctx, "dispatch.settlement", observability.SettlementOperation("commit", actualMicro)...)
	d.notify(ctx, tenantID, "budget.committed", executionID)
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, executionID string, statusCode int) {
	_ = d.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionFailed, statusCode, "")
}

// SettleFlatRate implements the tool-execution path (spec.md §6:
// POST /v1/tools/execute): unlike chat/responses/embeddings, there is
// no upstream HTTP round trip to dispatch — sandboxed tool execution
// itself is an external collaborator outside this package — so the
// reservation is marked dispatched and committed at the same flat cost
// admission already reserved, in one step. responseBody is hashed and
// returned to the caller exactly as given.
func (d *Dispatcher) SettleFlatRate(ctx context.Context, res admission.Result, responseBody []byte) (*Response, error) {
	if err := d.Ledger.UpdateExecutionState(ctx, res.ExecutionID, ledger.ExecutionDispatched, 0, ""); err != nil {
		return nil, fmt.Errorf("dispatch: mark dispatched: %w", err)
	}
	responseHash := canonicalize.HashBytes(responseBody)
	if err := d.settleCommitted(ctx, res.TenantID, res.ExecutionID, res.EstimatedCostMicro, http.StatusOK, responseHash); err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Body: responseBody}, nil
}

// Send implements the non-streaming path (spec.md §4.6): dispatch, read
// the full body, parse usage tolerating every provider's key shape,
// compute the actual cost, run post-flight policy, and commit. A
// non-200 upstream response is released and forwarded to the caller
// verbatim — spec.md is explicit that error bodies are NOT rewritten,
// only success bodies have their model field translated back. Send
// records the outcome to Telemetry, if configured, then delegates to
// send for the actual upstream round trip.
func (d *Dispatcher) Send(ctx context.Context, req admission.Request, res admission.Result, authHeader string) (*Response, error) {
	start := time.Now()
	resp, err := d.send(ctx, req, res, authHeader)
	if d.Telemetry != nil {
		d.Telemetry.Observe(ctx, "dispatch", req.TenantID, res.ExecutionID, req.AgentID, start, err)
	}
	return resp, err
}

func (d *Dispatcher) send(ctx context.Context, req admission.Request, res admission.Result, authHeader string) (*Response, error) {
	if err := d.Ledger.UpdateExecutionState(ctx, res.ExecutionID, ledger.ExecutionDispatched, 0, ""); err != nil {
		return nil, fmt.Errorf("dispatch: mark dispatched: %w", err)
	}

	upstreamBody, err := rewriteModel(res.PatchedBody, res.Route.UpstreamModel)
	if err != nil {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusInternalServerError); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}

	httpReq, err := newUpstreamRequest(ctx, res.Route.UpstreamURL, upstreamBody, authHeader, false)
	if err != nil {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusInternalServerError); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}

	resp, err := d.httpClient().Do(httpReq)
	if err != nil {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusBadGateway); rerr != nil {
			return nil, rerr
		}
		return nil, aexerr.Wrap(aexerr.CodeUpstream, "upstream request failed", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body)
	if err != nil {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusBadGateway); rerr != nil {
			return nil, rerr
		}
		return nil, aexerr.Wrap(aexerr.CodeUpstream, "read upstream body", err)
	}

	if resp.StatusCode != http.StatusOK {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, resp.StatusCode); rerr != nil {
			return nil, rerr
		}
		return &Response{StatusCode: resp.StatusCode, Body: body}, nil
	}

	var parsed map[string]interface{}
	if jerr := json.Unmarshal(body, &parsed); jerr != nil {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusBadGateway); rerr != nil {
			return nil, rerr
		}
		return nil, aexerr.Wrap(aexerr.CodeUpstream, "malformed upstream response", jerr)
	}

	var usage usageTokens
	if u, ok := parsed["usage"].(map[string]interface{}); ok {
		usage = parseUsage(u)
	}
	parsed["model"] = res.Route.Model
	rewritten, merr := json.Marshal(parsed)
	if merr != nil {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusBadGateway); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("dispatch: re-marshal response: %w", merr)
	}

	actualMicro := res.Route.EstimateCostMicro(usage.input(), usage.output())
	responseHash := canonicalize.HashBytes(rewritten)

	decision, perr := d.postFlightPolicy(ctx, req, res, actualMicro)
	if perr != nil {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusForbidden); rerr != nil {
			return nil, rerr
		}
		return nil, perr
	}
	if !decision.Allow {
		if rerr := d.settleReleased(ctx, res.TenantID, res.ExecutionID, http.StatusForbidden); rerr != nil {
			return nil, rerr
		}
		return nil, aexerr.New(aexerr.CodePolicyDenied, decision.Reason)
	}

	if cerr := d.settleCommitted(ctx, res.TenantID, res.ExecutionID, actualMicro, http.StatusOK, responseHash); cerr != nil {
		return nil, cerr
	}

	return &Response{StatusCode: http.StatusOK, Body: rewritten}, nil
}
