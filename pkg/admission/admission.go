// Package admission implements the gate that turns an authenticated
// HTTP request into a RESERVED execution or a terminal denial: lifecycle
// check, route resolution, scope check, idempotency lookup, rate limit,
// cost estimate, policy evaluation, and ledger reservation, in that
// fixed order. Any step's failure aborts with a typed aexerr.Error;
// cost-bearing denials (insufficient budget) still persist a terminal
// execution row via the ledger itself.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aexhq/aex/pkg/aexerr"
	"github.com/aexhq/aex/pkg/canonicalize"
	"github.com/aexhq/aex/pkg/ledger"
	"github.com/aexhq/aex/pkg/lifecycle"
	"github.com/aexhq/aex/pkg/observability"
	"github.com/aexhq/aex/pkg/policy"
	"github.com/aexhq/aex/pkg/ratelimit"
	"github.com/aexhq/aex/pkg/router"
)

// patchableKeys is the whitelist of request-body keys a policy plugin
// is allowed to patch. Anything else in a plugin's proposed patch is
// silently dropped rather than applied.
var patchableKeys = map[string]bool{
	"max_tokens":  true,
	"temperature": true,
	"top_p":       true,
	"stream":      true,
	"tool_choice": true,
}

// Request is one inbound call to the admission controller.
type Request struct {
	ExecutionID    string // caller-supplied (v2 API); empty for the proxy path
	IdempotencyKey string // from the Idempotency-Key header
	StepID         string // disambiguates retries of the same logical step
	Endpoint       string
	Model          string
	AgentID        string
	TenantID       string // header-declared; empty means "inherit agent's"
	ProjectID      string // header-declared; empty means "inherit agent's"
	Body           json.RawMessage

	EstimatedInputTokens  int64
	EstimatedOutputTokens int64
}

// Result is what admission hands back to the dispatcher.
type Result struct {
	ExecutionID        string
	TenantID           string
	ProjectID          string
	Route              router.Route
	PatchedBody        json.RawMessage
	EstimatedCostMicro int64
	RouteHash          string
	PolicyHash         string
	RequestHash        string

	// Replay is true when this result came from a terminal execution
	// row rather than a fresh reservation.
	Replay       bool
	StatusCode   int
	ResponseHash string
}

// RouteResolver is the subset of *router.Router (or
// *router.ReloadableRouter, for hot-reloadable route tables) admission
// needs.
type RouteResolver interface {
	Resolve(endpoint, model string) (router.Route, error)
	HasEndpoint(endpoint string) bool
}

// Controller orchestrates one admission decision.
type Controller struct {
	Ledger      ledger.Ledger
	Policy      *policy.Engine
	Router      RouteResolver
	RateLimiter *ratelimit.Limiter

	// Telemetry records SLO observations and audit timeline entries for
	// every admission decision. Nil disables instrumentation entirely.
	Telemetry *observability.Recorder

	// IdempotencyWait/IdempotencyPoll bound how long Admit will poll a
	// non-terminal sibling execution before giving up with
	// EXECUTION_IN_PROGRESS.
	IdempotencyWait time.Duration
	IdempotencyPoll time.Duration
}

func (c *Controller) idempotencyWait() time.Duration {
	if c.IdempotencyWait > 0 {
		return c.IdempotencyWait
	}
	return 5 * time.Second
}

func (c *Controller) idempotencyPoll() time.Duration {
	if c.IdempotencyPoll > 0 {
		return c.IdempotencyPoll
	}
	return 100 * time.Millisecond
}

// agentLifecycleState maps the ledger's persisted Agent.Locked flag
// onto the lifecycle FSM's vocabulary. The ledger only distinguishes
// locked/unlocked; richer states (SUSPENDED, DECOMMISSIONED) exist for
// the admin surface's lock/unlock operations but always resolve back
// to Locked=true on the Agent row, since that's the only bit admission
// actually needs to gate on.
func agentLifecycleState(a ledger.Agent) lifecycle.State {
	if a.Locked {
		return lifecycle.StateLocked
	}
	return lifecycle.StateReady
}

// Admit runs the fixed-order admission pipeline described in the
// package doc comment, then records the outcome to Telemetry if
// configured.
func (c *Controller) Admit(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := c.admit(ctx, req)
	if c.Telemetry != nil {
		executionID := res.ExecutionID
		if executionID == "" {
			executionID = req.ExecutionID
		}
		c.Telemetry.Observe(ctx, "admission", req.TenantID, executionID, req.AgentID, start, err)
	}
	return res, err
}

// admit is the fixed-order admission pipeline itself: lifecycle check,
// route resolution, scope check, idempotency lookup, rate limit, cost
// estimate, policy evaluation (which sees the estimate), and ledger
// reservation, in that order.
func (c *Controller) admit(ctx context.Context, req Request) (Result, error) {
	agent, err := c.Ledger.GetAgent(ctx, req.AgentID)
	if err != nil {
		return Result{}, aexerr.Wrap(aexerr.CodeInternal, "load agent", err)
	}
	if !lifecycle.Ready(agentLifecycleState(agent)) {
		return Result{}, aexerr.New(aexerr.CodeAgentLocked, "agent lifecycle gate is not READY")
	}

	route, err := c.Router.Resolve(req.Endpoint, req.Model)
	if err != nil {
		if !c.Router.HasEndpoint(req.Endpoint) {
			return Result{}, aexerr.Wrap(aexerr.CodeUnsupportedEndpoint, "no route configured for endpoint", err)
		}
		return Result{}, aexerr.Wrap(aexerr.CodeModelNotAllowed, "model not allowed for endpoint", err)
	}
	routeHash := canonicalize.StableHash(route.Endpoint, route.Model, route.Provider, route.UpstreamURL, route.UpstreamModel)

	tenantID, projectID := req.TenantID, req.ProjectID
	if tenantID == "" {
		tenantID = agent.TenantID
	}
	if projectID == "" {
		projectID = agent.ProjectID
	}
	if tenantID != agent.TenantID || projectID != agent.ProjectID {
		return Result{}, aexerr.New(aexerr.CodeScopeMismatch, "declared tenant/project does not match agent's assignment")
	}

	canonicalBody, err := canonicalBodyString(req.Body)
	if err != nil {
		return Result{}, aexerr.Wrap(aexerr.CodeInvalid, "request body is not valid JSON", err)
	}
	requestHash := canonicalize.StableHash(req.AgentID, req.Endpoint, req.StepID, canonicalBody)

	executionID := req.ExecutionID
	switch {
	case executionID != "":
	case req.IdempotencyKey != "":
		executionID = canonicalize.StableHash(req.AgentID, req.Endpoint, req.IdempotencyKey)
	default:
		executionID = requestHash
	}

	existing, err := c.lookupIdempotent(ctx, executionID, requestHash)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{
			ExecutionID:  executionID,
			TenantID:     existing.TenantID,
			ProjectID:    existing.ProjectID,
			Route:        route,
			RouteHash:    routeHash,
			RequestHash:  requestHash,
			Replay:       true,
			StatusCode:   existing.StatusCode,
			ResponseHash: existing.ResponseHash,
		}, nil
	}

	if err := c.Ledger.CreateExecution(ctx, ledger.Execution{
		ID:             executionID,
		AgentID:        req.AgentID,
		TenantID:       tenantID,
		ProjectID:      projectID,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    requestHash,
		RouteHash:      routeHash,
		State:          ledger.ExecutionReserving,
	}); err != nil {
		return Result{}, aexerr.Wrap(aexerr.CodeInternal, "create execution row", err)
	}

	rlPolicy := ratelimit.Policy{RPM: agent.RPMLimit, Burst: agent.RPMLimit}
	allowed, err := c.RateLimiter.Allow(ctx, agent.ID, rlPolicy, 1)
	if err != nil {
		return Result{}, aexerr.Wrap(aexerr.CodeInternal, "rate limiter", err)
	}
	if !allowed {
		_ = c.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionDenied, 0, "")
		return Result{}, aexerr.New(aexerr.CodeRateLimited, "rate limit exceeded")
	}

	estimatedCost := estimateCostMicro(req.Endpoint, route, req.EstimatedInputTokens, req.EstimatedOutputTokens)

	decision, patchedBody, policyHash, err := c.evaluatePolicy(ctx, req, agent, estimatedCost)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allow {
		_ = c.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionDenied, 0, "")
		return Result{}, aexerr.New(aexerr.CodePolicyDenied, fmt.Sprintf("denied by %s: %s", decision.Source, decision.Reason))
	}

	if _, err := c.Ledger.Reserve(ctx, agent.ID, executionID, estimatedCost); err != nil {
		if err == ledger.ErrInsufficientBudget {
			return Result{}, aexerr.Wrap(aexerr.CodeInsufficientBudget, "estimated cost exceeds remaining budget", err)
		}
		if err == ledger.ErrAgentLocked {
			return Result{}, aexerr.Wrap(aexerr.CodeAgentLocked, "agent lifecycle gate is not READY", err)
		}
		return Result{}, aexerr.Wrap(aexerr.CodeInternal, "reserve budget", err)
	}
	if err := c.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionReserved, 0, ""); err != nil {
		return Result{}, aexerr.Wrap(aexerr.CodeInternal, "mark execution reserved", err)
	}

	return Result{
		ExecutionID:        executionID,
		TenantID:           tenantID,
		ProjectID:          projectID,
		Route:              route,
		PatchedBody:        patchedBody,
		EstimatedCostMicro: estimatedCost,
		RouteHash:          routeHash,
		PolicyHash:         policyHash,
		RequestHash:        requestHash,
	}, nil
}

// lookupIdempotent returns a non-nil Execution when executionID already
// has a terminal outcome that should be replayed, nil when no prior
// execution exists (the caller should proceed to create one), and an
// error for a request-hash mismatch or a timed-out in-progress wait.
func (c *Controller) lookupIdempotent(ctx context.Context, executionID, requestHash string) (*ledger.Execution, error) {
	deadline := time.Now().Add(c.idempotencyWait())
	for {
		exec, err := c.Ledger.GetExecution(ctx, executionID)
		if err == ledger.ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, aexerr.Wrap(aexerr.CodeInternal, "idempotency lookup", err)
		}
		if exec.State.IsTerminal() {
			if exec.RequestHash != requestHash {
				return nil, aexerr.New(aexerr.CodeIdempotencyConflict, "execution_id reused with a different request body")
			}
			return &exec, nil
		}
		if time.Now().After(deadline) {
			return nil, aexerr.New(aexerr.CodeExecutionInProgress, "execution is still in progress")
		}
		select {
		case <-ctx.Done():
			return nil, aexerr.Wrap(aexerr.CodeInternal, "idempotency wait", ctx.Err())
		case <-time.After(c.idempotencyPoll()):
		}
	}
}

func (c *Controller) evaluatePolicy(ctx context.Context, req Request, agent ledger.Agent, estimatedCost int64) (policy.Decision, json.RawMessage, string, error) {
	if c.Policy == nil {
		return policy.Decision{Allow: true}, req.Body, "", nil
	}
	pc := policy.Context{
		AgentID:       agent.ID,
		TenantID:      agent.TenantID,
		ProjectID:     agent.ProjectID,
		Endpoint:      req.Endpoint,
		Model:         req.Model,
		EstimatedCost: estimatedCost,
		Metadata:      map[string]any{"agent_locked": agent.Locked},
	}
	decision, err := c.Policy.Evaluate(ctx, pc)
	if err != nil {
		// spec.md: policy plugin load/execution failure is fail-closed —
		// a DENY outcome (403 POLICY_DENIED), never a 500.
		decision = policy.Decision{Allow: false, Source: "policy-error", Reason: err.Error()}
	}
	policyHash := canonicalize.StableHash(pc.AgentID, pc.Endpoint, pc.Model, fmt.Sprintf("%d", pc.EstimatedCost), fmt.Sprintf("%v", decision.Allow), decision.Reason)
	if !decision.Allow {
		return decision, nil, policyHash, nil
	}
	patched, err := mergePatch(req.Body, decision.Patch)
	if err != nil {
		return policy.Decision{}, nil, "", aexerr.Wrap(aexerr.CodeInvalid, "merge policy patch", err)
	}
	return decision, patched, policyHash, nil
}

func canonicalBodyString(body json.RawMessage) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	return canonicalize.JCSString(v)
}

// estimateCostMicro implements spec.md §4.2's per-endpoint integer-
// micro cost model from caller-declared token estimates; AEX does not
// run a real tokenizer (Non-goal), so callers derive estimates from
// request size or a declared max_tokens.
func estimateCostMicro(endpoint string, route router.Route, estimatedInputTokens, estimatedOutputTokens int64) int64 {
	return route.EstimateCostMicro(estimatedInputTokens, estimatedOutputTokens)
}

// mergePatch applies obligations.patch from a policy decision onto
// body, restricted to patchableKeys and merged in sorted-key order so
// identical inputs always produce identical output bytes.
func mergePatch(body json.RawMessage, patch map[string]interface{}) (json.RawMessage, error) {
	if len(patch) == 0 {
		return body, nil
	}
	var obj map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, err
		}
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		if patchableKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		obj[k] = patch[k]
	}
	return json.Marshal(obj)
}
