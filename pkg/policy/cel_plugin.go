package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELPlugin evaluates a compiled CEL expression against the policy
// Context. The expression must evaluate to a bool; true allows, false
// denies with the plugin's configured deny reason. Programs are
// compiled once and cached, mirroring the teacher's
// policy_evaluator_cel.go compile-cache-and-evaluate pattern.
type CELPlugin struct {
	name       string
	expr       string
	denyReason string

	mu  sync.Mutex
	env *cel.Env
	prg cel.Program
}

// NewCELPlugin compiles expr against an environment exposing the
// policy Context's fields (agent_id, tenant_id, project_id, endpoint,
// model, estimated_cost, metadata) as CEL variables.
func NewCELPlugin(name, expr, denyReason string) (*CELPlugin, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("project_id", cel.StringType),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("model", cel.StringType),
		cel.Variable("estimated_cost", cel.IntType),
		cel.Variable("metadata", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: cel compile %q: %w", name, issues.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("policy: cel program %q: %w", name, err)
	}

	return &CELPlugin{name: name, expr: expr, denyReason: denyReason, env: env, prg: prg}, nil
}

func (p *CELPlugin) Name() string { return p.name }

func (p *CELPlugin) Evaluate(ctx context.Context, pc Context) (Decision, error) {
	p.mu.Lock()
	prg := p.prg
	p.mu.Unlock()

	metadata := pc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"agent_id":       pc.AgentID,
		"tenant_id":      pc.TenantID,
		"project_id":     pc.ProjectID,
		"endpoint":       pc.Endpoint,
		"model":          pc.Model,
		"estimated_cost": pc.EstimatedCost,
		"metadata":       metadata,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: cel eval %q: %w", p.name, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Decision{}, fmt.Errorf("policy: cel plugin %q did not return bool", p.name)
	}
	if !allowed {
		return deny(p.name, p.denyReason), nil
	}
	return allow(), nil
}
