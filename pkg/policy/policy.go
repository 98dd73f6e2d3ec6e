// Package policy implements the policy engine: a small set of kernel
// rules that always run first, followed by a lexically-ordered chain of
// plugins. Any kernel rule or plugin denial wins outright — there is no
// voting, only a deny-wins reducer over an ordered chain.
package policy

import (
	"context"
	"sort"
)

// Decision is the outcome of one rule or plugin's evaluation.
type Decision struct {
	Allow  bool
	Reason string
	// Rule/plugin name that produced a non-allow decision; empty on
	// allow.
	Source string
	// Patch is a set of whitelisted request-body keys an allowing
	// plugin wants merged into the outgoing request (e.g. clamping
	// max_tokens). Only meaningful when Allow is true.
	Patch map[string]interface{}
}

func allow() Decision { return Decision{Allow: true} }

func deny(source, reason string) Decision {
	return Decision{Allow: false, Source: source, Reason: reason}
}

// Context is the evaluation context handed to every kernel rule and
// plugin: the admission-time facts a policy might condition on.
type Context struct {
	AgentID      string
	TenantID     string
	ProjectID    string
	Endpoint     string
	Model        string
	EstimatedCost int64
	Metadata     map[string]any
}

// KernelRule is a built-in, non-overridable check evaluated before any
// plugin. Kernel rules are plain Go functions — not data, not
// configurable — per the design note that the policy kernel's own
// rules are never pluggable.
type KernelRule func(ctx context.Context, pc Context) Decision

// Plugin is a lexically-ordered, named policy check layered on top of
// the kernel rules. Plugins run in ascending Name() order so that a
// deployment's plugin ordering is reproducible across processes.
type Plugin interface {
	Name() string
	Evaluate(ctx context.Context, pc Context) (Decision, error)
}

// Engine evaluates the kernel rules then the plugin chain, returning
// the first non-allow decision (deny-wins) or allow if every rule and
// plugin allowed.
type Engine struct {
	kernel  []KernelRule
	plugins []Plugin
}

func NewEngine(kernel []KernelRule, plugins []Plugin) *Engine {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Engine{kernel: kernel, plugins: sorted}
}

// Evaluate runs the kernel rules, then the plugin chain in lexical
// order, returning on the first denial. Allowing plugins' patches
// accumulate in lexical (plugin-name) order, which is itself a sorted
// order, so the merged patch is deterministic across runs.
func (e *Engine) Evaluate(ctx context.Context, pc Context) (Decision, error) {
	for _, rule := range e.kernel {
		if d := rule(ctx, pc); !d.Allow {
			return d, nil
		}
	}

	merged := map[string]interface{}{}
	for _, p := range e.plugins {
		d, err := p.Evaluate(ctx, pc)
		if err != nil {
			// A plugin that fails to load/execute is treated as a deny,
			// not an internal error — fail closed rather than let a
			// broken plugin either block or silently bypass every
			// decision behind it.
			return deny("policy-error", err.Error()), nil
		}
		if !d.Allow {
			return d, nil
		}
		for k, v := range d.Patch {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return allow(), nil
	}
	return Decision{Allow: true, Patch: merged}, nil
}

// KernelAgentNotLocked denies if the caller marked the agent locked in
// the evaluation context's metadata (the ledger is the source of
// truth; admission stamps this flag in before evaluating policy so the
// kernel rule needs no ledger dependency of its own).
func KernelAgentNotLocked(ctx context.Context, pc Context) Decision {
	if locked, _ := pc.Metadata["agent_locked"].(bool); locked {
		return deny("kernel.agent_locked", "agent lifecycle gate is closed")
	}
	return allow()
}

// KernelRequireTenantScope denies any request without a tenant id; the
// project id is not checked.
func KernelRequireTenantScope(ctx context.Context, pc Context) Decision {
	if pc.TenantID == "" {
		return deny("kernel.tenant_scope", "missing tenant_id")
	}
	return allow()
}

// KernelPositiveCost denies a non-positive cost estimate — a zero or
// negative reservation can never be a legitimate admission.
func KernelPositiveCost(ctx context.Context, pc Context) Decision {
	if pc.EstimatedCost <= 0 {
		return deny("kernel.positive_cost", "estimated cost must be positive")
	}
	return allow()
}

// DefaultKernelRules is the fixed rule set every deployment runs,
// regardless of configured plugins.
func DefaultKernelRules() []KernelRule {
	return []KernelRule{KernelRequireTenantScope, KernelPositiveCost, KernelAgentNotLocked}
}
