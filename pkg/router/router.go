// Package router resolves an admitted request's (endpoint, model) pair
// to an upstream provider and path. Unlike the teacher's heuristic
// fast/smart model router, AEX's router is a static lookup table loaded
// from configuration — the spec explicitly rules out inventing routing
// policy (see spec.md Non-goals: no pricing policy invention), so the
// only routing decision AEX makes is table lookup, never heuristics.
package router

import (
	"fmt"
	"sync/atomic"
)

// Route is one configured (endpoint, model) -> upstream binding.
type Route struct {
	Endpoint      string `yaml:"endpoint"`
	Model         string `yaml:"model"`
	Provider      string `yaml:"provider"`
	UpstreamURL   string `yaml:"upstream_url"`
	UpstreamModel string `yaml:"upstream_model"`
	PriceInMicro  int64  `yaml:"price_in_micro_per_1k"`
	PriceOutMicro int64  `yaml:"price_out_micro_per_1k"`

	// StripDimensions marks an embeddings route whose provider rejects a
	// caller-supplied "dimensions" field. The denylist is this flag,
	// configured per (endpoint, model) route rather than hardcoded by
	// provider name, since the set of providers that reject it changes
	// independently of AEX's code.
	StripDimensions bool `yaml:"strip_dimensions"`
}

// Router is a static endpoint+model -> provider+path lookup table.
type Router struct {
	byKey map[string]Route
}

func key(endpoint, model string) string { return endpoint + "\x00" + model }

// New builds a Router from a configured route list. A later duplicate
// (endpoint, model) pair overrides an earlier one, so config files can
// layer an override on top of a base route table.
func New(routes []Route) *Router {
	r := &Router{byKey: make(map[string]Route, len(routes))}
	for _, route := range routes {
		r.byKey[key(route.Endpoint, route.Model)] = route
	}
	return r
}

// ErrNoRoute is returned when no configured route matches.
type ErrNoRoute struct {
	Endpoint string
	Model    string
}

func (e *ErrNoRoute) Error() string {
	return fmt.Sprintf("router: no route for endpoint %q model %q", e.Endpoint, e.Model)
}

// Resolve looks up the upstream binding for an (endpoint, model) pair.
func (r *Router) Resolve(endpoint, model string) (Route, error) {
	route, ok := r.byKey[key(endpoint, model)]
	if !ok {
		return Route{}, &ErrNoRoute{Endpoint: endpoint, Model: model}
	}
	return route, nil
}

// HasEndpoint reports whether any route is configured for endpoint,
// regardless of model. Callers use this to distinguish an unsupported
// endpoint from a supported endpoint with a disallowed model.
func (r *Router) HasEndpoint(endpoint string) bool {
	for _, route := range r.byKey {
		if route.Endpoint == endpoint {
			return true
		}
	}
	return false
}

// EstimateCostMicro computes a pre-dispatch cost estimate in micro-USD
// from the route's per-1k-token prices and caller-supplied token
// estimates. AEX does not implement a real tokenizer (spec.md
// Non-goals); callers are expected to supply an estimate derived from
// request size or a caller-declared max_tokens.
func (r Route) EstimateCostMicro(estimatedInputTokens, estimatedOutputTokens int64) int64 {
	in := (estimatedInputTokens * r.PriceInMicro) / 1000
	out := (estimatedOutputTokens * r.PriceOutMicro) / 1000
	return in + out
}

// ReloadableRouter holds a Router behind an atomic pointer so an
// operator's `/admin/reload_config` can swap in a freshly loaded route
// table without a process restart, while in-flight Resolve/HasEndpoint
// calls from admission never observe a half-updated table.
type ReloadableRouter struct {
	current atomic.Pointer[Router]
}

// NewReloadable wraps an initial Router for hot-reload.
func NewReloadable(r *Router) *ReloadableRouter {
	rr := &ReloadableRouter{}
	rr.current.Store(r)
	return rr
}

// Swap atomically replaces the active route table.
func (rr *ReloadableRouter) Swap(r *Router) { rr.current.Store(r) }

func (rr *ReloadableRouter) Resolve(endpoint, model string) (Route, error) {
	return rr.current.Load().Resolve(endpoint, model)
}

func (rr *ReloadableRouter) HasEndpoint(endpoint string) bool {
	return rr.current.Load().HasEndpoint(endpoint)
}
