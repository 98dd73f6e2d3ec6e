// Package observability — AEX-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AEX-specific semantic convention attributes, attached to spans and
// metric points for the admission/dispatch/settlement path.
var (
	AttrAgentID    = attribute.Key("aex.agent.id")
	AttrTenantID   = attribute.Key("aex.tenant.id")
	AttrExecution  = attribute.Key("aex.execution.id")
	AttrOperation  = attribute.Key("aex.operation")
	AttrOutcomeOK  = attribute.Key("aex.outcome.ok")
	AttrRoute      = attribute.Key("aex.route.endpoint")
	AttrRouteModel = attribute.Key("aex.route.model")

	AttrPolicySource   = attribute.Key("aex.policy.source")
	AttrPolicyDecision = attribute.Key("aex.policy.decision")

	AttrSettlementType  = attribute.Key("aex.settlement.type")
	AttrSettlementMicro = attribute.Key("aex.settlement.micro_usd")
)

// AdmissionOperation creates attributes for one admission or dispatch
// outcome — the shape Recorder.Observe feeds to Provider.
func AdmissionOperation(operation, agentID, tenantID string, ok bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrAgentID.String(agentID),
		AttrTenantID.String(tenantID),
		AttrOutcomeOK.Bool(ok),
	}
}

// PolicyOperation creates attributes for a policy evaluation.
func PolicyOperation(source, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicySource.String(source),
		AttrPolicyDecision.String(decision),
	}
}

// SettlementOperation creates attributes for a commit/release.
func SettlementOperation(settlementType string, micro int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSettlementType.String(settlementType),
		AttrSettlementMicro.Int64(micro),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
