// Package observability provides OpenTelemetry tracing and metrics for
// aexd, plus an in-process SLO tracker and audit timeline layered on
// top for the admin surface.
//
// # Tracing and metrics
//
// Initialize a Provider at application startup:
//
//	p, err := observability.New(ctx, observability.DefaultConfig())
//	defer p.Shutdown(ctx)
//
// Track an operation end to end:
//
//	ctx, done := p.TrackOperation(ctx, "admission.admit")
//	defer done(err)
//
// # SLOs and the audit timeline
//
// Recorder fans one operation's outcome out to all three sinks at
// once — admission and dispatch call Recorder.Observe exactly once per
// request, regardless of how many sinks are configured:
//
//	rec := observability.NewRecorder(p)
//	rec.SLO.SetTarget(&observability.SLOTarget{Operation: "admission", SuccessRate: 0.999, WindowHours: 1})
//	rec.Observe(ctx, "admission", tenantID, executionID, agentID, start, err)
package observability
