package observability

import (
	"context"
	"time"
)

// Recorder fans a single operation outcome out to the SLO tracker, the
// audit timeline, and (if configured) the OpenTelemetry provider. It is
// the one instrumentation seam admission and dispatch call through, so
// neither package needs to know about SLOs, timelines, or OTel
// directly — a nil Recorder (the zero value used as *Recorder(nil)) is
// always safe to call through and simply does nothing.
type Recorder struct {
	SLO      *SLOTracker
	Timeline *AuditTimeline
	Metrics  *Provider
}

// NewRecorder wires a fresh SLO tracker and audit timeline together.
// Pass metrics (may be nil) if an OTel provider was also initialized.
func NewRecorder(metrics *Provider) *Recorder {
	return &Recorder{
		SLO:      NewSLOTracker(),
		Timeline: NewAuditTimeline(),
		Metrics:  metrics,
	}
}

// Observe records one operation's outcome. operation is one of
// "admission", "dispatch", "dispatch.stream" — see slo.go's
// SLOTarget.Operation for the matching target vocabulary.
func (r *Recorder) Observe(ctx context.Context, operation, tenantID, executionID, agentID string, start time.Time, err error) {
	if r == nil {
		return
	}
	latency := time.Since(start)

	if r.SLO != nil {
		r.SLO.Record(SLOObservation{
			Operation: operation,
			Latency:   latency,
			Success:   err == nil,
		})
	}

	if r.Timeline != nil {
		entryType := EntryTypeAction
		summary := operation + " succeeded"
		details := map[string]interface{}{"agent_id": agentID, "latency_ms": latency.Milliseconds()}
		if err != nil {
			entryType = EntryTypeDecision
			summary = operation + " failed: " + err.Error()
			details["error"] = err.Error()
		}
		_ = r.Timeline.Record(TimelineEntry{
			EntryType: entryType,
			RunID:     executionID,
			TenantID:  tenantID,
			Actor:     agentID,
			Summary:   summary,
			Details:   details,
		})
	}

	if r.Metrics != nil {
		attrs := AdmissionOperation(operation, agentID, tenantID, err == nil)
		r.Metrics.RecordRequest(ctx, attrs...)
		r.Metrics.RecordDuration(ctx, latency, attrs...)
		if err != nil {
			r.Metrics.RecordError(ctx, err, attrs...)
		}
	}
}
