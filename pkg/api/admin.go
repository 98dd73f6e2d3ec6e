package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aexhq/aex/pkg/config"
	"github.com/aexhq/aex/pkg/ledger"
	"github.com/aexhq/aex/pkg/observability"
	"github.com/aexhq/aex/pkg/replay"
	"github.com/aexhq/aex/pkg/router"
	"github.com/aexhq/aex/pkg/store"
)

// AdminHandler serves the liveness/readiness probes and the
// `x-aex-admin-key`-guarded operator surface (spec.md §6).
type AdminHandler struct {
	Ledger   ledger.Ledger
	AdminKey string

	// Telemetry backs /metrics, /admin/alerts, and /admin/activity. Nil
	// disables those three endpoints (they return 503) without
	// affecting Health/Ready/Replay.
	Telemetry *observability.Recorder

	// Router is swapped by ReloadConfig when a new routes file is
	// loaded. Nil disables /admin/reload_config.
	Router *router.ReloadableRouter
	// RoutesFile is re-read on every /admin/reload_config call.
	RoutesFile string

	// Migrator runs additive schema migrations for /admin/migrate. Nil
	// disables the endpoint.
	Migrator   *store.Migrator
	Migrations []store.Migration
}

// Health always returns 200 once the process is up — it does not touch
// the database, so a DB outage is visible through Ready, not Health.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the ledger is reachable. A load balancer should
// stop routing traffic here on anything but 200.
func (h *AdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Ledger.ListAgents(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requireAdminKey gates every /admin/* operator endpoint except
// Health/Ready/Metrics on a shared secret header.
func (h *AdminHandler) requireAdminKey(r *http.Request) bool {
	return h.AdminKey != "" && r.Header.Get("x-aex-admin-key") == h.AdminKey
}

// Replay runs the full hash-chain and balance-replay audit
// (pkg/replay) across every partition and returns a combined report.
// Nothing is cached; every call recomputes the full report.
func (h *AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(r) {
		WriteForbidden(w, "missing or invalid x-aex-admin-key")
		return
	}

	chains, err := replay.VerifyChains(r.Context(), h.Ledger)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	balances, err := replay.ReplayBalances(r.Context(), h.Ledger)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	invariants, err := replay.CheckInvariants(r.Context(), h.Ledger)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chains":     chains,
		"balances":   balances,
		"invariants": invariants,
		"clean":      invariants.Clean(),
	})
}

// Metrics reports a JSON snapshot of every operation's current SLO
// status. AEX's metrics pipeline is push-based OTLP (see
// pkg/observability.Provider) rather than a pull-based Prometheus
// exporter, so this is the one place an operator without an OTLP
// collector wired up can still see current burn rates and success
// rates over HTTP. Unlike the rest of /admin/*, Metrics is not gated on
// the admin key — it carries no tenant data, only aggregate rates.
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.Telemetry == nil || h.Telemetry.SLO == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "telemetry not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slos": h.Telemetry.SLO.AllStatuses(),
	})
}

// alertSeverity classifies burn rate into an alert level. A burn rate
// over 1.0 means the error budget is being consumed faster than the
// window allows for; over 10.0 it will be exhausted in a small
// fraction of the window and pages, not just logs.
func alertSeverity(status *observability.SLOStatus) string {
	switch {
	case status.BurnRate >= 10:
		return "critical"
	case status.BurnRate > 1:
		return "warning"
	default:
		return "ok"
	}
}

// Alerts derives a burn-rate alert list from the current SLO statuses,
// filtering to operations that are out of compliance or burning budget
// faster than sustainable.
func (h *AdminHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(r) {
		WriteForbidden(w, "missing or invalid x-aex-admin-key")
		return
	}
	if h.Telemetry == nil || h.Telemetry.SLO == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "telemetry not configured"})
		return
	}

	type alert struct {
		Operation       string  `json:"operation"`
		Severity        string  `json:"severity"`
		BurnRate        float64 `json:"burn_rate"`
		ErrorBudgetLeft float64 `json:"error_budget_left"`
		InCompliance    bool    `json:"in_compliance"`
	}

	var alerts []alert
	for _, status := range h.Telemetry.SLO.AllStatuses() {
		severity := alertSeverity(status)
		if severity == "ok" && status.InCompliance {
			continue
		}
		alerts = append(alerts, alert{
			Operation:       status.Operation,
			Severity:        severity,
			BurnRate:        status.BurnRate,
			ErrorBudgetLeft: status.ErrorBudgetLeft,
			InCompliance:    status.InCompliance,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// Activity serves the unified audit timeline, filterable by run,
// tenant, and time range via query parameters (run_id, tenant_id,
// since, until, limit).
func (h *AdminHandler) Activity(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(r) {
		WriteForbidden(w, "missing or invalid x-aex-admin-key")
		return
	}
	if h.Telemetry == nil || h.Telemetry.Timeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "telemetry not configured"})
		return
	}

	q := observability.TimelineQuery{
		RunID:    r.URL.Query().Get("run_id"),
		TenantID: r.URL.Query().Get("tenant_id"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.After = &t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			q.Before = &t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			q.Limit = n
		}
	}

	entries := h.Telemetry.Timeline.Query(q)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// DashboardData combines a ledger snapshot with current SLO statuses
// into the single payload an operator dashboard polls, so the UI never
// needs to fan out to three separate endpoints itself.
func (h *AdminHandler) DashboardData(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(r) {
		WriteForbidden(w, "missing or invalid x-aex-admin-key")
		return
	}

	agents, err := h.Ledger.ListAgents(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	var slos []*observability.SLOStatus
	if h.Telemetry != nil && h.Telemetry.SLO != nil {
		slos = h.Telemetry.SLO.AllStatuses()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_count": len(agents),
		"agents":      agents,
		"slos":        slos,
	})
}

// ReloadConfig re-reads the routes file and atomically swaps it into
// the live router, so a route table change doesn't require a process
// restart. Malformed config is rejected and the live router is left
// untouched.
func (h *AdminHandler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(r) {
		WriteForbidden(w, "missing or invalid x-aex-admin-key")
		return
	}
	if h.Router == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "hot reload not configured"})
		return
	}

	routes, err := config.LoadRoutes(h.RoutesFile)
	if err != nil {
		WriteBadRequest(w, "failed to load routes file: "+err.Error())
		return
	}

	h.Router.Swap(router.New(routes))
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "routes": len(routes)})
}

// Snapshot returns a point-in-time export of every agent and its
// current reservation state — an operator's equivalent of a database
// snapshot, without requiring direct database access. It does not
// include ledger events; use Replay for a full hash-chain audit.
func (h *AdminHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(r) {
		WriteForbidden(w, "missing or invalid x-aex-admin-key")
		return
	}

	agents, err := h.Ledger.ListAgents(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	reservations, err := h.Ledger.ListReservationsByState(r.Context(), ledger.ReservationReserved)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"taken_at":     time.Now().UTC(),
		"agents":       agents,
		"reservations": reservations,
	})
}

// Migrate runs every pending additive schema migration and reports
// which ones applied. It is idempotent: running it twice in a row with
// nothing new to apply returns an empty list, not an error.
func (h *AdminHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(r) {
		WriteForbidden(w, "missing or invalid x-aex-admin-key")
		return
	}
	if h.Migrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "migrator not configured"})
		return
	}

	applied, err := h.Migrator.Apply(r.Context(), h.Migrations)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
