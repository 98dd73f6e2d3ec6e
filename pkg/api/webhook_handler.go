package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/aexhq/aex/pkg/auth"
	"github.com/aexhq/aex/pkg/canonicalize"
	"github.com/aexhq/aex/pkg/webhook"
)

// WebhookStore is implemented by webhook.Store; kept as an interface so
// tests can fake it without a database.
type WebhookStore interface {
	CreateSubscription(ctx context.Context, sub webhook.Subscription) error
	ListSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
}

// WebhookHandler serves GET/POST /api/v2/webhooks and
// DELETE /api/v2/webhooks/{id} (spec.md §6). It owns subscription CRUD
// only — actual HTTP delivery to a subscriber is an external
// collaborator (spec.md §1 Non-goals).
type WebhookHandler struct {
	Store WebhookStore
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	tenantID := r.Header.Get("X-AEX-Tenant-Id")
	if tenantID == "" {
		tenantID = principal.GetTenantID()
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v2/webhooks")
	id = strings.Trim(id, "/")

	switch {
	case r.Method == http.MethodGet && id == "":
		h.list(w, r, tenantID)
	case r.Method == http.MethodPost && id == "":
		h.create(w, r, tenantID)
	case r.Method == http.MethodDelete && id != "":
		h.delete(w, r, tenantID, id)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (h *WebhookHandler) list(w http.ResponseWriter, r *http.Request, tenantID string) {
	subs, err := h.Store.ListSubscriptions(r.Context(), tenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (h *WebhookHandler) create(w http.ResponseWriter, r *http.Request, tenantID string) {
	body, err := readBody(r)
	if err != nil {
		WriteBadRequest(w, "request body exceeds size limit or could not be read")
		return
	}
	var req createWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.URL == "" {
		WriteBadRequest(w, "url is required")
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{"*"}
	}

	sub := webhook.Subscription{
		ID:        canonicalize.StableHash(tenantID, req.URL, time.Now().UTC().String()),
		TenantID:  tenantID,
		URL:       req.URL,
		Events:    req.Events,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateSubscription(r.Context(), sub); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *WebhookHandler) delete(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	if err := h.Store.DeleteSubscription(r.Context(), tenantID, id); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
