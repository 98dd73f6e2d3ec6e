package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexhq/aex/pkg/api"
	"github.com/aexhq/aex/pkg/auth"
	"github.com/aexhq/aex/pkg/webhook"
)

type fakeWebhookStore struct {
	subs map[string]webhook.Subscription
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{subs: map[string]webhook.Subscription{}}
}

func (s *fakeWebhookStore) CreateSubscription(ctx context.Context, sub webhook.Subscription) error {
	s.subs[sub.ID] = sub
	return nil
}

func (s *fakeWebhookStore) ListSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	var out []webhook.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeWebhookStore) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	if sub, ok := s.subs[id]; ok && sub.TenantID == tenantID {
		delete(s.subs, id)
	}
	return nil
}

func withTenantAgent(req *http.Request, tenantID string) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), &auth.AgentPrincipal{ID: "agent-1", TenantID: tenantID, ProjectID: "p1", Scope: auth.ScopeExecution}))
}

func TestWebhookHandler_CreateThenList(t *testing.T) {
	store := newFakeWebhookStore()
	handler := &api.WebhookHandler{Store: store}

	createReq := withTenantAgent(httptest.NewRequest(http.MethodPost, "/api/v2/webhooks", jsonBody(t, map[string]any{
		"url":    "https://example.com/hook",
		"events": []string{"budget.committed"},
	})), "t1")
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	listReq := withTenantAgent(httptest.NewRequest(http.MethodGet, "/api/v2/webhooks", nil), "t1")
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "example.com/hook")
}

func TestWebhookHandler_ListScopedToTenant(t *testing.T) {
	store := newFakeWebhookStore()
	store.subs["other-tenant-sub"] = webhook.Subscription{ID: "other-tenant-sub", TenantID: "other-tenant", URL: "https://other.example"}
	handler := &api.WebhookHandler{Store: store}

	listReq := withTenantAgent(httptest.NewRequest(http.MethodGet, "/api/v2/webhooks", nil), "t1")
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)

	require.Equal(t, http.StatusOK, listRec.Code)
	assert.NotContains(t, listRec.Body.String(), "other.example")
}

func TestWebhookHandler_DeleteRemovesSubscription(t *testing.T) {
	store := newFakeWebhookStore()
	store.subs["sub-1"] = webhook.Subscription{ID: "sub-1", TenantID: "t1", URL: "https://example.com/hook"}
	handler := &api.WebhookHandler{Store: store}

	deleteReq := withTenantAgent(httptest.NewRequest(http.MethodDelete, "/api/v2/webhooks/sub-1", nil), "t1")
	deleteRec := httptest.NewRecorder()
	handler.ServeHTTP(deleteRec, deleteReq)

	require.Equal(t, http.StatusNoContent, deleteRec.Code)
	_, stillExists := store.subs["sub-1"]
	assert.False(t, stillExists)
}

func TestWebhookHandler_RequiresAuth(t *testing.T) {
	store := newFakeWebhookStore()
	handler := &api.WebhookHandler{Store: store}

	req := httptest.NewRequest(http.MethodGet, "/api/v2/webhooks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
