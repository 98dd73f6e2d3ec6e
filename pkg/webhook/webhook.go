// Package webhook persists webhook subscriptions and delivery attempts
// per tenant (spec.md §3: "Webhook subscription / delivery"). Actual
// HTTP delivery to a subscriber's endpoint is an external collaborator
// (spec.md §1 Non-goals: "webhook HTTP delivery") — this package owns
// the subscription registry and the attempt ledger a delivery worker
// would consume, not the outbound HTTP call itself.
package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aexhq/aex/pkg/store"
)

// Subscription is one tenant's registered webhook endpoint, filtered to
// a set of event names it wants delivered.
type Subscription struct {
	ID        string
	TenantID  string
	URL       string
	Events    []string
	CreatedAt time.Time
}

// DeliveryAttempt records one queued delivery for audit (spec.md §7:
// "Webhook failures — non-critical; recorded with attempts, status,
// error; never block the request"). Status starts "queued"; a delivery
// worker (external collaborator) would update it to "delivered" or
// "failed" as it retries.
type DeliveryAttempt struct {
	ID             string
	SubscriptionID string
	Event          string
	Attempts       int
	Status         string
	Error          string
	CreatedAt      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	url        TEXT NOT NULL,
	events     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	event           TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	error           TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
`

// Store is the SQL-backed webhook subscription registry and delivery
// attempt log, following the same dialect-aware pattern as
// ratelimit.DBStore and api.SQLResponseCache.
type Store struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewStore(db *sql.DB, dialect store.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) q(query string) string { return store.Rebind(s.dialect, query) }

func encodeEvents(events []string) string {
	out := ""
	for i, e := range events {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out
}

func decodeEvents(raw string) []string {
	if raw == "" {
		return nil
	}
	var events []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			events = append(events, raw[start:i])
			start = i + 1
		}
	}
	return events
}

// CreateSubscription persists a new webhook subscription for a tenant.
func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) error {
	query := s.q(`INSERT INTO webhook_subscriptions (id, tenant_id, url, events, created_at) VALUES ($1, $2, $3, $4, $5)`)
	_, err := s.db.ExecContext(ctx, query, sub.ID, sub.TenantID, sub.URL, encodeEvents(sub.Events), sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("webhook: create subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns every subscription registered for tenantID.
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error) {
	query := s.q(`SELECT id, tenant_id, url, events, created_at FROM webhook_subscriptions WHERE tenant_id = $1 ORDER BY created_at`)
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("webhook: list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var events string
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &events, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("webhook: scan subscription: %w", err)
		}
		sub.Events = decodeEvents(events)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes a tenant's subscription by ID. It is a
// no-op, not an error, if the subscription doesn't belong to tenantID
// or doesn't exist.
func (s *Store) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	query := s.q(`DELETE FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2`)
	_, err := s.db.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return fmt.Errorf("webhook: delete subscription: %w", err)
	}
	return nil
}

// Notify queues a delivery attempt for every tenant subscription
// matching event. It never returns an error to the caller's critical
// path (spec.md §7: webhook failures never block the request) — lookup
// or insert failures are swallowed after being recorded via the
// returned error, which callers are expected to log, not propagate.
func (s *Store) Notify(ctx context.Context, tenantID, event string, deliveryID string) error {
	subs, err := s.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !subscribesTo(sub, event) {
			continue
		}
		query := s.q(`INSERT INTO webhook_deliveries (id, subscription_id, event, attempts, status, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		_, err := s.db.ExecContext(ctx, query, deliveryID+":"+sub.ID, sub.ID, event, 0, "queued", "", time.Now().UTC())
		if err != nil {
			return fmt.Errorf("webhook: queue delivery: %w", err)
		}
	}
	return nil
}

func subscribesTo(sub Subscription, event string) bool {
	for _, e := range sub.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
