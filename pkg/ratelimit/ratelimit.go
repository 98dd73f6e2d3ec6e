// Package ratelimit enforces per-agent RPM (requests/minute) windows.
// Policy.TPM is carried but never read: no tokens/minute window is
// enforced. Three layers cooperate: an in-process
// golang.org/x/time/rate cache as a cheap local fast path, an optional
// Redis-backed atomic counter as the cross-process fast path, and a
// transactional DB-row fallback that is authoritative when Redis is
// unavailable or unconfigured.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is one agent's configured rate limits.
type Policy struct {
	RPM   int // requests per minute
	TPM   int // tokens per minute
	Burst int // local token-bucket burst allowance
}

// Store is the cross-process rate-window counter, backed by Redis
// (fast path, see RedisStore) or the DB (fallback, see DBStore).
type Store interface {
	// Allow atomically consumes cost units from actorID's window and
	// reports whether the consumption was allowed.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// Limiter layers an in-process token-bucket cache in front of a Store.
// A request must pass both the local bucket and the store to be
// admitted — the local bucket protects the store from being hammered
// by a single hot agent inside one process, while the store enforces
// the limit across all processes sharing it.
type Limiter struct {
	store Store

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) localBucket(actorID string, policy Policy) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[actorID]
	if !ok {
		perSecond := rate.Limit(float64(policy.RPM) / 60.0)
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		b = rate.NewLimiter(perSecond, burst)
		l.buckets[actorID] = b
	}
	return b
}

// Allow admits one request of the given token cost for actorID under
// policy. It checks the local bucket first (cheap, no I/O) and only
// consults the store if the local bucket allows — a request the local
// bucket rejects never reaches Redis or the DB.
func (l *Limiter) Allow(ctx context.Context, actorID string, policy Policy, tokenCost int) (bool, error) {
	if !l.localBucket(actorID, policy).Allow() {
		return false, nil
	}
	if l.store == nil {
		return true, nil
	}
	return l.store.Allow(ctx, actorID, policy, tokenCost)
}

var _ = time.Minute // kept for RPM/TPM-in-minutes documentation clarity above
