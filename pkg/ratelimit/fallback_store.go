package ratelimit

import "context"

// FallbackStore tries Primary first and falls back to Secondary on any
// error from Primary, rather than treating a Redis outage as a reason
// to fail every request closed (or open). Matches the Non-goals
// guidance that AEX degrades gracefully rather than hard-failing when
// an optional dependency is unavailable.
type FallbackStore struct {
	Primary   Store
	Secondary Store
}

func (f *FallbackStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	allowed, err := f.Primary.Allow(ctx, actorID, policy, cost)
	if err == nil {
		return allowed, nil
	}
	return f.Secondary.Allow(ctx, actorID, policy, cost)
}
