package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	allow bool
	err   error
	calls int
}

func (f *fakeStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	f.calls++
	return f.allow, f.err
}

func TestLimiter_LocalBucketRejectsWithoutCallingStore(t *testing.T) {
	store := &fakeStore{allow: true}
	l := NewLimiter(store)
	policy := Policy{RPM: 60, Burst: 1}

	ok, err := l.Allow(context.Background(), "agent-1", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, store.calls)

	ok, err = l.Allow(context.Background(), "agent-1", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.calls, "local bucket exhausted, store must not be consulted again")
}

func TestLimiter_StoreDenyPropagates(t *testing.T) {
	store := &fakeStore{allow: false}
	l := NewLimiter(store)
	policy := Policy{RPM: 6000, Burst: 100}

	ok, err := l.Allow(context.Background(), "agent-1", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLimiter_NoStoreOnlyUsesLocalBucket(t *testing.T) {
	l := NewLimiter(nil)
	policy := Policy{RPM: 6000, Burst: 100}

	ok, err := l.Allow(context.Background(), "agent-1", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFallbackStore_FallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeStore{err: errors.New("connection refused")}
	secondary := &fakeStore{allow: true}
	fb := &FallbackStore{Primary: primary, Secondary: secondary}

	ok, err := fb.Allow(context.Background(), "agent-1", Policy{RPM: 60}, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestFallbackStore_UsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeStore{allow: true}
	secondary := &fakeStore{allow: false}
	fb := &FallbackStore{Primary: primary, Secondary: secondary}

	ok, err := fb.Allow(context.Background(), "agent-1", Policy{RPM: 60}, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, secondary.calls)
}
