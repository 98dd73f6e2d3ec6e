package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_ResolveAndEstimate(t *testing.T) {
	r := New([]Route{
		{Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", Provider: "openai", UpstreamURL: "https://api.openai.com/v1/chat/completions", UpstreamModel: "gpt-4o-mini", PriceInMicro: 150, PriceOutMicro: 600},
	})

	route, err := r.Resolve("/v1/chat/completions", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", route.Provider)
	assert.Equal(t, int64(150*100/1000+600*50/1000), route.EstimateCostMicro(100, 50))
}

func TestRouter_NoRoute(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve("/v1/chat/completions", "unknown")
	assert.Error(t, err)
	var noRoute *ErrNoRoute
	assert.ErrorAs(t, err, &noRoute)
}

func TestRouter_HasEndpoint(t *testing.T) {
	r := New([]Route{{Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini"}})
	assert.True(t, r.HasEndpoint("/v1/chat/completions"))
	assert.False(t, r.HasEndpoint("/v1/unknown"))
}

func TestRouter_LaterOverridesEarlier(t *testing.T) {
	r := New([]Route{
		{Endpoint: "/v1/embeddings", Model: "text-embedding-3-small", Provider: "openai-v1"},
		{Endpoint: "/v1/embeddings", Model: "text-embedding-3-small", Provider: "openai-v2"},
	})
	route, err := r.Resolve("/v1/embeddings", "text-embedding-3-small")
	require.NoError(t, err)
	assert.Equal(t, "openai-v2", route.Provider)
}
