package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeUpstreamURL(t *testing.T) {
	// ChatGPT Codex backend: primary strips /v1, alternate keeps it.
	primary, alternate := ComputeUpstreamURL("https://chatgpt.com/backend-api/codex", "/v1/responses")
	require.Equal(t, "https://chatgpt.com/backend-api/codex/responses", primary)
	require.Equal(t, "https://chatgpt.com/backend-api/codex/v1/responses", alternate)

	// Base already ending in /v1 does not double the prefix.
	primary, alternate = ComputeUpstreamURL("https://api.openai.com/v1", "/v1/chat/completions")
	require.Equal(t, "https://api.openai.com/v1/chat/completions", primary)
	require.Empty(t, alternate)

	// Anything else is plain concatenation.
	primary, alternate = ComputeUpstreamURL("https://proxy.internal/upstream/", "/v1/models")
	require.Equal(t, "https://proxy.internal/upstream/v1/models", primary)
	require.Empty(t, alternate)

	primary, alternate = ComputeUpstreamURL("https://chatgpt.com/backend-api/codex", "/models")
	require.Equal(t, "https://chatgpt.com/backend-api/codex/models", primary)
	require.Empty(t, alternate)
}

func TestUpstreamClientPool(t *testing.T) {
	pool := NewUpstreamClientPool(NewGatewayState())

	require.NotNil(t, pool.Shared())
	require.Same(t, pool.Shared(), pool.Shared())

	fresh := pool.Fresh(1)
	require.NotNil(t, fresh)
	require.Same(t, fresh, pool.Fresh(1))
	require.NotSame(t, fresh, pool.Fresh(2))

	rebuilt := pool.Rebuild(1)
	require.NotSame(t, fresh, rebuilt)
	require.Same(t, rebuilt, pool.Fresh(1))
}
