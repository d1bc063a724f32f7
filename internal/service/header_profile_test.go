package service

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

func headerFixture() HeaderProfileInput {
	incoming := http.Header{}
	incoming.Set("Content-Type", "application/json")
	incoming.Set("Accept", "text/event-stream")
	incoming.Set("session_id", "client-session")
	incoming.Set("conversation_id", "client-conv")

	return HeaderProfileInput{
		Key:       &model.APIKey{ID: "gk_1", KeyHash: "hash", AuthScheme: model.AuthSchemeAuthorizationBearer},
		Account:   &model.Account{ChatGPTAccountID: "acct-1"},
		Incoming:  incoming,
		AuthToken: "tok-123",
	}
}

func TestBuildCodexUpstreamHeadersBearer(t *testing.T) {
	h := BuildCodexUpstreamHeaders(headerFixture())

	require.Equal(t, "Bearer tok-123", h.Get("Authorization"))
	require.Equal(t, "codex-cli", h.Get("User-Agent"))
	require.Equal(t, "acct-1", h.Get("ChatGPT-Account-Id"))
	require.Equal(t, "application/json", h.Get("Content-Type"))
	require.Equal(t, "text/event-stream", h.Get("Accept"))
	require.Equal(t, "client-session", h.Get("session_id"))
	require.Equal(t, "client-conv", h.Get("conversation_id"))
	require.Empty(t, h.Get("Cookie"))
}

func TestBuildCodexUpstreamHeadersAuthSchemes(t *testing.T) {
	in := headerFixture()
	in.Key.AuthScheme = model.AuthSchemeXAPIKey
	h := BuildCodexUpstreamHeaders(in)
	require.Equal(t, "tok-123", h.Get("x-api-key"))
	require.Empty(t, h.Get("Authorization"))

	in.Key.AuthScheme = model.AuthSchemeAPIKey
	h = BuildCodexUpstreamHeaders(in)
	require.Equal(t, "tok-123", h.Get("api-key"))
}

func TestBuildCodexUpstreamHeadersCookieAndWorkspace(t *testing.T) {
	in := headerFixture()
	in.Cookie = "cf_clearance=abc"
	in.Account = &model.Account{WorkspaceID: "ws-1"}
	h := BuildCodexUpstreamHeaders(in)
	require.Equal(t, "cf_clearance=abc", h.Get("Cookie"))
	require.Equal(t, "ws-1", h.Get("ChatGPT-Account-Id"))
}

func TestBuildCodexUpstreamHeadersDerivedAffinity(t *testing.T) {
	in := headerFixture()
	in.StripSessionAffinity = true

	h := BuildCodexUpstreamHeaders(in)
	derived := DeriveStickySessionID("gk_1", "hash")
	require.Equal(t, derived, h.Get("session_id"))
	require.Equal(t, derived, h.Get("conversation_id"))
	require.True(t, strings.HasPrefix(derived, "cmgr-"))
	require.Len(t, derived, len("cmgr-")+16)

	// Same key material always derives the same id.
	require.Equal(t, derived, DeriveStickySessionID("gk_1", "hash"))
	require.NotEqual(t, derived, DeriveStickySessionID("gk_2", "hash"))

	// A prompt cache key aligns both ids instead.
	in.PromptCacheKey = "pck-9"
	h = BuildCodexUpstreamHeaders(in)
	require.Equal(t, "pck-9", h.Get("session_id"))
	require.Equal(t, "pck-9", h.Get("conversation_id"))
}

func TestBuildCodexUpstreamHeadersStaticHeaders(t *testing.T) {
	in := headerFixture()
	in.Key.StaticHeadersJSON = `{"X-Custom": "v1", "Host": "evil", "X-Bad": "naïve"}`

	h := BuildCodexUpstreamHeaders(in)
	require.Equal(t, "v1", h.Get("X-Custom"))
	require.Empty(t, h.Get("Host"))
	require.Empty(t, h.Get("X-Bad"))
}

func TestStripAffinityHeaders(t *testing.T) {
	h := BuildCodexUpstreamHeaders(headerFixture())
	h.Set("x-codex-turn-state", "state")

	stripped := StripAffinityHeaders(h)
	require.Empty(t, stripped.Get("session_id"))
	require.Empty(t, stripped.Get("conversation_id"))
	require.Empty(t, stripped.Get("x-codex-turn-state"))
	require.Equal(t, "Bearer tok-123", stripped.Get("Authorization"))

	// Original is untouched.
	require.Equal(t, "client-session", h.Get("session_id"))
}

func TestFilterIncomingForwardHeaders(t *testing.T) {
	upstream := http.Header{}
	upstream.Set("Authorization", "Bearer upstream")
	upstream.Set("X-Existing", "keep")

	incoming := http.Header{}
	incoming.Set("Authorization", "Bearer client") // auth never forwarded
	incoming.Set("X-Existing", "client")           // never overrides
	incoming.Set("X-Forward-Me", "yes")
	incoming.Set("Transfer-Encoding", "chunked")        // hop-by-hop
	incoming.Set("X-Codex-Turn-Metadata", "whatever")   // blocked
	incoming.Set("Accept-Encoding", "gzip, br")         // transport negotiates
	incoming.Set("X-Unicode", "café")              // non-ASCII value
	incoming.Add("X-Multi", "one")
	incoming.Add("X-Multi", "two")

	FilterIncomingForwardHeaders(upstream, incoming)

	require.Equal(t, "Bearer upstream", upstream.Get("Authorization"))
	require.Equal(t, "keep", upstream.Get("X-Existing"))
	require.Equal(t, "yes", upstream.Get("X-Forward-Me"))
	require.Empty(t, upstream.Get("Transfer-Encoding"))
	require.Empty(t, upstream.Get("X-Codex-Turn-Metadata"))
	require.Empty(t, upstream.Get("Accept-Encoding"))
	require.Empty(t, upstream.Get("X-Unicode"))
	require.Equal(t, []string{"one", "two"}, upstream.Values("X-Multi"))
}
