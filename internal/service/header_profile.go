package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

// Headers never forwarded upstream. x-codex-turn-metadata may carry
// non-ASCII values that break downstream HTTP parsers.
var blockedForwardHeaders = map[string]bool{
	"host":                  true,
	"content-length":        true,
	"connection":            true,
	"keep-alive":            true,
	"proxy-authenticate":    true,
	"proxy-authorization":   true,
	"te":                    true,
	"trailer":               true,
	"transfer-encoding":     true,
	"upgrade":               true,
	"x-codex-turn-metadata": true,
}

// Session affinity headers.
const (
	headerSessionID      = "session_id"
	headerConversationID = "conversation_id"
	headerTurnState      = "x-codex-turn-state"
)

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// HeaderProfileInput collects everything the upstream header build needs.
type HeaderProfileInput struct {
	Key      *model.APIKey
	Account  *model.Account
	Incoming http.Header

	AuthToken string
	Cookie    string

	StripSessionAffinity bool
	PromptCacheKey       string
}

// BuildCodexUpstreamHeaders produces the exact header set for one upstream
// attempt.
func BuildCodexUpstreamHeaders(in HeaderProfileInput) http.Header {
	h := http.Header{}

	switch in.Key.AuthScheme {
	case model.AuthSchemeXAPIKey:
		h.Set("x-api-key", in.AuthToken)
	case model.AuthSchemeAPIKey:
		h.Set("api-key", in.AuthToken)
	default:
		h.Set("Authorization", "Bearer "+in.AuthToken)
	}
	h.Set("User-Agent", "codex-cli")

	if id := in.Account.UpstreamAccountID(); strings.TrimSpace(id) != "" {
		h.Set("ChatGPT-Account-Id", id)
	}
	if strings.TrimSpace(in.Cookie) != "" {
		h.Set("Cookie", in.Cookie)
	}

	// Content-Type and Accept are honored only when the client sent them.
	if ct := in.Incoming.Get("Content-Type"); ct != "" && isASCII(ct) {
		h.Set("Content-Type", ct)
	}
	if accept := in.Incoming.Get("Accept"); accept != "" && isASCII(accept) {
		h.Set("Accept", accept)
	}

	if in.StripSessionAffinity {
		applyDerivedAffinity(h, in)
	} else {
		for _, name := range []string{headerSessionID, headerConversationID, headerTurnState} {
			if v := in.Incoming.Get(name); v != "" && isASCII(v) {
				h.Set(name, v)
			}
		}
	}

	applyStaticHeaders(h, in.Key.StaticHeadersJSON)
	return h
}

// applyDerivedAffinity replaces client affinity with sticky values derived
// from the platform key, so one key keeps hitting the same upstream session
// no matter what the client sends. A prompt_cache_key aligns both ids.
func applyDerivedAffinity(h http.Header, in HeaderProfileInput) {
	if pck := strings.TrimSpace(in.PromptCacheKey); pck != "" && isASCII(pck) {
		h.Set(headerSessionID, pck)
		h.Set(headerConversationID, pck)
		return
	}
	derived := DeriveStickySessionID(in.Key.ID, in.Key.KeyHash)
	h.Set(headerSessionID, derived)
	h.Set(headerConversationID, derived)
}

// DeriveStickySessionID computes a stable session id from the platform key
// material.
func DeriveStickySessionID(keyID, keyHash string) string {
	sum := xxhash.Sum64String(keyID + "|" + keyHash)
	return fmt.Sprintf("cmgr-%016x", sum)
}

// applyStaticHeaders merges the key's configured static headers, skipping
// blocked and non-ASCII entries.
func applyStaticHeaders(h http.Header, staticJSON string) {
	if strings.TrimSpace(staticJSON) == "" {
		return
	}
	var static map[string]string
	if err := json.Unmarshal([]byte(staticJSON), &static); err != nil {
		return
	}
	for name, value := range static {
		if blockedForwardHeaders[strings.ToLower(name)] || !isASCII(value) {
			continue
		}
		h.Set(name, value)
	}
}

// StripAffinityHeaders removes the session headers for a stateless retry,
// keeping authentication intact.
func StripAffinityHeaders(h http.Header) http.Header {
	out := h.Clone()
	out.Del(headerSessionID)
	out.Del(headerConversationID)
	out.Del(headerTurnState)
	return out
}

// FilterIncomingForwardHeaders copies forwardable incoming headers into the
// upstream set without overriding anything the profile already decided.
func FilterIncomingForwardHeaders(upstream http.Header, incoming http.Header) {
	for name, values := range incoming {
		lower := strings.ToLower(name)
		if blockedForwardHeaders[lower] {
			continue
		}
		if upstream.Get(name) != "" {
			continue
		}
		switch lower {
		case "authorization", "x-api-key", "api-key", "cookie", "user-agent", "accept", "content-type":
			continue
		case "accept-encoding":
			// Left to the transport: it negotiates gzip itself and then
			// transparently decompresses, so buffered responses are always
			// plain bytes.
			continue
		}
		for _, v := range values {
			if isASCII(v) {
				upstream.Add(name, v)
			}
		}
	}
}
