// Package model defines the persisted entities owned by the gateway.
package model

import (
	"strings"
	"time"
)

// Account status values.
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
)

// APIKey status values.
const (
	APIKeyStatusActive   = "active"
	APIKeyStatusDisabled = "disabled"
)

// Protocol types accepted on the front surface.
const (
	ProtocolOpenAICompat    = "openai_compat"
	ProtocolAnthropicNative = "anthropic_native"
	ProtocolAzureOpenAI     = "azure_openai"
)

// Auth schemes used when talking to the configured upstream base.
const (
	AuthSchemeAuthorizationBearer = "authorization_bearer"
	AuthSchemeXAPIKey             = "x_api_key"
	AuthSchemeAPIKey              = "api_key"
)

// Reasoning effort levels accepted on platform keys and request bodies.
const (
	ReasoningEffortLow    = "low"
	ReasoningEffortMedium = "medium"
	ReasoningEffortHigh   = "high"
	ReasoningEffortXHigh  = "xhigh"
)

// Account is one upstream provider identity.
type Account struct {
	ID               int64
	ChatGPTAccountID string
	WorkspaceID      string
	SortOrder        int
	Status           string
	CreatedAt        time.Time
}

// IsActive reports whether the account is schedulable by default.
func (a *Account) IsActive() bool {
	return a != nil && a.Status == AccountStatusActive
}

// UpstreamAccountID returns the value sent as ChatGPT-Account-Id.
func (a *Account) UpstreamAccountID() string {
	if a == nil {
		return ""
	}
	if strings.TrimSpace(a.ChatGPTAccountID) != "" {
		return a.ChatGPTAccountID
	}
	return a.WorkspaceID
}

// Token holds the OAuth material for one account. Exactly one row per
// account; lifecycle tied to the Account row.
type Token struct {
	AccountID            int64
	IDToken              string
	AccessToken          string
	RefreshToken         string
	APIKeyAccessToken    string
	LastRefresh          time.Time
	AccessTokenExp       *int64 // unix seconds
	NextRefreshAt        *int64 // unix seconds
	LastRefreshAttemptAt *int64 // unix seconds
}

// EligibleForRefresh reports whether the scheduled refresher may touch this
// row at all.
func (t *Token) EligibleForRefresh() bool {
	return t != nil && strings.TrimSpace(t.RefreshToken) != ""
}

// APIKey is a locally issued platform key. The plaintext secret lives in a
// separate APIKeySecret row and is never stored here.
type APIKey struct {
	ID                string // gk_...
	Name              string
	ModelSlug         string
	ReasoningEffort   string
	ClientType        string
	ProtocolType      string
	AuthScheme        string
	UpstreamBaseURL   string
	StaticHeadersJSON string
	KeyHash           string // SHA-256 hex of the plaintext
	Status            string
	CreatedAt         time.Time
	LastUsedAt        *time.Time
}

// IsActive reports whether the key may authenticate requests.
func (k *APIKey) IsActive() bool {
	return k != nil && k.Status == APIKeyStatusActive
}

// ValidProtocolAuthPair reports whether (protocol_type, auth_scheme) is one
// of the three supported combinations.
func ValidProtocolAuthPair(protocolType, authScheme string) bool {
	switch protocolType {
	case ProtocolOpenAICompat:
		return authScheme == AuthSchemeAuthorizationBearer
	case ProtocolAnthropicNative:
		return authScheme == AuthSchemeXAPIKey
	case ProtocolAzureOpenAI:
		return authScheme == AuthSchemeAPIKey
	default:
		return false
	}
}

// APIKeySecret stores the plaintext of a platform key, keyed by APIKey.ID.
type APIKeySecret struct {
	KeyID  string
	Secret string
}

// UsageSnapshot is one observation of an account's upstream quota windows.
type UsageSnapshot struct {
	ID                     int64
	AccountID              int64
	UsedPercent            *float64
	WindowMinutes          *int64
	ResetsAt               *int64 // unix seconds
	SecondaryUsedPercent   *float64
	SecondaryWindowMinutes *int64
	SecondaryResetsAt      *int64 // unix seconds
	CreditsJSON            string
	CapturedAt             time.Time
}

// RequestLog records one completed forward attempt chain.
type RequestLog struct {
	ID              int64
	KeyID           string
	AccountID       *int64
	Method          string
	RequestPath     string
	Model           string
	ReasoningEffort string
	UpstreamURL     string
	StatusCode      *int
	Error           string
	CreatedAt       time.Time
}

// RequestTokenStat carries the best-effort token estimates for one log row.
type RequestTokenStat struct {
	RequestLogID          int64
	InputTokens           int64
	CachedInputTokens     int64
	OutputTokens          int64
	ReasoningOutputTokens int64
	EstimatedCostUSD      float64
}

// TokenStatSummary aggregates token stats over a time range.
type TokenStatSummary struct {
	Requests              int64
	InputTokens           int64
	CachedInputTokens     int64
	OutputTokens          int64
	ReasoningOutputTokens int64
	EstimatedCostUSD      float64
}

// NormalizeReasoningEffort maps raw client/key values onto the accepted
// levels; unknown values map to "".
func NormalizeReasoningEffort(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ReasoningEffortLow:
		return ReasoningEffortLow
	case ReasoningEffortMedium:
		return ReasoningEffortMedium
	case ReasoningEffortHigh:
		return ReasoningEffortHigh
	case ReasoningEffortXHigh, "extra_high":
		return ReasoningEffortXHigh
	default:
		return ""
	}
}
