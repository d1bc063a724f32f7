// Package openai holds the OAuth wire helpers for the ChatGPT/OpenAI issuer:
// authorize-URL construction, token refresh and api-key exchange forms, and
// unverified JWT claim extraction.
package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ClientID is the Codex CLI OAuth client.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	// DefaultIssuer is the OpenAI OAuth issuer base.
	DefaultIssuer = "https://auth.openai.com"

	// DefaultRedirectURI is the local callback used by the login flow.
	DefaultRedirectURI = "http://localhost:1455/auth/callback"

	// DefaultScopes is requested on initial authorization.
	DefaultScopes = "openid profile email offline_access"
	// RefreshScopes is requested on token refresh (no offline_access).
	RefreshScopes = "openid profile email"

	// DefaultOriginator marks the requesting client family.
	DefaultOriginator = "codex_cli"
)

// TokenURL returns the issuer's token endpoint.
func TokenURL(issuer string) string {
	return strings.TrimSuffix(strings.TrimSpace(issuer), "/") + "/oauth/token"
}

// BuildAuthorizeURL builds the issuer authorization URL for the Codex
// simplified flow. workspaceID is optional; when non-empty it pins the
// authorization to one workspace via allowed_workspace_id.
func BuildAuthorizeURL(issuer, clientID, redirectURI, codeChallenge, state, originator, workspaceID string) string {
	if redirectURI == "" {
		redirectURI = DefaultRedirectURI
	}
	if originator == "" {
		originator = DefaultOriginator
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", DefaultScopes)
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	params.Set("id_token_add_organizations", "true")
	params.Set("codex_cli_simplified_flow", "true")
	params.Set("originator", originator)
	if strings.TrimSpace(workspaceID) != "" {
		params.Set("allowed_workspace_id", strings.TrimSpace(workspaceID))
	}

	// The issuer expects %20 rather than + for spaces inside scope.
	encoded := strings.ReplaceAll(params.Encode(), "+", "%20")
	return fmt.Sprintf("%s/oauth/authorize?%s", strings.TrimSuffix(strings.TrimSpace(issuer), "/"), encoded)
}

// RefreshTokenRequest is the form payload for a refresh_token grant.
type RefreshTokenRequest struct {
	GrantType    string
	RefreshToken string
	ClientID     string
	Scope        string
}

// BuildRefreshTokenRequest creates a refresh request with the standard scopes.
func BuildRefreshTokenRequest(refreshToken, clientID string) *RefreshTokenRequest {
	if strings.TrimSpace(clientID) == "" {
		clientID = ClientID
	}
	return &RefreshTokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     clientID,
		Scope:        RefreshScopes,
	}
}

// Values converts the refresh request to form values.
func (r *RefreshTokenRequest) Values() url.Values {
	params := url.Values{}
	params.Set("grant_type", r.GrantType)
	params.Set("client_id", r.ClientID)
	params.Set("refresh_token", r.RefreshToken)
	params.Set("scope", r.Scope)
	return params
}

// ToFormData converts the refresh request to URL-encoded form data.
func (r *RefreshTokenRequest) ToFormData() string {
	return r.Values().Encode()
}

// APIKeyExchangeRequest is the token-exchange form that trades an id_token
// for an api_key access token usable against api.openai.com.
type APIKeyExchangeRequest struct {
	ClientID string
	IDToken  string
}

// Values converts the exchange request to form values.
func (r *APIKeyExchangeRequest) Values() url.Values {
	params := url.Values{}
	params.Set("grant_type", "urn:ietf:params:oauth:grant-type:token-exchange")
	params.Set("client_id", r.ClientID)
	params.Set("requested_token", "openai-api-key")
	params.Set("subject_token", r.IDToken)
	params.Set("subject_token_type", "urn:ietf:params:oauth:token-type:id_token")
	return params
}

// ToFormData converts the exchange request to URL-encoded form data.
func (r *APIKeyExchangeRequest) ToFormData() string {
	return r.Values().Encode()
}

// TokenResponse is the issuer's token endpoint response shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ParseTokenExp extracts the exp claim (seconds since epoch) from a JWT
// without verifying the signature; the upstream enforces validity.
func ParseTokenExp(token string) (int64, bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return 0, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	return exp.Unix(), true
}

// IDTokenClaims carries the subset of id_token claims the gateway reads.
type IDTokenClaims struct {
	Sub        string            `json:"sub"`
	Email      string            `json:"email"`
	Exp        int64             `json:"exp"`
	OpenAIAuth *OpenAIAuthClaims `json:"https://api.openai.com/auth,omitempty"`
}

// OpenAIAuthClaims is the OpenAI-specific claim block.
type OpenAIAuthClaims struct {
	ChatGPTAccountID string              `json:"chatgpt_account_id"`
	ChatGPTUserID    string              `json:"chatgpt_user_id"`
	Organizations    []OrganizationClaim `json:"organizations"`
}

// OrganizationClaim is one workspace membership entry.
type OrganizationClaim struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Title     string `json:"title"`
	IsDefault bool   `json:"is_default"`
}

// ParseIDToken decodes the payload of an id_token JWT. Signature is not
// verified here; claims feed account bookkeeping only.
func ParseIDToken(idToken string) (*IDTokenClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		if decoded, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
			return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
		}
	}

	var claims IDTokenClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT claims: %w", err)
	}
	return &claims, nil
}

// WorkspaceID returns the default (or first) organization id from the claims.
func (c *IDTokenClaims) WorkspaceID() string {
	if c == nil || c.OpenAIAuth == nil {
		return ""
	}
	for _, org := range c.OpenAIAuth.Organizations {
		if org.IsDefault {
			return org.ID
		}
	}
	if len(c.OpenAIAuth.Organizations) > 0 {
		return c.OpenAIAuth.Organizations[0].ID
	}
	return ""
}
