package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestBuildAuthorizeURL(t *testing.T) {
	got := BuildAuthorizeURL(
		"https://auth.openai.com",
		"app_123",
		"http://localhost:1455/auth/callback",
		"challenge",
		"state123",
		"codex_cli",
		"org_abc",
	)

	require.True(t, strings.HasPrefix(got, "https://auth.openai.com/oauth/authorize?"))
	for _, fragment := range []string{
		"response_type=code",
		"client_id=app_123",
		"redirect_uri=http%3A%2F%2Flocalhost%3A1455%2Fauth%2Fcallback",
		"scope=openid%20profile%20email%20offline_access",
		"code_challenge=challenge",
		"code_challenge_method=S256",
		"id_token_add_organizations=true",
		"codex_cli_simplified_flow=true",
		"state=state123",
		"originator=codex_cli",
		"allowed_workspace_id=org_abc",
	} {
		require.Contains(t, got, fragment)
	}
	// Spaces in scope must be %20, never +.
	require.NotContains(t, got, "scope=openid+")
}

func TestBuildAuthorizeURLOmitsWorkspaceWhenEmpty(t *testing.T) {
	got := BuildAuthorizeURL(DefaultIssuer, ClientID, "", "ch", "st", "", "")
	require.NotContains(t, got, "allowed_workspace_id")
	require.Contains(t, got, "redirect_uri="+"http%3A%2F%2Flocalhost%3A1455%2Fauth%2Fcallback")
	require.Contains(t, got, "originator=codex_cli")
}

func TestTokenURL(t *testing.T) {
	require.Equal(t, "https://auth.openai.com/oauth/token", TokenURL("https://auth.openai.com"))
	require.Equal(t, "https://auth.openai.com/oauth/token", TokenURL("https://auth.openai.com/"))
}

func TestRefreshTokenRequestValues(t *testing.T) {
	r := BuildRefreshTokenRequest("rt-1", "")
	values := r.Values()
	require.Equal(t, "refresh_token", values.Get("grant_type"))
	require.Equal(t, "rt-1", values.Get("refresh_token"))
	require.Equal(t, ClientID, values.Get("client_id"))
	require.Equal(t, RefreshScopes, values.Get("scope"))
}

func TestAPIKeyExchangeRequestValues(t *testing.T) {
	r := &APIKeyExchangeRequest{ClientID: "app_x", IDToken: "id-token"}
	values := r.Values()
	require.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", values.Get("grant_type"))
	require.Equal(t, "openai-api-key", values.Get("requested_token"))
	require.Equal(t, "id-token", values.Get("subject_token"))
	require.Equal(t, "urn:ietf:params:oauth:token-type:id_token", values.Get("subject_token_type"))
}

func signedTestJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestParseTokenExp(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	signed := signedTestJWT(t, jwt.MapClaims{"exp": exp, "sub": "user-1"})

	got, ok := ParseTokenExp(signed)
	require.True(t, ok)
	require.Equal(t, exp, got)

	_, ok = ParseTokenExp("not-a-jwt")
	require.False(t, ok)

	noExp := signedTestJWT(t, jwt.MapClaims{"sub": "user-1"})
	_, ok = ParseTokenExp(noExp)
	require.False(t, ok)
}

func TestParseIDToken(t *testing.T) {
	payload := map[string]any{
		"sub":   "user-1",
		"email": "dev@example.com",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-1",
			"organizations": []map[string]any{
				{"id": "org-b", "is_default": false},
				{"id": "org-a", "is_default": true},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	idToken := fmt.Sprintf("h.%s.s", base64.RawURLEncoding.EncodeToString(raw))

	claims, err := ParseIDToken(idToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Sub)
	require.Equal(t, "acct-1", claims.OpenAIAuth.ChatGPTAccountID)
	require.Equal(t, "org-a", claims.WorkspaceID())

	_, err = ParseIDToken("only.two")
	require.Error(t, err)
}

func TestWorkspaceIDFallsBackToFirstOrg(t *testing.T) {
	claims := &IDTokenClaims{OpenAIAuth: &OpenAIAuthClaims{
		Organizations: []OrganizationClaim{{ID: "org-x"}, {ID: "org-y"}},
	}}
	require.Equal(t, "org-x", claims.WorkspaceID())
	require.Empty(t, (&IDTokenClaims{}).WorkspaceID())
}
