package handler

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
	"github.com/Wei-Shaw/codexmanager/internal/service"
)

const testPlatformKey = "gk_plaintext_secret"

type gatewayFixture struct {
	engine   *gin.Engine
	store    *repository.Store
	recorder *service.RequestRecorder
}

func newGatewayFixture(t *testing.T, upstreamURL string) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repository.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := repository.NewStore(db)

	cfg := &config.Config{
		UpstreamBaseURL:                upstreamURL,
		RouteStrategy:                  config.RouteStrategyOrdered,
		RequestTimeoutSecs:             30,
		TokenRefreshBatch:              20,
		TokenRefreshPollIntervalSecs:   600,
		UsageSnapshotsRetainPerAccount: 5,
		FrontProxyMaxBodyBytes:         1 << 20,
	}
	state := service.NewGatewayState()
	selector := service.NewCandidateSelector(store, state, cfg)
	clients := service.NewUpstreamClientPool(state)
	refresher := service.NewTokenRefreshService(store, cfg)
	usage := service.NewUsagePollerService(store, cfg, refresher)
	t.Cleanup(usage.Stop)
	gateway := service.NewGatewayService(cfg, store, state, selector, clients, refresher, usage)
	recorder := service.NewRequestRecorder(store)
	t.Cleanup(recorder.Stop)

	h := NewGatewayHandler(cfg, store, gateway, recorder)
	engine := gin.New()
	engine.NoRoute(h.Handle)

	return &gatewayFixture{engine: engine, store: store, recorder: recorder}
}

func (f *gatewayFixture) seedKey(t *testing.T, status string) *model.APIKey {
	t.Helper()
	key := &model.APIKey{
		ID:           "gk_test",
		Name:         "test",
		ProtocolType: model.ProtocolOpenAICompat,
		AuthScheme:   model.AuthSchemeAuthorizationBearer,
		KeyHash:      HashPlatformKey(testPlatformKey),
	}
	require.NoError(t, f.store.CreateAPIKey(context.Background(), key, testPlatformKey))
	if status != model.APIKeyStatusActive {
		require.NoError(t, f.store.UpdateAPIKeyStatus(context.Background(), key.ID, status))
	}
	return key
}

func (f *gatewayFixture) seedAccount(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateAccount(ctx, "acct-1", "", 0)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertToken(ctx, &model.Token{
		AccountID:    id,
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
	}))
	return id
}

func doRequest(engine *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandleRejectsMissingKey(t *testing.T) {
	fx := newGatewayFixture(t, "http://127.0.0.1:0")

	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestHandleRejectsUnknownKey(t *testing.T) {
	fx := newGatewayFixture(t, "http://127.0.0.1:0")

	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{}`,
		map[string]string{"Authorization": "Bearer gk_wrong"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "unknown platform key", gjson.Get(w.Body.String(), "error.message").String())
}

func TestHandleRejectsDisabledKey(t *testing.T) {
	fx := newGatewayFixture(t, "http://127.0.0.1:0")
	fx.seedKey(t, model.APIKeyStatusDisabled)

	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{}`,
		map[string]string{"Authorization": "Bearer " + testPlatformKey})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "platform key disabled", gjson.Get(w.Body.String(), "error.message").String())
}

func TestHandleRejectsUnsupportedMethods(t *testing.T) {
	fx := newGatewayFixture(t, "http://127.0.0.1:0")

	w := doRequest(fx.engine, http.MethodTrace, "/v1/responses", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	fx := newGatewayFixture(t, "http://127.0.0.1:0")
	fx.seedKey(t, model.APIKeyStatusActive)

	// The fixture caps bodies at 1 MiB.
	big := strings.Repeat("x", 2<<20)
	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{"input":"`+big+`"}`,
		map[string]string{"Authorization": "Bearer " + testPlatformKey})
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleForwardsToUpstream(t *testing.T) {
	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer upstream.Close()

	fx := newGatewayFixture(t, upstream.URL)
	fx.seedKey(t, model.APIKeyStatusActive)
	fx.seedAccount(t)

	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{"model":"gpt-5","input":"hi"}`,
		map[string]string{
			"Authorization": "Bearer " + testPlatformKey,
			"Content-Type":  "application/json",
		})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "resp-1", gjson.Get(w.Body.String(), "id").String())
	require.Equal(t, "gpt-5", gotModel)
}

func TestHandleAppliesKeyModelOverride(t *testing.T) {
	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer upstream.Close()

	fx := newGatewayFixture(t, upstream.URL)
	key := &model.APIKey{
		ID:           "gk_override",
		ProtocolType: model.ProtocolOpenAICompat,
		AuthScheme:   model.AuthSchemeAuthorizationBearer,
		KeyHash:      HashPlatformKey(testPlatformKey),
		ModelSlug:    "gpt-5-codex",
	}
	require.NoError(t, fx.store.CreateAPIKey(context.Background(), key, testPlatformKey))
	fx.seedAccount(t)

	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{"model":"gpt-4o","input":"hi"}`,
		map[string]string{"Authorization": "Bearer " + testPlatformKey})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gpt-5-codex", gotModel)
}

func TestHandleDecompressesBufferedResponses(t *testing.T) {
	const plain = `{"id":"resp-gz","output":"hello"}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			_, _ = gz.Write([]byte(plain))
			_ = gz.Close()
			return
		}
		w.Write([]byte(plain))
	}))
	defer upstream.Close()

	fx := newGatewayFixture(t, upstream.URL)
	fx.seedKey(t, model.APIKeyStatusActive)
	fx.seedAccount(t)

	// A compression-capable client must still receive plain JSON: the
	// transport negotiates gzip with the upstream and decompresses before
	// the body is buffered.
	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{"model":"gpt-5","input":"hi"}`,
		map[string]string{
			"Authorization":   "Bearer " + testPlatformKey,
			"Accept-Encoding": "gzip",
		})

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.JSONEq(t, plain, w.Body.String())
}

func TestHandleNoAccountIs502(t *testing.T) {
	fx := newGatewayFixture(t, "http://127.0.0.1:0")
	fx.seedKey(t, model.APIKeyStatusActive)

	w := doRequest(fx.engine, http.MethodPost, "/v1/responses", `{}`,
		map[string]string{"Authorization": "Bearer " + testPlatformKey})
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "upstream_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestHashPlatformKey(t *testing.T) {
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashPlatformKey("hello"))
	require.NotEqual(t, HashPlatformKey("a"), HashPlatformKey("b"))
}

func TestExtractPlatformKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	require.Equal(t, "tok", extractPlatformKey(req))

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("x-api-key", "xk")
	require.Equal(t, "xk", extractPlatformKey(req))

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("api-key", "ak")
	require.Equal(t, "ak", extractPlatformKey(req))

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcg==")
	require.Empty(t, extractPlatformKey(req))
}
