package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/openai"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

// Refresh scheduling: the next refresh lands this far before access token
// expiry.
const tokenRefreshLeadSecs = 600

// Issuer HTTP timeouts.
const (
	issuerConnectTimeout = 15 * time.Second
	issuerTotalTimeout   = 60 * time.Second
)

// TokenRefreshService refreshes OAuth material against the issuer, both on
// the background schedule and on demand before an upstream attempt.
type TokenRefreshService struct {
	store  *repository.Store
	cfg    *config.Config
	client *req.Client
	sf     singleflight.Group

	now func() time.Time
}

// NewTokenRefreshService wires the refresher with its issuer HTTP client.
func NewTokenRefreshService(store *repository.Store, cfg *config.Config) *TokenRefreshService {
	client := req.C().
		SetTimeout(issuerTotalTimeout)
	return &TokenRefreshService{
		store:  store,
		cfg:    cfg,
		client: client,
		now:    time.Now,
	}
}

func (s *TokenRefreshService) issuer() string {
	if strings.TrimSpace(s.cfg.OAuthIssuer) != "" {
		return s.cfg.OAuthIssuer
	}
	return openai.DefaultIssuer
}

func (s *TokenRefreshService) clientID() string {
	if strings.TrimSpace(s.cfg.OAuthClientID) != "" {
		return s.cfg.OAuthClientID
	}
	return openai.ClientID
}

// RunOnce processes one refresh tick: every due token in the batch gets one
// refresh attempt. Individual failures log and defer, they never abort the
// tick.
func (s *TokenRefreshService) RunOnce(ctx context.Context) error {
	now := s.now().Unix()
	due, err := s.store.ListTokensDueForRefresh(ctx, now, s.cfg.TokenRefreshBatch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, tok := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.refreshOne(ctx, tok); err != nil {
			logger.L().Warn("token_refresh.failed",
				zap.Int64("account_id", tok.AccountID), zap.Error(err))
		}
	}
	return nil
}

// refreshOne performs one issuer refresh for the token and persists the
// result. A failed refresh only moves the schedule forward.
func (s *TokenRefreshService) refreshOne(ctx context.Context, tok *model.Token) error {
	now := s.now().Unix()
	if err := s.store.TouchTokenRefreshAttempt(ctx, tok.AccountID, now); err != nil {
		return err
	}

	resp, err := s.refreshAgainstIssuer(ctx, tok.RefreshToken)
	if err != nil {
		// Back off a full poll interval before the next attempt.
		retryAt := now + int64(s.cfg.TokenRefreshPollIntervalSecs)
		if scheduleErr := s.store.UpdateTokenRefreshSchedule(ctx, tok.AccountID, retryAt); scheduleErr != nil {
			logger.L().Warn("token_refresh.reschedule_failed",
				zap.Int64("account_id", tok.AccountID), zap.Error(scheduleErr))
		}
		return err
	}

	update := &repository.TokenRefreshUpdate{
		AccountID:    tok.AccountID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
	}
	if exp, ok := openai.ParseTokenExp(resp.AccessToken); ok {
		next := exp - tokenRefreshLeadSecs
		update.AccessTokenExp = &exp
		update.NextRefreshAt = &next
	} else {
		// Opaque access token: without an expiry the schedule falls back to
		// the poll cadence, otherwise the token would be due on every tick.
		next := now + int64(s.cfg.TokenRefreshPollIntervalSecs)
		update.NextRefreshAt = &next
	}

	// A fresh id_token is the chance to renew the api_key access token for
	// the public-API fallback path. Best-effort only.
	if strings.TrimSpace(resp.IDToken) != "" {
		if apiKey, err := s.obtainAPIKey(ctx, resp.IDToken); err != nil {
			logger.L().Warn("token_refresh.api_key_exchange_failed",
				zap.Int64("account_id", tok.AccountID), zap.Error(err))
		} else {
			update.APIKeyAccessToken = apiKey
		}
	}

	if err := s.store.UpdateTokenAfterRefresh(ctx, update); err != nil {
		return err
	}
	logger.L().Info("token_refresh.ok", zap.Int64("account_id", tok.AccountID))
	return nil
}

// refreshAgainstIssuer posts the refresh_token grant and decodes the token
// response.
func (s *TokenRefreshService) refreshAgainstIssuer(ctx context.Context, refreshToken string) (*openai.TokenResponse, error) {
	var tokenResp openai.TokenResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", "codex-cli").
		SetFormDataFromValues(openai.BuildRefreshTokenRequest(refreshToken, s.clientID()).Values()).
		SetSuccessResult(&tokenResp).
		Post(openai.TokenURL(s.issuer()))
	if err != nil {
		return nil, fmt.Errorf("post token refresh: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode, Body: resp.String()}
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tokenResp, nil
}

// obtainAPIKey trades an id_token for an api_key access token usable
// against api.openai.com.
func (s *TokenRefreshService) obtainAPIKey(ctx context.Context, idToken string) (string, error) {
	exchange := &openai.APIKeyExchangeRequest{ClientID: s.clientID(), IDToken: idToken}
	var tokenResp openai.TokenResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", "codex-cli").
		SetFormDataFromValues(exchange.Values()).
		SetSuccessResult(&tokenResp).
		Post(openai.TokenURL(s.issuer()))
	if err != nil {
		return "", fmt.Errorf("post api key exchange: %w", err)
	}
	if !resp.IsSuccessState() {
		return "", &RefreshFailedError{StatusCode: resp.StatusCode, Body: resp.String()}
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return "", fmt.Errorf("api key exchange returned empty access_token")
	}
	return tokenResp.AccessToken, nil
}

// EnsureFresh returns a token whose access token is valid now, refreshing
// through singleflight when it is expired or about to expire. Concurrent
// requests on the same account share one refresh.
func (s *TokenRefreshService) EnsureFresh(ctx context.Context, tok *model.Token) (*model.Token, error) {
	if tok.AccessTokenExp == nil || *tok.AccessTokenExp > s.now().Unix() {
		return tok, nil
	}
	if !tok.EligibleForRefresh() {
		return tok, nil
	}
	key := fmt.Sprintf("refresh:%d", tok.AccountID)
	result, err, _ := s.sf.Do(key, func() (any, error) {
		if err := s.refreshOne(ctx, tok); err != nil {
			return nil, err
		}
		return s.store.GetToken(ctx, tok.AccountID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.Token), nil
}

// ResolveBearer picks the bearer for an upstream base: the ChatGPT backend
// takes the OAuth access token, the public API takes the exchanged api_key
// access token (falling back to the access token when no exchange
// succeeded yet).
func ResolveBearer(base string, tok *model.Token) string {
	if config.IsChatGPTBackendBase(base) {
		return tok.AccessToken
	}
	if strings.TrimSpace(tok.APIKeyAccessToken) != "" {
		return tok.APIKeyAccessToken
	}
	return tok.AccessToken
}
