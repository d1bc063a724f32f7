package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

// Retry backoff windows.
const (
	altRetryMinDelay = 40 * time.Millisecond
	altRetryMaxDelay = 200 * time.Millisecond

	statelessRetry403MinDelay = 120 * time.Millisecond
	statelessRetry403MaxDelay = 900 * time.Millisecond

	secondAltRetryMinDelay = 80 * time.Millisecond
	secondAltRetryMaxDelay = 500 * time.Millisecond
)

// challengeSnippetLimit bounds how much of an HTML body is read for
// challenge detection before streaming the rest.
const challengeSnippetLimit = 4 << 10

func retryJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}

// ForwardRequest is one adapted request entering the attempt pipeline.
type ForwardRequest struct {
	Key            *model.APIKey
	Method         string
	Path           string
	Body           []byte
	IncomingHeader http.Header
	Meta           RequestMetadata
}

// ForwardResult is a response to stream back to the client.
type ForwardResult struct {
	Status int
	Header http.Header
	Body   io.ReadCloser

	AccountID    int64
	UpstreamURL  string
	Streamed     bool
	ErrorMessage string // last non-2xx message, empty on success
}

// GatewayService runs the candidate loop: primary attempt, alt-path retry,
// stateless retry, public-API fallback, outcome classification, failover.
type GatewayService struct {
	cfg       *config.Config
	store     *repository.Store
	state     *GatewayState
	selector  *CandidateSelector
	clients   *UpstreamClientPool
	refresher *TokenRefreshService
	usage     *UsagePollerService
}

// NewGatewayService wires the pipeline.
func NewGatewayService(
	cfg *config.Config,
	store *repository.Store,
	state *GatewayState,
	selector *CandidateSelector,
	clients *UpstreamClientPool,
	refresher *TokenRefreshService,
	usage *UsagePollerService,
) *GatewayService {
	return &GatewayService{
		cfg:       cfg,
		store:     store,
		state:     state,
		selector:  selector,
		clients:   clients,
		refresher: refresher,
		usage:     usage,
	}
}

func (g *GatewayService) upstreamBase(key *model.APIKey) string {
	if strings.TrimSpace(key.UpstreamBaseURL) != "" {
		return key.UpstreamBaseURL
	}
	return g.cfg.UpstreamBaseURL
}

// Forward runs the full candidate loop. A *GatewayError return is terminal
// and already shaped for the client.
func (g *GatewayService) Forward(ctx context.Context, fr *ForwardRequest) (*ForwardResult, error) {
	candidates, err := g.selector.Select(ctx, fr.Key, fr.Meta)
	if err != nil {
		if errors.Is(err, ErrNoAvailableAccount) {
			return nil, ErrBadGateway("no available account")
		}
		return nil, ErrBadGateway(err.Error())
	}

	var lastErr error
	for i, candidate := range candidates {
		hasMore := i < len(candidates)-1
		if reason, skip := g.selector.ShouldSkip(candidate, hasMore); skip {
			logger.L().Debug("gateway.candidate_skipped",
				zap.Int64("account_id", candidate.Account.ID),
				zap.String("reason", string(reason)),
				zap.Uint64("skipped_total", g.state.NoteCandidateSkipped()))
			continue
		}

		result, err := g.attemptCandidate(ctx, fr, candidate, hasMore)
		if err == nil {
			return result, nil
		}

		var failover *UpstreamFailoverError
		if errors.As(err, &failover) {
			if candidate.ManualPinned {
				g.state.ClearManualPinIf(candidate.Account.ID)
			}
			lastErr = err
			logger.L().Warn("gateway.failover",
				zap.Int64("account_id", candidate.Account.ID),
				zap.Int("status", failover.StatusCode),
				zap.String("reason", string(failover.Reason)),
				zap.Uint64("failover_total", g.state.NoteFailover()))
			continue
		}
		// Terminal.
		if candidate.ManualPinned {
			g.state.ClearManualPinIf(candidate.Account.ID)
		}
		return nil, err
	}

	if lastErr != nil {
		var failover *UpstreamFailoverError
		if errors.As(lastErr, &failover) && failover.Reason == CooldownChallenge {
			return nil, ErrChallengeBlocked()
		}
		return nil, ErrBadGateway("all upstream accounts failed")
	}
	return nil, ErrBadGateway("no available account")
}

// attemptCandidate runs one candidate's full retry schedule. Returns an
// *UpstreamFailoverError to continue the loop, a *GatewayError to stop, or
// a result to respond with.
func (g *GatewayService) attemptCandidate(ctx context.Context, fr *ForwardRequest, candidate Candidate, hasMore bool) (*ForwardResult, error) {
	accountID := candidate.Account.ID
	g.state.Cooldowns.InflightInc(accountID)
	defer g.state.Cooldowns.InflightDec(accountID)

	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout := g.attemptTimeout(fr.Meta.IsStream); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tok, err := g.refresher.EnsureFresh(attemptCtx, candidate.Token)
	if err != nil {
		return nil, &UpstreamFailoverError{
			AccountID: accountID, Reason: CooldownNetwork,
			Message: "token refresh failed: " + err.Error(),
		}
	}

	base := g.upstreamBase(fr.Key)
	primaryURL, altURL := ComputeUpstreamURL(base, fr.Path)
	bearer := ResolveBearer(base, tok)

	headers := BuildCodexUpstreamHeaders(HeaderProfileInput{
		Key:                  fr.Key,
		Account:              candidate.Account,
		Incoming:             fr.IncomingHeader,
		AuthToken:            bearer,
		Cookie:               g.upstreamCookie(),
		StripSessionAffinity: g.cfg.StripSessionAffinity,
		PromptCacheKey:       fr.Meta.PromptCacheKey,
	})
	FilterIncomingForwardHeaders(headers, fr.IncomingHeader)

	resp, usedURL, err := g.runRetrySchedule(attemptCtx, fr, accountID, primaryURL, altURL, headers, tok)
	if err != nil {
		return nil, g.sendFailure(attemptCtx, accountID, usedURL, hasMore, err)
	}

	return g.finishAttempt(attemptCtx, fr, candidate, resp, usedURL, hasMore)
}

func (g *GatewayService) attemptTimeout(isStream bool) time.Duration {
	if isStream {
		return time.Duration(g.cfg.StreamTimeoutSecs) * time.Second // 0 = unbounded
	}
	return time.Duration(g.cfg.RequestTimeoutSecs) * time.Second
}

func (g *GatewayService) upstreamCookie() string {
	if g.cfg.CPANoCookieHeaderMode {
		return ""
	}
	return g.cfg.UpstreamCookie
}

// sendFailure maps a transport-level failure onto failover or terminal.
func (g *GatewayService) sendFailure(ctx context.Context, accountID int64, url string, hasMore bool, err error) error {
	if ctx.Err() != nil {
		return ErrGatewayTimeout("upstream request deadline exceeded")
	}
	g.state.Cooldowns.Mark(accountID, CooldownNetwork)
	if hasMore {
		return &UpstreamFailoverError{
			AccountID: accountID, Reason: CooldownNetwork,
			Message: err.Error(),
		}
	}
	logger.L().Warn("gateway.upstream_network_error",
		zap.Int64("account_id", accountID), zap.String("url", url), zap.Error(err))
	return ErrBadGateway("upstream network error: " + err.Error())
}

// runRetrySchedule performs the primary attempt plus the in-candidate
// retries: alt-path on 400/404, stateless on 401/403/404, a second alt
// after the stateless retry, then the public-API fallback.
func (g *GatewayService) runRetrySchedule(ctx context.Context, fr *ForwardRequest, accountID int64, primaryURL, altURL string, headers http.Header, tok *model.Token) (*http.Response, string, error) {
	resp, err := g.send(ctx, accountID, fr.Method, primaryURL, headers, fr.Body)
	usedURL := primaryURL
	if err != nil {
		return nil, usedURL, err
	}

	// Alt-path retry: the Codex backend accepts some paths in two
	// spellings; a 400/404 on the primary spelling gets one shot at the
	// alternate.
	if (resp.StatusCode == 400 || resp.StatusCode == 404) && altURL != "" {
		drainAndClose(resp)
		if err := g.sleepWithin(ctx, retryJitter(altRetryMinDelay, altRetryMaxDelay)); err != nil {
			return nil, usedURL, err
		}
		resp, err = g.send(ctx, accountID, fr.Method, altURL, headers, fr.Body)
		usedURL = altURL
		if err != nil {
			return nil, usedURL, err
		}
		altURL = ""
	}

	if g.statelessRetryEligible(resp.StatusCode) {
		drainAndClose(resp)
		if resp.StatusCode == 403 {
			if err := g.sleepWithin(ctx, retryJitter(statelessRetry403MinDelay, statelessRetry403MaxDelay)); err != nil {
				return nil, usedURL, err
			}
		}
		stateless := StripAffinityHeaders(headers)
		resp, err = g.send(ctx, accountID, fr.Method, usedURL, stateless, fr.Body)
		if err != nil {
			return nil, usedURL, err
		}
		if (resp.StatusCode == 400 || resp.StatusCode == 404) && altURL != "" {
			drainAndClose(resp)
			if err := g.sleepWithin(ctx, retryJitter(secondAltRetryMinDelay, secondAltRetryMaxDelay)); err != nil {
				return nil, usedURL, err
			}
			resp, err = g.send(ctx, accountID, fr.Method, altURL, stateless, fr.Body)
			usedURL = altURL
			if err != nil {
				return nil, usedURL, err
			}
		}
	}

	if fallbackResp, fallbackURL, ok := g.tryOpenAIFallback(ctx, fr, accountID, resp, tok); ok {
		drainAndClose(resp)
		resp = fallbackResp
		usedURL = fallbackURL
	}
	return resp, usedURL, nil
}

// statelessRetryEligible applies the retry gating knobs.
func (g *GatewayService) statelessRetryEligible(status int) bool {
	if g.cfg.DisableStatelessRetry {
		return false
	}
	if g.cfg.StripSessionAffinity {
		// Affinity is already stripped; only a challenge-class 403 is
		// worth a second shot, and only when allowed.
		return status == 403 && g.cfg.ChallengeStatelessRetry
	}
	return status == 401 || status == 403 || status == 404
}

// tryOpenAIFallback resends against the public API when the ChatGPT
// backend response looks challenge- or quota-blocked. Never for /v1/models.
func (g *GatewayService) tryOpenAIFallback(ctx context.Context, fr *ForwardRequest, accountID int64, resp *http.Response, tok *model.Token) (*http.Response, string, bool) {
	base := g.upstreamBase(fr.Key)
	if !config.IsChatGPTBackendBase(base) {
		return nil, "", false
	}
	fallbackBase := g.cfg.UpstreamFallbackBaseURL
	if fallbackBase == "" {
		return nil, "", false
	}
	if strings.HasPrefix(fr.Path, "/v1/models") {
		return nil, "", false
	}

	contentType := resp.Header.Get("Content-Type")
	challenge := strings.HasPrefix(strings.ToLower(contentType), "text/html") ||
		resp.Header.Get("cf-mitigated") != ""
	quotaBlocked := resp.StatusCode == 429
	authBlocked := (resp.StatusCode == 401 || resp.StatusCode == 403) && fr.Path == "/v1/responses"
	if !challenge && !quotaBlocked && !authBlocked {
		return nil, "", false
	}

	apiKey := strings.TrimSpace(tok.APIKeyAccessToken)
	if apiKey == "" {
		return nil, "", false
	}

	fallbackURL, _ := ComputeUpstreamURL(fallbackBase, fr.Path)
	headers := fr.IncomingHeader.Clone()
	fallbackHeaders := http.Header{}
	fallbackHeaders.Set("Authorization", "Bearer "+apiKey)
	fallbackHeaders.Set("User-Agent", "codex-cli")
	if ct := headers.Get("Content-Type"); ct != "" {
		fallbackHeaders.Set("Content-Type", ct)
	}
	if accept := headers.Get("Accept"); accept != "" {
		fallbackHeaders.Set("Accept", accept)
	}

	fallbackResp, err := g.send(ctx, accountID, fr.Method, fallbackURL, fallbackHeaders, fr.Body)
	if err != nil {
		logger.L().Warn("gateway.fallback_failed",
			zap.Int64("account_id", accountID), zap.Error(err))
		return nil, "", false
	}
	logger.L().Info("gateway.fallback_used",
		zap.Int64("account_id", accountID),
		zap.Int("primary_status", resp.StatusCode),
		zap.Int("fallback_status", fallbackResp.StatusCode))
	return fallbackResp, fallbackURL, true
}

// send issues one upstream HTTP attempt, falling back to the account's
// fresh client when the pooled one hits a network error (a proxy enabled
// after process start leaves the pooled transport stale).
func (g *GatewayService) send(ctx context.Context, accountID int64, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	resp, err := g.sendWith(ctx, g.clients.Shared(), method, url, headers, body)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}
	resp, err = g.sendWith(ctx, g.clients.Fresh(accountID), method, url, headers, body)
	if err != nil && ctx.Err() == nil {
		// Both clients failed; swap the fresh one so the next attempt
		// re-reads the proxy environment.
		g.clients.Rebuild(accountID)
	}
	return resp, err
}

func (g *GatewayService) sendWith(ctx context.Context, client *http.Client, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	return client.Do(req)
}

// sleepWithin sleeps unless the deadline expires first.
func (g *GatewayService) sleepWithin(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishAttempt classifies the final response of this candidate's schedule
// and applies the side effects.
func (g *GatewayService) finishAttempt(ctx context.Context, fr *ForwardRequest, candidate Candidate, resp *http.Response, usedURL string, hasMore bool) (*ForwardResult, error) {
	accountID := candidate.Account.ID
	contentType := resp.Header.Get("Content-Type")

	var snippet []byte
	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		snippet = peekBody(resp, challengeSnippetLimit)
	}

	var snapshot *model.UsageSnapshot
	if resp.StatusCode >= 300 {
		if snap, err := g.store.LatestUsageSnapshot(ctx, accountID); err == nil {
			snapshot = snap
		}
	}

	outcome := ClassifyOutcome(ClassifierInput{
		Status:            resp.StatusCode,
		ContentType:       contentType,
		Header:            resp.Header,
		BodySnippet:       snippet,
		HasMoreCandidates: hasMore,
		Snapshot:          snapshot,
	})

	if outcome.HasCooldown {
		g.state.Cooldowns.Mark(accountID, outcome.CooldownReason)
	}
	if outcome.RefreshUsage {
		g.usage.RefreshAccountAsync(accountID)
	}

	switch outcome.Kind {
	case OutcomeFailover:
		drainAndClose(resp)
		return nil, &UpstreamFailoverError{
			AccountID:  accountID,
			StatusCode: resp.StatusCode,
			Reason:     outcome.CooldownReason,
			Message:    "upstream status " + resp.Status,
		}
	case OutcomeTerminal:
		drainAndClose(resp)
		return nil, outcome.Terminal
	}

	result := &ForwardResult{
		Status:      resp.StatusCode,
		Header:      resp.Header,
		Body:        resp.Body,
		AccountID:   accountID,
		UpstreamURL: usedURL,
		Streamed:    strings.HasPrefix(strings.ToLower(contentType), "text/event-stream"),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		g.state.Cooldowns.Clear(accountID)
		g.state.RouteHints.Remember(HintKey(fr.Key.ID, fr.Meta.Path, fr.Meta.Model), accountID)
	} else {
		result.ErrorMessage = "upstream status " + resp.Status
	}
	return result, nil
}

// peekBody reads up to limit bytes for classification and splices them back
// so the client still receives the full body.
func peekBody(resp *http.Response, limit int64) []byte {
	snippet, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(snippet))
		return snippet
	}
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(snippet), rest), rest}
	return snippet
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
