package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

const usagePollWorkers = 4

// UsagePollerService fetches per-account quota usage, persists snapshots,
// and drives account status transitions from the availability
// classification.
type UsagePollerService struct {
	store     *repository.Store
	cfg       *config.Config
	refresher *TokenRefreshService
	client    *req.Client
	pool      pond.Pool

	now func() time.Time
}

// NewUsagePollerService wires the poller with a small worker pool for
// batched refreshes.
func NewUsagePollerService(store *repository.Store, cfg *config.Config, refresher *TokenRefreshService) *UsagePollerService {
	return &UsagePollerService{
		store:     store,
		cfg:       cfg,
		refresher: refresher,
		client:    req.C().SetTimeout(issuerTotalTimeout),
		pool:      pond.NewPool(usagePollWorkers),
		now:       time.Now,
	}
}

// RunOnce polls usage for every account, fanning out over the worker pool.
func (s *UsagePollerService) RunOnce(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	group := s.pool.NewGroup()
	for _, acct := range accounts {
		acct := acct
		group.Submit(func() {
			if err := s.pollAccount(ctx, acct); err != nil {
				logger.L().Warn("usage_poll.account_failed",
					zap.Int64("account_id", acct.ID), zap.Error(err))
			}
		})
	}
	group.Wait()
	return nil
}

// RefreshAccountAsync schedules an out-of-band usage refresh for one
// account, used after an unclassified upstream failure.
func (s *UsagePollerService) RefreshAccountAsync(accountID int64) {
	s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), issuerTotalTimeout)
		defer cancel()
		acct, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			logger.L().Debug("usage_poll.refresh_lookup_failed",
				zap.Int64("account_id", accountID), zap.Error(err))
			return
		}
		if err := s.pollAccount(ctx, acct); err != nil {
			logger.L().Warn("usage_poll.refresh_failed",
				zap.Int64("account_id", accountID), zap.Error(err))
		}
	})
}

// pollAccount fetches, persists, and classifies one account's usage.
func (s *UsagePollerService) pollAccount(ctx context.Context, acct *model.Account) error {
	tok, err := s.store.GetToken(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	tok, err = s.refresher.EnsureFresh(ctx, tok)
	if err != nil {
		return fmt.Errorf("ensure fresh token: %w", err)
	}

	body, err := s.fetchUsage(ctx, acct, tok)
	if err != nil {
		// Unreachable usage endpoints do not flip account status; quota
		// state simply stays stale.
		return err
	}

	snapshot := ParseUsageSnapshot(acct.ID, body)
	if _, err := s.store.InsertUsageSnapshot(ctx, snapshot); err != nil {
		return err
	}
	if err := s.store.PruneUsageSnapshotsForAccount(ctx, acct.ID, s.cfg.UsageSnapshotsRetainPerAccount); err != nil {
		logger.L().Warn("usage_poll.prune_failed", zap.Int64("account_id", acct.ID), zap.Error(err))
	}

	status, reason := StatusTransitionFor(snapshot)
	changed, err := s.store.UpdateAccountStatusIfChanged(ctx, acct.ID, status)
	if err != nil {
		return err
	}
	if changed {
		logger.L().Info("usage_poll.status_changed",
			zap.Int64("account_id", acct.ID),
			zap.String("status", status),
			zap.String("reason", reason))
	}
	return nil
}

// fetchUsage issues the authenticated usage GET for one account.
func (s *UsagePollerService) fetchUsage(ctx context.Context, acct *model.Account, tok *model.Token) ([]byte, error) {
	r := s.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+tok.AccessToken).
		SetHeader("User-Agent", "codex-cli")
	if id := acct.UpstreamAccountID(); strings.TrimSpace(id) != "" {
		r.SetHeader("ChatGPT-Account-Id", id)
	}
	resp, err := r.Get(UsageEndpoint(s.cfg.UpstreamBaseURL))
	if err != nil {
		return nil, fmt.Errorf("fetch usage: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("fetch usage: status %d, body: %s", resp.StatusCode, resp.String())
	}
	return resp.Bytes(), nil
}

// ParseUsageSnapshot extracts the quota windows from a usage response body.
// Missing fields stay nil so the availability classifier can tell absent
// from zero.
func ParseUsageSnapshot(accountID int64, body []byte) *model.UsageSnapshot {
	snapshot := &model.UsageSnapshot{AccountID: accountID}
	parsed := gjson.ParseBytes(body)

	readWindow(parsed.Get("rate_limit.primary_window"),
		&snapshot.UsedPercent, &snapshot.WindowMinutes, &snapshot.ResetsAt)
	readWindow(parsed.Get("rate_limit.secondary_window"),
		&snapshot.SecondaryUsedPercent, &snapshot.SecondaryWindowMinutes, &snapshot.SecondaryResetsAt)

	if credits := parsed.Get("credits"); credits.Exists() && credits.Type != gjson.Null {
		snapshot.CreditsJSON = credits.Raw
	}
	return snapshot
}

func readWindow(window gjson.Result, usedPercent **float64, windowMinutes, resetsAt **int64) {
	if !window.Exists() {
		return
	}
	if v := window.Get("used_percent"); v.Exists() {
		f := v.Float()
		*usedPercent = &f
	}
	if v := window.Get("limit_window_seconds"); v.Exists() {
		minutes := (v.Int() + 59) / 60
		*windowMinutes = &minutes
	}
	if v := window.Get("resets_at"); v.Exists() {
		ts := v.Int()
		*resetsAt = &ts
	}
}

// Stop drains the worker pool on shutdown.
func (s *UsagePollerService) Stop() {
	s.pool.StopAndWait()
}
