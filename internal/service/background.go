package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

// KeepaliveService keeps one upstream session warm by touching the usage
// endpoint of the first active account. Expected idle errors are filtered
// down to DEBUG.
type KeepaliveService struct {
	store  *repository.Store
	poller *UsagePollerService
}

// NewKeepaliveService wires the keepalive tick.
func NewKeepaliveService(store *repository.Store, poller *UsagePollerService) *KeepaliveService {
	return &KeepaliveService{store: store, poller: poller}
}

// RunOnce performs one keepalive touch.
func (s *KeepaliveService) RunOnce(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, acct := range accounts {
		if !acct.IsActive() {
			continue
		}
		return s.poller.pollAccount(ctx, acct)
	}
	return ErrNoAvailableAccount
}

// BackgroundRunner drives the periodic loops on a cron scheduler.
type BackgroundRunner struct {
	cron      *cron.Cron
	cfg       *config.Config
	refresher *TokenRefreshService
	poller    *UsagePollerService
	keepalive *KeepaliveService
}

// NewBackgroundRunner wires the scheduler; Start registers the loops.
func NewBackgroundRunner(cfg *config.Config, refresher *TokenRefreshService, poller *UsagePollerService, keepalive *KeepaliveService) *BackgroundRunner {
	return &BackgroundRunner{
		cron:      cron.New(),
		cfg:       cfg,
		refresher: refresher,
		poller:    poller,
		keepalive: keepalive,
	}
}

// Start registers the three loops at their clamped intervals and begins
// ticking. Loop errors log and never stop the scheduler.
func (r *BackgroundRunner) Start(ctx context.Context) error {
	loops := []struct {
		name     string
		interval int
		run      func(context.Context) error
	}{
		{"token_refresh", r.cfg.TokenRefreshPollIntervalSecs, r.refresher.RunOnce},
		{"usage_poll", r.cfg.UsagePollIntervalSecs, r.poller.RunOnce},
		{"keepalive", r.cfg.KeepaliveIntervalSecs, r.runKeepalive},
	}
	for _, loop := range loops {
		loop := loop
		spec := fmt.Sprintf("@every %ds", loop.interval)
		if _, err := r.cron.AddFunc(spec, func() {
			if ctx.Err() != nil {
				return
			}
			if err := loop.run(ctx); err != nil && ctx.Err() == nil {
				logger.L().Warn("background.loop_failed",
					zap.String("loop", loop.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("register %s loop: %w", loop.name, err)
		}
	}
	r.cron.Start()
	return nil
}

func (r *BackgroundRunner) runKeepalive(ctx context.Context) error {
	err := r.keepalive.RunOnce(ctx)
	if IsKeepaliveErrorIgnorable(err) {
		if err != nil {
			logger.L().Debug("keepalive.idle", zap.Error(err))
		}
		return nil
	}
	return err
}

// Stop halts the scheduler and waits for running jobs.
func (r *BackgroundRunner) Stop() {
	<-r.cron.Stop().Done()
}
