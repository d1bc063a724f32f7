package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

func TestParseUsageSnapshot(t *testing.T) {
	body := []byte(`{
		"rate_limit": {
			"primary_window": {"used_percent": 42.5, "limit_window_seconds": 18000, "resets_at": 1700000000},
			"secondary_window": {"used_percent": 3.0, "limit_window_seconds": 604800}
		},
		"credits": {"balance": 12.5}
	}`)

	snap := ParseUsageSnapshot(7, body)
	require.Equal(t, int64(7), snap.AccountID)
	require.Equal(t, 42.5, *snap.UsedPercent)
	require.Equal(t, int64(300), *snap.WindowMinutes)
	require.Equal(t, int64(1700000000), *snap.ResetsAt)
	require.Equal(t, 3.0, *snap.SecondaryUsedPercent)
	require.Equal(t, int64(10080), *snap.SecondaryWindowMinutes)
	require.Nil(t, snap.SecondaryResetsAt)
	require.JSONEq(t, `{"balance": 12.5}`, snap.CreditsJSON)

	// Seconds round up to whole minutes.
	snap = ParseUsageSnapshot(1, []byte(`{"rate_limit":{"primary_window":{"used_percent":1,"limit_window_seconds":61}}}`))
	require.Equal(t, int64(2), *snap.WindowMinutes)

	// Missing windows stay nil rather than zero.
	snap = ParseUsageSnapshot(1, []byte(`{}`))
	require.Nil(t, snap.UsedPercent)
	require.Nil(t, snap.SecondaryUsedPercent)
	require.Empty(t, snap.CreditsJSON)

	snap = ParseUsageSnapshot(1, []byte("not json"))
	require.Nil(t, snap.UsedPercent)
}

func TestPollAccountPersistsSnapshotAndFlipsStatus(t *testing.T) {
	var gotAuth, gotAccountHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccountHeader = r.Header.Get("ChatGPT-Account-Id")
		require.Equal(t, "/api/codex/usage", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rate_limit":{"primary_window":{"used_percent":100.0,"limit_window_seconds":18000}}}`))
	}))
	defer upstream.Close()

	db, err := repository.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewStore(db)

	cfg := &config.Config{
		UpstreamBaseURL:                upstream.URL,
		UsageSnapshotsRetainPerAccount: 5,
	}
	refresher := NewTokenRefreshService(store, cfg)
	poller := NewUsagePollerService(store, cfg, refresher)
	defer poller.Stop()

	ctx := context.Background()
	id := seedCandidate(t, store, "acct-x", 0)
	acct, err := store.GetAccount(ctx, id)
	require.NoError(t, err)

	require.NoError(t, poller.pollAccount(ctx, acct))

	require.Equal(t, "Bearer at-acct-x", gotAuth)
	require.Equal(t, "acct-x", gotAccountHeader)

	snap, err := store.LatestUsageSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 100.0, *snap.UsedPercent)

	acct, err = store.GetAccount(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.AccountStatusInactive, acct.Status)
}

func TestRunOncePollsAllAccounts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rate_limit":{"primary_window":{"used_percent":5.0,"limit_window_seconds":18000}}}`))
	}))
	defer upstream.Close()

	db, err := repository.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewStore(db)

	cfg := &config.Config{
		UpstreamBaseURL:                upstream.URL,
		UsageSnapshotsRetainPerAccount: 5,
	}
	poller := NewUsagePollerService(store, cfg, NewTokenRefreshService(store, cfg))
	defer poller.Stop()

	ctx := context.Background()
	a := seedCandidate(t, store, "a", 0)
	b := seedCandidate(t, store, "b", 1)

	require.NoError(t, poller.RunOnce(ctx))

	for _, id := range []int64{a, b} {
		snap, err := store.LatestUsageSnapshot(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 5.0, *snap.UsedPercent)
	}
}
