package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

func TestIsKeepaliveErrorIgnorable(t *testing.T) {
	require.True(t, IsKeepaliveErrorIgnorable(nil))
	require.True(t, IsKeepaliveErrorIgnorable(ErrNoAvailableAccount))
	require.True(t, IsKeepaliveErrorIgnorable(ErrStorageUnavailable))
	require.True(t, IsKeepaliveErrorIgnorable(errors.New("wrapped: no available account")))
	require.False(t, IsKeepaliveErrorIgnorable(errors.New("connection reset")))
}

func TestKeepaliveRunOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rate_limit":{"primary_window":{"used_percent":1.0,"limit_window_seconds":18000}}}`))
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
	keepalive := NewKeepaliveService(store, poller)

	ctx := context.Background()

	// No accounts yet: the idle error is the expected signal.
	require.ErrorIs(t, keepalive.RunOnce(ctx), ErrNoAvailableAccount)

	id := seedCandidate(t, store, "a", 0)
	require.NoError(t, keepalive.RunOnce(ctx))

	snap, err := store.LatestUsageSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1.0, *snap.UsedPercent)
}
