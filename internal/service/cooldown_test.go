package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCooldownReasonTTL(t *testing.T) {
	require.Equal(t, 30*time.Second, CooldownNetwork.TTL())
	require.Equal(t, 300*time.Second, CooldownChallenge.TTL())
	require.Equal(t, 60*time.Second, CooldownStatus429.TTL())
	require.Equal(t, 60*time.Second, CooldownStatus5xx.TTL())
	require.Equal(t, 60*time.Second, CooldownStatus404.TTL())
}

func TestCooldownReasonForStatus(t *testing.T) {
	reason, ok := CooldownReasonForStatus(429)
	require.True(t, ok)
	require.Equal(t, CooldownStatus429, reason)

	reason, ok = CooldownReasonForStatus(503)
	require.True(t, ok)
	require.Equal(t, CooldownStatus5xx, reason)

	reason, ok = CooldownReasonForStatus(404)
	require.True(t, ok)
	require.Equal(t, CooldownStatus404, reason)

	_, ok = CooldownReasonForStatus(200)
	require.False(t, ok)
	_, ok = CooldownReasonForStatus(400)
	require.False(t, ok)
}

func TestCooldownMarkExpireClear(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewCooldownRegistry()
	reg.now = func() time.Time { return now }

	require.False(t, reg.InCooldown(1))

	reg.Mark(1, CooldownNetwork)
	require.True(t, reg.InCooldown(1))
	reason, ok := reg.Reason(1)
	require.True(t, ok)
	require.Equal(t, CooldownNetwork, reason)

	// Still cooling just before the TTL, gone just after.
	now = now.Add(30 * time.Second)
	require.True(t, reg.InCooldown(1))
	now = now.Add(time.Second)
	require.False(t, reg.InCooldown(1))
	_, ok = reg.Reason(1)
	require.False(t, ok)

	// A later Mark overrides the previous reason and TTL.
	reg.Mark(2, CooldownStatus429)
	reg.Mark(2, CooldownChallenge)
	now = now.Add(120 * time.Second)
	reason, ok = reg.Reason(2)
	require.True(t, ok)
	require.Equal(t, CooldownChallenge, reason)

	reg.Clear(2)
	require.False(t, reg.InCooldown(2))
}

func TestCooldownInflightCounters(t *testing.T) {
	reg := NewCooldownRegistry()
	require.Zero(t, reg.Inflight(7))

	reg.InflightInc(7)
	reg.InflightInc(7)
	require.Equal(t, 2, reg.Inflight(7))

	reg.InflightDec(7)
	require.Equal(t, 1, reg.Inflight(7))
	reg.InflightDec(7)
	reg.InflightDec(7) // floors at zero
	require.Zero(t, reg.Inflight(7))
}

func TestCooldownSweepDropsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewCooldownRegistry()
	reg.now = func() time.Time { return now }

	reg.Mark(1, CooldownNetwork)   // expires at +30s
	reg.Mark(2, CooldownChallenge) // expires at +300s

	// Next Mark after the sweep interval prunes the expired entry without
	// touching the live one.
	now = now.Add(61 * time.Second)
	reg.Mark(3, CooldownStatus5xx)

	reg.mu.Lock()
	_, hasExpired := reg.entries[1]
	_, hasLive := reg.entries[2]
	reg.mu.Unlock()
	require.False(t, hasExpired)
	require.True(t, hasLive)
}
