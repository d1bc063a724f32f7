package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
)

// CooldownReason names why an account was put on ice.
type CooldownReason string

const (
	CooldownNetwork   CooldownReason = "network"
	CooldownChallenge CooldownReason = "challenge"
	CooldownStatus429 CooldownReason = "status_429"
	CooldownStatus5xx CooldownReason = "status_5xx"
	CooldownStatus404 CooldownReason = "status_404"
)

// Cooldown TTLs per reason.
const (
	cooldownNetworkTTL   = 30 * time.Second
	cooldownChallengeTTL = 300 * time.Second
	cooldownStatusTTL    = 60 * time.Second

	cooldownSweepInterval = 30 * time.Second
)

// TTL returns the cooldown duration for the reason.
func (r CooldownReason) TTL() time.Duration {
	switch r {
	case CooldownNetwork:
		return cooldownNetworkTTL
	case CooldownChallenge:
		return cooldownChallengeTTL
	default:
		return cooldownStatusTTL
	}
}

// CooldownReasonForStatus maps an HTTP status observed during failover onto
// a cooldown reason; ok is false for statuses that carry no cooldown.
func CooldownReasonForStatus(status int) (CooldownReason, bool) {
	switch {
	case status == 429:
		return CooldownStatus429, true
	case status == 404:
		return CooldownStatus404, true
	case status >= 500 && status <= 599:
		return CooldownStatus5xx, true
	default:
		return "", false
	}
}

type cooldownEntry struct {
	reason    CooldownReason
	expiresAt time.Time
}

// CooldownRegistry is the process-local per-account cooldown and in-flight
// bookkeeping. Purely advisory: losing it only costs routing quality, so a
// panicked critical section is recovered rather than propagated.
type CooldownRegistry struct {
	mu        sync.Mutex
	entries   map[int64]cooldownEntry
	inflight  map[int64]int
	lastSweep time.Time

	now func() time.Time
}

// NewCooldownRegistry builds an empty registry.
func NewCooldownRegistry() *CooldownRegistry {
	return &CooldownRegistry{
		entries:  make(map[int64]cooldownEntry),
		inflight: make(map[int64]int),
		now:      time.Now,
	}
}

// recover keeps the registry usable after a panic inside a critical section.
func (c *CooldownRegistry) recoverPoison() {
	if r := recover(); r != nil {
		logger.L().Warn("cooldown.lock_poisoned_recovered", zap.Any("panic", r))
	}
}

// Mark starts (or extends) a cooldown for the account.
func (c *CooldownRegistry) Mark(accountID int64, reason CooldownReason) {
	defer c.recoverPoison()
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[accountID] = cooldownEntry{reason: reason, expiresAt: now.Add(reason.TTL())}
	c.sweepLocked(now)
}

// InCooldown reports whether the account currently has an unexpired entry.
func (c *CooldownRegistry) InCooldown(accountID int64) bool {
	defer c.recoverPoison()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[accountID]
	if !ok {
		return false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, accountID)
		return false
	}
	return true
}

// Reason returns the active cooldown reason, if any.
func (c *CooldownRegistry) Reason(accountID int64) (CooldownReason, bool) {
	defer c.recoverPoison()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[accountID]
	if !ok || c.now().After(entry.expiresAt) {
		return "", false
	}
	return entry.reason, true
}

// Clear removes any cooldown for the account. Called on a 2xx success.
func (c *CooldownRegistry) Clear(accountID int64) {
	defer c.recoverPoison()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

// InflightInc increments the account's in-flight counter.
func (c *CooldownRegistry) InflightInc(accountID int64) {
	defer c.recoverPoison()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[accountID]++
}

// InflightDec decrements the account's in-flight counter, flooring at zero.
func (c *CooldownRegistry) InflightDec(accountID int64) {
	defer c.recoverPoison()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[accountID] > 0 {
		c.inflight[accountID]--
	}
	if c.inflight[accountID] == 0 {
		delete(c.inflight, accountID)
	}
}

// Inflight returns the current in-flight count for the account.
func (c *CooldownRegistry) Inflight(accountID int64) int {
	defer c.recoverPoison()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[accountID]
}

// sweepLocked drops expired entries at most once per sweep interval. Caller
// holds the mutex.
func (c *CooldownRegistry) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < cooldownSweepInterval {
		return
	}
	c.lastSweep = now
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}
