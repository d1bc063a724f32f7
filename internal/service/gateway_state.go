package service

import (
	"sync"
	"sync/atomic"
)

// GatewayState holds the process-local advisory routing state: cooldowns,
// in-flight counters, sticky route hints, the manual account pin, and the
// per-account fresh-client cells. It is constructed explicitly and passed to
// the components that need it; tests build a fresh state each.
type GatewayState struct {
	Cooldowns  *CooldownRegistry
	RouteHints *RouteHintCache

	manualPin atomic.Int64 // 0 = unset

	rotation atomic.Uint64 // balanced-strategy rotation counter

	skippedCandidates atomic.Uint64
	failoverAttempts  atomic.Uint64

	freshClientsMu sync.Mutex
	freshClients   map[int64]*freshClientCell
}

// NewGatewayState builds an empty state.
func NewGatewayState() *GatewayState {
	return &GatewayState{
		Cooldowns:    NewCooldownRegistry(),
		RouteHints:   NewRouteHintCache(),
		freshClients: make(map[int64]*freshClientCell),
	}
}

// SetManualPin pins all routing to one account until cleared. id 0 clears.
func (g *GatewayState) SetManualPin(accountID int64) {
	g.manualPin.Store(accountID)
}

// ManualPin returns the pinned account id, 0 when unset.
func (g *GatewayState) ManualPin() int64 {
	return g.manualPin.Load()
}

// ClearManualPinIf clears the pin only when it still points at accountID.
// Used when a pinned account genuinely failed an attempt.
func (g *GatewayState) ClearManualPinIf(accountID int64) {
	g.manualPin.CompareAndSwap(accountID, 0)
}

// NextRotation advances and returns the balanced-strategy counter.
func (g *GatewayState) NextRotation() uint64 {
	return g.rotation.Add(1)
}

// NoteCandidateSkipped tallies a candidate passed over by a routing gate.
func (g *GatewayState) NoteCandidateSkipped() uint64 {
	return g.skippedCandidates.Add(1)
}

// NoteFailover tallies a failed attempt that moved on to the next candidate.
func (g *GatewayState) NoteFailover() uint64 {
	return g.failoverAttempts.Add(1)
}

// RoutingStats returns the lifetime skip and failover tallies.
func (g *GatewayState) RoutingStats() (skipped, failovers uint64) {
	return g.skippedCandidates.Load(), g.failoverAttempts.Load()
}

func (g *GatewayState) freshClientCell(accountID int64) *freshClientCell {
	g.freshClientsMu.Lock()
	defer g.freshClientsMu.Unlock()
	cell, ok := g.freshClients[accountID]
	if !ok {
		cell = &freshClientCell{}
		g.freshClients[accountID] = cell
	}
	return cell
}
