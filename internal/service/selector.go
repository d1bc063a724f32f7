package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

// Candidate is one attemptable (account, token) pair in selection order.
type Candidate struct {
	Account *model.Account
	Token   *model.Token

	// ManualPinned marks the head candidate placed there by the manual
	// pin; it is exempt from cooldown and inflight gating.
	ManualPinned bool
}

// SkipReason explains why the pipeline passed over a candidate.
type SkipReason string

const (
	SkipCooldown SkipReason = "cooldown"
	SkipInflight SkipReason = "inflight"
)

// CandidateSelector orders upstream accounts for one request.
type CandidateSelector struct {
	store *repository.Store
	state *GatewayState
	cfg   *config.Config
}

// NewCandidateSelector wires the selector.
func NewCandidateSelector(store *repository.Store, state *GatewayState, cfg *config.Config) *CandidateSelector {
	return &CandidateSelector{store: store, state: state, cfg: cfg}
}

// Select produces the ordered candidate list for a request on the given
// platform key. Returns ErrNoAvailableAccount when nothing is usable.
func (s *CandidateSelector) Select(ctx context.Context, key *model.APIKey, meta RequestMetadata) ([]Candidate, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	tokens, err := s.store.ListTokensByAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var active, inactive []Candidate
	for _, acct := range accounts {
		tok, ok := tokens[acct.ID]
		if !ok || !tok.EligibleForRefresh() {
			continue
		}
		c := Candidate{Account: acct, Token: tok}
		if acct.IsActive() {
			active = append(active, c)
		} else {
			inactive = append(inactive, c)
		}
	}
	// Inactive accounts are a last resort: used only when no active one
	// remains at all.
	candidates := active
	if len(candidates) == 0 {
		candidates = inactive
	}
	if len(candidates) == 0 {
		return nil, ErrNoAvailableAccount
	}

	if pin := s.state.ManualPin(); pin != 0 {
		if moved := moveToHead(candidates, pin); moved {
			candidates[0].ManualPinned = true
			return s.applyStrategyTail(candidates), nil
		}
	}

	hintKey := HintKey(key.ID, meta.Path, meta.Model)
	if hinted, ok := s.state.RouteHints.Lookup(hintKey); ok {
		if moveToHead(candidates, hinted) {
			logger.L().Debug("selector.route_hint_hit",
				zap.String("key_id", key.ID), zap.Int64("account_id", hinted))
			return s.applyStrategyTail(candidates), nil
		}
	}

	return s.applyStrategy(candidates), nil
}

// applyStrategy orders the full list per the configured strategy.
func (s *CandidateSelector) applyStrategy(candidates []Candidate) []Candidate {
	if s.cfg.RouteStrategy == config.RouteStrategyBalanced && len(candidates) > 1 {
		offset := int(s.state.NextRotation() % uint64(len(candidates)))
		rotated := make([]Candidate, 0, len(candidates))
		rotated = append(rotated, candidates[offset:]...)
		rotated = append(rotated, candidates[:offset]...)
		return rotated
	}
	return candidates
}

// applyStrategyTail keeps the pinned/hinted head and orders the remainder.
func (s *CandidateSelector) applyStrategyTail(candidates []Candidate) []Candidate {
	if len(candidates) <= 2 {
		return candidates
	}
	tail := s.applyStrategy(candidates[1:])
	return append(candidates[:1], tail...)
}

func moveToHead(candidates []Candidate, accountID int64) bool {
	for i, c := range candidates {
		if c.Account.ID == accountID {
			head := candidates[i]
			copy(candidates[1:i+1], candidates[:i])
			candidates[0] = head
			return true
		}
	}
	return false
}

// ShouldSkip decides whether the pipeline passes over this candidate.
// The last candidate is always attempted; a manually pinned head ignores
// both gates.
func (s *CandidateSelector) ShouldSkip(c Candidate, hasMore bool) (SkipReason, bool) {
	if c.ManualPinned || !hasMore {
		return "", false
	}
	if s.state.Cooldowns.InCooldown(c.Account.ID) {
		return SkipCooldown, true
	}
	if max := s.cfg.AccountMaxInflight; max > 0 && s.state.Cooldowns.Inflight(c.Account.ID) >= max {
		return SkipInflight, true
	}
	return "", false
}
