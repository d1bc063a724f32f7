package service

import (
	"strings"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

// Availability is the routing classification derived from a usage snapshot.
type Availability string

const (
	AvailabilityUnknown           Availability = "unknown"
	AvailabilityUnavailable       Availability = "unavailable"
	AvailabilityPrimaryWindowOnly Availability = "primary_window_available_only"
	AvailabilityAvailable         Availability = "available"
)

// Status transition reasons emitted alongside account status changes.
const (
	ReasonUsageOK                 = "usage_ok"
	ReasonUsageExhaustedPrimary   = "usage_exhausted_primary"
	ReasonUsageExhaustedSecondary = "usage_exhausted_secondary"
	ReasonUsageMissingPrimary     = "usage_missing_primary"
	ReasonUsageMissingSecondary   = "usage_missing_secondary"
)

// ClassifyAvailability is a pure function of the snapshot fields.
//
// Rules: no primary window means the quota state is unknown; an exhausted
// window (either one, when complete) means unavailable; a fully absent
// secondary window means only the primary window is known good; a partially
// reported secondary window means unknown.
func ClassifyAvailability(s *model.UsageSnapshot) Availability {
	if s == nil || s.UsedPercent == nil {
		return AvailabilityUnknown
	}
	secondaryComplete := s.SecondaryUsedPercent != nil && s.SecondaryWindowMinutes != nil
	secondaryAbsent := s.SecondaryUsedPercent == nil && s.SecondaryWindowMinutes == nil

	if *s.UsedPercent >= 100 {
		return AvailabilityUnavailable
	}
	if secondaryComplete && *s.SecondaryUsedPercent >= 100 {
		return AvailabilityUnavailable
	}
	if secondaryAbsent {
		return AvailabilityPrimaryWindowOnly
	}
	if !secondaryComplete {
		return AvailabilityUnknown
	}
	return AvailabilityAvailable
}

// StatusTransitionFor maps a classification onto the target account status
// and the transition reason.
func StatusTransitionFor(s *model.UsageSnapshot) (status, reason string) {
	switch ClassifyAvailability(s) {
	case AvailabilityAvailable, AvailabilityPrimaryWindowOnly:
		return model.AccountStatusActive, ReasonUsageOK
	case AvailabilityUnavailable:
		if s.UsedPercent != nil && *s.UsedPercent >= 100 {
			return model.AccountStatusInactive, ReasonUsageExhaustedPrimary
		}
		return model.AccountStatusInactive, ReasonUsageExhaustedSecondary
	default:
		if s == nil || s.UsedPercent == nil {
			return model.AccountStatusInactive, ReasonUsageMissingPrimary
		}
		return model.AccountStatusInactive, ReasonUsageMissingSecondary
	}
}

// UsageEndpoint resolves the usage URL for an upstream base. The ChatGPT
// hosts get /backend-api appended when missing; bases already under
// /backend-api use the wham endpoint, anything else the api/codex one.
func UsageEndpoint(base string) string {
	b := strings.TrimSuffix(strings.TrimSpace(base), "/")
	lower := strings.ToLower(b)
	if (strings.Contains(lower, "chatgpt.com") || strings.Contains(lower, "chat.openai.com")) &&
		!strings.Contains(lower, "/backend-api") {
		b += "/backend-api"
		lower += "/backend-api"
	}
	if strings.Contains(lower, "/backend-api") {
		return b + "/wham/usage"
	}
	return b + "/api/codex/usage"
}
