package service

import (
	"net/http"
	"strings"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

// OutcomeKind is the pipeline's decision after classifying a response.
type OutcomeKind int

const (
	// OutcomeRespondUpstream streams the upstream response back verbatim.
	OutcomeRespondUpstream OutcomeKind = iota
	// OutcomeFailover abandons this candidate and tries the next.
	OutcomeFailover
	// OutcomeTerminal returns a canned gateway error.
	OutcomeTerminal
)

// Outcome carries the decision plus any cooldown to apply.
type Outcome struct {
	Kind           OutcomeKind
	CooldownReason CooldownReason
	HasCooldown    bool
	Terminal       *GatewayError
	// RefreshUsage asks the poller for an out-of-band usage refresh of the
	// account that produced this response.
	RefreshUsage bool
}

var cloudflareMarkers = []string{
	"cloudflare",
	"cf-ray",
	"attention required!",
	"just a moment",
	"challenge-platform",
	"cf_chl_",
}

// IsChallengeResponse detects a WAF interception rather than a normal API
// error: explicit cf-mitigated header, HTML markers in the body, or an HTML
// content type on a JSON endpoint with a block-class status.
func IsChallengeResponse(status int, contentType string, header http.Header, bodySnippet []byte) bool {
	if header.Get("cf-mitigated") != "" {
		return true
	}
	lowerCT := strings.ToLower(contentType)
	if strings.HasPrefix(lowerCT, "text/html") && (status == 403 || status == 503) {
		return true
	}
	if len(bodySnippet) > 0 && strings.HasPrefix(lowerCT, "text/html") {
		lower := strings.ToLower(string(bodySnippet))
		for _, marker := range cloudflareMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// ClassifierInput is what outcome classification needs from a response.
type ClassifierInput struct {
	Status      int
	ContentType string
	Header      http.Header
	BodySnippet []byte

	HasMoreCandidates bool
	// Snapshot is the cached usage snapshot for the account, nil when none.
	Snapshot *model.UsageSnapshot
}

// ClassifyOutcome applies the decision rules in order.
func ClassifyOutcome(in ClassifierInput) Outcome {
	switch {
	case in.Status >= 200 && in.Status < 300:
		return Outcome{Kind: OutcomeRespondUpstream}

	case in.Status == 429:
		return Outcome{Kind: OutcomeRespondUpstream, HasCooldown: true, CooldownReason: CooldownStatus429}

	case in.Status >= 500 && in.Status <= 599 && !IsChallengeResponse(in.Status, in.ContentType, in.Header, in.BodySnippet):
		return Outcome{Kind: OutcomeRespondUpstream, HasCooldown: true, CooldownReason: CooldownStatus5xx}

	case in.Status == 404:
		if in.HasMoreCandidates {
			return Outcome{Kind: OutcomeFailover, HasCooldown: true, CooldownReason: CooldownStatus404}
		}
		return Outcome{Kind: OutcomeRespondUpstream}
	}

	if IsChallengeResponse(in.Status, in.ContentType, in.Header, in.BodySnippet) {
		out := Outcome{HasCooldown: true, CooldownReason: CooldownChallenge}
		if in.HasMoreCandidates {
			out.Kind = OutcomeFailover
		} else {
			out.Kind = OutcomeTerminal
			out.Terminal = ErrChallengeBlocked()
		}
		return out
	}

	// Unclassified non-2xx: consult the cached quota state and ask for a
	// fresh usage poll either way.
	out := Outcome{Kind: OutcomeRespondUpstream, RefreshUsage: true}
	if ClassifyAvailability(in.Snapshot) == AvailabilityUnavailable {
		out.HasCooldown = true
		out.CooldownReason = CooldownStatus5xx
		if in.HasMoreCandidates {
			out.Kind = OutcomeFailover
		}
	}
	return out
}
