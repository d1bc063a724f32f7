// Package service implements the gateway core: candidate selection, the
// upstream attempt pipeline, cooldown and route-hint state, token refresh
// scheduling, usage polling, and request recording.
package service

import (
	"errors"
	"fmt"
	"strings"
)

// TerminalChallengeMessage is the diagnostic returned when every candidate
// was blocked by the upstream WAF.
const TerminalChallengeMessage = "upstream blocked by Cloudflare/WAF; please refresh account auth or configure CODEXMANAGER_UPSTREAM_COOKIE"

// GatewayError is a client-facing error with a fixed HTTP status. It renders
// as OpenAI-shaped JSON on the front surface.
type GatewayError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Constructors for the local error kinds.
func ErrBadRequest(msg string) *GatewayError {
	return &GatewayError{StatusCode: 400, Type: "invalid_request_error", Message: msg}
}

func ErrUnauthorized(msg string) *GatewayError {
	return &GatewayError{StatusCode: 401, Type: "authentication_error", Message: msg}
}

func ErrForbidden(msg string) *GatewayError {
	return &GatewayError{StatusCode: 403, Type: "permission_error", Message: msg}
}

func ErrPayloadTooLarge(msg string) *GatewayError {
	return &GatewayError{StatusCode: 413, Type: "invalid_request_error", Message: msg}
}

func ErrMethodNotAllowed(msg string) *GatewayError {
	return &GatewayError{StatusCode: 405, Type: "invalid_request_error", Message: msg}
}

func ErrBadGateway(msg string) *GatewayError {
	return &GatewayError{StatusCode: 502, Type: "upstream_error", Message: msg}
}

func ErrGatewayTimeout(msg string) *GatewayError {
	return &GatewayError{StatusCode: 504, Type: "upstream_error", Message: msg}
}

// ErrChallengeBlocked is the terminal error when the WAF blocked every
// candidate.
func ErrChallengeBlocked() *GatewayError {
	return &GatewayError{StatusCode: 502, Type: "upstream_error", Message: TerminalChallengeMessage}
}

// UpstreamFailoverError signals that the current account should be abandoned
// and the pipeline should try the next candidate.
type UpstreamFailoverError struct {
	AccountID  int64
	StatusCode int
	Reason     CooldownReason
	Message    string
}

func (e *UpstreamFailoverError) Error() string {
	return fmt.Sprintf("upstream failover account=%d status=%d reason=%s: %s",
		e.AccountID, e.StatusCode, e.Reason, e.Message)
}

// RefreshFailedError reports a non-2xx issuer response during token refresh.
type RefreshFailedError struct {
	StatusCode int
	Body       string
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrNoAvailableAccount is returned when selection produced no candidates.
var ErrNoAvailableAccount = errors.New("no available account")

// ErrStorageUnavailable wraps storage errors surfaced from background loops.
var ErrStorageUnavailable = errors.New("storage unavailable")

// IsKeepaliveErrorIgnorable filters the expected idle errors of the
// keepalive loop so they log at DEBUG instead of WARN.
func IsKeepaliveErrorIgnorable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNoAvailableAccount) || errors.Is(err, ErrStorageUnavailable) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no available account") || strings.Contains(msg, "storage unavailable")
}
