package service

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Upstream client tuning.
const (
	upstreamConnectTimeout = 15 * time.Second
	upstreamIdlePerHost    = 8
	upstreamIdleTimeout    = 60 * time.Second
)

// ComputeUpstreamURL maps an incoming normalized path onto the upstream URL,
// plus an alternate URL when the ChatGPT Codex backend accepts the path in
// two spellings.
func ComputeUpstreamURL(base, path string) (primary, alternate string) {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	switch {
	case strings.Contains(base, "/backend-api/codex") && strings.HasPrefix(path, "/v1/"):
		return base + strings.TrimPrefix(path, "/v1"), base + path
	case strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1"):
		return strings.TrimSuffix(base, "/v1") + path, ""
	default:
		return base + path, ""
	}
}

func newUpstreamTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   upstreamConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: upstreamIdlePerHost,
		IdleConnTimeout:     upstreamIdleTimeout,
		ForceAttemptHTTP2:   true,
	}
}

func newUpstreamClient() *http.Client {
	return &http.Client{
		Transport: newUpstreamTransport(),
		// Upstreams must return final responses; redirects would lose
		// auth headers and confuse outcome classification.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// freshClientCell is the per-account atomically swappable secondary client,
// rebuilt on demand after a network error so a proxy enabled at runtime is
// picked up.
type freshClientCell struct {
	client atomic.Pointer[http.Client]
}

// UpstreamClientPool owns the shared pooled client plus per-account fresh
// clients. Immutable after construction except the fresh cells.
type UpstreamClientPool struct {
	shared *http.Client
	state  *GatewayState
}

// NewUpstreamClientPool builds the pool on the given state.
func NewUpstreamClientPool(state *GatewayState) *UpstreamClientPool {
	return &UpstreamClientPool{
		shared: newUpstreamClient(),
		state:  state,
	}
}

// Shared returns the pooled client used for first attempts.
func (p *UpstreamClientPool) Shared() *http.Client {
	return p.shared
}

// Fresh returns the account's fresh client, building one on first use.
func (p *UpstreamClientPool) Fresh(accountID int64) *http.Client {
	cell := p.state.freshClientCell(accountID)
	if c := cell.client.Load(); c != nil {
		return c
	}
	c := newUpstreamClient()
	if cell.client.CompareAndSwap(nil, c) {
		return c
	}
	return cell.client.Load()
}

// Rebuild replaces the account's fresh client with a brand new one,
// re-reading the proxy environment.
func (p *UpstreamClientPool) Rebuild(accountID int64) *http.Client {
	cell := p.state.freshClientCell(accountID)
	c := newUpstreamClient()
	cell.client.Store(c)
	return c
}
