// Package config loads gateway configuration from CODEXMANAGER_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/wire"
	"github.com/spf13/viper"
)

// Background loop intervals are clamped to this floor regardless of input.
const MinIntervalSecs = 30

// Defaults for interval and limit knobs.
const (
	DefaultUsagePollIntervalSecs        = 600
	DefaultTokenRefreshPollIntervalSecs = 30
	DefaultKeepaliveIntervalSecs        = 300
	DefaultRequestTimeoutSecs           = 120
	DefaultUsageSnapshotsRetain         = 200
	DefaultFrontProxyMaxBodyBytes       = 16 << 20
	DefaultTokenRefreshBatch            = 20
)

// Route selection strategies.
const (
	RouteStrategyOrdered  = "ordered"
	RouteStrategyBalanced = "balanced"
)

// Config is the process configuration snapshot, immutable after Load.
type Config struct {
	ListenAddr string

	DBPath       string
	RPCToken     string
	RPCTokenFile string

	UpstreamBaseURL         string
	UpstreamFallbackBaseURL string
	UpstreamCookie          string
	CPANoCookieHeaderMode   bool

	OAuthIssuer   string
	OAuthClientID string

	UsagePollIntervalSecs        int
	TokenRefreshPollIntervalSecs int
	KeepaliveIntervalSecs        int
	TokenRefreshBatch            int

	RequestTimeoutSecs int
	StreamTimeoutSecs  int // 0 = unbounded streams

	FrontProxyMaxBodyBytes         int64
	UsageSnapshotsRetainPerAccount int

	RouteStrategy           string
	AccountMaxInflight      int
	StripSessionAffinity    bool
	DisableStatelessRetry   bool
	ChallengeStatelessRetry bool

	LogLevel string
	LogFile  string
}

// Load reads the environment and returns the effective configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CODEXMANAGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_addr", "127.0.0.1:8317")
	v.SetDefault("upstream_base_url", "https://chatgpt.com/backend-api/codex")
	v.SetDefault("oauth_issuer", "https://auth.openai.com")
	v.SetDefault("route_strategy", RouteStrategyOrdered)
	v.SetDefault("challenge_stateless_retry", true)
	v.SetDefault("log_level", "info")

	cfg := &Config{
		ListenAddr:              v.GetString("listen_addr"),
		DBPath:                  strings.TrimSpace(v.GetString("db_path")),
		RPCToken:                strings.TrimSpace(v.GetString("rpc_token")),
		RPCTokenFile:            strings.TrimSpace(v.GetString("rpc_token_file")),
		UpstreamBaseURL:         strings.TrimSpace(v.GetString("upstream_base_url")),
		UpstreamFallbackBaseURL: strings.TrimSpace(v.GetString("upstream_fallback_base_url")),
		UpstreamCookie:          strings.TrimSpace(v.GetString("upstream_cookie")),
		CPANoCookieHeaderMode:   v.GetBool("cpa_no_cookie_header_mode"),
		OAuthIssuer:             strings.TrimSpace(v.GetString("oauth_issuer")),
		OAuthClientID:           strings.TrimSpace(v.GetString("oauth_client_id")),
		RouteStrategy:           normalizeRouteStrategy(v.GetString("route_strategy")),
		AccountMaxInflight:      v.GetInt("account_max_inflight"),
		StripSessionAffinity:    v.GetBool("strip_session_affinity"),
		DisableStatelessRetry:   v.GetBool("disable_stateless_retry"),
		ChallengeStatelessRetry: v.GetBool("challenge_stateless_retry"),
		LogLevel:                v.GetString("log_level"),
		LogFile:                 strings.TrimSpace(v.GetString("log_file")),
	}

	cfg.UsagePollIntervalSecs = ParseIntervalSecs(v.GetString("usage_poll_interval_secs"), DefaultUsagePollIntervalSecs, MinIntervalSecs)
	cfg.TokenRefreshPollIntervalSecs = ParseIntervalSecs(v.GetString("token_refresh_poll_interval_secs"), DefaultTokenRefreshPollIntervalSecs, MinIntervalSecs)
	cfg.KeepaliveIntervalSecs = ParseIntervalSecs(v.GetString("keepalive_interval_secs"), DefaultKeepaliveIntervalSecs, MinIntervalSecs)

	cfg.RequestTimeoutSecs = positiveOrDefault(v.GetInt("request_timeout_secs"), DefaultRequestTimeoutSecs)
	cfg.StreamTimeoutSecs = v.GetInt("stream_timeout_secs")
	cfg.TokenRefreshBatch = positiveOrDefault(v.GetInt("token_refresh_batch"), DefaultTokenRefreshBatch)
	cfg.UsageSnapshotsRetainPerAccount = positiveOrDefault(v.GetInt("usage_snapshots_retain_per_account"), DefaultUsageSnapshotsRetain)
	cfg.FrontProxyMaxBodyBytes = int64(positiveOrDefault(v.GetInt("front_proxy_max_body_bytes"), DefaultFrontProxyMaxBodyBytes))

	if cfg.DBPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable dir for default db path: %w", err)
		}
		cfg.DBPath = filepath.Join(filepath.Dir(exe), "codexmanager.db")
	}

	cfg.UpstreamFallbackBaseURL = EffectiveFallbackBase(cfg.UpstreamBaseURL, cfg.UpstreamFallbackBaseURL)

	return cfg, nil
}

// ParseIntervalSecs parses a raw interval string: max(min, parsed) when the
// value parses, the (floored) default otherwise. min is a hard floor.
func ParseIntervalSecs(raw string, def, min int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || strings.TrimSpace(raw) == "" {
		parsed = def
	}
	if parsed < min {
		return min
	}
	return parsed
}

// IsChatGPTBackendBase reports whether base points at the ChatGPT backend
// rather than the public API.
func IsChatGPTBackendBase(base string) bool {
	b := strings.ToLower(strings.TrimSpace(base))
	return strings.Contains(b, "chatgpt.com") || strings.Contains(b, "chat.openai.com")
}

// EffectiveFallbackBase resolves the fallback base: an explicit value wins,
// otherwise the public API default applies when the primary is the ChatGPT
// backend, and no fallback otherwise.
func EffectiveFallbackBase(primary, explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return strings.TrimSuffix(strings.TrimSpace(explicit), "/")
	}
	if IsChatGPTBackendBase(primary) {
		return "https://api.openai.com/v1"
	}
	return ""
}

// ResolveRPCToken returns the RPC token, preferring the inline value and
// falling back to the token file.
func (c *Config) ResolveRPCToken() (string, error) {
	if c.RPCToken != "" {
		return c.RPCToken, nil
	}
	if c.RPCTokenFile == "" {
		return "", nil
	}
	raw, err := os.ReadFile(c.RPCTokenFile)
	if err != nil {
		return "", fmt.Errorf("read rpc token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func normalizeRouteStrategy(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case RouteStrategyBalanced:
		return RouteStrategyBalanced
	default:
		return RouteStrategyOrdered
	}
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

// ProviderSet exposes the config constructors to wire.
var ProviderSet = wire.NewSet(Load)
