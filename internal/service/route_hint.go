package service

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Route hint TTL and sweep cadence.
const (
	routeHintTTL           = 30 * time.Minute
	routeHintSweepInterval = 30 * time.Second
)

// HintKey builds the sticky-route cache key for one (platform key, path,
// model) triple. Empty model is encoded as "-" so the triple stays unique.
func HintKey(keyID, path, model string) string {
	if strings.TrimSpace(model) == "" {
		model = "-"
	}
	return fmt.Sprintf("%s|%s|%s", keyID, path, model)
}

// RouteHintCache remembers the last account that successfully served a
// (key, path, model) triple so follow-up requests stay on the same upstream.
type RouteHintCache struct {
	cache *gocache.Cache
}

// NewRouteHintCache builds a hint cache with the standard TTL and a
// background sweep every 30s.
func NewRouteHintCache() *RouteHintCache {
	return &RouteHintCache{
		cache: gocache.New(routeHintTTL, routeHintSweepInterval),
	}
}

// Remember records the account for the hint key.
func (r *RouteHintCache) Remember(key string, accountID int64) {
	r.cache.Set(key, accountID, routeHintTTL)
}

// Lookup returns the remembered account id if the hint is still fresh.
func (r *RouteHintCache) Lookup(key string) (int64, bool) {
	v, ok := r.cache.Get(key)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// Forget drops the hint, used when the hinted account failed.
func (r *RouteHintCache) Forget(key string) {
	r.cache.Delete(key)
}
