package config

import "time"

// CacheConfig controls the Redis-backed cache used for club sales
// statistics.  Statistics are derived from the sale ledger, so a short TTL
// keeps dashboards cheap without serving stale numbers for long.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
	Prefix  string
}

// LoadCacheConfig reads CACHE_ENABLED, CACHE_TTL and CACHE_PREFIX.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled: envBool("CACHE_ENABLED", true),
		TTL:     envDur("CACHE_TTL", 30*time.Second),
		Prefix:  envStr("CACHE_PREFIX", "cache"),
	}
}
