package automation

import "time"

// RulesCache caches the active rule snapshots the matcher reads per
// trigger type. One cache serves one workspace; every rule write through
// the engine invalidates it. A stale snapshot mid-evaluation is acceptable
// for that single pass but must be refreshed before the next.
type RulesCache interface {
	// Get retrieves the cached snapshot for a trigger type, nil on miss or
	// expiry.
	Get(trigger TriggerType) []*BusinessRule

	// Set stores a snapshot for a trigger type.
	Set(trigger TriggerType, rules []*BusinessRule)

	// Invalidate clears all cached snapshots, forcing refreshes on the
	// next Get.
	Invalidate()
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached snapshots.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // No TTL - only invalidate on mutations
	}
}
