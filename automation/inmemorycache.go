package automation

import (
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*BusinessRule
	cachedAt time.Time
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache.
// Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	entries map[TriggerType]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache.
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[TriggerType]cacheEntry),
		config:  config,
	}
}

// Get retrieves the cached snapshot for a trigger type.
// Returns nil if there is no entry or the entry expired.
func (c *InMemoryRulesCache) Get(trigger TriggerType) []*BusinessRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[trigger]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}

	// Return copy to prevent external modifications of the slice
	out := make([]*BusinessRule, len(entry.rules))
	copy(out, entry.rules)
	return out
}

// Set stores a snapshot for a trigger type.
func (c *InMemoryRulesCache) Set(trigger TriggerType, rules []*BusinessRule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*BusinessRule, len(rules))
	copy(stored, rules)
	c.entries[trigger] = cacheEntry{rules: stored, cachedAt: time.Now()}
}

// Invalidate clears all cached snapshots.
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[TriggerType]cacheEntry)
}
