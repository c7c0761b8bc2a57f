package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers keys for a bounded window so retried or re-delivered
// messages are processed once. Safe for concurrent use.
type DedupeCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
}

// NewDedupeCache creates a cache holding at most maxEntries keys for ttl.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
	}
}

// IsDuplicate reports whether key was seen within the window and records it.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.maxEntries {
		c.prune(now)
	}
	c.seen[key] = now
	return false
}

// prune drops expired entries; if still at capacity, evicts the oldest.
// Caller holds the lock.
func (c *DedupeCache) prune(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	for len(c.seen) >= c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, at := range c.seen {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey = k
				oldestAt = at
			}
		}
		delete(c.seen, oldestKey)
	}
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
