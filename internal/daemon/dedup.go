package daemon

import (
	"strings"
	"sync"
	"time"
)

// Default cooldown windows for repeated textual notifications.
const (
	NotificationCooldown = 3 * time.Second
	QuestionCooldown     = 5 * time.Second

	// dedupSweepThreshold triggers an opportunistic sweep of stale entries.
	dedupSweepThreshold = 100
)

// DedupCache suppresses repeated textual notifications inside a cooldown
// window. It only decides emit-or-suppress; it never blocks or delays.
type DedupCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupCache creates an empty cache.
func NewDedupCache() *DedupCache {
	return &DedupCache{seen: make(map[string]time.Time)}
}

// DedupKey builds the composite cache key from a message category and its
// text, with whitespace normalized so trivial formatting differences still
// collapse to one entry.
func DedupKey(category, text string) string {
	return category + "\x00" + strings.Join(strings.Fields(text), " ")
}

// ShouldEmit returns true and records now against key when no record exists
// or the recorded timestamp is older than cooldown. Otherwise it returns
// false and leaves the recorded timestamp untouched.
func (c *DedupCache) ShouldEmit(key string, cooldown time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.seen[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	c.seen[key] = now

	if len(c.seen) > dedupSweepThreshold {
		c.sweepLocked(now, 2*cooldown)
	}
	return true
}

// sweepLocked evicts entries older than maxAge. Caller holds c.mu.
func (c *DedupCache) sweepLocked(now time.Time, maxAge time.Duration) {
	for key, last := range c.seen {
		if now.Sub(last) > maxAge {
			delete(c.seen, key)
		}
	}
}

// size returns the current entry count. Used by tests.
func (c *DedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
