package risk

import (
	"strings"
	"sync"
	"time"

	"security-log-service/internal/model"
)

// cacheEntry memoizes one computed assessment. RepeatBonus records the
// repeated-IP contribution the score was computed with; when the live
// counter implies a different bonus the entry is stale even inside the TTL,
// so an escalating repeat offender is never reported at a lagging score.
type cacheEntry struct {
	score       int
	factors     []string
	severity    model.Severity
	repeatBonus int
	expiresAt   time.Time
}

type scoreCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newScoreCache(ttl time.Duration) *scoreCache {
	return &scoreCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func cacheKey(eventType model.EventType, ip, userID string) string {
	return strings.Join([]string{string(eventType), ip, userID}, "|")
}

// get returns the entry for key when it is inside its TTL and was computed
// with the given repeat bonus. Expired entries are dropped on sight.
func (c *scoreCache) get(key string, repeatBonus int, now time.Time) (*cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if now.After(entry.expiresAt) || entry.repeatBonus != repeatBonus {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// replaced the entry already.
		if cur, still := c.entries[key]; still && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry, true
}

func (c *scoreCache) put(key string, entry *cacheEntry, now time.Time) {
	entry.expiresAt = now.Add(c.ttl)
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *scoreCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *scoreCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}
