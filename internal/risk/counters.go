package risk

import (
	"strings"
	"sync"
	"time"

	"security-log-service/internal/bucketing"
)

// Counter tracks occurrences for one key within the staleness window.
type Counter struct {
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Counter key prefixes. The key format is part of the statistics contract.
const (
	KeyPrefixIP   = "ip-"
	KeyPrefixUser = "user-"
	KeyPrefixType = "type-"
)

func IPKey(ip string) string       { return KeyPrefixIP + ip }
func UserKey(userID string) string { return KeyPrefixUser + userID }

func TypeKey(eventType string) string {
	return KeyPrefixType + strings.ToLower(eventType)
}

// shards are swept at most this often, keeping eviction cost amortized.
const sweepInterval = time.Minute

type counterShard struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	lastSweep time.Time
}

// CounterSet is a sharded in-memory counter map. State is owned by one
// logger instance and never shared across instances or processes. Stale
// entries are evicted lazily during update passes; reads never trust a
// stale entry regardless of sweep timing.
type CounterSet struct {
	shards    []*counterShard
	staleness time.Duration
	sharder   *bucketing.BucketingManager
}

func NewCounterSet(staleness time.Duration, sharder *bucketing.BucketingManager) *CounterSet {
	n := sharder.CounterShards()
	shards := make([]*counterShard, n)
	for i := range shards {
		shards[i] = &counterShard{counters: make(map[string]*Counter)}
	}
	return &CounterSet{
		shards:    shards,
		staleness: staleness,
		sharder:   sharder,
	}
}

func (c *CounterSet) shardFor(key string) *counterShard {
	return c.shards[c.sharder.CounterShard(key)]
}

// Increment bumps the counter for key and returns the new count. A counter
// whose last observation is older than the staleness window restarts at 1.
func (c *CounterSet) Increment(key string, now time.Time) int {
	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.counters[key]
	if !ok || now.Sub(entry.LastSeen) > c.staleness {
		entry = &Counter{}
		shard.counters[key] = entry
	}
	entry.Count++
	entry.LastSeen = now

	c.sweepLocked(shard, now)
	return entry.Count
}

// Get returns the current count for key, or zero when absent or stale.
func (c *CounterSet) Get(key string, now time.Time) int {
	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.counters[key]
	if !ok || now.Sub(entry.LastSeen) > c.staleness {
		return 0
	}
	return entry.Count
}

// sweepLocked evicts stale entries from one shard, at most once per
// sweepInterval. Caller holds the shard lock.
func (c *CounterSet) sweepLocked(shard *counterShard, now time.Time) {
	if now.Sub(shard.lastSweep) < sweepInterval {
		return
	}
	shard.lastSweep = now
	for key, entry := range shard.counters {
		if now.Sub(entry.LastSeen) > c.staleness {
			delete(shard.counters, key)
		}
	}
}

// Snapshot copies every live counter, for statistics.
func (c *CounterSet) Snapshot(now time.Time) map[string]Counter {
	out := make(map[string]Counter)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.counters {
			if now.Sub(entry.LastSeen) > c.staleness {
				continue
			}
			out[key] = *entry
		}
		shard.mu.Unlock()
	}
	return out
}

// Len counts live counters.
func (c *CounterSet) Len(now time.Time) int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for _, entry := range shard.counters {
			if now.Sub(entry.LastSeen) <= c.staleness {
				n++
			}
		}
		shard.mu.Unlock()
	}
	return n
}

// Reset drops every counter.
func (c *CounterSet) Reset() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.counters = make(map[string]*Counter)
		shard.lastSweep = time.Time{}
		shard.mu.Unlock()
	}
}
