package bucketing

import (
	"hash"
	"sync"
	"time"

	"security-log-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager assigns stable murmur3 buckets: archive rows get an
// event bucket and date bucket for partitioning, and the in-memory risk
// counters get a shard index.
type BucketingManager struct {
	eventBuckets  int
	counterShards int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets:  cfg.Bucketing.EventBuckets,
		counterShards: cfg.Bucketing.CounterShards,
	}
	if bm.eventBuckets <= 0 {
		bm.eventBuckets = 64
	}
	if bm.counterShards <= 0 {
		bm.counterShards = 16
	}

	// Pool of hash functions to avoid allocation overhead on the hot path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// EventBucket returns a stable bucket (0 to eventBuckets-1) for an event
// identifier, used as the archive partition column.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// CounterShard returns the shard index (0 to counterShards-1) owning a
// counter key.
func (bm *BucketingManager) CounterShard(key string) int {
	return bm.getBucket(key, bm.counterShards)
}

// TimeBucket aligns t down to a window boundary in unix seconds.
func (bm *BucketingManager) TimeBucket(t time.Time, windowSeconds int) int64 {
	if windowSeconds <= 0 {
		return t.Unix()
	}
	return t.Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition for t.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) CounterShards() int {
	return bm.counterShards
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	// Get hasher from pool
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
