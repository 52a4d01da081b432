package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-log-service/internal/config"
)

const (
	ipRateLimitPrefix   = "ip_rate_limit:"
	userRateLimitPrefix = "user_rate_limit:"
)

// slidingWindowScript keeps one sorted set per counter key, scored by
// millisecond timestamps, and admits a request only while the trimmed
// window holds fewer members than the limit.
const slidingWindowScript = `
    local key = KEYS[1]
    local now = tonumber(ARGV[1])
    local window_start = tonumber(ARGV[2])
    local limit = tonumber(ARGV[3])
    local ttl_seconds = tonumber(ARGV[4])
    local member = ARGV[5]

    redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

    local current_count = redis.call('ZCARD', key)

    if current_count < limit then
        redis.call('ZADD', key, now, member)
        redis.call('EXPIRE', key, ttl_seconds)
        return {1, current_count + 1}
    else
        return {0, current_count}
    end
`

// CommandRunner is the slice of the Redis client the limiter needs.
type CommandRunner interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error)
	HealthCheck(ctx context.Context) error
}

// RateLimitCache throttles the ingest API, counting each request
// against its source IP and, separately, against the authenticated
// caller. Both dimensions share one configured limit and window. This
// guards the HTTP surface only; the per-IP event counters that drive
// risk scoring live in memory and are unrelated.
type RateLimitCache struct {
	client CommandRunner
	logger *zap.Logger
	limit  int
	window time.Duration
}

func NewRateLimitCache(redisClient CommandRunner, cfg *config.Config, logger *zap.Logger) *RateLimitCache {
	return &RateLimitCache{
		client: redisClient,
		logger: logger,
		limit:  cfg.RateLimit.RequestsPerWindow,
		window: cfg.RateLimit.Window,
	}
}

// AllowIP reports whether one more request fits the source address's
// sliding window, along with the count now occupying it. Callers decide
// their own failure policy when the error is non-nil.
func (c *RateLimitCache) AllowIP(ctx context.Context, ip string) (bool, int, error) {
	return c.allow(ctx, ipRateLimitPrefix+ip)
}

// AllowUser is AllowIP's counterpart for the authenticated identity.
func (c *RateLimitCache) AllowUser(ctx context.Context, userID string) (bool, int, error) {
	return c.allow(ctx, userRateLimitPrefix+userID)
}

func (c *RateLimitCache) allow(ctx context.Context, key string) (bool, int, error) {
	now := time.Now().UnixMilli()
	windowStart := now - c.window.Milliseconds()
	ttlSeconds := int(c.window.Seconds()) + 1

	result, err := c.client.Eval(ctx, slidingWindowScript, []string{key},
		now, windowStart, c.limit, ttlSeconds, uuid.NewString())
	if err != nil {
		return c.fixedWindowFallback(ctx, key)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		c.logger.Error("Unexpected result shape from sliding window script",
			zap.String("key", key))
		return true, 0, nil
	}

	allowed := resultSlice[0].(int64) == 1
	currentCount := int(resultSlice[1].(int64))

	c.logger.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowed),
		zap.Int("current_count", currentCount),
		zap.Int("limit", c.limit))

	return allowed, currentCount, nil
}

// fixedWindowFallback degrades to INCR+EXPIRE when scripting is
// unavailable, e.g. against a restricted managed Redis.
func (c *RateLimitCache) fixedWindowFallback(ctx context.Context, key string) (bool, int, error) {
	count, err := c.client.IncrWithExpire(ctx, key+":fw", c.window)
	if err != nil {
		return false, 0, err
	}
	return int(count) <= c.limit, int(count), nil
}

func (c *RateLimitCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}
