package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"security-log-service/internal/config"
)

// fakeRunner stands in for the Redis client so the limiter's key
// layout, result parsing, and fallback path can be exercised without a
// live server.
type fakeRunner struct {
	evalResult interface{}
	evalErr    error
	evalKeys   []string
	incrCount  int64
	incrErr    error
	incrKeys   []string
}

func (f *fakeRunner) Eval(_ context.Context, _ string, keys []string, _ ...interface{}) (interface{}, error) {
	f.evalKeys = append(f.evalKeys, keys...)
	return f.evalResult, f.evalErr
}

func (f *fakeRunner) IncrWithExpire(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.incrKeys = append(f.incrKeys, key)
	return f.incrCount, f.incrErr
}

func (f *fakeRunner) HealthCheck(context.Context) error { return nil }

func newTestCache(t *testing.T, runner CommandRunner, limit int) *RateLimitCache {
	t.Helper()
	cfg := &config.Config{}
	cfg.RateLimit.RequestsPerWindow = limit
	cfg.RateLimit.Window = time.Minute
	return NewRateLimitCache(runner, cfg, zaptest.NewLogger(t))
}

func TestAllowIPAdmitsUnderLimit(t *testing.T) {
	runner := &fakeRunner{evalResult: []interface{}{int64(1), int64(3)}}
	cache := newTestCache(t, runner, 10)

	allowed, count, err := cache.AllowIP(context.Background(), "203.0.113.7")

	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 3, count)
	assert.Equal(t, []string{"ip_rate_limit:203.0.113.7"}, runner.evalKeys)
}

func TestAllowUserBlocksAtLimit(t *testing.T) {
	runner := &fakeRunner{evalResult: []interface{}{int64(0), int64(10)}}
	cache := newTestCache(t, runner, 10)

	allowed, count, err := cache.AllowUser(context.Background(), "key-ab12cd34")

	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 10, count)
	assert.Equal(t, []string{"user_rate_limit:key-ab12cd34"}, runner.evalKeys)
}

func TestDimensionsUseDistinctCounters(t *testing.T) {
	runner := &fakeRunner{evalResult: []interface{}{int64(1), int64(1)}}
	cache := newTestCache(t, runner, 10)

	_, _, err := cache.AllowIP(context.Background(), "198.51.100.4")
	require.NoError(t, err)
	_, _, err = cache.AllowUser(context.Background(), "198.51.100.4")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"ip_rate_limit:198.51.100.4",
		"user_rate_limit:198.51.100.4",
	}, runner.evalKeys)
}

func TestEvalErrorFallsBackToFixedWindow(t *testing.T) {
	runner := &fakeRunner{evalErr: assert.AnError, incrCount: 4}
	cache := newTestCache(t, runner, 10)

	allowed, count, err := cache.AllowIP(context.Background(), "203.0.113.7")

	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 4, count)
	assert.Equal(t, []string{"ip_rate_limit:203.0.113.7:fw"}, runner.incrKeys)
}

func TestFixedWindowFallbackBlocksOverLimit(t *testing.T) {
	runner := &fakeRunner{evalErr: assert.AnError, incrCount: 11}
	cache := newTestCache(t, runner, 10)

	allowed, count, err := cache.AllowUser(context.Background(), "key-ab12cd34")

	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 11, count)
}

func TestFallbackErrorSurfacesToCaller(t *testing.T) {
	runner := &fakeRunner{evalErr: assert.AnError, incrErr: assert.AnError}
	cache := newTestCache(t, runner, 10)

	allowed, _, err := cache.AllowIP(context.Background(), "203.0.113.7")

	require.Error(t, err)
	assert.False(t, allowed)
}

func TestUnexpectedScriptResultFailsOpen(t *testing.T) {
	runner := &fakeRunner{evalResult: "not a slice"}
	cache := newTestCache(t, runner, 10)

	allowed, count, err := cache.AllowIP(context.Background(), "203.0.113.7")

	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, count)
}
