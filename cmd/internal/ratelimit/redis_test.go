package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisCounter) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisCounter(rdb)
}

func TestRedisCounter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, c := newMiniRedis(t)

	n, ttl, err := c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(30 * time.Second)
	n, ttl, err = c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.LessOrEqual(t, ttl, 30*time.Second)

	n, _, err = c.Peek(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	mr.FastForward(31 * time.Second)
	n, ttl, err = c.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, ttl)
}

func TestRedisCounter_IncrAlwaysLeavesTTL(t *testing.T) {
	ctx := context.Background()
	mr, c := newMiniRedis(t)

	_, _, err := c.Incr(ctx, "fresh", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("fresh"))

	// A counter stranded without an expiry is re-armed by the next hit.
	require.NoError(t, mr.Set("stranded", "4"))
	n, ttl, err := c.Incr(ctx, "stranded", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, time.Minute, ttl)
	assert.Equal(t, time.Minute, mr.TTL("stranded"))

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists("stranded"))
}

func TestRedisCounter_Reset(t *testing.T) {
	ctx := context.Background()
	_, c := newMiniRedis(t)

	_, _, err := c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx, "k"))

	n, _, err := c.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestThrottle_WithRedis(t *testing.T) {
	ctx := context.Background()
	_, c := newMiniRedis(t)

	cfg := testConfig()
	cfg.Backend = "redis"
	cfg.RedisAddr = "unused"
	th, err := NewThrottle(cfg, c, nil, nil)
	require.NoError(t, err)

	th.Fail(ctx, "203.0.113.5", "a@x.com")
	th.Fail(ctx, "203.0.113.5", "a@x.com")

	err = th.Check(ctx, "203.0.113.5", "a@x.com")
	var le LimitedError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ScopeIdentifier, le.Scope)
	assert.Equal(t, 15*time.Minute, le.RetryAfter)
}

func TestThrottle_RedisDownSurfacesError(t *testing.T) {
	ctx := context.Background()
	mr, c := newMiniRedis(t)
	th, err := NewThrottle(testConfig(), c, nil, nil)
	require.NoError(t, err)

	mr.Close()
	err = th.Check(ctx, "203.0.113.5", "a@x.com")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLimited))
}

func TestDialRedis(t *testing.T) {
	mr, _ := newMiniRedis(t)
	rdb, err := DialRedis(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	require.NoError(t, rdb.Close())
}

func TestOpenCounter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultConfig()
	cfg.Backend = "redis"
	cfg.RedisAddr = mr.Addr()
	c, closeFn, err := OpenCounter(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	_, ok := c.(*RedisCounter)
	assert.True(t, ok)

	cfg.Backend = "memory"
	c, _, err = OpenCounter(ctx, cfg)
	require.NoError(t, err)
	_, ok = c.(*MemoryCounter)
	assert.True(t, ok)

	cfg.Backend = "memcached"
	_, _, err = OpenCounter(ctx, cfg)
	require.Error(t, err)

	mr.Close()
	cfg.Backend = "redis"
	_, _, err = OpenCounter(ctx, cfg)
	require.Error(t, err)
}
