package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCounter shares counters across replicas through Redis.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}

// incrScript bumps the counter and arms the window in one step, so a key can
// never be left without a TTL. The expiry is only set when the key has none,
// so later increments do not extend the window.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ms := max(window.Milliseconds(), 1)
	res, err := incrScript.Run(ctx, c.rdb, []string{key}, ms).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected incr reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Peek implements Counter.
func (c *RedisCounter) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := c.rdb.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}

	n, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return n, ttl, nil
}

// Reset implements Counter.
func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
