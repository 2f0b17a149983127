package paidop

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Limiter admits or rejects one paid operation for a user.
type Limiter interface {
	// Allow returns allowed=false and the wait until the window resets when
	// the user is over the limit.
	Allow(ctx context.Context, userID uint) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter is a fixed-window counter shared by all instances.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int64, window time.Duration) *RedisLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "pixelforge:paidop"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID uint) (bool, time.Duration, error) {
	if l == nil || l.client == nil || l.limit <= 0 || l.window <= 0 {
		return true, 0, nil
	}

	windowMs := l.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	key := fmt.Sprintf("%s:%d", l.prefix, userID)
	raw, err := fixedWindowScript.Run(ctx, l.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	if count <= l.limit {
		return true, 0, nil
	}
	retryAfter := time.Duration(math.Max(1, math.Ceil(float64(ttlMs)/1000))) * time.Second
	return false, retryAfter, nil
}
