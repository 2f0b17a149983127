package sweeper

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another instance is sweeping right now.
var ErrLockHeld = errors.New("sweeper: sweep already running")

// Locker serializes sweeps across instances.
type Locker interface {
	// Acquire returns a release func, or ErrLockHeld.
	Acquire(ctx context.Context, ttl time.Duration) (release func(), err error)
}

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock. Sweeps are idempotent, so the lock only
// saves duplicate work.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
}

func NewRedisLocker(client redis.UniversalClient, key string) *RedisLocker {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "pixelforge:sweeper:lock"
	}
	return &RedisLocker{client: client, key: key}
}

func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}, nil
}

// localLocker is used when no Redis is configured.
type localLocker struct {
	ch chan struct{}
}

func newLocalLocker() *localLocker {
	return &localLocker{ch: make(chan struct{}, 1)}
}

func (l *localLocker) Acquire(_ context.Context, _ time.Duration) (func(), error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	default:
		return nil, ErrLockHeld
	}
}
