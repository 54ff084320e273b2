package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window Limiter backed by Redis INCR/EXPIRE,
// for deployments where several web-tier processes must share one set
// of counters. Each charge runs INCR, EXPIRE NX, and TTL in one
// MULTI/EXEC, so a key can never be left without a TTL; the TTL
// doubles as the reset deadline.
type RedisLimiter struct {
	client  *redis.Client
	ceiling int
	window  time.Duration
	prefix  string
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithKeyPrefix sets the Redis key prefix. Defaults to "conveyor:rl:".
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLimiter) { l.prefix = p }
}

// NewRedisLimiter creates a RedisLimiter with the given ceiling and
// window.
func NewRedisLimiter(client *redis.Client, ceiling int, window time.Duration, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client:  client,
		ceiling: ceiling,
		window:  window,
		prefix:  "conveyor:rl:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow charges one operation against key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := l.prefix + key

	// EXPIRE NX only sets a TTL when the key has none, so it starts the
	// window on the first increment and repairs a key that somehow lost
	// its deadline, without ever extending a live window.
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.window)
	ttlCmd := pipe.TTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("gate/redis: charge %q: %w", k, err)
	}

	count := incr.Val()
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}

	remaining := l.ceiling - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= int64(l.ceiling),
		Remaining:  remaining,
		ResetAfter: ttl,
	}, nil
}
