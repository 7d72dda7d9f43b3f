package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the multi-process variant of Limiter noted in
// SPEC_FULL.md §2.3: buckets are approximated with a fixed-window
// counter in Redis (INCR + EXPIRE) rather than a true token bucket,
// since a float-refill bucket does not translate into a single atomic
// Redis primitive without Lua scripting. This trades burst smoothness
// for simplicity; callers that need exact parity with the in-memory
// bucket should run single-process and use Limiter instead.
type RedisLimiter struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
}

func NewRedisLimiter(rdb *redis.Client, cfg Config, prefix string) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg, prefix: prefix}
}

// Check increments the counter for key's current window and compares
// against MaxRequests. On any Redis error it returns ZeroedOnFailure so
// the caller's fail-open policy applies uniformly across both limiter
// implementations.
func (l *RedisLimiter) Check(ctx context.Context, key string) Result {
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, time.Now().Unix()/int64(l.cfg.WindowSeconds))

	count, err := l.rdb.Incr(ctx, windowKey).Result()
	if err != nil {
		return ZeroedOnFailure()
	}
	if count == 1 {
		l.rdb.Expire(ctx, windowKey, time.Duration(l.cfg.WindowSeconds)*time.Second)
	}

	if int(count) > l.cfg.MaxRequests {
		ttl, err := l.rdb.TTL(ctx, windowKey).Result()
		if err != nil || ttl < 0 {
			ttl = time.Duration(l.cfg.WindowSeconds) * time.Second
		}
		return Result{Allowed: false, RetryAfter: ttl, Limit: l.cfg.MaxRequests, Remaining: 0}
	}

	return Result{
		Allowed:   true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - int(count),
	}
}
