// Package ratelimit implements per-provider/per-organization token and
// request budgets (spec.md §2 "Rate limiter", §4.1 step 6, §5 "shared
// resource policy"). The token bucket algorithm and its cleanup-loop
// discipline are adapted directly from the teacher's
// internal/httpapi/ratelimit.go TokenBucket/RateLimiter, which rate
// limited per authenticated user; here the bucket key is an arbitrary
// string so the same limiter serves per-org API-key limits (§4.1) and
// per-provider embedding/LLM call budgets (§5) alike.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result mirrors the (allowed, retry_after, limit, remaining) tuple
// spec.md §4.1 describes rate_limiter.check(org) returning.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      int
	Remaining  int
}

// TokenBucket is the same smooth, bursty limiter as the teacher's: burst
// traffic up to capacity, steady-state refill at refillRate tokens/sec.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) Allow() Result {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return Result{Allowed: true, Limit: int(tb.capacity), Remaining: int(tb.tokens)}
	}

	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	return Result{
		Allowed:    false,
		RetryAfter: time.Duration(secondsUntilNext * float64(time.Second)),
		Limit:      int(tb.capacity),
		Remaining:  0,
	}
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

// Config describes one bucket shape: MaxRequests per WindowSeconds,
// with a Burst ceiling — same three knobs the teacher's RateLimitInfo
// exposes, generalized off the HTTP-request vocabulary.
type Config struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

func (c Config) refillRate() float64 { return float64(c.MaxRequests) / float64(c.WindowSeconds) }

// Limiter manages one token bucket per key (e.g. "{org_id}" or
// "{provider}:{org_id}"), with the same idle-bucket eviction loop the
// teacher runs every 10 minutes for buckets idle over an hour.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	cfg     Config
	stop    chan struct{}
}

// NewLimiter creates a process-local limiter and starts its cleanup
// goroutine. Callers should treat one Limiter per (provider or route
// class) as a process-wide singleton constructed once in the Container
// (spec.md §9 replaces ad hoc globals with explicit lifetime objects).
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{buckets: make(map[string]*TokenBucket), cfg: cfg, stop: make(chan struct{})}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Close() { close(l.stop) }

func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(l.cfg.Burst, l.cfg.refillRate())
	l.buckets[key] = b
	return b
}

// Check implements the (allowed, retry_after, limit, remaining) check
// spec.md §4.1 calls on a request carrying API-key auth. On an internal
// failure the caller must fail open (never block on limiter outage);
// Check itself cannot fail, so that policy lives entirely in the
// caller (see contextresolver).
func (l *Limiter) Check(_ context.Context, key string) Result {
	return l.bucket(key).Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.idleSince().Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// ZeroedOnFailure is the fail-open result spec.md §4.1 requires when
// the limiter backend itself is unreachable: never block the request,
// but report a zeroed limit rather than fabricating a generous one.
func ZeroedOnFailure() Result {
	return Result{Allowed: true, Limit: 0, Remaining: 0}
}
