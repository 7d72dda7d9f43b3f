// Package cache implements the short-TTL context cache spec.md §2 calls
// out for org / user / api-key→org mappings, plus the JWT blacklist
// (§4.1). It is adapted from the teacher's auth.TenantAuthCache — an
// in-memory map guarded by a mutex with a background cleanup goroutine
// — generalized from a single boolean "is subject authorized for
// tenant" cache into a typed, multi-namespace value cache with a Redis
// L2 so the same process restarts without losing a live blacklist.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	value  []byte
	expiry time.Time
}

// Cache is a namespaced, TTL'd key-value cache with an in-memory L1
// (same locking + cleanup-ticker discipline as TenantAuthCache) backed
// by an optional Redis L2 for multi-process consistency. Redis may be
// nil, in which case Cache degrades to process-local only — acceptable
// for org/user lookups (worst case: one extra DB read after a
// restart), never acceptable for the JWT blacklist, which fails closed
// instead (see Blacklist below).
type Cache struct {
	mu    sync.RWMutex
	local map[string]entry
	rdb   *redis.Client
	stop  chan struct{}
}

func New(rdb *redis.Client) *Cache {
	c := &Cache{local: make(map[string]entry), rdb: rdb, stop: make(chan struct{})}
	go c.cleanupLoop()
	return c
}

func (c *Cache) Close() { close(c.stop) }

func key(namespace, id string) string { return namespace + ":" + id }

// Get reads a cached value into dst, returning false on miss or
// expiry. L1 is checked first; on L1 miss, Redis is consulted and
// repopulates L1.
func (c *Cache) Get(ctx context.Context, namespace, id string, dst any) bool {
	k := key(namespace, id)

	c.mu.RLock()
	e, ok := c.local[k]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiry) {
		return json.Unmarshal(e.value, dst) == nil
	}

	if c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, k).Bytes()
	if err != nil {
		return false
	}
	if json.Unmarshal(raw, dst) != nil {
		return false
	}
	ttl, _ := c.rdb.TTL(ctx, k).Result()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.setLocal(k, raw, ttl)
	return true
}

// Set writes value with ttl into both L1 and (if configured) Redis.
func (c *Cache) Set(ctx context.Context, namespace, id string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	k := key(namespace, id)
	c.setLocal(k, raw, ttl)
	if c.rdb != nil {
		c.rdb.Set(ctx, k, raw, ttl)
	}
}

// Invalidate removes a key from both tiers, e.g. when a user's
// memberships change.
func (c *Cache) Invalidate(ctx context.Context, namespace, id string) {
	k := key(namespace, id)
	c.mu.Lock()
	delete(c.local, k)
	c.mu.Unlock()
	if c.rdb != nil {
		c.rdb.Del(ctx, k)
	}
}

func (c *Cache) setLocal(k string, raw []byte, ttl time.Duration) {
	c.mu.Lock()
	c.local[k] = entry{value: raw, expiry: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.local {
				if now.After(e.expiry) {
					delete(c.local, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

const (
	NamespaceOrgByID     = "org"
	NamespaceUserByEmail = "user_email"
	NamespaceAPIKeyToOrg = "apikey_org"
)
