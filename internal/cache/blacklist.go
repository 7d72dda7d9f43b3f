package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist implements the JWT revocation list spec.md §4.1 describes:
// per-jti revocation and per-user-email "everything issued before this
// iat is invalid" cutoffs, both backed by Redis with a TTL at least as
// long as the longest-lived token. Unlike Cache, Blacklist has no
// in-memory L1 and no "degrade gracefully" mode: an unreachable Redis
// must deny the token (fail closed), never fail open by assuming it is
// not blacklisted.
type Blacklist struct {
	rdb       *redis.Client
	maxTTL    time.Duration
	namespace string
}

func NewBlacklist(rdb *redis.Client, maxTokenLifetime time.Duration) *Blacklist {
	return &Blacklist{rdb: rdb, maxTTL: maxTokenLifetime, namespace: "jwt_blacklist"}
}

func jtiKey(ns, jti string) string { return fmt.Sprintf("%s:jti:%s", ns, jti) }
func cutoffKey(ns, email string) string { return fmt.Sprintf("%s:cutoff:%s", ns, email) }

// RevokeJTI blacklists a single token by its jti claim until it would
// have expired naturally.
func (b *Blacklist) RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 || ttl > b.maxTTL {
		ttl = b.maxTTL
	}
	return b.rdb.Set(ctx, jtiKey(b.namespace, jti), "1", ttl).Err()
}

// RevokeAllBefore invalidates every token issued at or before cutoff
// for a user (e.g. "log out everywhere"), keyed by email per spec.md.
func (b *Blacklist) RevokeAllBefore(ctx context.Context, email string, cutoff time.Time) error {
	return b.rdb.Set(ctx, cutoffKey(b.namespace, email), cutoff.Unix(), b.maxTTL).Err()
}

// IsBlacklisted reports whether a token must be rejected: either its
// jti is individually revoked, or its iat predates the user's cutoff.
// On any Redis error this returns (true, err) — fail closed, per the
// spec's explicit directive that an unreachable cache denies the
// token rather than admitting it.
func (b *Blacklist) IsBlacklisted(ctx context.Context, jti, email string, iat time.Time) (bool, error) {
	if jti != "" {
		n, err := b.rdb.Exists(ctx, jtiKey(b.namespace, jti)).Result()
		if err != nil {
			return true, err
		}
		if n > 0 {
			return true, nil
		}
	}

	if email != "" {
		cutoffUnix, err := b.rdb.Get(ctx, cutoffKey(b.namespace, email)).Int64()
		if err == redis.Nil {
			return false, nil
		}
		if err != nil {
			return true, err
		}
		if !iat.After(time.Unix(cutoffUnix, 0)) {
			return true, nil
		}
	}

	return false, nil
}
