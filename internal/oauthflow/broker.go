package oauthflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ExpiryBuffer is the time before token expiry at which RefreshBroker
// proactively refreshes rather than waiting for the token to fail —
// the same 5-minute buffer as the teacher's TokenBroker.ExpiryBuffer.
const ExpiryBuffer = 5 * time.Minute

// CachedToken wraps a TokenResponse with an absolute expiry so the
// broker can decide staleness without re-deriving ExpiresIn math on
// every lookup.
type CachedToken struct {
	Token     TokenResponse
	ExpiresAt time.Time
}

// Refresher performs a provider-specific refresh-token exchange.
// Registered per integration kind the same way Exchanger is.
type Refresher interface {
	Refresh(ctx context.Context, settings IntegrationSettings, refreshToken string) (TokenResponse, error)
}

// RefreshBroker caches one access token per source connection and
// transparently refreshes it when it is within ExpiryBuffer of expiry,
// adapted from the teacher's internal/mcpserver/auth.TokenBroker — the
// same RWMutex-guarded map-of-cached-tokens-with-expiry-buffer shape,
// here keyed by source connection id instead of (audience, scope).
type RefreshBroker struct {
	mu        sync.RWMutex
	cache     map[string]*CachedToken
	registry  Registry
	refresher Refresher
}

func NewRefreshBroker(registry Registry, refresher Refresher) *RefreshBroker {
	return &RefreshBroker{cache: make(map[string]*CachedToken), registry: registry, refresher: refresher}
}

// Seed registers a freshly exchanged token for a source connection
// (called right after InitOAuth2/OAuth1 callback finalization).
func (b *RefreshBroker) Seed(sourceConnectionID string, token TokenResponse) {
	b.setCached(sourceConnectionID, token)
}

// GetAccessToken returns a live access token for sourceConnectionID,
// refreshing via refreshToken/shortName if the cached one is missing
// or expiring soon. Returns the (possibly refreshed) token so the
// caller can persist a new refresh_token if the provider rotated it.
func (b *RefreshBroker) GetAccessToken(ctx context.Context, sourceConnectionID, shortName, refreshToken string) (TokenResponse, error) {
	if cached := b.getCached(sourceConnectionID); cached != nil && !b.isExpiring(cached) {
		return cached.Token, nil
	}

	if refreshToken == "" {
		if cached := b.getCached(sourceConnectionID); cached != nil {
			return cached.Token, nil // no refresh token available; keep serving the cached one
		}
		return TokenResponse{}, fmt.Errorf("no cached token and no refresh token for source connection %s", sourceConnectionID)
	}

	settings, ok := b.registry.Get(shortName)
	if !ok {
		return TokenResponse{}, OAuthNotConfiguredError(shortName)
	}

	token, err := b.refresher.Refresh(ctx, settings, refreshToken)
	if err != nil {
		return TokenResponse{}, OAuthTokenExchangeError(err)
	}

	b.setCached(sourceConnectionID, token)
	log.Ctx(ctx).Info().Str("source_connection_id", sourceConnectionID).Msg("refreshed oauth access token")
	return token, nil
}

// Invalidate drops the cached token for a source connection, e.g. on a
// 401 from the downstream provider.
func (b *RefreshBroker) Invalidate(sourceConnectionID string) {
	b.mu.Lock()
	delete(b.cache, sourceConnectionID)
	b.mu.Unlock()
}

func (b *RefreshBroker) isExpiring(c *CachedToken) bool {
	return time.Until(c.ExpiresAt) <= ExpiryBuffer
}

func (b *RefreshBroker) getCached(key string) *CachedToken {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache[key]
}

func (b *RefreshBroker) setCached(key string, token TokenResponse) {
	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	if token.ExpiresIn == 0 {
		expiresAt = time.Now().Add(time.Hour) // conservative default for providers that omit expires_in
	}
	b.mu.Lock()
	b.cache[key] = &CachedToken{Token: token, ExpiresAt: expiresAt}
	b.mu.Unlock()
}
