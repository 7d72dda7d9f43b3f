// Package circuitbreaker gives every downstream provider (embedding
// API, vector DB, keyword index, identity/payments provider) a shared,
// named circuit breaker with cooldown + half-open behavior (spec.md
// §2 "Circuit breaker", §4.4.6, §5 "shared resource policy"). It wraps
// sony/gobreaker, the breaker library grounded in the retrieval pack's
// jordigilh-kubernaut go.mod.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// Registry lazily creates one breaker per provider name and hands back
// the same instance on every subsequent call — the "process-wide
// singleton created lazily under a lock" §5 requires, but as an
// explicit container field rather than a package-level global.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings Settings
}

// Settings configures every breaker the registry creates. Defaults
// match spec.md §4.4.6: trip after enough consecutive failures, 120s
// cooldown before half-open, one trial request while half-open.
type Settings struct {
	MaxConsecutiveFailures uint32
	CooldownPeriod         time.Duration
	HalfOpenMaxRequests    uint32
}

func DefaultSettings() Settings {
	return Settings{
		MaxConsecutiveFailures: 5,
		CooldownPeriod:         120 * time.Second,
		HalfOpenMaxRequests:    1,
	}
}

func NewRegistry(settings Settings) *Registry {
	return &Registry{breakers: make(map[string]*gobreaker.CircuitBreaker), settings: settings}
}

func (r *Registry) breaker(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[provider]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: r.settings.HalfOpenMaxRequests,
		Interval:    0, // never reset counts while closed; only the cooldown timeout matters
		Timeout:     r.settings.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.MaxConsecutiveFailures
		},
	})
	r.breakers[provider] = b
	return b
}

// Execute runs fn through provider's breaker. If the breaker is open,
// it fails fast with a retryable remote-provider error rather than
// calling fn at all — the "skipped for cooldown" behavior of §4.4.6.
func (r *Registry) Execute(ctx context.Context, provider string, fn func(context.Context) error) error {
	_, err := r.breaker(provider).Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.Wrapf(apperrors.KindRemoteProvider, err, "provider %q circuit open", provider).AsRetryable()
	}
	return err
}

// State reports the current breaker state for a provider, for
// diagnostics/metrics surfaces.
func (r *Registry) State(provider string) gobreaker.State {
	return r.breaker(provider).State()
}
