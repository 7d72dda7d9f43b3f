// Package contextresolver builds the per-request ApiContext spec.md
// §4.1 describes: authenticate -> resolve org -> access check ->
// rate-limit. Token validation (RS256 via JWKS, HS256 for
// dev/backend-issued tokens) is adapted directly from the teacher's
// internal/auth/jwt.go JWKSCache/ValidateToken, which served the same
// dual-algorithm purpose for a single-tenant API; generalized here to
// also carry the identity-provider subject through to organization and
// membership resolution instead of stopping at a bare user id.
package contextresolver

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// JWTConfig mirrors the teacher's JWTCfg: an HS256 shared secret for
// dev/backend tokens plus optional upstream OIDC RS256 validation via
// JWKS.
type JWTConfig struct {
	HS256Secret       string
	DevMode           bool
	Issuer            string
	JWKSURL           string
	Audience          string
	AcceptedAudiences []string
}

type jwksCache struct {
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	cacheTTL   time.Duration
	jwksURL    string
	httpClient *http.Client
}

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		keys:       make(map[string]*rsa.PublicKey),
		cacheTTL:   15 * time.Minute,
		jwksURL:    url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *jwksCache) fetch(forceRefresh bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && time.Since(c.lastFetch) < c.cacheTTL && len(c.keys) > 0 {
		return nil
	}

	resp, err := c.httpClient.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read JWKS response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Use != "sig" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		var eInt int
		for _, b := range eBytes {
			eInt = eInt<<8 | int(b)
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}
	}

	if len(keys) == 0 {
		return fmt.Errorf("no valid RSA signing keys found in JWKS")
	}

	c.keys = keys
	c.lastFetch = time.Now()
	log.Info().Int("key_count", len(keys)).Msg("refreshed JWKS cache")
	return nil
}

func (c *jwksCache) getKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	expired := time.Since(c.lastFetch) >= c.cacheTTL
	key, ok := c.keys[kid]
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}
	if err := c.fetch(!ok); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

// Validator validates bearer tokens and extracts the (subject, claims)
// pair ApiContext construction needs.
type Validator struct {
	cfg   JWTConfig
	jwks  *jwksCache
}

func NewValidator(cfg JWTConfig) *Validator {
	v := &Validator{cfg: cfg}
	if cfg.JWKSURL != "" {
		v.jwks = newJWKSCache(cfg.JWKSURL)
	}
	return v
}

// Prefetch warms the JWKS cache at startup; failure is non-fatal (the
// teacher's main.go logs a warning and retries lazily on first request).
func (v *Validator) Prefetch() error {
	if v.jwks == nil {
		return nil
	}
	return v.jwks.fetch(true)
}

// Claims is the subset of JWT claims ApiContext construction consumes.
type Claims struct {
	Subject    string
	Email      string
	Audience   string
	IssuedAt   time.Time
	JTI        string
	IsBackend  bool
}

// Validate accepts RS256 tokens verified against the configured JWKS
// and HS256 tokens signed with the shared secret (dev mode, or
// backend-issued token-exchange tokens), exactly the two algorithms
// the teacher's ValidateToken supports.
func (v *Validator) Validate(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			if v.jwks == nil {
				return nil, fmt.Errorf("RS256 token received but no JWKS configured")
			}
			kid, _ := t.Header["kid"].(string)
			return v.jwks.getKey(kid)
		case *jwt.SigningMethodHMAC:
			return []byte(v.cfg.HS256Secret), nil
		default:
			return nil, fmt.Errorf("unsupported signing method %v", t.Header["alg"])
		}
	})
	if err != nil || !token.Valid {
		return Claims{}, apperrors.Wrap(apperrors.KindAuth, err, "invalid token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, apperrors.New(apperrors.KindAuth, "malformed claims")
	}

	claims := Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if aud, ok := mapClaims["aud"].(string); ok {
		claims.Audience = aud
	}
	if jti, ok := mapClaims["jti"].(string); ok {
		claims.JTI = jti
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0)
	}
	if tokenType, ok := mapClaims["token_type"].(string); ok && tokenType == "backend" {
		claims.IsBackend = true
	}
	if iss, ok := mapClaims["iss"].(string); ok && iss == "airweave-backend" {
		claims.IsBackend = true
	}

	if claims.Audience != "" && v.cfg.Audience != "" && claims.Audience != v.cfg.Audience {
		accepted := false
		for _, a := range v.cfg.AcceptedAudiences {
			if claims.Audience == a {
				accepted = true
				break
			}
		}
		if !accepted {
			return Claims{}, apperrors.New(apperrors.KindAuth, "audience mismatch")
		}
	}

	if claims.Subject == "" {
		return Claims{}, apperrors.New(apperrors.KindAuth, "missing sub claim")
	}

	return claims, nil
}
