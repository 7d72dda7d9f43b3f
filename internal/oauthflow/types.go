// Package oauthflow implements the OAuth2 (with/without refresh, PKCE,
// BYOC) and OAuth1 init/callback/exchange lifecycle, plus the
// RedirectSession proxy-URL indirection (spec.md §2 "OAuth flow
// service", §4.2, §3 ConnectionInitSession/RedirectSession). The
// token-cache-with-expiry-buffer discipline is adapted from the
// teacher's internal/mcpserver/auth.TokenBroker: there it cached one
// Auth0 access token per (audience, scope) pair for a single logged-in
// user; here the same cache-keyed-by-composite-key-with-ExpiryBuffer
// shape backs a per-source-connection access/refresh token cache
// instead, grounded on internal/mcpserver/auth/broker.go.
package oauthflow

import (
	"context"
	"time"
)

// SessionState is the ConnectionInitSession lifecycle (spec.md §3).
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionCompleted SessionState = "completed"
	SessionExpired   SessionState = "expired"
	SessionCancelled SessionState = "cancelled"
)

// Overrides carries BYOC client credentials and OAuth1 request-token
// state, stored alongside the session row (spec.md §3).
type Overrides struct {
	ClientID           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"`
	CodeVerifier       string `json:"code_verifier,omitempty"`
	TemplateConfigs    map[string]any `json:"template_configs,omitempty"`
	OAuthToken         string `json:"oauth_token,omitempty"`       // OAuth1
	OAuthTokenSecret   string `json:"oauth_token_secret,omitempty"` // OAuth1
	ConsumerKey        string `json:"consumer_key,omitempty"`
	ConsumerSecret     string `json:"consumer_secret,omitempty"`
}

// ConnectionInitSession is the short-lived OAuth handshake row (spec.md
// §3), keyed by state (OAuth2) or oauth_token (OAuth1).
type ConnectionInitSession struct {
	ID                string
	ShortName         string
	State             SessionState
	SessionKey        string // the OAuth2 `state` or OAuth1 `oauth_token`
	Payload           map[string]any
	Overrides         Overrides
	RedirectSessionID string
	OrganizationID    string
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

func (s ConnectionInitSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RedirectSession is the short random code → absolute provider URL
// indirection (spec.md §3), 24h TTL.
type RedirectSession struct {
	Code      string
	TargetURL string
	ExpiresAt time.Time
}

// IntegrationSettings describes how to drive one provider's OAuth
// dance: endpoints, whether PKCE/refresh apply, and OAuth1 vs OAuth2.
type IntegrationSettings struct {
	ShortName    string
	Kind         Kind
	AuthURL      string
	TokenURL     string
	RequestTokenURL string // OAuth1 only
	Scopes       []string
	UsesPKCE     bool
	SupportsRefresh bool
	DefaultClientID     string
	DefaultClientSecret string
}

type Kind string

const (
	KindOAuth2 Kind = "oauth2"
	KindOAuth1 Kind = "oauth1"
)

// TokenResponse is what the provider hands back on successful exchange.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	Raw          map[string]any
}

// CompletionResult is what Callback hands back to the caller, who then
// finalizes connection creation (writes IntegrationCredential +
// Connection) — oauthflow itself never writes those rows (spec.md §4.2
// step 3).
type CompletionResult struct {
	TokenResponse  TokenResponse
	InitSession    ConnectionInitSession
	OriginalPayload map[string]any
	Overrides      Overrides
	ShortName      string
	OrganizationID string
}

// Exchanger performs the provider-specific code/token exchange. A real
// deployment registers one per integration kind; tests inject a fake.
type Exchanger interface {
	ExchangeOAuth2(ctx context.Context, settings IntegrationSettings, code, codeVerifier, clientID, clientSecret string) (TokenResponse, error)
	ExchangeOAuth1(ctx context.Context, settings IntegrationSettings, oauthToken, oauthTokenSecret, verifier, consumerKey, consumerSecret string) (TokenResponse, error)
	RequestOAuth1Token(ctx context.Context, settings IntegrationSettings, consumerKey, consumerSecret string) (token, secret string, err error)
}
