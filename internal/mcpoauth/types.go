// Package mcpoauth implements the MCP-style OAuth 2.1 authorization
// server (spec.md/SPEC_FULL.md §2.20): authorize/token/revoke/introspect
// with mandatory PKCE (S256). Airweave is the authorization server here
// — MCP clients (Claude Desktop and similar) register once and then run
// the standard authorization_code + PKCE dance against these endpoints
// to get a token scoped to one organization's MCP surface.
//
// Access tokens are HS256 JWTs that this package signs and verifies
// itself with a local secret (jwt.go), keeping the Claims shape of the
// teacher's internal/mcpserver/server/jwt.go; there is no JWKS fetch,
// key cache or RSA path. oauth_metadata.go's RFC 8414/9728 discovery
// document shape is reused directly; passthrough_token.go and
// token_introspector.go ground the introspection endpoint's
// request/response contract.
package mcpoauth

import "time"

// OAuthClient is a registered MCP client (spec.md/SPEC_FULL.md §2.20).
type OAuthClient struct {
	ClientID     string
	ClientSecret string // empty for public clients (PKCE required in that case)
	RedirectURIs []string
	Name         string
	CreatedAt    time.Time
}

// IsPublic reports whether this client must use PKCE because it cannot
// hold a client secret (SPAs, native/desktop apps).
func (c OAuthClient) IsPublic() bool { return c.ClientSecret == "" }

// CodeChallengeMethod is the PKCE transform applied to the code
// verifier. Only S256 is accepted; "plain" is rejected per OAuth 2.1's
// removal of the plain method for public clients.
type CodeChallengeMethod string

const CodeChallengeMethodS256 CodeChallengeMethod = "S256"

// OAuthAuthorizationCode is a single-use authorization code minted by
// Authorize and consumed by Token.
type OAuthAuthorizationCode struct {
	Code                string
	ClientID            string
	OrganizationID      string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod CodeChallengeMethod
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
}

// OAuthAccessToken is an issued token and its paired refresh token.
type OAuthAccessToken struct {
	AccessToken    string
	RefreshToken   string
	ClientID       string
	OrganizationID string
	UserID         string
	Scope          string
	ExpiresAt      time.Time
	RevokedAt      *time.Time
}

// AuthorizeRequest is the /authorize query the MCP client redirects the
// user's browser to.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod CodeChallengeMethod
	OrganizationID      string
	UserID              string
}

// TokenRequest is the /token POST body for the authorization_code or
// refresh_token grant.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse mirrors RFC 6749 §5.1's token response shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse mirrors RFC 7662's introspection response.
type IntrospectionResponse struct {
	Active         bool   `json:"active"`
	ClientID       string `json:"client_id,omitempty"`
	Scope          string `json:"scope,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Sub            string `json:"sub,omitempty"`
	Exp            int64  `json:"exp,omitempty"`
}

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	AuthorizationCodeTTL = 2 * time.Minute
	AccessTokenTTL       = 1 * time.Hour
	RefreshTokenTTL      = 30 * 24 * time.Hour
)
