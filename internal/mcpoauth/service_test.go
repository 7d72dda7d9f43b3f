package mcpoauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClients struct{ clients map[string]OAuthClient }

func (f *fakeClients) GetClient(ctx context.Context, clientID string) (OAuthClient, error) {
	c, ok := f.clients[clientID]
	if !ok {
		return OAuthClient{}, errNotFound
	}
	return c, nil
}

type fakeCodes struct {
	codes    map[string]OAuthAuthorizationCode
	consumed map[string]bool
}

func newFakeCodes() *fakeCodes {
	return &fakeCodes{codes: map[string]OAuthAuthorizationCode{}, consumed: map[string]bool{}}
}

func (f *fakeCodes) CreateAuthorizationCode(ctx context.Context, code OAuthAuthorizationCode) error {
	f.codes[code.Code] = code
	return nil
}

func (f *fakeCodes) ConsumeAuthorizationCode(ctx context.Context, code string) (OAuthAuthorizationCode, error) {
	c, ok := f.codes[code]
	if !ok || f.consumed[code] {
		return OAuthAuthorizationCode{}, errAuth
	}
	f.consumed[code] = true
	return c, nil
}

type fakeTokens struct {
	byAccess  map[string]OAuthAccessToken
	byRefresh map[string]string // refresh -> access
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{byAccess: map[string]OAuthAccessToken{}, byRefresh: map[string]string{}}
}

func (f *fakeTokens) CreateAccessToken(ctx context.Context, tok OAuthAccessToken) error {
	f.byAccess[tok.AccessToken] = tok
	f.byRefresh[tok.RefreshToken] = tok.AccessToken
	return nil
}

func (f *fakeTokens) GetByRefreshToken(ctx context.Context, refreshToken string) (OAuthAccessToken, error) {
	access, ok := f.byRefresh[refreshToken]
	if !ok {
		return OAuthAccessToken{}, errAuth
	}
	return f.byAccess[access], nil
}

func (f *fakeTokens) GetAccessToken(ctx context.Context, accessToken string) (OAuthAccessToken, error) {
	tok, ok := f.byAccess[accessToken]
	if !ok {
		return OAuthAccessToken{}, errAuth
	}
	return tok, nil
}

func (f *fakeTokens) RevokeAccessToken(ctx context.Context, accessToken string) error {
	if tok, ok := f.byAccess[accessToken]; ok {
		now := tok.ExpiresAt
		tok.RevokedAt = &now
		f.byAccess[accessToken] = tok
	}
	return nil
}

func (f *fakeTokens) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	access, ok := f.byRefresh[refreshToken]
	if !ok {
		return nil
	}
	tok := f.byAccess[access]
	now := tok.ExpiresAt
	tok.RevokedAt = &now
	f.byAccess[access] = tok
	delete(f.byRefresh, refreshToken)
	return nil
}

var (
	errNotFound = apperrNotFound()
	errAuth     = apperrAuth()
)

func newTestService() (*Service, *fakeClients, *fakeCodes, *fakeTokens) {
	clients := &fakeClients{clients: map[string]OAuthClient{
		"client1": {ClientID: "client1", RedirectURIs: []string{"https://client.example/callback"}, Name: "Test Client"},
	}}
	codes := newFakeCodes()
	tokens := newFakeTokens()
	issuer := NewIssuer([]byte("test-secret"), "https://airweave.example")
	return NewService(clients, codes, tokens, issuer), clients, codes, tokens
}

func validAuthorizeRequest() AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            "client1",
		RedirectURI:         "https://client.example/callback",
		Scope:               "mcp",
		State:               "xyz",
		CodeChallenge:       "dGVzdC1jaGFsbGVuZ2U", // placeholder, tests recompute real ones below
		CodeChallengeMethod: CodeChallengeMethodS256,
		OrganizationID:      "org1",
		UserID:              "user1",
	}
}

func TestAuthorize_IssuesCode_RequiresPKCE(t *testing.T) {
	svc, _, _, _ := newTestService()
	req := validAuthorizeRequest()
	req.CodeChallenge = ""

	_, err := svc.Authorize(context.Background(), req)
	require.Error(t, err)
}

func TestAuthorize_RejectsUnregisteredRedirectURI(t *testing.T) {
	svc, _, _, _ := newTestService()
	req := validAuthorizeRequest()
	req.RedirectURI = "https://evil.example/callback"

	_, err := svc.Authorize(context.Background(), req)
	require.Error(t, err)
}

func TestFullAuthorizationCodeFlow_IssuesWorkingAccessToken(t *testing.T) {
	svc, _, _, _ := newTestService()

	verifier, err := GenerateCode(32)
	require.NoError(t, err)
	challenge := s256(verifier)

	req := validAuthorizeRequest()
	req.CodeChallenge = challenge
	code, err := svc.Authorize(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	tokenResp, err := svc.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  req.RedirectURI,
		ClientID:     req.ClientID,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NotEmpty(t, tokenResp.AccessToken)
	require.NotEmpty(t, tokenResp.RefreshToken)
	require.Equal(t, "Bearer", tokenResp.TokenType)

	introspection, err := svc.Introspect(context.Background(), tokenResp.AccessToken)
	require.NoError(t, err)
	require.True(t, introspection.Active)
	require.Equal(t, "org1", introspection.OrganizationID)
	require.Equal(t, "user1", introspection.Sub)
}

func TestExchangeCode_WrongVerifier_Fails(t *testing.T) {
	svc, _, _, _ := newTestService()

	verifier, err := GenerateCode(32)
	require.NoError(t, err)
	challenge := s256(verifier)

	req := validAuthorizeRequest()
	req.CodeChallenge = challenge
	code, err := svc.Authorize(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  req.RedirectURI,
		ClientID:     req.ClientID,
		CodeVerifier: "wrong-verifier",
	})
	require.Error(t, err)
}

func TestExchangeCode_SingleUse_SecondExchangeFails(t *testing.T) {
	svc, _, _, _ := newTestService()

	verifier, err := GenerateCode(32)
	require.NoError(t, err)
	challenge := s256(verifier)

	req := validAuthorizeRequest()
	req.CodeChallenge = challenge
	code, err := svc.Authorize(context.Background(), req)
	require.NoError(t, err)

	tokReq := TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: req.RedirectURI, ClientID: req.ClientID, CodeVerifier: verifier}
	_, err = svc.Token(context.Background(), tokReq)
	require.NoError(t, err)

	_, err = svc.Token(context.Background(), tokReq)
	require.Error(t, err)
}

func TestRefreshToken_RotatesAndInvalidatesOldToken(t *testing.T) {
	svc, _, _, _ := newTestService()

	verifier, err := GenerateCode(32)
	require.NoError(t, err)
	req := validAuthorizeRequest()
	req.CodeChallenge = s256(verifier)
	code, err := svc.Authorize(context.Background(), req)
	require.NoError(t, err)

	first, err := svc.Token(context.Background(), TokenRequest{
		GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: req.RedirectURI,
		ClientID: req.ClientID, CodeVerifier: verifier,
	})
	require.NoError(t, err)

	second, err := svc.Token(context.Background(), TokenRequest{
		GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken, ClientID: req.ClientID,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.AccessToken, second.AccessToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// old refresh token is now dead
	_, err = svc.Token(context.Background(), TokenRequest{
		GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken, ClientID: req.ClientID,
	})
	require.Error(t, err)
}

func TestRevoke_MakesIntrospectionInactive(t *testing.T) {
	svc, _, _, _ := newTestService()

	verifier, err := GenerateCode(32)
	require.NoError(t, err)
	req := validAuthorizeRequest()
	req.CodeChallenge = s256(verifier)
	code, err := svc.Authorize(context.Background(), req)
	require.NoError(t, err)

	tokenResp, err := svc.Token(context.Background(), TokenRequest{
		GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: req.RedirectURI,
		ClientID: req.ClientID, CodeVerifier: verifier,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), tokenResp.AccessToken))

	introspection, err := svc.Introspect(context.Background(), tokenResp.AccessToken)
	require.NoError(t, err)
	require.False(t, introspection.Active)
}

func TestRevoke_UnknownToken_NeverErrors(t *testing.T) {
	svc, _, _, _ := newTestService()
	require.NoError(t, svc.Revoke(context.Background(), "never-issued-token"))
}
