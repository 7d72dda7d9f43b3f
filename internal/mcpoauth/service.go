package mcpoauth

import (
	"context"
	"time"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// ClientStore, CodeStore, and TokenStore narrow Store down to the seam
// Service actually needs, so tests can fake just the methods they use.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (OAuthClient, error)
}

type CodeStore interface {
	CreateAuthorizationCode(ctx context.Context, code OAuthAuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (OAuthAuthorizationCode, error)
}

type TokenStore interface {
	CreateAccessToken(ctx context.Context, tok OAuthAccessToken) error
	GetByRefreshToken(ctx context.Context, refreshToken string) (OAuthAccessToken, error)
	GetAccessToken(ctx context.Context, accessToken string) (OAuthAccessToken, error)
	RevokeAccessToken(ctx context.Context, accessToken string) error
	RevokeRefreshToken(ctx context.Context, refreshToken string) error
}

// Service implements the authorize/token/revoke/introspect endpoints
// (spec.md/SPEC_FULL.md §2.20).
type Service struct {
	clients ClientStore
	codes   CodeStore
	tokens  TokenStore
	issuer  *Issuer
}

func NewService(clients ClientStore, codes CodeStore, tokens TokenStore, issuer *Issuer) *Service {
	return &Service{clients: clients, codes: codes, tokens: tokens, issuer: issuer}
}

// Authorize validates the request against the registered client and
// mints a single-use authorization code (RFC 6749 §4.1.1, OAuth 2.1
// mandatory PKCE). It does not itself perform user login — the caller
// is expected to have already authenticated the user (userID) before
// calling this, the same separation the teacher's context resolver
// draws between "token is valid" and "who is this."
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !redirectURIAllowed(client, req.RedirectURI) {
		return "", apperrors.New(apperrors.KindValidation, "redirect_uri not registered for this client")
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod != CodeChallengeMethodS256 {
		return "", apperrors.New(apperrors.KindValidation, "PKCE with S256 is required")
	}
	if req.UserID == "" || req.OrganizationID == "" {
		return "", apperrors.New(apperrors.KindInvariant, "authorize called before user/org resolution")
	}

	code, err := GenerateCode(32)
	if err != nil {
		return "", err
	}

	err = s.codes.CreateAuthorizationCode(ctx, OAuthAuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		OrganizationID:      req.OrganizationID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(AuthorizationCodeTTL),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Token exchanges an authorization code (with PKCE verification) or a
// refresh token for a fresh access token (RFC 6749 §4.1.3 / §6).
func (s *Service) Token(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.refresh(ctx, req)
	default:
		return TokenResponse{}, apperrors.Newf(apperrors.KindValidation, "unsupported grant_type %q", req.GrantType)
	}
}

func (s *Service) exchangeCode(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	code, err := s.codes.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		return TokenResponse{}, err
	}
	if code.ClientID != req.ClientID {
		return TokenResponse{}, apperrors.New(apperrors.KindAuth, "authorization code was not issued to this client")
	}
	if code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, apperrors.New(apperrors.KindAuth, "redirect_uri does not match the authorization request")
	}
	if err := VerifyPKCE(code.CodeChallengeMethod, req.CodeVerifier, code.CodeChallenge); err != nil {
		return TokenResponse{}, err
	}

	return s.issueTokens(ctx, code.ClientID, code.OrganizationID, code.UserID, code.Scope)
}

func (s *Service) refresh(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	existing, err := s.tokens.GetByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return TokenResponse{}, err
	}
	if existing.RevokedAt != nil {
		return TokenResponse{}, apperrors.New(apperrors.KindAuth, "refresh token has been revoked")
	}
	if existing.ClientID != req.ClientID {
		return TokenResponse{}, apperrors.New(apperrors.KindAuth, "refresh token was not issued to this client")
	}

	// Refresh token rotation: the old refresh token is revoked as soon
	// as a new pair is issued, so a leaked-and-replayed old token can't
	// also mint a valid session.
	if err := s.tokens.RevokeRefreshToken(ctx, req.RefreshToken); err != nil {
		return TokenResponse{}, err
	}
	return s.issueTokens(ctx, existing.ClientID, existing.OrganizationID, existing.UserID, existing.Scope)
}

func (s *Service) issueTokens(ctx context.Context, clientID, orgID, userID, scope string) (TokenResponse, error) {
	accessToken, expiresAt, err := s.issuer.Sign(userID, orgID, clientID, scope, AccessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	refreshToken, err := GenerateCode(48)
	if err != nil {
		return TokenResponse{}, err
	}

	err = s.tokens.CreateAccessToken(ctx, OAuthAccessToken{
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		ClientID:       clientID,
		OrganizationID: orgID,
		UserID:         userID,
		Scope:          scope,
		ExpiresAt:      time.Now().Add(RefreshTokenTTL),
	})
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// Revoke implements RFC 7009: revoking either token type is always a
// 200-equivalent success, even for an unknown token, so a client can't
// probe token validity through the revoke endpoint's response.
func (s *Service) Revoke(ctx context.Context, token string) error {
	_ = s.tokens.RevokeAccessToken(ctx, token)
	_ = s.tokens.RevokeRefreshToken(ctx, token)
	return nil
}

// Introspect implements RFC 7662.
func (s *Service) Introspect(ctx context.Context, token string) (IntrospectionResponse, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return IntrospectionResponse{Active: false}, nil
	}
	tok, err := s.tokens.GetAccessToken(ctx, token)
	if err != nil || tok.RevokedAt != nil {
		return IntrospectionResponse{Active: false}, nil
	}
	if time.Now().After(tok.ExpiresAt) {
		return IntrospectionResponse{Active: false}, nil
	}

	return IntrospectionResponse{
		Active:         true,
		ClientID:       tok.ClientID,
		Scope:          tok.Scope,
		OrganizationID: tok.OrganizationID,
		Sub:            claims.Subject,
		Exp:            claims.ExpiresAt.Unix(),
	}, nil
}

func redirectURIAllowed(client OAuthClient, redirectURI string) bool {
	for _, u := range client.RedirectURIs {
		if u == redirectURI {
			return true
		}
	}
	return false
}
