package mcpoauth

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// Store persists clients, authorization codes, and access tokens in
// Postgres, following the same pgxpool-backed, EnsureSchema-at-startup
// shape as internal/oauthflow.Store.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{db: db} }

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mcp_oauth_clients (
			client_id TEXT PRIMARY KEY,
			client_secret TEXT NOT NULL DEFAULT '',
			redirect_uris JSONB NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS mcp_oauth_codes (
			code TEXT PRIMARY KEY,
			client_id TEXT NOT NULL REFERENCES mcp_oauth_clients(client_id),
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			redirect_uri TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			code_challenge TEXT NOT NULL,
			code_challenge_method TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			consumed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS mcp_oauth_tokens (
			access_token TEXT PRIMARY KEY,
			refresh_token TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL REFERENCES mcp_oauth_clients(client_id),
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ
		)`)
	return err
}

func (s *Store) GetClient(ctx context.Context, clientID string) (OAuthClient, error) {
	var c OAuthClient
	var redirectURIs []byte
	err := s.db.QueryRow(ctx, `
		SELECT client_id, client_secret, redirect_uris, name, created_at
		FROM mcp_oauth_clients WHERE client_id = $1`, clientID).
		Scan(&c.ClientID, &c.ClientSecret, &redirectURIs, &c.Name, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return OAuthClient{}, apperrors.New(apperrors.KindNotFound, "unknown oauth client")
	}
	if err != nil {
		return OAuthClient{}, apperrors.Wrap(apperrors.KindInvariant, err, "load oauth client")
	}
	if err := json.Unmarshal(redirectURIs, &c.RedirectURIs); err != nil {
		return OAuthClient{}, apperrors.Wrap(apperrors.KindInvariant, err, "unmarshal redirect uris")
	}
	return c, nil
}

func (s *Store) CreateClient(ctx context.Context, c OAuthClient) error {
	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "marshal redirect uris")
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO mcp_oauth_clients (client_id, client_secret, redirect_uris, name)
		VALUES ($1,$2,$3,$4)`,
		c.ClientID, c.ClientSecret, redirectURIs, c.Name)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "persist oauth client")
	}
	return nil
}

func (s *Store) CreateAuthorizationCode(ctx context.Context, code OAuthAuthorizationCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mcp_oauth_codes
			(code, client_id, organization_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		code.Code, code.ClientID, code.OrganizationID, code.UserID, code.RedirectURI,
		code.Scope, code.CodeChallenge, string(code.CodeChallengeMethod), code.ExpiresAt)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "persist authorization code")
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks a code consumed and returns
// it, failing if the code is unknown, already consumed, or expired.
// Single-use is enforced by the UPDATE's WHERE clause, the same
// race-safe pattern internal/oauthflow.Store.CompleteSession uses.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeStr string) (OAuthAuthorizationCode, error) {
	var code OAuthAuthorizationCode
	var method string
	err := s.db.QueryRow(ctx, `
		UPDATE mcp_oauth_codes SET consumed_at = now()
		WHERE code = $1 AND consumed_at IS NULL AND expires_at > now()
		RETURNING code, client_id, organization_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, expires_at`,
		codeStr).Scan(&code.Code, &code.ClientID, &code.OrganizationID, &code.UserID,
		&code.RedirectURI, &code.Scope, &code.CodeChallenge, &method, &code.ExpiresAt)
	if err == pgx.ErrNoRows {
		return OAuthAuthorizationCode{}, apperrors.New(apperrors.KindAuth, "authorization code invalid, expired, or already used")
	}
	if err != nil {
		return OAuthAuthorizationCode{}, apperrors.Wrap(apperrors.KindInvariant, err, "consume authorization code")
	}
	code.CodeChallengeMethod = CodeChallengeMethod(method)
	return code, nil
}

func (s *Store) CreateAccessToken(ctx context.Context, tok OAuthAccessToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mcp_oauth_tokens
			(access_token, refresh_token, client_id, organization_id, user_id, scope, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		tok.AccessToken, tok.RefreshToken, tok.ClientID, tok.OrganizationID, tok.UserID, tok.Scope, tok.ExpiresAt)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "persist access token")
	}
	return nil
}

func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (OAuthAccessToken, error) {
	var tok OAuthAccessToken
	err := s.db.QueryRow(ctx, `
		SELECT access_token, refresh_token, client_id, organization_id, user_id, scope, expires_at, revoked_at
		FROM mcp_oauth_tokens WHERE refresh_token = $1`, refreshToken).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.ClientID, &tok.OrganizationID, &tok.UserID,
			&tok.Scope, &tok.ExpiresAt, &tok.RevokedAt)
	if err == pgx.ErrNoRows {
		return OAuthAccessToken{}, apperrors.New(apperrors.KindAuth, "unknown refresh token")
	}
	if err != nil {
		return OAuthAccessToken{}, apperrors.Wrap(apperrors.KindInvariant, err, "load refresh token")
	}
	return tok, nil
}

func (s *Store) RevokeAccessToken(ctx context.Context, accessToken string) error {
	_, err := s.db.Exec(ctx, `UPDATE mcp_oauth_tokens SET revoked_at = now() WHERE access_token = $1`, accessToken)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "revoke access token")
	}
	return nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	_, err := s.db.Exec(ctx, `UPDATE mcp_oauth_tokens SET revoked_at = now() WHERE refresh_token = $1`, refreshToken)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "revoke refresh token")
	}
	return nil
}

func (s *Store) GetAccessToken(ctx context.Context, accessToken string) (OAuthAccessToken, error) {
	var tok OAuthAccessToken
	err := s.db.QueryRow(ctx, `
		SELECT access_token, refresh_token, client_id, organization_id, user_id, scope, expires_at, revoked_at
		FROM mcp_oauth_tokens WHERE access_token = $1`, accessToken).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.ClientID, &tok.OrganizationID, &tok.UserID,
			&tok.Scope, &tok.ExpiresAt, &tok.RevokedAt)
	if err == pgx.ErrNoRows {
		return OAuthAccessToken{}, apperrors.New(apperrors.KindAuth, "unknown access token")
	}
	if err != nil {
		return OAuthAccessToken{}, apperrors.Wrap(apperrors.KindInvariant, err, "load access token")
	}
	return tok, nil
}
