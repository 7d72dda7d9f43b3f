package httpapi

import (
	"net/http"
	"net/url"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/mcpoauth"
)

// OAuthServerMetadata implements GET /.well-known/oauth-authorization-server
// (RFC 8414, spec.md §6).
func (s *Server) OAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mcpoauth.BuildServerMetadata(s.PublicURL))
}

// OAuthProtectedResourceMetadata implements GET
// /.well-known/oauth-protected-resource (RFC 9728, spec.md §6).
func (s *Server) OAuthProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mcpoauth.BuildProtectedResourceMetadata(s.PublicURL))
}

// MCPAuthorize implements GET /oauth/authorize — the MCP 2.1 authorize
// endpoint. The caller (a logged-in operator's browser session, not a
// bearer-token API client) is expected to have already established
// OrganizationID/UserID upstream of this handler.
func (s *Server) MCPAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, err := s.MCPOAuth.Authorize(r.Context(), mcpoauth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: mcpoauth.CodeChallengeMethod(q.Get("code_challenge_method")),
		OrganizationID:      q.Get("organization_id"),
		UserID:              q.Get("user_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	// Authorize has already matched redirect_uri against the client's
	// registered URIs; send the browser back there with code and state.
	target, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindValidation, err, "invalid redirect_uri"))
		return
	}
	params := target.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// MCPToken implements POST /oauth/token.
func (s *Server) MCPToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindValidation, err, "invalid form body"))
		return
	}
	f := r.PostForm
	tok, err := s.MCPOAuth.Token(r.Context(), mcpoauth.TokenRequest{
		GrantType:    f.Get("grant_type"),
		Code:         f.Get("code"),
		RedirectURI:  f.Get("redirect_uri"),
		ClientID:     f.Get("client_id"),
		ClientSecret: f.Get("client_secret"),
		CodeVerifier: f.Get("code_verifier"),
		RefreshToken: f.Get("refresh_token"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// MCPRevoke implements POST /oauth/revoke (RFC 7009) — always answers
// 200 regardless of token validity, per the RFC's anti-enumeration
// posture.
func (s *Server) MCPRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindValidation, err, "invalid form body"))
		return
	}
	_ = s.MCPOAuth.Revoke(r.Context(), r.PostForm.Get("token"))
	w.WriteHeader(http.StatusOK)
}

// MCPIntrospect implements POST /oauth/introspect (RFC 7662).
func (s *Server) MCPIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindValidation, err, "invalid form body"))
		return
	}
	resp, err := s.MCPOAuth.Introspect(r.Context(), r.PostForm.Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
