package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/oauthflow"
)

// Authorize implements GET /source-connections/authorize/{code}
// (spec.md §6): resolve the proxy code to the provider's absolute auth
// URL and redirect the browser there.
func (s *Server) Authorize(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	target, err := s.OAuthFlow.Authorize(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// CallbackOAuth2 implements GET /source-connections/callback (spec.md
// §4.2, §6): absorbs `state`+`code`, exchanges for a token, and hands
// the CompletionResult back to the caller to finalize the connection.
// Finalization (writing IntegrationCredential + Connection) is owned
// by sourceconn per spec.md §4.2's last line ("the caller finalizes
// connection creation") — this handler surfaces the completion result
// so an operator/SDK can drive that step.
func (s *Server) CallbackOAuth2(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := s.OAuthFlow.CallbackOAuth2(r.Context(), oauthflow.CallbackOAuth2Input{
		State: q.Get("state"),
		Code:  q.Get("code"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CallbackOAuth1 implements GET /source-connections/callback/oauth1.
func (s *Server) CallbackOAuth1(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("oauth_token")
	verifier := q.Get("oauth_verifier")
	if token == "" || verifier == "" {
		writeError(w, apperrors.New(apperrors.KindValidation, "missing oauth_token or oauth_verifier"))
		return
	}
	result, err := s.OAuthFlow.CallbackOAuth1(r.Context(), oauthflow.CallbackOAuth1Input{
		OAuthToken:    token,
		OAuthVerifier: verifier,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
