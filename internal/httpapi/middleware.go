package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/contextresolver"
)

type ctxKey string

const apiContextKey ctxKey = "apiContext"

// apiContextFrom retrieves the ApiContext stashed by AuthMiddleware.
// Handlers call this instead of re-resolving auth on every request.
func apiContextFrom(ctx context.Context) (contextresolver.ApiContext, bool) {
	ac, ok := ctx.Value(apiContextKey).(contextresolver.ApiContext)
	return ac, ok
}

// AuthMiddleware runs spec.md §4.1's full resolution pipeline
// (authenticate → resolve org → access check → rate limit) once per
// request and stashes the result for handlers, mirroring the teacher's
// auth.Middleware gate in front of every sync endpoint.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := contextresolver.RequestHeaders{
			Authorization:  r.Header.Get("Authorization"),
			APIKey:         r.Header.Get("X-Api-Key"),
			OrganizationID: r.Header.Get("X-Organization-Id"),
			ClientName:     r.Header.Get("X-Client-Name"),
			SDKName:        r.Header.Get("X-SDK-Name"),
			SessionID:      r.Header.Get("X-Session-Id"),
		}

		requestID := middleware.GetReqID(r.Context())
		ac, err := s.Resolver.Resolve(r.Context(), requestID, h)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), apiContextKey, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// apperrorsFrom normalizes any error into *apperrors.Error so
// writeAPIError always has a Kind/HTTPStatus/Details to render,
// matching spec.md §7's "propagation policy" (validation/auth bubble
// unchanged; everything else gets the closed taxonomy applied).
func apperrorsFrom(err error) *apperrors.Error {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperrors.Wrap(apperrors.KindInvariant, err, "internal error")
}

// writeAPIError renders a *apperrors.Error as the wire shape spec.md §7
// expects: sanitized message (no stack traces/secrets), kind, and
// details (limit/current_usage for usage-limit errors, retry_after for
// rate-limit errors).
func writeAPIError(w http.ResponseWriter, ae *apperrors.Error) {
	if ae.Kind == apperrors.KindRateLimit {
		if ra, ok := ae.Details["retry_after"]; ok {
			if secs, ok := ra.(int); ok {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}
	writeJSON(w, ae.HTTPStatus(), errorResponse{
		Error:   apperrors.Sanitize(ae),
		Kind:    string(ae.Kind),
		Details: ae.Details,
	})
}
