// Package httpapi is the thin REST surface over the core (spec.md §1
// "out of scope: HTTP/REST surface (thin FastAPI layer)" — SPEC_FULL.md
// §2.21 still carries it as the ambient HTTP transport every other
// package needs a front door through). Routes and middleware
// composition are grounded directly on the teacher's
// internal/httpapi/router.go: the same RequestID/RealIP/Logger/
// Recoverer/CORS middleware stack, the same writeJSON/writeError
// helpers, the same nested r.Group() shape for auth-gated subtrees —
// repointed at source connections, OAuth flows, usage guardrails,
// search, and the MCP OAuth provider instead of the teacher's note/
// task/comment/chat sync endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/aclpipeline"
	"github.com/airweave-ai/airweave-core/internal/contextresolver"
	"github.com/airweave-ai/airweave-core/internal/mcpoauth"
	"github.com/airweave-ai/airweave-core/internal/oauthflow"
	"github.com/airweave-ai/airweave-core/internal/orchestrator"
	"github.com/airweave-ai/airweave-core/internal/searchpipeline"
	"github.com/airweave-ai/airweave-core/internal/sourceconn"
	"github.com/airweave-ai/airweave-core/internal/usageguardrail"
)

// Server holds every dependency the HTTP handlers need, built once at
// startup by cmd/server's Container and handed to Routes. Nothing here
// is a package-level singleton (spec.md §9 "singletons / global state").
type Server struct {
	Resolver       *contextresolver.Resolver
	SourceConns    *sourceconn.Service
	OAuthFlow      *oauthflow.Service
	Scheduler      *orchestrator.Scheduler
	Usage          *usageguardrail.Guardrail
	SearchPipeline *searchpipeline.Pipeline
	MCPOAuth       *mcpoauth.Service
	ACL            *aclpipeline.Pipeline
	Jobs           JobStore
	Dashboard      DashboardStore
	CollectionMeta CollectionMetaStore
	PublicURL      string
}

// writeJSON mirrors the teacher's writeJSON helper exactly.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorResponse mirrors spec.md §7's error taxonomy shape over the wire:
// a kind, a sanitized message, and optional details (limit/current_usage,
// retry_after) — never a stack trace (apperrors.Sanitize enforces that).
type errorResponse struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	writeAPIError(w, apperrorsFrom(err))
}

func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes composes the middleware stack and route tree. Grounded on
// teacher's router.go: RequestID/RealIP first, then structured logging
// and panic recovery, then CORS, then an authenticated group holding
// every domain route.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "X-Api-Key", "X-Organization-Id", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// OAuth2/OAuth1 callback + proxy-authorize endpoints are reached by
	// a browser redirect before any backend session exists, so they sit
	// outside the authenticated group (spec.md §4.2, §6).
	r.Get("/source-connections/authorize/{code}", s.Authorize)
	r.Get("/source-connections/callback", s.CallbackOAuth2)
	r.Get("/source-connections/callback/oauth1", s.CallbackOAuth1)

	// MCP-style OAuth 2.1 authorization server surface (spec.md §6,
	// SPEC_FULL.md §2.20) — also unauthenticated by construction: these
	// endpoints ARE the authentication mechanism for MCP clients.
	r.Get("/.well-known/oauth-authorization-server", s.OAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", s.OAuthProtectedResourceMetadata)
	r.Get("/oauth/authorize", s.MCPAuthorize)
	r.Post("/oauth/token", s.MCPToken)
	r.Post("/oauth/revoke", s.MCPRevoke)
	r.Post("/oauth/introspect", s.MCPIntrospect)

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Post("/source-connections", s.CreateSourceConnection)
		r.Get("/source-connections", s.ListSourceConnections)
		r.Get("/source-connections/{id}", s.GetSourceConnection)
		r.Delete("/source-connections/{id}", s.DeleteSourceConnection)
		r.Post("/source-connections/{id}/run", s.RunSourceConnection)
		r.Get("/source-connections/{id}/jobs", s.ListSyncJobs)
		r.Post("/source-connections/{id}/jobs/{job}/cancel", s.CancelSyncJob)

		r.Post("/usage/check-actions", s.CheckActions)
		r.Get("/usage/dashboard", s.UsageDashboard)

		r.Get("/search/stream", s.Search)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
