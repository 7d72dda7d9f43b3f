package contextresolver

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/cache"
	"github.com/airweave-ai/airweave-core/internal/ratelimit"
)

// AuthMethod is one of the three ways a request can be authenticated
// (spec.md §4.1 step 5).
type AuthMethod string

const (
	AuthSystem   AuthMethod = "system"
	AuthOAuthUser AuthMethod = "oauth_user"
	AuthAPIKey   AuthMethod = "api_key"
)

// Organization and User are the minimal views contextresolver needs;
// the full domain types live in whatever owns the relational schema
// (spec.md §1 "out of scope: concrete relational schema").
type Organization struct {
	ID            uuid.UUID
	Name          string
	EnabledFeatures []string
}

type User struct {
	ID                   uuid.UUID
	Email                string
	PrimaryOrganizationID uuid.UUID
	Memberships          []Membership
}

type Membership struct {
	OrganizationID uuid.UUID
	Role           string
}

func (u User) HasMembership(orgID uuid.UUID) bool {
	for _, m := range u.Memberships {
		if m.OrganizationID == orgID {
			return true
		}
	}
	return false
}

// ApiContext is the fully resolved per-request context (spec.md §4.1
// step 5): request_id, organization, optional user, auth method +
// metadata, parsed client headers, and a request-scoped logger.
type ApiContext struct {
	RequestID    string
	Organization Organization
	User         *User
	AuthMethod   AuthMethod
	AuthMetadata map[string]any
	ClientName   string
	SDKName      string
	SessionID    string
	Logger       zerolog.Logger
}

// UserStore, OrgStore, APIKeyStore, and MembershipStore are the
// repository seams contextresolver depends on — concrete relational
// schema is explicitly out of scope (spec.md §1), so these are narrow
// interfaces a Postgres-backed implementation satisfies elsewhere.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	UpsertFromIdentityProvider(ctx context.Context, subject, email string) (User, error)
	TouchLastActive(ctx context.Context, userID uuid.UUID) error
}

type OrgStore interface {
	Get(ctx context.Context, id uuid.UUID) (Organization, error)
}

type APIKey struct {
	KeyHash        string
	OrganizationID uuid.UUID
	CreatedByEmail string
	ExpiresAt      *time.Time
}

type APIKeyStore interface {
	GetByKey(ctx context.Context, rawKey string) (APIKey, error)
}

// Resolver implements spec.md §4.1's ordered pipeline.
type Resolver struct {
	validator      *Validator
	users          UserStore
	orgs           OrgStore
	apiKeys        APIKeyStore
	blacklist      *cache.Blacklist
	orgCache       *cache.Cache
	limiter        *ratelimit.Limiter
	authEnabled    bool
	firstSuperuser string
}

func NewResolver(validator *Validator, users UserStore, orgs OrgStore, apiKeys APIKeyStore,
	blacklist *cache.Blacklist, orgCache *cache.Cache, limiter *ratelimit.Limiter,
	authEnabled bool, firstSuperuser string) *Resolver {
	return &Resolver{
		validator: validator, users: users, orgs: orgs, apiKeys: apiKeys,
		blacklist: blacklist, orgCache: orgCache, limiter: limiter,
		authEnabled: authEnabled, firstSuperuser: firstSuperuser,
	}
}

// RequestHeaders carries the inbound values the resolver consumes
// (spec.md §6 "Headers the resolver consumes").
type RequestHeaders struct {
	Authorization    string
	APIKey           string
	OrganizationID   string
	ClientName       string
	SDKName          string
	SessionID        string
}

// Resolve runs the full context-resolution pipeline (spec.md §4.1).
func (r *Resolver) Resolve(ctx context.Context, requestID string, h RequestHeaders) (ApiContext, error) {
	authMethod, user, authMeta, err := r.authenticate(ctx, h)
	if err != nil {
		return ApiContext{}, err
	}

	orgID, err := r.resolveOrgID(h, user, authMeta)
	if err != nil {
		return ApiContext{}, err
	}

	org, err := r.fetchOrganization(ctx, orgID)
	if err != nil {
		return ApiContext{}, err
	}

	if err := r.accessCheck(authMethod, user, authMeta, org); err != nil {
		return ApiContext{}, err
	}

	logger := log.With().Str("request_id", requestID).Str("organization_id", org.ID.String()).Logger()

	apiCtx := ApiContext{
		RequestID:    requestID,
		Organization: org,
		User:         user,
		AuthMethod:   authMethod,
		AuthMetadata: authMeta,
		ClientName:   h.ClientName,
		SDKName:      h.SDKName,
		SessionID:    h.SessionID,
		Logger:       logger,
	}

	if err := r.rateLimit(ctx, authMethod, org); err != nil {
		return ApiContext{}, err
	}

	return apiCtx, nil
}

func (r *Resolver) authenticate(ctx context.Context, h RequestHeaders) (AuthMethod, *User, map[string]any, error) {
	if !r.authEnabled {
		return AuthSystem, &User{Email: r.firstSuperuser}, nil, nil
	}

	if h.Authorization != "" {
		token := bearerToken(h.Authorization)
		claims, err := r.validator.Validate(token)
		if err != nil {
			return "", nil, nil, apperrors.Wrap(apperrors.KindAuth, err, "invalid bearer token")
		}

		if blacklisted, err := r.blacklist.IsBlacklisted(ctx, claims.JTI, claims.Email, claims.IssuedAt); blacklisted || err != nil {
			return "", nil, nil, apperrors.New(apperrors.KindAuth, "token revoked").WithStatus(http.StatusForbidden)
		}

		var cached User
		if r.orgCache.Get(ctx, cache.NamespaceUserByEmail, claims.Email, &cached) {
			_ = r.users.TouchLastActive(ctx, cached.ID)
			return AuthOAuthUser, &cached, map[string]any{"subject": claims.Subject}, nil
		}

		user, err := r.users.UpsertFromIdentityProvider(ctx, claims.Subject, claims.Email)
		if err != nil {
			return "", nil, nil, apperrors.Wrap(apperrors.KindAuth, err, "load or create user")
		}
		r.orgCache.Set(ctx, cache.NamespaceUserByEmail, claims.Email, user, 5*time.Minute)
		_ = r.users.TouchLastActive(ctx, user.ID)
		return AuthOAuthUser, &user, map[string]any{"subject": claims.Subject}, nil
	}

	if h.APIKey != "" {
		key, err := r.apiKeys.GetByKey(ctx, h.APIKey)
		if err != nil {
			return "", nil, nil, apperrors.Wrap(apperrors.KindAuth, err, "invalid api key").WithStatus(http.StatusForbidden)
		}
		if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
			return "", nil, nil, apperrors.New(apperrors.KindAuth, "api key expired").WithStatus(http.StatusForbidden)
		}
		log.Ctx(ctx).Info().Str("created_by", key.CreatedByEmail).Msg("api key authenticated")
		return AuthAPIKey, nil, map[string]any{"organization_id": key.OrganizationID}, nil
	}

	return "", nil, nil, apperrors.NoValidAuthentication()
}

func (r *Resolver) resolveOrgID(h RequestHeaders, user *User, authMeta map[string]any) (uuid.UUID, error) {
	if h.OrganizationID != "" {
		id, err := uuid.Parse(h.OrganizationID)
		if err != nil {
			return uuid.Nil, apperrors.New(apperrors.KindValidation, "invalid X-Organization-Id")
		}
		return id, nil
	}
	if user != nil && user.PrimaryOrganizationID != uuid.Nil {
		return user.PrimaryOrganizationID, nil
	}
	if orgID, ok := authMeta["organization_id"].(uuid.UUID); ok {
		return orgID, nil
	}
	return uuid.Nil, apperrors.OrganizationContextRequired()
}

func (r *Resolver) fetchOrganization(ctx context.Context, id uuid.UUID) (Organization, error) {
	var cached Organization
	if r.orgCache.Get(ctx, cache.NamespaceOrgByID, id.String(), &cached) {
		return cached, nil
	}
	org, err := r.orgs.Get(ctx, id)
	if err != nil {
		return Organization{}, apperrors.Wrap(apperrors.KindNotFound, err, "unknown organization")
	}
	r.orgCache.Set(ctx, cache.NamespaceOrgByID, id.String(), org, time.Minute)
	return org, nil
}

func (r *Resolver) accessCheck(method AuthMethod, user *User, authMeta map[string]any, org Organization) error {
	switch method {
	case AuthSystem:
		return nil
	case AuthOAuthUser:
		if user != nil && !user.HasMembership(org.ID) {
			return apperrors.OrgAccessDenied(org.ID.String())
		}
		return nil
	case AuthAPIKey:
		if keyOrg, ok := authMeta["organization_id"].(uuid.UUID); ok && keyOrg != org.ID {
			return apperrors.OrgAccessDenied(org.ID.String())
		}
		return nil
	default:
		return apperrors.NoValidAuthentication()
	}
}

func (r *Resolver) rateLimit(ctx context.Context, method AuthMethod, org Organization) error {
	if method != AuthAPIKey {
		return nil // system/user auth is unlimited per spec.md §4.1 step 6
	}
	res := r.limiter.Check(ctx, org.ID.String())
	if !res.Allowed {
		return apperrors.New(apperrors.KindRateLimit, "rate limit exceeded").
			WithStatus(http.StatusTooManyRequests).
			WithDetails(map[string]any{"retry_after": int((res.RetryAfter + time.Second - 1) / time.Second), "limit": res.Limit})
	}
	return nil
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}
