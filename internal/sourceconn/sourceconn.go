// Package sourceconn implements the source connection service spec.md
// §4.3 describes: CRUD over source connections, the strict
// create-validation ladder, and sync triggering. It generalizes the
// teacher's generic REST CRUD pattern in internal/httpapi/rest_items.go
// (fetch existing -> check soft-delete -> apply mutation through a
// service -> re-validate on conflict) from a single optimistic-locked
// upsert into an eight-step authentication/validation pipeline that
// runs once at creation and again whenever credentials change.
package sourceconn

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/credentials"
	"github.com/airweave-ai/airweave-core/internal/sourceregistry"
)

// State is one of the SourceConnection lifecycle states (spec.md §3).
type State string

const (
	StatePendingAuth State = "pending_auth"
	StateActive      State = "active"
	StateSyncing     State = "syncing"
	StateIdle        State = "idle"
	StateError       State = "error"
	StateDisabled    State = "disabled"
)

// SourceConnection is the user's link to one external system (spec.md §3).
type SourceConnection struct {
	ID                    uuid.UUID
	ShortName             string
	OrganizationID        uuid.UUID
	ReadableCollectionID  string
	ConnectionID          *uuid.UUID
	SyncID                *uuid.UUID
	IsAuthenticated       bool
	AuthenticationMethod  credentials.AuthMethod
	ConfigFields          map[string]any
	IsActive              bool
	State                 State
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AuthenticationBlock is the supplied authentication payload on create
// or update; exactly one branch is populated, matching the discriminated
// shapes spec.md §4.3 step 2 lists.
type AuthenticationBlock struct {
	Credentials        map[string]any // direct
	AccessToken        string         // oauth_token
	ProviderReadableID string         // auth_provider
	ClientID           string         // oauth_byoc (OAuth2)
	ClientSecret       string
	ConsumerKey        string // oauth_byoc (OAuth1)
	ConsumerSecret     string
}

// DetermineAuthMethod implements spec.md §4.3 step 2's discriminated
// mapping from the supplied authentication block to an AuthMethod.
func DetermineAuthMethod(block *AuthenticationBlock) credentials.AuthMethod {
	switch {
	case block == nil:
		return credentials.AuthMethodOAuthBrowser
	case block.Credentials != nil:
		return credentials.AuthMethodDirect
	case block.AccessToken != "":
		return credentials.AuthMethodOAuthToken
	case block.ProviderReadableID != "":
		return credentials.AuthMethodAuthProvider
	case (block.ClientID != "" && block.ClientSecret != "") || (block.ConsumerKey != "" && block.ConsumerSecret != ""):
		return credentials.AuthMethodOAuthBYOC
	default:
		return credentials.AuthMethodOAuthBrowser
	}
}

// CreateInput is the full payload for Create.
type CreateInput struct {
	ShortName            string
	OrganizationID       uuid.UUID
	ReadableCollectionID string
	Config               map[string]any
	Authentication       *AuthenticationBlock
	SyncImmediately      bool
}

// Store is the repository seam for persisted source connections; the
// concrete relational schema is out of scope (spec.md §1).
type Store interface {
	Create(ctx context.Context, sc SourceConnection) error
	Get(ctx context.Context, orgID, id uuid.UUID) (SourceConnection, error)
	List(ctx context.Context, orgID uuid.UUID) ([]SourceConnection, error)
	Update(ctx context.Context, sc SourceConnection) error
	Delete(ctx context.Context, orgID, id uuid.UUID) error
}

// SyncTrigger is the seam into the orchestrator (§2.18); kept narrow so
// this package never depends on the orchestrator's full wiring.
type SyncTrigger interface {
	EnqueueSync(ctx context.Context, sourceConnectionID uuid.UUID) (uuid.UUID, error)
	CancelSync(ctx context.Context, syncID uuid.UUID) error
}

// CredentialStore is the narrow seam into internal/credentials this
// package needs; *credentials.Store satisfies it.
type CredentialStore interface {
	Put(ctx context.Context, orgID uuid.UUID, bundle credentials.Bundle) (uuid.UUID, error)
}

// Service implements the source connection lifecycle.
type Service struct {
	store       Store
	registry    *sourceregistry.Registry
	credentials CredentialStore
	trigger     SyncTrigger
}

func New(store Store, registry *sourceregistry.Registry, credStore CredentialStore, trigger SyncTrigger) *Service {
	return &Service{store: store, registry: registry, credentials: credStore, trigger: trigger}
}

// Create runs the strict eight-step validation ladder from spec.md §4.3
// and persists the encrypted credential and then the new
// SourceConnection row. The two writes are separate calls with no
// shared transaction: if the row write fails, the credential already
// stored is not removed.
func (s *Service) Create(ctx context.Context, in CreateInput) (SourceConnection, error) {
	// 1. Resolve source entry from registry by short_name.
	entry, ok := s.registry.Get(in.ShortName)
	if !ok {
		return SourceConnection{}, sourceNotFound(in.ShortName)
	}

	// 2. Determine authentication method from the supplied block.
	method := DetermineAuthMethod(in.Authentication)

	// 3. Verify the source supports this auth method.
	if !entry.SupportsAuthMethod(method) {
		return SourceConnection{}, invalidAuthMethod(in.ShortName, method)
	}

	// 4. requires_byoc sources reject the unauthenticated browser method.
	if entry.Capabilities.RequiresBYOC && method == credentials.AuthMethodOAuthBrowser {
		return SourceConnection{}, byocRequired(in.ShortName)
	}

	// 5. Cannot sync immediately before tokens exist via the browser flow.
	if in.SyncImmediately && method == credentials.AuthMethodOAuthBrowser {
		return SourceConnection{}, syncImmediatelyNotAllowed(in.ShortName)
	}

	var bundle credentials.Bundle
	isAuthenticated := false

	// 6. Direct/oauth_token/oauth_byoc/auth_provider: validate now.
	if method != credentials.AuthMethodOAuthBrowser {
		bundle = buildBundle(method, in.Authentication)
		if err := entry.NewSourceClass().Validate(sourceregistry.ValidateContext{Config: in.Config, Credentials: bundle}); err != nil {
			return SourceConnection{}, apperrors.Newf(apperrors.KindValidation, "source validation failed: %s", apperrors.Sanitize(err)).WithStatus(422)
		}
		isAuthenticated = true
	}

	sc := SourceConnection{
		ID:                   uuid.New(),
		ShortName:            in.ShortName,
		OrganizationID:       in.OrganizationID,
		ReadableCollectionID: in.ReadableCollectionID,
		IsAuthenticated:      isAuthenticated,
		AuthenticationMethod: method,
		ConfigFields:         in.Config,
		IsActive:             true,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	if isAuthenticated {
		sc.State = StateActive
	} else {
		sc.State = StatePendingAuth
	}

	// 7. Encrypt and store credentials, then persist the SourceConnection
	// (two separate writes, not one transaction).
	if isAuthenticated {
		handle, err := s.credentials.Put(ctx, in.OrganizationID, bundle)
		if err != nil {
			return SourceConnection{}, apperrors.Wrap(apperrors.KindInvariant, err, "encrypt credentials")
		}
		sc.ConnectionID = &handle
	}

	if err := s.store.Create(ctx, sc); err != nil {
		return SourceConnection{}, apperrors.Wrap(apperrors.KindInvariant, err, "persist source connection")
	}

	// 8. Optionally enqueue a sync job via the durable scheduler.
	if in.SyncImmediately {
		syncID, err := s.trigger.EnqueueSync(ctx, sc.ID)
		if err != nil {
			return sc, apperrors.Wrap(apperrors.KindInvariant, err, "enqueue sync")
		}
		sc.SyncID = &syncID
		sc.State = StateSyncing
		if err := s.store.Update(ctx, sc); err != nil {
			return sc, apperrors.Wrap(apperrors.KindInvariant, err, "persist sync trigger state")
		}
	}

	return sc, nil
}

func buildBundle(method credentials.AuthMethod, block *AuthenticationBlock) credentials.Bundle {
	data := map[string]any{}
	switch method {
	case credentials.AuthMethodDirect:
		data = block.Credentials
	case credentials.AuthMethodOAuthToken:
		data["access_token"] = block.AccessToken
	case credentials.AuthMethodAuthProvider:
		data["provider_readable_id"] = block.ProviderReadableID
	case credentials.AuthMethodOAuthBYOC:
		data["client_id"] = block.ClientID
		data["client_secret"] = block.ClientSecret
		data["consumer_key"] = block.ConsumerKey
		data["consumer_secret"] = block.ConsumerSecret
	}
	return credentials.Bundle{Method: method, Data: data}
}

func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (SourceConnection, error) {
	sc, err := s.store.Get(ctx, orgID, id)
	if err != nil {
		return SourceConnection{}, apperrors.Wrap(apperrors.KindNotFound, err, "source connection not found")
	}
	return sc, nil
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]SourceConnection, error) {
	return s.store.List(ctx, orgID)
}

// Update replaces config fields and, when new credentials are supplied,
// re-runs the same validation ladder steps 3/6 spec.md §4.3 requires on
// "manual sync trigger when credentials have changed".
func (s *Service) Update(ctx context.Context, orgID, id uuid.UUID, config map[string]any, newAuth *AuthenticationBlock) (SourceConnection, error) {
	sc, err := s.store.Get(ctx, orgID, id)
	if err != nil {
		return SourceConnection{}, apperrors.Wrap(apperrors.KindNotFound, err, "source connection not found")
	}

	if config != nil {
		sc.ConfigFields = config
	}

	if newAuth != nil {
		entry, ok := s.registry.Get(sc.ShortName)
		if !ok {
			return SourceConnection{}, sourceNotFound(sc.ShortName)
		}
		method := DetermineAuthMethod(newAuth)
		if !entry.SupportsAuthMethod(method) {
			return SourceConnection{}, invalidAuthMethod(sc.ShortName, method)
		}
		bundle := buildBundle(method, newAuth)
		if err := entry.NewSourceClass().Validate(sourceregistry.ValidateContext{Config: sc.ConfigFields, Credentials: bundle}); err != nil {
			return SourceConnection{}, apperrors.Newf(apperrors.KindValidation, "source validation failed: %s", apperrors.Sanitize(err)).WithStatus(422)
		}
		handle, err := s.credentials.Put(ctx, orgID, bundle)
		if err != nil {
			return SourceConnection{}, apperrors.Wrap(apperrors.KindInvariant, err, "encrypt credentials")
		}
		sc.ConnectionID = &handle
		sc.AuthenticationMethod = method
		sc.IsAuthenticated = true
		sc.State = StateActive
	}

	sc.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, sc); err != nil {
		return SourceConnection{}, apperrors.Wrap(apperrors.KindInvariant, err, "update source connection")
	}
	return sc, nil
}

func (s *Service) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	return s.store.Delete(ctx, orgID, id)
}

// TriggerSync re-validates credentials via Update's path is the
// caller's responsibility when credentials changed; TriggerSync itself
// only enqueues (spec.md §4.3 "trigger syncs").
func (s *Service) TriggerSync(ctx context.Context, orgID, id uuid.UUID) (uuid.UUID, error) {
	sc, err := s.store.Get(ctx, orgID, id)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.KindNotFound, err, "source connection not found")
	}
	if !sc.IsAuthenticated {
		return uuid.Nil, apperrors.New(apperrors.KindValidation, "cannot sync an unauthenticated source connection")
	}
	syncID, err := s.trigger.EnqueueSync(ctx, sc.ID)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.KindInvariant, err, "enqueue sync")
	}
	sc.SyncID = &syncID
	sc.State = StateSyncing
	sc.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, sc); err != nil {
		return syncID, apperrors.Wrap(apperrors.KindInvariant, err, "persist sync trigger state")
	}
	return syncID, nil
}

func (s *Service) CancelSync(ctx context.Context, orgID, id uuid.UUID) error {
	sc, err := s.store.Get(ctx, orgID, id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindNotFound, err, "source connection not found")
	}
	if sc.SyncID == nil {
		return apperrors.New(apperrors.KindValidation, "no running sync to cancel")
	}
	if err := s.trigger.CancelSync(ctx, *sc.SyncID); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "cancel sync")
	}
	sc.State = StateIdle
	sc.UpdatedAt = time.Now()
	return s.store.Update(ctx, sc)
}

func sourceNotFound(shortName string) *apperrors.Error {
	return apperrors.Newf(apperrors.KindNotFound, "unknown source %q", shortName)
}

func invalidAuthMethod(shortName string, method credentials.AuthMethod) *apperrors.Error {
	return apperrors.Newf(apperrors.KindValidation, "source %q does not support auth method %q", shortName, method)
}

func byocRequired(shortName string) *apperrors.Error {
	return apperrors.Newf(apperrors.KindValidation, "source %q requires bring-your-own-client credentials", shortName)
}

func syncImmediatelyNotAllowed(shortName string) *apperrors.Error {
	return apperrors.Newf(apperrors.KindValidation, "cannot sync %q immediately before the browser auth flow completes", shortName)
}
