package sourceconn

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/credentials"
	"github.com/airweave-ai/airweave-core/internal/sourceregistry"
)

type fakeStore struct {
	rows map[uuid.UUID]SourceConnection
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[uuid.UUID]SourceConnection{}} }

func (f *fakeStore) Create(ctx context.Context, sc SourceConnection) error {
	f.rows[sc.ID] = sc
	return nil
}
func (f *fakeStore) Get(ctx context.Context, orgID, id uuid.UUID) (SourceConnection, error) {
	sc, ok := f.rows[id]
	if !ok || sc.OrganizationID != orgID {
		return SourceConnection{}, context.DeadlineExceeded
	}
	return sc, nil
}
func (f *fakeStore) List(ctx context.Context, orgID uuid.UUID) ([]SourceConnection, error) {
	var out []SourceConnection
	for _, sc := range f.rows {
		if sc.OrganizationID == orgID {
			out = append(out, sc)
		}
	}
	return out, nil
}
func (f *fakeStore) Update(ctx context.Context, sc SourceConnection) error {
	f.rows[sc.ID] = sc
	return nil
}
func (f *fakeStore) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	delete(f.rows, id)
	return nil
}

type fakeSourceClass struct {
	validateErr error
}

func (f fakeSourceClass) Validate(ctx sourceregistry.ValidateContext) error { return f.validateErr }

type fakeTrigger struct {
	enqueued  []uuid.UUID
	cancelled []uuid.UUID
}

func (f *fakeTrigger) EnqueueSync(ctx context.Context, sourceConnectionID uuid.UUID) (uuid.UUID, error) {
	f.enqueued = append(f.enqueued, sourceConnectionID)
	return uuid.New(), nil
}
func (f *fakeTrigger) CancelSync(ctx context.Context, syncID uuid.UUID) error {
	f.cancelled = append(f.cancelled, syncID)
	return nil
}

type fakeCredentialStore struct {
	puts []credentials.Bundle
}

func (f *fakeCredentialStore) Put(ctx context.Context, orgID uuid.UUID, bundle credentials.Bundle) (uuid.UUID, error) {
	f.puts = append(f.puts, bundle)
	return uuid.New(), nil
}

func newTestService(t *testing.T, entries ...sourceregistry.Entry) (*Service, *fakeStore, *fakeTrigger) {
	t.Helper()
	reg := sourceregistry.New()
	for _, e := range entries {
		reg.MustRegister(e)
	}
	store := newFakeStore()
	trigger := &fakeTrigger{}
	return New(store, reg, &fakeCredentialStore{}, trigger), store, trigger
}

func slackEntry(requiresBYOC bool, validateErr error) sourceregistry.Entry {
	return sourceregistry.Entry{
		ShortName:   "slack",
		DisplayName: "Slack",
		AuthMethods: []credentials.AuthMethod{
			credentials.AuthMethodOAuthBrowser, credentials.AuthMethodOAuthToken,
			credentials.AuthMethodDirect, credentials.AuthMethodOAuthBYOC,
		},
		Capabilities:   sourceregistry.Capabilities{RequiresBYOC: requiresBYOC},
		NewSourceClass: func() sourceregistry.SourceClass { return fakeSourceClass{validateErr: validateErr} },
	}
}

func TestCreateUnknownSourceFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateInput{ShortName: "nope", OrganizationID: uuid.New()})
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperrors.KindNotFound, kind)
}

func TestCreateOAuthBrowserPendingAuth(t *testing.T) {
	svc, _, trigger := newTestService(t, slackEntry(false, nil))
	sc, err := svc.Create(context.Background(), CreateInput{
		ShortName: "slack", OrganizationID: uuid.New(),
	})
	require.NoError(t, err)
	require.False(t, sc.IsAuthenticated)
	require.Equal(t, StatePendingAuth, sc.State)
	require.Empty(t, trigger.enqueued)
}

func TestCreateDirectAuthRunsValidationAndEncryptsCredentials(t *testing.T) {
	svc, store, _ := newTestService(t, slackEntry(false, nil))
	sc, err := svc.Create(context.Background(), CreateInput{
		ShortName: "slack", OrganizationID: uuid.New(),
		Authentication: &AuthenticationBlock{Credentials: map[string]any{"token": "abc"}},
	})
	require.NoError(t, err)
	require.True(t, sc.IsAuthenticated)
	require.Equal(t, StateActive, sc.State)
	require.NotNil(t, sc.ConnectionID)
	require.Contains(t, store.rows, sc.ID)
}

func TestCreateValidationFailureSurfacesSanitized422(t *testing.T) {
	svc, _, _ := newTestService(t, slackEntry(false, apperrors.New(apperrors.KindValidation, "bad token")))
	_, err := svc.Create(context.Background(), CreateInput{
		ShortName: "slack", OrganizationID: uuid.New(),
		Authentication: &AuthenticationBlock{Credentials: map[string]any{"token": "bad"}},
	})
	require.Error(t, err)
	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, 422, ae.HTTPStatus())
}

func TestCreateByocRequiredRejectsBrowserMethod(t *testing.T) {
	svc, _, _ := newTestService(t, slackEntry(true, nil))
	_, err := svc.Create(context.Background(), CreateInput{ShortName: "slack", OrganizationID: uuid.New()})
	require.Error(t, err)
}

func TestCreateSyncImmediatelyRejectsBrowserMethod(t *testing.T) {
	svc, _, _ := newTestService(t, slackEntry(false, nil))
	_, err := svc.Create(context.Background(), CreateInput{
		ShortName: "slack", OrganizationID: uuid.New(), SyncImmediately: true,
	})
	require.Error(t, err)
}

func TestCreateSyncImmediatelyEnqueuesWhenAuthenticated(t *testing.T) {
	svc, _, trigger := newTestService(t, slackEntry(false, nil))
	sc, err := svc.Create(context.Background(), CreateInput{
		ShortName: "slack", OrganizationID: uuid.New(),
		Authentication:  &AuthenticationBlock{Credentials: map[string]any{"token": "abc"}},
		SyncImmediately: true,
	})
	require.NoError(t, err)
	require.NotNil(t, sc.SyncID)
	require.Equal(t, StateSyncing, sc.State)
	require.Len(t, trigger.enqueued, 1)
}

func TestCreateInvalidAuthMethodRejected(t *testing.T) {
	entry := slackEntry(false, nil)
	entry.AuthMethods = []credentials.AuthMethod{credentials.AuthMethodOAuthBrowser}
	svc, _, _ := newTestService(t, entry)
	_, err := svc.Create(context.Background(), CreateInput{
		ShortName: "slack", OrganizationID: uuid.New(),
		Authentication: &AuthenticationBlock{Credentials: map[string]any{"token": "abc"}},
	})
	require.Error(t, err)
}

func TestDetermineAuthMethod(t *testing.T) {
	require.Equal(t, credentials.AuthMethodOAuthBrowser, DetermineAuthMethod(nil))
	require.Equal(t, credentials.AuthMethodDirect, DetermineAuthMethod(&AuthenticationBlock{Credentials: map[string]any{"a": 1}}))
	require.Equal(t, credentials.AuthMethodOAuthToken, DetermineAuthMethod(&AuthenticationBlock{AccessToken: "t"}))
	require.Equal(t, credentials.AuthMethodAuthProvider, DetermineAuthMethod(&AuthenticationBlock{ProviderReadableID: "p"}))
	require.Equal(t, credentials.AuthMethodOAuthBYOC, DetermineAuthMethod(&AuthenticationBlock{ClientID: "c", ClientSecret: "s"}))
}

func TestTriggerSyncRequiresAuthenticatedConnection(t *testing.T) {
	svc, store, _ := newTestService(t, slackEntry(false, nil))
	orgID := uuid.New()
	sc := SourceConnection{ID: uuid.New(), OrganizationID: orgID, ShortName: "slack", IsAuthenticated: false}
	store.rows[sc.ID] = sc

	_, err := svc.TriggerSync(context.Background(), orgID, sc.ID)
	require.Error(t, err)
}

func TestCancelSyncRequiresRunningSync(t *testing.T) {
	svc, store, _ := newTestService(t, slackEntry(false, nil))
	orgID := uuid.New()
	sc := SourceConnection{ID: uuid.New(), OrganizationID: orgID, ShortName: "slack"}
	store.rows[sc.ID] = sc

	err := svc.CancelSync(context.Background(), orgID, sc.ID)
	require.Error(t, err)
}
