package contextresolver

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/airweave-core/internal/cache"
	"github.com/airweave-ai/airweave-core/internal/ratelimit"
)

type fakeUserStore struct {
	byEmail map[string]User
}

func (f fakeUserStore) GetByEmail(ctx context.Context, email string) (User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return User{}, fakeNotFound()
	}
	return u, nil
}
func (f fakeUserStore) UpsertFromIdentityProvider(ctx context.Context, subject, email string) (User, error) {
	return f.byEmail[email], nil
}
func (f fakeUserStore) TouchLastActive(ctx context.Context, userID uuid.UUID) error { return nil }

type fakeOrgStore struct{ orgs map[uuid.UUID]Organization }

func (f fakeOrgStore) Get(ctx context.Context, id uuid.UUID) (Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return Organization{}, fakeNotFound()
	}
	return o, nil
}

type fakeAPIKeyStore struct{ keys map[string]APIKey }

func (f fakeAPIKeyStore) GetByKey(ctx context.Context, rawKey string) (APIKey, error) {
	k, ok := f.keys[rawKey]
	if !ok {
		return APIKey{}, fakeNotFound()
	}
	return k, nil
}

func fakeNotFound() error { return context.DeadlineExceeded } // stand-in for "not found" in these fakes

func TestResolveSystemAuthWhenDisabled(t *testing.T) {
	orgID := uuid.New()
	r := NewResolver(nil, fakeUserStore{}, fakeOrgStore{orgs: map[uuid.UUID]Organization{orgID: {ID: orgID}}},
		fakeAPIKeyStore{}, nil, cache.New(nil), ratelimit.NewLimiter(ratelimit.Config{WindowSeconds: 60, MaxRequests: 10, Burst: 10}),
		false, "admin@airweave.local")

	ctx, err := r.Resolve(context.Background(), "req-1", RequestHeaders{OrganizationID: orgID.String()})
	require.NoError(t, err)
	require.Equal(t, AuthSystem, ctx.AuthMethod)
	require.Equal(t, orgID, ctx.Organization.ID)
}

func TestResolveMissingOrgContextFails(t *testing.T) {
	r := NewResolver(nil, fakeUserStore{}, fakeOrgStore{}, fakeAPIKeyStore{}, nil, cache.New(nil),
		ratelimit.NewLimiter(ratelimit.Config{WindowSeconds: 60, MaxRequests: 10, Burst: 10}), false, "admin@airweave.local")

	_, err := r.Resolve(context.Background(), "req-1", RequestHeaders{})
	require.Error(t, err)
}

func TestResolveAPIKeyOrgMismatchDenied(t *testing.T) {
	orgID := uuid.New()
	otherOrgID := uuid.New()
	r := NewResolver(nil, fakeUserStore{}, fakeOrgStore{orgs: map[uuid.UUID]Organization{otherOrgID: {ID: otherOrgID}}},
		fakeAPIKeyStore{keys: map[string]APIKey{"k1": {OrganizationID: orgID}}}, nil, cache.New(nil),
		ratelimit.NewLimiter(ratelimit.Config{WindowSeconds: 60, MaxRequests: 10, Burst: 10}), true, "")

	_, err := r.Resolve(context.Background(), "req-1", RequestHeaders{APIKey: "k1", OrganizationID: otherOrgID.String()})
	require.Error(t, err)
}

func TestBearerTokenStripsPrefix(t *testing.T) {
	require.Equal(t, "abc", bearerToken("Bearer abc"))
	require.Equal(t, "abc", bearerToken("abc"))
}
