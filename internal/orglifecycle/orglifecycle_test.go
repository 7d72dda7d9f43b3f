package orglifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	createErr  error
	addErr     error
	deleteErr  error
	deleted    []string
	createdIDs int
}

func (f *fakeIdentity) CreateOrganization(ctx context.Context, name string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createdIDs++
	return "idp-org-1", nil
}

func (f *fakeIdentity) AddOwner(ctx context.Context, identityOrgID, ownerUserID string) error {
	return f.addErr
}

func (f *fakeIdentity) DeleteOrganization(ctx context.Context, identityOrgID string) error {
	f.deleted = append(f.deleted, identityOrgID)
	return f.deleteErr
}

type fakePayments struct {
	createErr    error
	deleteErr    error
	deletedIDs   []string
	customerID   string
}

func (f *fakePayments) CreateCustomer(ctx context.Context, orgName string, useTestClock bool) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.customerID == "" {
		f.customerID = "cus-1"
	}
	return f.customerID, nil
}

func (f *fakePayments) DeleteCustomer(ctx context.Context, customerID string) error {
	f.deletedIDs = append(f.deletedIDs, customerID)
	return f.deleteErr
}

func (f *fakePayments) CancelSubscription(ctx context.Context, customerID string) error { return nil }

type fakeConnections struct{ err error }

func (f *fakeConnections) EnableDefaults(ctx context.Context, orgID string) error { return f.err }

type fakeStore struct {
	createErr error
	orgID     string
	rec       OrgRecord
	deleted   bool
}

func (f *fakeStore) CreateOrgUnitOfWork(ctx context.Context, input CreateInput, identityOrgID, customerID string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "org-1", nil
}

func (f *fakeStore) LoadOrgForDelete(ctx context.Context, orgID string) (OrgRecord, error) {
	return f.rec, nil
}

func (f *fakeStore) DeleteOrgUnitOfWork(ctx context.Context, orgID string) error {
	f.deleted = true
	return nil
}

type fakePublisher struct {
	created    []string
	deletedOrg []string
}

func (f *fakePublisher) PublishOrganizationCreated(orgID string) {
	f.created = append(f.created, orgID)
}

func (f *fakePublisher) PublishOrganizationDeleted(orgID string, affectedUserEmails []string) {
	f.deletedOrg = append(f.deletedOrg, orgID)
}

func TestCreate_HappyPath(t *testing.T) {
	identity := &fakeIdentity{}
	payments := &fakePayments{}
	conns := &fakeConnections{}
	store := &fakeStore{}
	pub := &fakePublisher{}
	saga := New(identity, payments, conns, store, pub)

	orgID, err := saga.Create(context.Background(), CreateInput{Name: "Acme", OwnerUserID: "u1", WithBilling: true})
	require.NoError(t, err)
	require.Equal(t, "org-1", orgID)
	require.Equal(t, []string{"org-1"}, pub.created)
	require.Empty(t, identity.deleted)
	require.Empty(t, payments.deletedIDs)
}

// TestCreate_LocalUoWFails_CompensatesExternalResources covers spec.md
// §4.7 scenario S8: identity and payment succeed, local UoW fails.
// Both external resources must be deleted (best-effort) and the caller
// sees the original error with no local rows persisted.
func TestCreate_LocalUoWFails_CompensatesExternalResources(t *testing.T) {
	identity := &fakeIdentity{}
	payments := &fakePayments{}
	conns := &fakeConnections{}
	store := &fakeStore{createErr: errors.New("db down")}
	pub := &fakePublisher{}
	saga := New(identity, payments, conns, store, pub)

	orgID, err := saga.Create(context.Background(), CreateInput{Name: "Acme", OwnerUserID: "u1", WithBilling: true})
	require.Error(t, err)
	require.Empty(t, orgID)
	require.Equal(t, []string{"idp-org-1"}, identity.deleted)
	require.Equal(t, []string{"cus-1"}, payments.deletedIDs)
	require.Empty(t, pub.created)
}

func TestCreate_AddOwnerFails_CompensatesIdentityOnly(t *testing.T) {
	identity := &fakeIdentity{addErr: errors.New("workos down")}
	payments := &fakePayments{}
	conns := &fakeConnections{}
	store := &fakeStore{}
	pub := &fakePublisher{}
	saga := New(identity, payments, conns, store, pub)

	_, err := saga.Create(context.Background(), CreateInput{Name: "Acme", OwnerUserID: "u1"})
	require.Error(t, err)
	require.Equal(t, []string{"idp-org-1"}, identity.deleted)
	require.Empty(t, payments.deletedIDs)
}

func TestDelete_LocalCommitFirst_ThenBestEffortExternalCleanup(t *testing.T) {
	identity := &fakeIdentity{}
	payments := &fakePayments{}
	conns := &fakeConnections{}
	store := &fakeStore{rec: OrgRecord{
		OrgID:              "org-1",
		IdentityOrgID:      "idp-org-1",
		CustomerID:         "cus-1",
		AffectedUserEmails: []string{"owner@acme.test"},
	}}
	pub := &fakePublisher{}
	saga := New(identity, payments, conns, store, pub)

	err := saga.Delete(context.Background(), "org-1")
	require.NoError(t, err)
	require.True(t, store.deleted)
	require.Equal(t, []string{"idp-org-1"}, identity.deleted)
	require.Equal(t, []string{"cus-1"}, payments.deletedIDs)
	require.Equal(t, []string{"org-1"}, pub.deletedOrg)
}
