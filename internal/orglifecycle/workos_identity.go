package orglifecycle

import (
	"context"

	"github.com/workos/workos-go/v6/pkg/organizations"
	"github.com/workos/workos-go/v6/pkg/usermanagement"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// WorkOSIdentity implements IdentityProvider against the WorkOS
// organizations + usermanagement clients. The teacher only exercises
// usermanagement.Client.ListOrganizationMemberships (read path); the
// sibling organizations.Client create/delete calls and
// usermanagement.Client.CreateOrganizationMembership used here live in
// the same workos-go/v6 module the teacher already depends on.
type WorkOSIdentity struct {
	orgs  *organizations.Client
	users *usermanagement.Client
}

func NewWorkOSIdentity(orgs *organizations.Client, users *usermanagement.Client) *WorkOSIdentity {
	return &WorkOSIdentity{orgs: orgs, users: users}
}

func (w *WorkOSIdentity) CreateOrganization(ctx context.Context, name string) (string, error) {
	org, err := w.orgs.CreateOrganization(ctx, organizations.CreateOrganizationOpts{
		Name: name,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "workos create organization").AsRetryable()
	}
	return org.ID, nil
}

func (w *WorkOSIdentity) AddOwner(ctx context.Context, identityOrgID, ownerUserID string) error {
	_, err := w.users.CreateOrganizationMembership(ctx, usermanagement.CreateOrganizationMembershipOpts{
		UserID:         ownerUserID,
		OrganizationID: identityOrgID,
		RoleSlug:       "owner",
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "workos add organization owner").AsRetryable()
	}
	return nil
}

func (w *WorkOSIdentity) DeleteOrganization(ctx context.Context, identityOrgID string) error {
	if err := w.orgs.DeleteOrganization(ctx, organizations.DeleteOrganizationOpts{Organization: identityOrgID}); err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "workos delete organization").AsRetryable()
	}
	return nil
}
