// Package orglifecycle runs the organization create/delete saga across
// the identity provider (WorkOS), the payment provider (Stripe), and
// the local Postgres unit of work (spec.md §4.7 / SPEC_FULL.md §2.16).
// No teacher call site creates or deletes a WorkOS organization or
// Stripe customer — the teacher only ever reads WorkOS membership data
// (internal/auth/tenant_headers.go, internal/httpapi/tenant_resolve.go)
// — so the external-provider client surface here is named, not
// grounded on a call site; the "fail fast, log a CRITICAL on cleanup
// failure, never leave the caller with a partially-built resource"
// posture is grounded on the teacher's cmd/server/main.go startup
// validation (log.Fatal on every missing required dependency before
// the server accepts traffic).
package orglifecycle

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// IdentityProvider is the narrow seam over WorkOS usermanagement the
// saga needs: create an org, add its owner, and delete it on
// compensation. Grounded on the workos-go/v6/pkg/usermanagement client
// already imported by the teacher for ListOrganizationMemberships;
// CreateOrganization/DeleteOrganization/CreateOrganizationMembership
// are the same client's sibling calls.
type IdentityProvider interface {
	CreateOrganization(ctx context.Context, name string) (identityOrgID string, err error)
	AddOwner(ctx context.Context, identityOrgID, ownerUserID string) error
	DeleteOrganization(ctx context.Context, identityOrgID string) error
}

// PaymentProvider is the narrow seam over Stripe the saga needs.
// UseTestClock governs whether CreateCustomer attaches a Stripe test
// clock (spec.md §4.7 "with test clock in non-prod").
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, orgName string, useTestClock bool) (customerID string, err error)
	DeleteCustomer(ctx context.Context, customerID string) error
	CancelSubscription(ctx context.Context, customerID string) error // no proration, per spec.md §4.7 delete
}

// ConnectionProvisioner enables default source connections for a new
// organization (spec.md §4.7 create step "enable default connections").
type ConnectionProvisioner interface {
	EnableDefaults(ctx context.Context, orgID string) error
}

// Store is the local unit-of-work seam: everything it does must commit
// atomically (spec.md §4.7 "local UoW last" / "inside UoW... commit").
type Store interface {
	// CreateOrgUnitOfWork inserts the org row, owner membership, optional
	// billing record, and default API key in one local transaction.
	CreateOrgUnitOfWork(ctx context.Context, input CreateInput, identityOrgID, customerID string) (orgID string, err error)

	// LoadOrgForDelete fetches the org + billing record needed to drive
	// compensation on delete.
	LoadOrgForDelete(ctx context.Context, orgID string) (OrgRecord, error)

	// DeleteOrgUnitOfWork deletes memberships and the org row (cascade)
	// in one local transaction.
	DeleteOrgUnitOfWork(ctx context.Context, orgID string) error
}

// Publisher is the narrow seam over the event bus for the two
// lifecycle events spec.md §4.7 names.
type Publisher interface {
	PublishOrganizationCreated(orgID string)
	PublishOrganizationDeleted(orgID string, affectedUserEmails []string)
}

// CreateInput describes the organization to create.
type CreateInput struct {
	Name         string
	OwnerUserID  string
	OwnerEmail   string
	UseTestClock bool
	WithBilling  bool
}

// OrgRecord is what LoadOrgForDelete returns.
type OrgRecord struct {
	OrgID              string
	IdentityOrgID      string
	CustomerID         string
	AffectedUserEmails []string
}

// Saga coordinates create/delete across the three external systems.
type Saga struct {
	identity    IdentityProvider
	payments    PaymentProvider
	connections ConnectionProvisioner
	store       Store
	publisher   Publisher
}

func New(identity IdentityProvider, payments PaymentProvider, connections ConnectionProvisioner, store Store, publisher Publisher) *Saga {
	return &Saga{identity: identity, payments: payments, connections: connections, store: store, publisher: publisher}
}

// Create implements spec.md §4.7's create order: identity org → owner
// membership → default connections → payment customer → local UoW.
// Any failure before the local commit triggers best-effort compensation
// of whichever external resources were already created (testable via
// spec.md §4.7 scenario S8: "both external resources deleted
// (best-effort), caller sees the original exception, no local rows
// persisted").
func (s *Saga) Create(ctx context.Context, input CreateInput) (string, error) {
	identityOrgID, err := s.identity.CreateOrganization(ctx, input.Name)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "create identity organization")
	}

	if err := s.identity.AddOwner(ctx, identityOrgID, input.OwnerUserID); err != nil {
		s.compensateIdentity(ctx, identityOrgID)
		return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "add organization owner")
	}

	if err := s.connections.EnableDefaults(ctx, identityOrgID); err != nil {
		s.compensateIdentity(ctx, identityOrgID)
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "enable default connections")
	}

	var customerID string
	if input.WithBilling {
		customerID, err = s.payments.CreateCustomer(ctx, input.Name, input.UseTestClock)
		if err != nil {
			s.compensateIdentity(ctx, identityOrgID)
			return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "create payment customer")
		}
	}

	orgID, err := s.store.CreateOrgUnitOfWork(ctx, input, identityOrgID, customerID)
	if err != nil {
		s.compensateIdentity(ctx, identityOrgID)
		if customerID != "" {
			s.compensatePayments(ctx, customerID)
		}
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "local organization unit of work")
	}

	s.publisher.PublishOrganizationCreated(orgID)
	return orgID, nil
}

// compensateIdentity deletes an identity org created earlier in this
// saga run. Failures are CRITICAL, per spec.md §4.7: "Compensation
// failures are logged at CRITICAL (orphaned resources require manual
// cleanup)" — the saga itself still returns the original failure to
// the caller.
func (s *Saga) compensateIdentity(ctx context.Context, identityOrgID string) {
	if err := s.identity.DeleteOrganization(ctx, identityOrgID); err != nil {
		log.Error().Err(err).Str("identity_org_id", identityOrgID).
			Str("severity", "CRITICAL").
			Msg("failed to compensate identity organization creation, requires manual cleanup")
	}
}

func (s *Saga) compensatePayments(ctx context.Context, customerID string) {
	if err := s.payments.DeleteCustomer(ctx, customerID); err != nil {
		log.Error().Err(err).Str("customer_id", customerID).
			Str("severity", "CRITICAL").
			Msg("failed to compensate payment customer creation, requires manual cleanup")
	}
}

// Delete implements spec.md §4.7's delete order: local commit first,
// external cleanup best-effort after. A failure in the local UoW
// aborts before any external call is made; a failure in best-effort
// cleanup after the local commit is logged but never surfaced to the
// caller, since the local state is already authoritative.
func (s *Saga) Delete(ctx context.Context, orgID string) error {
	rec, err := s.store.LoadOrgForDelete(ctx, orgID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "load organization for delete")
	}

	if err := s.store.DeleteOrgUnitOfWork(ctx, orgID); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "local organization delete unit of work")
	}

	if rec.IdentityOrgID != "" {
		if err := s.identity.DeleteOrganization(ctx, rec.IdentityOrgID); err != nil {
			log.Warn().Err(err).Str("identity_org_id", rec.IdentityOrgID).
				Msg("best-effort identity organization delete failed")
		}
	}
	if rec.CustomerID != "" {
		if err := s.payments.CancelSubscription(ctx, rec.CustomerID); err != nil {
			log.Warn().Err(err).Str("customer_id", rec.CustomerID).
				Msg("best-effort subscription cancellation failed")
		}
		if err := s.payments.DeleteCustomer(ctx, rec.CustomerID); err != nil {
			log.Warn().Err(err).Str("customer_id", rec.CustomerID).
				Msg("best-effort payment customer delete failed")
		}
	}

	s.publisher.PublishOrganizationDeleted(orgID, rec.AffectedUserEmails)
	return nil
}
