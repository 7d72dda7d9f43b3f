package orglifecycle

import (
	"context"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// StripePayments implements PaymentProvider against stripe-go.
// No teacher call site creates or cancels Stripe resources (stripe-go
// sits unused in the teacher's go.mod); this is the one concrete,
// idiomatic use of that dependency spec.md §4.7 calls for explicitly
// ("create payment customer (with test clock in non-prod)").
type StripePayments struct {
	api *client.API
}

func NewStripePayments(apiKey string) *StripePayments {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripePayments{api: api}
}

func (s *StripePayments) CreateCustomer(ctx context.Context, orgName string, useTestClock bool) (string, error) {
	params := &stripe.CustomerParams{
		Name: stripe.String(orgName),
	}
	if useTestClock {
		clock, err := s.api.TestHelpers.TestClocks.New(&stripe.TestHelpersTestClockParams{
			FrozenTime: stripe.Int64(0),
			Name:       stripe.String(orgName + " test clock"),
		})
		if err != nil {
			return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "stripe create test clock").AsRetryable()
		}
		params.TestClock = stripe.String(clock.ID)
	}

	cust, err := s.api.Customers.New(params)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "stripe create customer").AsRetryable()
	}
	return cust.ID, nil
}

func (s *StripePayments) DeleteCustomer(ctx context.Context, customerID string) error {
	if _, err := s.api.Customers.Del(customerID, nil); err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "stripe delete customer").AsRetryable()
	}
	return nil
}

// CancelSubscription cancels every active subscription for the
// customer with no proration, per spec.md §4.7's delete ordering
// ("cancel subscription (no proration)").
func (s *StripePayments) CancelSubscription(ctx context.Context, customerID string) error {
	params := &stripe.SubscriptionListParams{Customer: stripe.String(customerID)}
	iter := s.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		cancelParams := &stripe.SubscriptionCancelParams{
			ProrationBehavior: stripe.String(string(stripe.SubscriptionProrationBehaviorNone)),
		}
		if _, err := s.api.Subscriptions.Cancel(sub.ID, cancelParams); err != nil {
			return apperrors.Wrap(apperrors.KindRemoteProvider, err, "stripe cancel subscription").AsRetryable()
		}
	}
	if err := iter.Err(); err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "stripe list subscriptions").AsRetryable()
	}
	return nil
}
