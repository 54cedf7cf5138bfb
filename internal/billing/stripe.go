package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeClient is the part of the Stripe API the ingestor reads from.
type StripeClient interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
}

type stripeAPI struct{}

// NewStripeClient sets the global Stripe key and returns a client backed by
// the Stripe API.
func NewStripeClient(secretKey string) StripeClient {
	stripe.Key = secretKey
	return &stripeAPI{}
}

func (s *stripeAPI) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("customer")

	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("error fetching subscription from Stripe: %w", err)
	}
	return sub, nil
}

func (s *stripeAPI) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	c, err := customer.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("error fetching customer from Stripe: %w", err)
	}
	return c, nil
}
