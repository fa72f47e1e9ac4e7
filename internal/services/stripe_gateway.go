package services

import (
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeAPI is the subset of the Stripe API used for billing
type StripeAPI interface {
	CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error)
	CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(id string) (*stripe.Subscription, error)
	LatestSubscription(customerID string) (*stripe.Subscription, error)
	UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// StripeGateway calls Stripe through the official client
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe client for the given secret key
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return g.api.Customers.New(params)
}

func (g *StripeGateway) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return g.api.CheckoutSessions.New(params)
}

func (g *StripeGateway) GetSubscription(id string) (*stripe.Subscription, error) {
	return g.api.Subscriptions.Get(id, nil)
}

// LatestSubscription returns the customer's most recent subscription, or nil
func (g *StripeGateway) LatestSubscription(customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Limit = stripe.Int64(1)

	iter := g.api.Subscriptions.List(params)
	if iter.Next() {
		return iter.Subscription(), nil
	}
	return nil, iter.Err()
}

func (g *StripeGateway) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return g.api.Subscriptions.Update(id, params)
}
