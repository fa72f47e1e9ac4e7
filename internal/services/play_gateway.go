package services

import (
	"context"
	"fmt"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// PlayPurchase is the verified state of a Google Play subscription
type PlayPurchase struct {
	OrderID      string
	ExpiryMillis int64
	PaymentState int64
	AutoRenewing bool
}

// PlayVerifier looks up Google Play subscription purchases
type PlayVerifier interface {
	VerifySubscription(ctx context.Context, productID, purchaseToken string) (*PlayPurchase, error)
}

// PlayGateway verifies purchases with the Android Publisher API
type PlayGateway struct {
	svc         *androidpublisher.Service
	packageName string
}

// NewPlayGateway authenticates with a service account key file
func NewPlayGateway(ctx context.Context, packageName, credentialsFile string) (*PlayGateway, error) {
	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(androidpublisher.AndroidpublisherScope))
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher client: %w", err)
	}
	return &PlayGateway{svc: svc, packageName: packageName}, nil
}

func (g *PlayGateway) VerifySubscription(ctx context.Context, productID, purchaseToken string) (*PlayPurchase, error) {
	purchase, err := g.svc.Purchases.Subscriptions.Get(g.packageName, productID, purchaseToken).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get play subscription: %w", err)
	}
	out := &PlayPurchase{
		OrderID:      purchase.OrderId,
		ExpiryMillis: purchase.ExpiryTimeMillis,
		AutoRenewing: purchase.AutoRenewing,
	}
	if purchase.PaymentState != nil {
		out.PaymentState = *purchase.PaymentState
	}
	return out, nil
}
