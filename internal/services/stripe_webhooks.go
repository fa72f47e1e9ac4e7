package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/booali/atc-api/internal/metrics"
	"github.com/booali/atc-api/internal/models"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const providerStripe = "stripe"

// HandleStripeWebhook verifies and applies a Stripe event. Replayed events
// are acknowledged without being processed again.
func (s *SubscriptionService) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.webhookSecret == "" {
		return newError(ErrNotConfigured, "Stripe webhook not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stripe webhook signature verification failed")
		return newError(ErrUnauthorized, "Webhook signature verification failed")
	}
	return s.ProcessStripeEvent(ctx, event)
}

// ProcessStripeEvent applies an already verified event
func (s *SubscriptionService) ProcessStripeEvent(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	logger := s.logger.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()

	seen, err := webhookEventSeen(ctx, s.db, providerStripe, event.ID)
	if err != nil {
		return err
	}
	if seen {
		metrics.RecordWebhook(providerStripe, eventType, "duplicate")
		logger.Info().Msg("Duplicate Stripe event ignored")
		return nil
	}

	at := time.Unix(event.Created, 0).UTC()
	if event.Created == 0 {
		at = s.now().UTC()
	}

	if err := s.dispatch(ctx, event, at); err != nil {
		metrics.RecordWebhook(providerStripe, eventType, "error")
		logger.Error().Err(err).Msg("Stripe event failed")
		return err
	}
	if err := recordWebhookEvent(ctx, s.db, providerStripe, event.ID, eventType); err != nil {
		return err
	}

	metrics.RecordWebhook(providerStripe, eventType, "processed")
	return nil
}

func (s *SubscriptionService) dispatch(ctx context.Context, event stripe.Event, at time.Time) error {
	if event.Data == nil {
		return newError(ErrInvalidInput, "Event has no data")
	}
	raw := event.Data.Raw

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("failed to decode checkout session: %w", err)
		}
		return s.onCheckoutCompleted(ctx, &session, at)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("failed to decode subscription: %w", err)
		}
		user, err := s.userForStripe(ctx, sub.Metadata["userId"], customerID(sub.Customer))
		if err != nil || user == nil {
			return err
		}
		return s.syncSubscription(ctx, user, &sub, at)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("failed to decode subscription: %w", err)
		}
		user, err := s.userForStripe(ctx, sub.Metadata["userId"], customerID(sub.Customer))
		if err != nil || user == nil {
			return err
		}
		status := string(sub.Status)
		if status == "" || sub.Status == stripe.SubscriptionStatusActive {
			status = models.SubscriptionStatusCanceled
		}
		_, err = applySubscription(ctx, s.db, user.ID, SubscriptionState{
			Status:            status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}, at)
		return err

	case "invoice.payment_succeeded", "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return fmt.Errorf("failed to decode invoice: %w", err)
		}
		return s.onInvoicePaid(ctx, &invoice, at)

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return fmt.Errorf("failed to decode invoice: %w", err)
		}
		user, err := s.userForStripe(ctx, "", customerID(invoice.Customer))
		if err != nil || user == nil {
			return err
		}
		_, err = applySubscription(ctx, s.db, user.ID, SubscriptionState{
			Status:            models.SubscriptionStatusPastDue,
			CancelAtPeriodEnd: user.Subscription.CancelAtPeriodEnd,
		}, at)
		return err
	}

	s.logger.Debug().Str("event_type", string(event.Type)).Msg("Unhandled Stripe event")
	return nil
}

func (s *SubscriptionService) onCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession, at time.Time) error {
	if session.Mode != "" && session.Mode != stripe.CheckoutSessionModeSubscription {
		return nil
	}
	user, err := s.userForStripe(ctx, session.Metadata["userId"], customerID(session.Customer))
	if err != nil || user == nil {
		return err
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		s.logger.Warn().Str("session_id", session.ID).Msg("Checkout session has no subscription")
		return nil
	}

	sub := session.Subscription
	if s.stripe != nil {
		if sub, err = s.stripe.GetSubscription(session.Subscription.ID); err != nil {
			return fmt.Errorf("failed to fetch subscription: %w", err)
		}
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{}
	}
	if sub.Metadata["plan"] == "" {
		sub.Metadata["plan"] = session.Metadata["plan"]
	}
	if (sub.LatestInvoice == nil || sub.LatestInvoice.ID == "") && session.Invoice != nil {
		sub.LatestInvoice = session.Invoice
	}
	if sub.Status == "" && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		sub.Status = stripe.SubscriptionStatusActive
	}
	return s.syncSubscription(ctx, user, sub, at)
}

func (s *SubscriptionService) onInvoicePaid(ctx context.Context, invoice *stripe.Invoice, at time.Time) error {
	user, err := s.userForStripe(ctx, "", customerID(invoice.Customer))
	if err != nil || user == nil {
		return err
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return nil
	}

	sub := invoice.Subscription
	if s.stripe != nil {
		if sub, err = s.stripe.GetSubscription(invoice.Subscription.ID); err != nil {
			return fmt.Errorf("failed to fetch subscription: %w", err)
		}
	} else {
		sub.Status = stripe.SubscriptionStatusActive
		if invoice.Lines != nil && len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period != nil {
			sub.CurrentPeriodEnd = invoice.Lines.Data[0].Period.End
		}
	}
	// the paid invoice is the billing period being granted
	sub.LatestInvoice = &stripe.Invoice{ID: invoice.ID}
	return s.syncSubscription(ctx, user, sub, at)
}

// userForStripe finds the user by metadata first, then by Stripe customer.
// An unknown user is logged and skipped.
func (s *SubscriptionService) userForStripe(ctx context.Context, userID, customer string) (*models.User, error) {
	if userID != "" {
		user, err := getUser(ctx, s.db, "id", userID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	user, err := getUser(ctx, s.db, "stripe_customer_id", customer)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn().Str("customer_id", customer).Str("user_id", userID).Msg("No user for Stripe event")
		return nil, nil
	}
	return user, err
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
