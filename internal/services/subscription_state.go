package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SubscriptionState is a subscription snapshot reported by a billing source
type SubscriptionState struct {
	Plan                 string
	Status               string
	Platform             string
	ProductID            string
	StripeSubscriptionID string
	RevenueCatID         string
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
}

// applySubscription writes a subscription snapshot unless a newer one was
// already applied. Empty fields keep their stored value.
func applySubscription(ctx context.Context, db sqlx.ExecerContext, userID string, st SubscriptionState, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE users SET
			subscription_plan = COALESCE(NULLIF($1, ''), subscription_plan),
			subscription_status = COALESCE(NULLIF($2, ''), subscription_status),
			subscription_platform = COALESCE(NULLIF($3, ''), subscription_platform),
			subscription_product_id = COALESCE(NULLIF($4, ''), subscription_product_id),
			stripe_subscription_id = COALESCE(NULLIF($5, ''), stripe_subscription_id),
			revenuecat_id = COALESCE(NULLIF($6, ''), revenuecat_id),
			current_period_end = COALESCE($7, current_period_end),
			cancel_at_period_end = $8,
			subscription_event_at = $9,
			updated_at = NOW()
		WHERE id = $10 AND (subscription_event_at IS NULL OR subscription_event_at <= $9)
	`, st.Plan, st.Status, st.Platform, st.ProductID, st.StripeSubscriptionID, st.RevenueCatID,
		st.CurrentPeriodEnd, st.CancelAtPeriodEnd, at, userID)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read subscription update: %w", err)
	}
	return n == 1, nil
}

// webhookEventSeen reports whether a provider event was already processed
func webhookEventSeen(ctx context.Context, db sqlx.QueryerContext, provider, eventID string) (bool, error) {
	var seen bool
	err := sqlx.GetContext(ctx, db, &seen,
		"SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)",
		provider, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return seen, nil
}

// recordWebhookEvent marks an event processed. It runs only after the event's
// effects are stored, so a crash before this point leaves the event open for
// the provider's retry. Grants are keyed, so reprocessing cannot double pay.
func recordWebhookEvent(ctx context.Context, db sqlx.ExecerContext, provider, eventID, eventType string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type) VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
