package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/booali/atc-api/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
)

// SubscriptionService handles Stripe subscriptions and plan credits
type SubscriptionService struct {
	db            *sqlx.DB
	stripe        StripeAPI
	plans         *Plans
	ledger        CreditGranter
	spender       *LedgerService
	webhookSecret string
	backendURL    string
	logger        zerolog.Logger
	now           func() time.Time
}

// SubscriptionDeps groups the collaborators of the subscription service
type SubscriptionDeps struct {
	Stripe        StripeAPI
	Plans         *Plans
	Ledger        *LedgerService
	Granter       CreditGranter
	WebhookSecret string
	BackendURL    string
}

// NewSubscriptionService creates a new subscription service. A nil Stripe
// client disables checkout and verification.
func NewSubscriptionService(db *sqlx.DB, deps SubscriptionDeps, logger zerolog.Logger) *SubscriptionService {
	s := &SubscriptionService{
		db:            db,
		stripe:        deps.Stripe,
		plans:         deps.Plans,
		spender:       deps.Ledger,
		webhookSecret: deps.WebhookSecret,
		backendURL:    deps.BackendURL,
		logger:        logger.With().Str("service", "subscription").Logger(),
		now:           time.Now,
	}
	s.ledger = deps.Granter
	if s.ledger == nil && deps.Ledger != nil {
		s.ledger = deps.Ledger
	}
	return s
}

// CheckoutSession is the hosted checkout handed to the client
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CreateCheckoutSession starts a Stripe subscription checkout for a plan
func (s *SubscriptionService) CreateCheckoutSession(ctx context.Context, userID, planID string) (*CheckoutSession, error) {
	plan, ok := s.plans.Get(planID)
	if !ok {
		return nil, newError(ErrInvalidInput, "Invalid subscription plan. Available plans: basic, standard, premium")
	}
	if s.stripe == nil {
		return nil, newError(ErrNotConfigured, "Stripe is not configured")
	}
	if plan.StripePriceID == "" {
		return nil, newError(ErrNotConfigured, "Subscription plan not properly configured")
	}

	user, err := getUser(ctx, s.db, "id", userID)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(ErrNotFound, "User not found")
	}
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{"userId": user.ID, "plan": plan.ID}
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(plan.StripePriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:       stripe.String(s.backendURL + "/api/subscription/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:        stripe.String(s.backendURL + "/api/subscription/cancel"),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata},
	}
	params.Metadata = metadata

	session, err := s.stripe.CreateCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Info().Str("user_id", user.ID).Str("plan", plan.ID).Str("session_id", session.ID).Msg("Checkout session created")
	return &CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

func (s *SubscriptionService) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if id := user.Subscription.StripeCustomerID; id != nil && *id != "" {
		return *id, nil
	}
	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(user.Name),
	}
	params.AddMetadata("userId", user.ID)

	customer, err := s.stripe.CreateCustomer(params)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2", customer.ID, user.ID); err != nil {
		return "", fmt.Errorf("failed to save stripe customer: %w", err)
	}
	s.logger.Info().Str("user_id", user.ID).Str("customer_id", customer.ID).Msg("Created Stripe customer")
	return customer.ID, nil
}

// SubscriptionStatus is the billing summary shown to a user
type SubscriptionStatus struct {
	Subscription    models.Subscription `json:"subscription"`
	Credits         int                 `json:"credits"`
	IsActive        bool                `json:"isActive"`
	HasSubscription bool                `json:"hasSubscription"`
}

// Status reports the caller's subscription and balance
func (s *SubscriptionService) Status(ctx context.Context, userID string) (*SubscriptionStatus, error) {
	user, err := getUser(ctx, s.db, "id", userID)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(ErrNotFound, "User not found")
	}
	if err != nil {
		return nil, err
	}
	return &SubscriptionStatus{
		Subscription:    user.Subscription,
		Credits:         user.Credits,
		IsActive:        user.Subscription.IsActive(s.now()),
		HasSubscription: user.Subscription.HasPlan(),
	}, nil
}

// VerifyResult is returned by Verify
type VerifyResult struct {
	Found        bool                `json:"-"`
	Subscription models.Subscription `json:"subscription"`
	Credits      int                 `json:"credits"`
}

// Verify syncs the caller's latest Stripe subscription and grants the
// current period's credits if no other path already did
func (s *SubscriptionService) Verify(ctx context.Context, userID string) (*VerifyResult, error) {
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if user == nil || user.Subscription.StripeCustomerID == nil || *user.Subscription.StripeCustomerID == "" {
		return nil, newError(ErrInvalidInput, "No Stripe customer found")
	}
	if s.stripe == nil {
		return nil, newError(ErrNotConfigured, "Stripe is not configured")
	}

	sub, err := s.stripe.LatestSubscription(*user.Subscription.StripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if sub == nil {
		return &VerifyResult{Subscription: user.Subscription, Credits: user.Credits}, nil
	}

	if err := s.syncSubscription(ctx, user, sub, s.now()); err != nil {
		return nil, err
	}

	fresh, err := getUser(ctx, s.db, "id", userID)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Found: true, Subscription: fresh.Subscription, Credits: fresh.Credits}, nil
}

// Cancel stops renewal at the end of the current period
func (s *SubscriptionService) Cancel(ctx context.Context, userID string) (*models.Subscription, error) {
	user, err := getUser(ctx, s.db, "id", userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if user == nil || user.Subscription.StripeSubscriptionID == nil || *user.Subscription.StripeSubscriptionID == "" {
		return nil, newError(ErrInvalidInput, "No active subscription found")
	}
	if s.stripe == nil {
		return nil, newError(ErrNotConfigured, "Stripe is not configured")
	}

	if _, err := s.stripe.UpdateSubscription(*user.Subscription.StripeSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}); err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET cancel_at_period_end = TRUE, updated_at = NOW() WHERE id = $1", user.ID); err != nil {
		return nil, fmt.Errorf("failed to save cancellation: %w", err)
	}
	user.Subscription.CancelAtPeriodEnd = true
	return &user.Subscription, nil
}

// PlanView is a plan as listed to clients
type PlanView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Credits       int     `json:"credits"`
	Interval      string  `json:"interval"`
	Description   string  `json:"description"`
	StripePriceID string  `json:"stripePriceId"`
}

// Plans lists the subscription plans
func (s *SubscriptionService) Plans() []PlanView {
	all := s.plans.All()
	out := make([]PlanView, 0, len(all))
	for _, p := range all {
		out = append(out, PlanView{
			ID:            p.ID,
			Name:          p.Name,
			Price:         float64(p.PriceCents) / 100,
			Credits:       p.Credits,
			Interval:      p.Interval,
			Description:   fmt.Sprintf("%s: %d credits every %s", p.Title, p.Credits, p.Interval),
			StripePriceID: p.StripePriceID,
		})
	}
	return out
}

// UseCredits spends credits on behalf of the caller and returns the remaining balance
func (s *SubscriptionService) UseCredits(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, newError(ErrInvalidInput, "Invalid credit amount")
	}
	if err := s.spender.Spend(ctx, userID, amount, ReasonCreditUse, ""); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return 0, newError(ErrInsufficientCredits, "Insufficient credits")
		}
		return 0, err
	}
	return s.spender.Balance(ctx, userID)
}

// syncSubscription mirrors a Stripe subscription onto the user and grants
// the period's credits when it is active
func (s *SubscriptionService) syncSubscription(ctx context.Context, user *models.User, sub *stripe.Subscription, at time.Time) error {
	plan, ok := s.planFor(sub, user)
	state := SubscriptionState{
		Status:               string(sub.Status),
		Platform:             models.PlatformStripe,
		StripeSubscriptionID: sub.ID,
		CurrentPeriodEnd:     unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
	if ok {
		state.Plan = plan.ID
	}

	applied, err := applySubscription(ctx, s.db, user.ID, state, at)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Info().Str("user_id", user.ID).Str("subscription_id", sub.ID).Msg("Ignoring stale subscription update")
	}

	if sub.Status != stripe.SubscriptionStatusActive {
		return nil
	}
	if !ok {
		s.logger.Warn().Str("subscription_id", sub.ID).Msg("Active subscription has no known plan")
		return nil
	}
	_, err = s.ledger.Grant(ctx, user.ID, plan.Credits, ReasonSubscription, periodKey(sub))
	return err
}

// planFor resolves the plan from metadata, then the price, then the user's current plan
func (s *SubscriptionService) planFor(sub *stripe.Subscription, user *models.User) (Plan, bool) {
	if id := sub.Metadata["plan"]; id != "" {
		if plan, ok := s.plans.Get(id); ok {
			return plan, true
		}
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if plan, ok := s.plans.ForPrice(item.Price.ID); ok {
				return plan, true
			}
		}
	}
	if user != nil && user.Subscription.HasPlan() {
		return s.plans.Get(*user.Subscription.Plan)
	}
	return Plan{}, false
}

// periodKey identifies a billing period by its invoice
func periodKey(sub *stripe.Subscription) string {
	if sub.LatestInvoice != nil && sub.LatestInvoice.ID != "" {
		return invoiceKey(sub.LatestInvoice.ID)
	}
	return fmt.Sprintf("stripe:subscription:%s:%d", sub.ID, sub.CurrentPeriodEnd)
}

func invoiceKey(invoiceID string) string {
	return "stripe:invoice:" + invoiceID
}
