package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

const testWebhookSecret = "whsec_test"

type fakeStripe struct {
	customers []*stripe.CustomerParams
	sessions  []*stripe.CheckoutSessionParams
	latest    *stripe.Subscription
	subs      map[string]*stripe.Subscription
	updates   map[string]*stripe.SubscriptionParams
}

func (f *fakeStripe) CreateCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.customers = append(f.customers, params)
	return &stripe.Customer{ID: "cus_new"}, nil
}

func (f *fakeStripe) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.sessions = append(f.sessions, params)
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
}

func (f *fakeStripe) GetSubscription(id string) (*stripe.Subscription, error) {
	if sub, ok := f.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("no such subscription %s", id)
}

func (f *fakeStripe) LatestSubscription(string) (*stripe.Subscription, error) {
	return f.latest, nil
}

func (f *fakeStripe) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if f.updates == nil {
		f.updates = map[string]*stripe.SubscriptionParams{}
	}
	f.updates[id] = params
	return &stripe.Subscription{ID: id}, nil
}

func newSubscriptionService(t *testing.T, api StripeAPI) (*SubscriptionService, sqlmock.Sqlmock, *fakeLedger) {
	db, mock := newMockDB(t)
	ledger := newFakeLedger()
	svc := NewSubscriptionService(db, SubscriptionDeps{
		Stripe:        api,
		Plans:         NewPlans(map[string]string{"basic": "price_basic", "standard": "price_standard"}),
		Ledger:        NewLedgerService(db, nopLogger()),
		Granter:       ledger,
		WebhookSecret: testWebhookSecret,
		BackendURL:    "https://api.example.com",
	}, nopLogger())
	return svc, mock, ledger
}

func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionEvent(eventID, eventType, status, invoice string) []byte {
	return subscriptionEventAt(eventID, eventType, status, invoice, 1700000000)
}

func subscriptionEventAt(eventID, eventType, status, invoice string, created int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q, "object": "event", "type": %q, "created": %d,
		"data": {"object": {
			"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": %q,
			"current_period_end": 1893456000, "cancel_at_period_end": false,
			"metadata": {"userId": %q, "plan": "standard"},
			"latest_invoice": %q
		}}
	}`, eventID, eventType, created, status, annID, invoice))
}

func expectSubscriptionUpdate(mock sqlmock.Sqlmock, applied bool) {
	rows := int64(0)
	if applied {
		rows = 1
	}
	mock.ExpectExec("UPDATE users SET\\s+subscription_plan").WillReturnResult(sqlmock.NewResult(0, rows))
}

func TestCheckoutRejectsUnknownPlan(t *testing.T) {
	svc, _, _ := newSubscriptionService(t, &fakeStripe{})

	_, err := svc.CreateCheckoutSession(context.Background(), annID, "gold")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCheckoutNeedsConfiguredPrice(t *testing.T) {
	svc, _, _ := newSubscriptionService(t, &fakeStripe{})

	_, err := svc.CreateCheckoutSession(context.Background(), annID, "premium")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCheckoutCreatesCustomerOnce(t *testing.T) {
	api := &fakeStripe{}
	svc, mock, _ := newSubscriptionService(t, api)

	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WithArgs(annID).
		WillReturnRows(userRow(annID, "Ann", 0, nil))
	mock.ExpectExec("UPDATE users SET stripe_customer_id = \\$1").WithArgs("cus_new", annID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	session, err := svc.CreateCheckoutSession(context.Background(), annID, "basic")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.SessionID)

	require.Len(t, api.customers, 1)
	require.Len(t, api.sessions, 1)
	params := api.sessions[0]
	assert.Equal(t, "cus_new", *params.Customer)
	assert.Equal(t, "price_basic", *params.LineItems[0].Price)
	assert.Equal(t, "https://api.example.com/api/subscription/success?session_id={CHECKOUT_SESSION_ID}", *params.SuccessURL)
	assert.Equal(t, "basic", params.SubscriptionData.Metadata["plan"])
	assert.Equal(t, annID, params.Metadata["userId"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc, _, _ := newSubscriptionService(t, nil)

	payload := subscriptionEvent("evt_1", "customer.subscription.updated", "active", "in_1")
	err := svc.HandleStripeWebhook(context.Background(), payload, signPayload(payload, "whsec_other"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWebhookGrantsOncePerInvoice(t *testing.T) {
	svc, mock, ledger := newSubscriptionService(t, nil)

	first := subscriptionEvent("evt_1", "customer.subscription.created", "active", "in_1")
	expectEventSeen(mock, "stripe", "evt_1", false)
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WithArgs(annID).
		WillReturnRows(userRow(annID, "Ann", 0, nil))
	expectSubscriptionUpdate(mock, true)
	expectEventRecorded(mock, "stripe", "evt_1", "customer.subscription.created")
	require.NoError(t, svc.HandleStripeWebhook(context.Background(), first, signPayload(first, testWebhookSecret)))

	// a different event for the same billing period
	second := subscriptionEvent("evt_2", "customer.subscription.updated", "active", "in_1")
	expectEventSeen(mock, "stripe", "evt_2", false)
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WithArgs(annID).
		WillReturnRows(userRow(annID, "Ann", 350, "standard"))
	expectSubscriptionUpdate(mock, true)
	expectEventRecorded(mock, "stripe", "evt_2", "customer.subscription.updated")
	require.NoError(t, svc.HandleStripeWebhook(context.Background(), second, signPayload(second, testWebhookSecret)))

	assert.Equal(t, 350, ledger.total(annID))
	require.Len(t, ledger.grants, 1)
	assert.Equal(t, "stripe:invoice:in_1", ledger.grants[0].key)
}

func TestWebhookReplayIsAcknowledged(t *testing.T) {
	svc, mock, ledger := newSubscriptionService(t, nil)

	payload := subscriptionEvent("evt_1", "customer.subscription.updated", "active", "in_1")
	expectEventSeen(mock, "stripe", "evt_1", true)

	require.NoError(t, svc.HandleStripeWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret)))
	assert.Empty(t, ledger.grants)
}

func TestWebhookInactiveSubscriptionGrantsNothing(t *testing.T) {
	svc, mock, ledger := newSubscriptionService(t, nil)

	payload := subscriptionEvent("evt_3", "customer.subscription.updated", "incomplete", "in_1")
	expectEventSeen(mock, "stripe", "evt_3", false)
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WillReturnRows(userRow(annID, "Ann", 0, nil))
	expectSubscriptionUpdate(mock, true)
	expectEventRecorded(mock, "stripe", "evt_3", "customer.subscription.updated")

	require.NoError(t, svc.HandleStripeWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret)))
	assert.Empty(t, ledger.grants)
}

func TestVerifyAndInvoiceWebhookShareKey(t *testing.T) {
	api := &fakeStripe{
		latest: &stripe.Subscription{
			ID:               "sub_1",
			Status:           stripe.SubscriptionStatusActive,
			CurrentPeriodEnd: 1893456000,
			Metadata:         map[string]string{"plan": "basic"},
			LatestInvoice:    &stripe.Invoice{ID: "in_9"},
		},
	}
	api.subs = map[string]*stripe.Subscription{"sub_1": api.latest}
	svc, mock, ledger := newSubscriptionService(t, api)

	customerRows := func(credits int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "name", "email", "credits", "stripe_customer_id"}).
			AddRow(annID, "Ann", "ann@example.com", credits, "cus_1")
	}

	// client polling verify lands first
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WillReturnRows(customerRows(0))
	expectSubscriptionUpdate(mock, true)
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WillReturnRows(customerRows(100))

	result, err := svc.Verify(context.Background(), annID)
	require.NoError(t, err)
	assert.True(t, result.Found)

	// then the invoice webhook for the same period arrives
	payload := []byte(`{"id":"evt_inv","object":"event","type":"invoice.payment_succeeded","created":1700000100,
		"data":{"object":{"id":"in_9","object":"invoice","customer":"cus_1","subscription":"sub_1"}}}`)
	expectEventSeen(mock, "stripe", "evt_inv", false)
	mock.ExpectQuery("SELECT \\* FROM users WHERE stripe_customer_id = \\$1").WithArgs("cus_1").
		WillReturnRows(customerRows(100))
	expectSubscriptionUpdate(mock, true)
	expectEventRecorded(mock, "stripe", "evt_inv", "invoice.payment_succeeded")

	require.NoError(t, svc.HandleStripeWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret)))

	assert.Equal(t, 100, ledger.total(annID))
	assert.Len(t, ledger.grants, 1)
}

func TestVerifyWithoutCustomer(t *testing.T) {
	svc, mock, _ := newSubscriptionService(t, &fakeStripe{})

	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WillReturnRows(userRow(annID, "Ann", 0, nil))

	_, err := svc.Verify(context.Background(), annID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCancelAtPeriodEnd(t *testing.T) {
	api := &fakeStripe{}
	svc, mock, _ := newSubscriptionService(t, api)

	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "stripe_subscription_id"}).AddRow(annID, "Ann", "sub_1"))
	mock.ExpectExec("UPDATE users SET cancel_at_period_end = TRUE").WithArgs(annID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub, err := svc.Cancel(context.Background(), annID)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.Contains(t, api.updates, "sub_1")
	assert.True(t, *api.updates["sub_1"].CancelAtPeriodEnd)
}

func TestStatusReportsActivePeriod(t *testing.T) {
	svc, mock, _ := newSubscriptionService(t, nil)
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "credits", "subscription_plan", "subscription_status", "current_period_end"}).
			AddRow(annID, "Ann", 40, "basic", "active", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)))

	status, err := svc.Status(context.Background(), annID)
	require.NoError(t, err)
	assert.True(t, status.IsActive)
	assert.True(t, status.HasSubscription)
	assert.Equal(t, 40, status.Credits)
}

func TestUseCreditsRejectsZero(t *testing.T) {
	svc, _, _ := newSubscriptionService(t, nil)

	_, err := svc.UseCredits(context.Background(), annID, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPlansListsDollarPrices(t *testing.T) {
	svc, _, _ := newSubscriptionService(t, nil)

	plans := svc.Plans()
	require.Len(t, plans, 3)
	assert.Equal(t, 3.0, plans[1].Price)
	assert.Equal(t, "price_standard", plans[1].StripePriceID)
}
