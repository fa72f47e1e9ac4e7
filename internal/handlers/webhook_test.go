package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newWebhookRouter(t *testing.T, stripeSecret, revenueCatToken string) *gin.Engine {
	db, _ := newMockDB(t)
	plans := services.NewPlans(nil)
	ledger := services.NewLedgerService(db, zerolog.Nop())
	subs := services.NewSubscriptionService(db, services.SubscriptionDeps{
		Plans:         plans,
		Ledger:        ledger,
		WebhookSecret: stripeSecret,
	}, zerolog.Nop())
	rc := services.NewRevenueCatService(db, plans, ledger, nil, revenueCatToken, zerolog.Nop())

	r := gin.New()
	RegisterWebhookHandlers(r, subs, rc, zerolog.Nop())
	return r
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	r := newWebhookRouter(t, "whsec_test", "")

	w := perform(r, http.MethodPost, "/webhook/stripe", map[string]string{"id": "evt_1", "type": "invoice.paid"},
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.HasPrefix(decode(t, w)["message"].(string), "Webhook Error: "))
}

func TestStripeWebhookNotConfigured(t *testing.T) {
	r := newWebhookRouter(t, "", "")

	w := perform(r, http.MethodPost, "/webhook/stripe", map[string]string{"id": "evt_1"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRevenueCatWebhookChecksAuthorization(t *testing.T) {
	r := newWebhookRouter(t, "", "rc-token")

	w := perform(r, http.MethodPost, "/webhook/revenuecat", map[string]interface{}{"event": map[string]string{"id": "e1"}},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevenueCatWebhookRefusedWithoutToken(t *testing.T) {
	r := newWebhookRouter(t, "", "")

	event := map[string]interface{}{"event": map[string]string{
		"id": "e1", "type": "NON_RENEWING_PURCHASE", "app_user_id": "6f1c1c4e-0000-4000-8000-000000000001",
		"product_id": "com.booali.Atc.premium", "store": "APP_STORE", "transaction_id": "1",
	}}
	for _, auth := range []string{"", "Bearer "} {
		w := perform(r, http.MethodPost, "/webhook/revenuecat", event, map[string]string{"Authorization": auth})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	}
}
