package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 16

// RegisterWebhookHandlers registers the billing provider callbacks
func RegisterWebhookHandlers(r *gin.Engine, subscriptions *services.SubscriptionService, revenueCat *services.RevenueCatService, logger zerolog.Logger) {
	handler := &webhookHandler{
		subscriptions: subscriptions,
		revenueCat:    revenueCat,
		logger:        logger.With().Str("handler", "webhook").Logger(),
	}

	webhooks := r.Group("/webhook")
	{
		webhooks.POST("/stripe", handler.stripe)
		webhooks.POST("/revenuecat", handler.revenuecat)
	}
}

type webhookHandler struct {
	subscriptions *services.SubscriptionService
	revenueCat    *services.RevenueCatService
	logger        zerolog.Logger
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusRequestEntityTooLarge, "Payload too large")
		return nil, false
	}
	return body, true
}

// stripe answers 400 for bad signatures so Stripe stops retrying them and
// 500 for processing failures so it retries
func (h *webhookHandler) stripe(c *gin.Context) {
	payload, okBody := readBody(c)
	if !okBody {
		return
	}

	err := h.subscriptions.HandleStripeWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, services.ErrUnauthorized), errors.Is(err, services.ErrInvalidInput):
		h.logger.Warn().Err(err).Msg("Rejected Stripe webhook")
		fail(c, http.StatusBadRequest, "Webhook Error: "+services.Message(err, err.Error()))
		return
	case err != nil:
		respondError(c, h.logger, err, "Webhook processing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *webhookHandler) revenuecat(c *gin.Context) {
	if err := h.revenueCat.Authorize(c.GetHeader("Authorization")); err != nil {
		if errors.Is(err, services.ErrNotConfigured) {
			respondError(c, h.logger, err, "RevenueCat webhook not configured")
			return
		}
		fail(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	body, okBody := readBody(c)
	if !okBody {
		return
	}

	outcome, err := h.revenueCat.HandleWebhook(c.Request.Context(), body)
	if err != nil {
		respondError(c, h.logger, err, "Webhook processing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": outcome})
}

// RegisterRevenueCatHandlers registers the in-app purchase catalogue routes
func RegisterRevenueCatHandlers(r *gin.Engine, revenueCat *services.RevenueCatService, authn *Authenticator, logger zerolog.Logger) {
	handler := &revenueCatHandler{
		revenueCat: revenueCat,
		logger:     logger.With().Str("handler", "revenuecat").Logger(),
	}

	rc := r.Group("/api/revenuecat")
	rc.Use(authn.Required())
	{
		rc.GET("/offerings", handler.offerings)
		rc.GET("/products", handler.products)
		rc.POST("/purchase", handler.purchase)
	}
}

type revenueCatHandler struct {
	revenueCat *services.RevenueCatService
	logger     zerolog.Logger
}

func (h *revenueCatHandler) offerings(c *gin.Context) {
	ok(c, gin.H{"data": h.revenueCat.Offerings(c.Request.Context())})
}

func (h *revenueCatHandler) products(c *gin.Context) {
	ok(c, gin.H{"data": h.revenueCat.Products()})
}

func (h *revenueCatHandler) purchase(c *gin.Context) {
	var req struct {
		ProductID string `json:"productId" binding:"required"`
		Receipt   string `json:"receipt"`
		Platform  string `json:"platform"`
	}
	if !bind(c, &req) {
		return
	}

	ack, err := h.revenueCat.AcknowledgePurchase(currentUser(c).ID, req.ProductID, req.Platform)
	if err != nil {
		respondError(c, h.logger, err, "Failed to process purchase")
		return
	}
	ok(c, gin.H{"message": "Purchase received. Credits are added once the store confirms it.", "data": ack})
}
