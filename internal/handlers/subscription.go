package handlers

import (
	"html/template"
	"net/http"
	"net/url"

	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RegisterSubscriptionHandlers registers Stripe checkout, status and native receipt routes
func RegisterSubscriptionHandlers(r *gin.Engine, subscriptions *services.SubscriptionService, receipts *services.ReceiptService, authn *Authenticator, logger zerolog.Logger) {
	handler := &subscriptionHandler{
		subscriptions: subscriptions,
		receipts:      receipts,
		logger:        logger.With().Str("handler", "subscription").Logger(),
	}

	sub := r.Group("/api/subscription")

	// Stripe redirects the browser here after checkout
	sub.GET("/success", handler.successPage)
	sub.GET("/cancel", handler.cancelPage)

	protected := sub.Group("", authn.Required())
	{
		protected.POST("/create-checkout-session", handler.createCheckoutSession)
		protected.GET("/status", handler.status)
		protected.POST("/verify", handler.verify)
		protected.POST("/verify-native", handler.verifyNative)
		protected.POST("/cancel", handler.cancel)
		protected.GET("/plans", handler.plans)
		protected.POST("/use-credits", handler.useCredits)
	}
}

type subscriptionHandler struct {
	subscriptions *services.SubscriptionService
	receipts      *services.ReceiptService
	logger        zerolog.Logger
}

type redirectPage struct {
	Title    string
	Heading  string
	Body     string
	Icon     string
	Variant  string
	DeepLink template.URL
}

var redirectTemplate = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>{{.Title}}</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: linear-gradient(135deg, #008C99 0%, #00A8B5 100%); text-align: center; padding: 20px; }
    .container { background: white; border-radius: 20px; padding: 40px; max-width: 400px; box-shadow: 0 10px 40px rgba(0,0,0,0.2); }
    .icon { width: 80px; height: 80px; border-radius: 50%; display: flex; align-items: center; justify-content: center; margin: 0 auto 20px; font-size: 40px; color: white; }
    .success { background: #10B981; }
    .cancelled { background: #EF4444; }
    h1 { color: #333; margin-bottom: 10px; }
    p { color: #666; margin-bottom: 20px; }
    .btn { background: #008C99; color: white; padding: 15px 30px; border-radius: 10px; font-size: 16px; font-weight: 600; text-decoration: none; display: inline-block; }
  </style>
</head>
<body>
  <div class="container">
    <div class="icon {{.Variant}}">{{.Icon}}</div>
    <h1>{{.Heading}}</h1>
    <p>{{.Body}}</p>
    <a href="{{.DeepLink}}" class="btn">Return to App</a>
    <p>If not redirected automatically, tap the button above.</p>
  </div>
  <script>
    setTimeout(function() { window.location.href = {{.DeepLink}}; }, 1000);
    setTimeout(function() { window.location.href = {{.DeepLink}}; }, 2500);
  </script>
</body>
</html>`))

func (h *subscriptionHandler) renderRedirect(c *gin.Context, page redirectPage) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := redirectTemplate.Execute(c.Writer, page); err != nil {
		h.logger.Error().Err(err).Msg("Failed to render redirect page")
	}
}

func (h *subscriptionHandler) successPage(c *gin.Context) {
	link := "atc://subscription/success?" + url.Values{"session_id": {c.Query("session_id")}}.Encode()
	h.renderRedirect(c, redirectPage{
		Title:    "Payment Successful",
		Heading:  "Payment Successful!",
		Body:     "Your subscription has been activated. Redirecting you back to the app...",
		Icon:     "✓",
		Variant:  "success",
		DeepLink: template.URL(link),
	})
}

func (h *subscriptionHandler) cancelPage(c *gin.Context) {
	h.renderRedirect(c, redirectPage{
		Title:    "Payment Cancelled",
		Heading:  "Payment Cancelled",
		Body:     "Your payment was cancelled. No charges were made. Redirecting you back to the app...",
		Icon:     "✕",
		Variant:  "cancelled",
		DeepLink: template.URL("atc://subscription/cancel"),
	})
}

func (h *subscriptionHandler) createCheckoutSession(c *gin.Context) {
	var req struct {
		Plan string `json:"plan" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}

	session, err := h.subscriptions.CreateCheckoutSession(c.Request.Context(), currentUser(c).ID, req.Plan)
	if err != nil {
		respondError(c, h.logger, err, "Failed to create checkout session")
		return
	}
	ok(c, gin.H{"sessionId": session.SessionID, "url": session.URL})
}

func (h *subscriptionHandler) status(c *gin.Context) {
	status, err := h.subscriptions.Status(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get subscription status")
		return
	}
	ok(c, gin.H{"data": status})
}

func (h *subscriptionHandler) verify(c *gin.Context) {
	result, err := h.subscriptions.Verify(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to verify subscription")
		return
	}
	if !result.Found {
		ok(c, gin.H{"message": "No active subscription found", "data": result})
		return
	}
	ok(c, gin.H{"message": "Subscription verified", "data": result})
}

func (h *subscriptionHandler) verifyNative(c *gin.Context) {
	var req struct {
		Platform      string `json:"platform" binding:"required"`
		ReceiptData   string `json:"receiptData"`
		ProductID     string `json:"productId"`
		PurchaseToken string `json:"purchaseToken"`
	}
	if !bind(c, &req) {
		return
	}

	result, err := h.receipts.VerifyNative(c.Request.Context(), currentUser(c).ID, services.NativeReceipt{
		Platform:      req.Platform,
		ReceiptData:   req.ReceiptData,
		ProductID:     req.ProductID,
		PurchaseToken: req.PurchaseToken,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to verify purchase")
		return
	}
	ok(c, gin.H{"message": "Purchase verified", "data": result})
}

func (h *subscriptionHandler) cancel(c *gin.Context) {
	sub, err := h.subscriptions.Cancel(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to cancel subscription")
		return
	}
	ok(c, gin.H{"message": "Subscription will be cancelled at the end of the billing period", "data": sub})
}

func (h *subscriptionHandler) plans(c *gin.Context) {
	ok(c, gin.H{"data": h.subscriptions.Plans()})
}

func (h *subscriptionHandler) useCredits(c *gin.Context) {
	var req struct {
		Amount int `json:"amount"`
	}
	if !bind(c, &req) {
		return
	}

	balance, err := h.subscriptions.UseCredits(c.Request.Context(), currentUser(c).ID, req.Amount)
	if err != nil {
		respondError(c, h.logger, err, "Failed to use credits")
		return
	}
	ok(c, gin.H{"message": "Credits used successfully", "data": gin.H{"remainingCredits": balance}})
}
