package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/booali/atc-api/internal/metrics"
	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// RegisterPlatformHandlers registers the banner, health, metrics and config routes
func RegisterPlatformHandlers(r *gin.Engine, checks map[string]HealthCheck, serviceAccountPath string, logger zerolog.Logger) {
	handler := &platformHandler{
		checks:             checks,
		serviceAccountPath: serviceAccountPath,
		logger:             logger.With().Str("handler", "platform").Logger(),
		started:            time.Now(),
	}

	r.GET("/", handler.banner)
	r.GET("/health", handler.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/api/config/service-account", handler.serviceAccount)
}

type platformHandler struct {
	checks             map[string]HealthCheck
	serviceAccountPath string
	logger             zerolog.Logger
	started            time.Time
}

func (h *platformHandler) banner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "ATC API is running",
		"status":  "healthy",
	})
}

func (h *platformHandler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status, state := http.StatusOK, "ok"
	results := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			results[name] = "down"
			status, state = http.StatusServiceUnavailable, "degraded"
			continue
		}
		results[name] = "up"
	}

	c.JSON(status, gin.H{
		"status":       state,
		"dependencies": results,
		"uptime":       time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *platformHandler) serviceAccount(c *gin.Context) {
	raw, err := os.ReadFile(h.serviceAccountPath)
	if errors.Is(err, os.ErrNotExist) {
		fail(c, http.StatusNotFound, "Service account configuration not found")
		return
	}
	if err != nil || !gjson.ValidBytes(raw) {
		h.logger.Error().Err(err).Str("path", h.serviceAccountPath).Msg("Failed to read service account")
		fail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	doc := gjson.ParseBytes(raw)
	keyID := "Not available"
	if id := doc.Get("private_key_id").String(); id != "" {
		if len(id) > 10 {
			id = id[:10]
		}
		keyID = id + "••••••••••••••••••••••••••••••••"
	}

	ok(c, gin.H{"data": gin.H{
		"project_id":     doc.Get("project_id").String(),
		"private_key_id": keyID,
		"client_email":   doc.Get("client_email").String(),
	}})
}

// RegisterCronHandlers registers the externally triggered job endpoints
func RegisterCronHandlers(r *gin.Engine, notifications *services.NotificationService, users *services.UserService, secret string, logger zerolog.Logger) {
	handler := &cronHandler{
		notifications: notifications,
		users:         users,
		logger:        logger.With().Str("handler", "cron").Logger(),
	}

	cron := r.Group("/api/cron")
	cron.Use(cronSecret(secret))
	{
		cron.GET("/subscription-reminders", handler.subscriptionReminders)
		cron.POST("/test-notification", handler.testNotification)
	}
}

// cronSecret checks x-cron-secret when a secret is configured
func cronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader("x-cron-secret")), []byte(secret)) != 1 {
			fail(c, http.StatusUnauthorized, "Unauthorized")
			return
		}
		c.Next()
	}
}

type cronHandler struct {
	notifications *services.NotificationService
	users         *services.UserService
	logger        zerolog.Logger
}

func (h *cronHandler) subscriptionReminders(c *gin.Context) {
	sent, err := h.notifications.RunSubscriptionReminders(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to send subscription reminders")
		return
	}
	ok(c, gin.H{
		"message": "Subscription expiry reminders sent",
		"results": gin.H{"threeDays": sent[3], "oneDay": sent[1], "today": sent[0]},
	})
}

func (h *cronHandler) testNotification(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		Days   int    `json:"days"`
	}
	if !bind(c, &req) {
		return
	}
	if req.Days <= 0 {
		req.Days = 3
	}

	user, err := h.users.GetUserByID(c.Request.Context(), req.UserID)
	if err != nil {
		respondError(c, h.logger, err, "User not found or no push token")
		return
	}
	if err := h.notifications.SendTestReminder(c.Request.Context(), user, req.Days); err != nil {
		respondError(c, h.logger, err, "Failed to send test notification")
		return
	}
	ok(c, gin.H{"message": "Test notification sent"})
}

// RegisterStreamHandlers registers the Stream Chat token routes
func RegisterStreamHandlers(r *gin.Engine, stream *services.StreamService, authn *Authenticator, logger zerolog.Logger) {
	handler := &streamHandler{
		stream: stream,
		logger: logger.With().Str("handler", "stream").Logger(),
	}

	group := r.Group("/api/stream")
	group.Use(authn.Required())
	{
		group.GET("/token", handler.token)
		group.POST("/token", handler.token)
	}
}

type streamHandler struct {
	stream *services.StreamService
	logger zerolog.Logger
}

func (h *streamHandler) token(c *gin.Context) {
	tok, err := h.stream.Token(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err, "Failed to generate Stream token")
		return
	}
	ok(c, gin.H{"token": tok.Token, "userId": tok.UserID, "apiKey": tok.APIKey})
}
