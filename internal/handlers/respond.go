package handlers

import (
	"errors"
	"net/http"

	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// statusFor maps service sentinel errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrSubscriptionNeeded):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInvalidInput), errors.Is(err, services.ErrInsufficientCredits):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes the error envelope. Unexpected errors are logged and
// answered with fallback.
func respondError(c *gin.Context, logger zerolog.Logger, err error, fallback string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.FullPath()).Msg(fallback)
		_ = c.Error(err)
	}
	fail(c, status, services.Message(err, fallback))
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

func ok(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

// bind parses a JSON body, answering 400 on failure
func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
