package utils

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewLogger builds the application logger. Development gets readable
// console output at debug level, everything else JSON at info.
func NewLogger(environment string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if environment == "development" {
		level = zerolog.DebugLevel
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if lvl, err := zerolog.ParseLevel(raw); err == nil {
			level = lvl
		}
	}
	zerolog.SetGlobalLevel(level)

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("app", "atc-api").Logger()
}

// quietPaths are polled by load balancers and are only logged on failure
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// LoggerMiddleware logs every request once it completes
func LoggerMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if quietPaths[path] && status < 400 {
			return
		}

		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}

		event = event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Str("ip", c.ClientIP()).
			Dur("latency", time.Since(start))
		if userID := c.GetString("user_id"); userID != "" {
			event = event.Str("user_id", userID)
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			event = event.Str("errors", errs)
		}
		event.Msg("request")
	}
}
