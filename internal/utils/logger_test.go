package utils

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newLoggedRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(LoggerMiddleware(zerolog.New(buf)))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) {
		c.Set("user_id", "u1")
		c.Status(http.StatusInternalServerError)
	})
	return r
}

func TestLoggerMiddlewareSkipsHealthyProbes(t *testing.T) {
	var buf bytes.Buffer
	r := newLoggedRouter(&buf)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String())
}

func TestLoggerMiddlewareLogsErrors(t *testing.T) {
	var buf bytes.Buffer
	r := newLoggedRouter(&buf)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"status":500`)
	assert.Contains(t, out, `"user_id":"u1"`)
}
