package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ping/:id", "204"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/42", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ping/:id", "204"))
	assert.Equal(t, before+1, after)
}

func TestRecordGrantOutcomes(t *testing.T) {
	RecordGrant("subscription", true)
	RecordGrant("subscription", false)
	RecordGrant("subscription", false)

	assert.GreaterOrEqual(t, testutil.ToFloat64(creditGrants.WithLabelValues("subscription", "applied")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(creditGrants.WithLabelValues("subscription", "duplicate")), 2.0)
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordWebhook("stripe", "invoice.paid", "processed")

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "atc_webhooks_events_total")
}
