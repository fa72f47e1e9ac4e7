package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSubscriptionRouter(t *testing.T) *gin.Engine {
	db, _ := newMockDB(t)
	tokens := services.NewTokenService("test-secret", time.Hour, nil)
	authn := NewAuthenticator(tokens, services.NewUserService(db, nil, zerolog.Nop()))
	subs := services.NewSubscriptionService(db, services.SubscriptionDeps{Plans: services.NewPlans(nil)}, zerolog.Nop())

	r := gin.New()
	RegisterSubscriptionHandlers(r, subs, nil, authn, zerolog.Nop())
	return r
}

func TestSuccessPageDeepLinksBackToApp(t *testing.T) {
	w := perform(newSubscriptionRouter(t), http.MethodGet, "/api/subscription/success?session_id=cs_test_1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), `href="atc://subscription/success?session_id=cs_test_1"`)
	assert.Contains(t, w.Body.String(), "Payment Successful!")
}

func TestSuccessPageEscapesSessionID(t *testing.T) {
	w := perform(newSubscriptionRouter(t), http.MethodGet, `/api/subscription/success?session_id=%22%3E%3Cscript%3E`, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"><script>`)
}

func TestCancelPage(t *testing.T) {
	w := perform(newSubscriptionRouter(t), http.MethodGet, "/api/subscription/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `href="atc://subscription/cancel"`)
	assert.Contains(t, w.Body.String(), "No charges were made")
}

func TestSubscriptionRoutesNeedToken(t *testing.T) {
	r := newSubscriptionRouter(t)
	for _, path := range []string{"/api/subscription/status", "/api/subscription/plans"} {
		assert.Equal(t, http.StatusUnauthorized, perform(r, http.MethodGet, path, nil, nil).Code, path)
	}
	assert.Equal(t, http.StatusUnauthorized, perform(r, http.MethodPost, "/api/subscription/cancel", nil, nil).Code)
}
