package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/booali/atc-api/internal/models"
	"github.com/booali/atc-api/internal/services"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	ctxUser   = "user"
	ctxClaims = "claims"
	ctxUserID = "user_id"
)

// Authenticator resolves a bearer token to the signed-in user
type Authenticator struct {
	tokens *services.TokenService
	users  *services.UserService
}

// NewAuthenticator creates the bearer token middleware factory
func NewAuthenticator(tokens *services.TokenService, users *services.UserService) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Resolve validates a session token and loads its user
func (a *Authenticator) Resolve(ctx context.Context, token string) (*models.User, *services.Claims, error) {
	claims, err := a.tokens.Parse(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	user, err := a.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", services.ErrUnauthorized, err)
	}
	return user, claims, nil
}

// Required rejects requests without a valid, unrevoked session token
func (a *Authenticator) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			fail(c, http.StatusUnauthorized, "No token, authorization denied")
			return
		}

		user, claims, err := a.Resolve(c.Request.Context(), token)
		if err != nil {
			fail(c, http.StatusUnauthorized, services.Message(err, "Token is not valid"))
			return
		}

		c.Set(ctxUser, user)
		c.Set(ctxClaims, claims)
		c.Set(ctxUserID, user.ID)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	user, _ := c.MustGet(ctxUser).(*models.User)
	return user
}

func currentClaims(c *gin.Context) *services.Claims {
	claims, _ := c.Get(ctxClaims)
	out, _ := claims.(*services.Claims)
	return out
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client IP
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

// NewRateLimiter allows rps requests per second with the given burst per IP
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		ttl:      10 * time.Minute,
	}
}

func (l *RateLimiter) get(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware answers 429 once a client exceeds its allowance
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.get(c.ClientIP(), time.Now()).Allow() {
			fail(c, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}
		c.Next()
	}
}
