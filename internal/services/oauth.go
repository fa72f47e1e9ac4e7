package services

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"google.golang.org/api/idtoken"
)

// IdentityClaims are the verified fields of a third-party identity token
type IdentityClaims struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
}

// IdentityVerifier validates identity tokens from a sign-in provider
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*IdentityClaims, error)
}

const (
	appleIssuer  = "https://appleid.apple.com"
	appleKeysURL = "https://appleid.apple.com/auth/keys"

	appleKeyTimeout = 5 * time.Second
)

// AppleVerifier checks Sign in with Apple identity tokens against Apple's
// published keys. The key set is refreshed in the background; unknown key
// ids trigger a rate limited refresh.
type AppleVerifier struct {
	clientID string
	jwks     keyfunc.Keyfunc
	logger   zerolog.Logger
}

// NewAppleVerifier creates a verifier for tokens issued to clientID. Key
// refreshes stop when ctx is done.
func NewAppleVerifier(ctx context.Context, clientID string, logger zerolog.Logger) (*AppleVerifier, error) {
	return newAppleVerifier(ctx, clientID, appleKeysURL, logger)
}

func newAppleVerifier(ctx context.Context, clientID, keysURL string, logger zerolog.Logger) (*AppleVerifier, error) {
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{keysURL})
	if err != nil {
		return nil, fmt.Errorf("failed to load apple keys: %w", err)
	}
	return &AppleVerifier{
		clientID: clientID,
		jwks:     jwks,
		logger:   logger.With().Str("service", "apple_auth").Logger(),
	}, nil
}

type appleIdentityClaims struct {
	Email         string      `json:"email"`
	EmailVerified interface{} `json:"email_verified"`
	jwt.RegisteredClaims
}

// Verify validates the signature, issuer, audience and expiry of an identity token
func (v *AppleVerifier) Verify(ctx context.Context, token string) (*IdentityClaims, error) {
	ctx, cancel := context.WithTimeout(ctx, appleKeyTimeout)
	defer cancel()

	claims := &appleIdentityClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.jwks.KeyfuncCtx(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(appleIssuer),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Apple identity token rejected")
		return nil, newError(ErrUnauthorized, "Invalid Apple identity token")
	}

	// Apple sends email_verified as either a bool or the string "true"
	verified := false
	switch ev := claims.EmailVerified.(type) {
	case bool:
		verified = ev
	case string:
		verified = ev == "true"
	}

	return &IdentityClaims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: verified,
	}, nil
}

// GoogleVerifier validates Google ID tokens for any of the configured client IDs
type GoogleVerifier struct {
	clientIDs []string
	validate  func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
	logger    zerolog.Logger
}

// NewGoogleVerifier creates a verifier accepting tokens for the given client IDs
func NewGoogleVerifier(clientIDs []string, logger zerolog.Logger) *GoogleVerifier {
	return &GoogleVerifier{
		clientIDs: clientIDs,
		validate:  idtoken.Validate,
		logger:    logger.With().Str("service", "google_auth").Logger(),
	}
}

// Verify validates the token against each configured audience in turn
func (v *GoogleVerifier) Verify(ctx context.Context, token string) (*IdentityClaims, error) {
	if len(v.clientIDs) == 0 {
		return nil, fmt.Errorf("google sign-in: %w", ErrNotConfigured)
	}

	var lastErr error
	for _, aud := range v.clientIDs {
		payload, err := v.validate(ctx, token, aud)
		if err != nil {
			lastErr = err
			continue
		}
		email, _ := payload.Claims["email"].(string)
		name, _ := payload.Claims["name"].(string)
		verified, _ := payload.Claims["email_verified"].(bool)
		return &IdentityClaims{
			Subject:       payload.Subject,
			Email:         email,
			Name:          name,
			EmailVerified: verified,
		}, nil
	}

	v.logger.Warn().Err(lastErr).Msg("Google ID token rejected")
	return nil, newError(ErrUnauthorized, "Invalid Google ID token")
}
