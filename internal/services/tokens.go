package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the session token claims
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenService issues and validates session tokens
type TokenService struct {
	secret []byte
	ttl    time.Duration
	store  KeyValueStore
	now    func() time.Time
}

// NewTokenService creates a new token service
func NewTokenService(secret string, ttl time.Duration, store KeyValueStore) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		store:  store,
		now:    time.Now,
	}
}

// Issue signs a new session token for the user
func (s *TokenService) Issue(userID string) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Parse validates a token and rejects revoked ones
func (s *TokenService) Parse(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, newError(ErrUnauthorized, "Invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, newError(ErrUnauthorized, "Invalid token")
	}

	if claims.ID != "" && s.store != nil {
		revoked, err := s.store.Exists(ctx, revokedKey(claims.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to check token revocation: %w", err)
		}
		if revoked {
			return nil, newError(ErrUnauthorized, "Token has been revoked")
		}
	}

	return claims, nil
}

// Revoke denies a token until it would have expired anyway
func (s *TokenService) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ID == "" || s.store == nil {
		return nil
	}
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Sub(s.now()); remaining > 0 {
			ttl = remaining
		}
	}
	if err := s.store.Set(ctx, revokedKey(claims.ID), "1", ttl); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsUnauthorized reports whether err is a token rejection
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func revokedKey(jti string) string {
	return "revoked_token:" + jti
}
