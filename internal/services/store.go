package services

import (
	"context"
	"time"
)

// KeyValueStore is the subset of the Redis client used for short-lived state
// such as OTP codes and revoked session tokens
type KeyValueStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Publisher fans messages out to pub/sub subscribers
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}
