package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/booali/atc-api/internal/config"
	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by Get when the key does not exist
var ErrCacheMiss = errors.New("cache miss")

// RedisClient backs OTP codes, the token denylist and chat pub/sub
type RedisClient struct {
	rdb *redis.Client
}

func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient connects and verifies the server answers
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	rc := &RedisClient{rdb: redis.NewClient(redisOptions(cfg))}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		rc.rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rc, nil
}

func (rc *RedisClient) Close() error {
	return rc.rdb.Close()
}

// Ping is also used by the health endpoint
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.rdb.Ping(ctx).Err()
}

// Set stores value under key; a zero ttl keeps it forever
func (rc *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return rc.rdb.Set(ctx, key, value, ttl).Err()
}

func (rc *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := rc.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

func (rc *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rc.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (rc *RedisClient) Delete(ctx context.Context, key string) error {
	return rc.rdb.Del(ctx, key).Err()
}

// Publish sends an event to everyone subscribed to channel
func (rc *RedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return rc.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe opens a pub/sub connection; callers must Close it
func (rc *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return rc.rdb.Subscribe(ctx, channels...)
}
