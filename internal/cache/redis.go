package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by Redis string keys with expiry.
type Redis struct {
	rdb     *redis.Client
	timeout time.Duration
}

// RedisOptions configures the Redis cache.
type RedisOptions struct {
	// Redis is the connection to use. Required.
	Redis *redis.Client

	// OperationTimeout bounds each call. Zero means no timeout.
	OperationTimeout time.Duration
}

// NewRedis creates a Redis-backed cache.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Redis{rdb: opts.Redis, timeout: opts.OperationTimeout}, nil
}

// Dial parses a redis:// URL and verifies the server responds.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Get returns the cached answer.
func (c *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores the answer with expiry.
func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}
