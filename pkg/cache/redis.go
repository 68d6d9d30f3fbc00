package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultKeyPrefix namespaces keys so the cache shares a Redis with
// other tenants safely.
const defaultKeyPrefix = "istabot:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g. redis://localhost:6379/0).
	URL string

	// KeyPrefix is prepended to all keys.
	KeyPrefix string

	// DefaultTTL applies to entries set with a zero TTL.
	DefaultTTL time.Duration

	// DialTimeout bounds the initial connection check.
	DialTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:         "redis://localhost:6379",
		KeyPrefix:   defaultKeyPrefix,
		DefaultTTL:  time.Hour,
		DialTimeout: 5 * time.Second,
	}
}

// RedisCache implements Cache on a Redis backend.
type RedisCache struct {
	client *redis.Client
	cfg    RedisConfig

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	return &RedisCache{client: client, cfg: cfg}, nil
}

// Get retrieves a value by key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.cfg.KeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	c.hits.Add(1)
	return val, nil
}

// Set stores a value. A zero TTL takes the configured default.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if err := c.client.Set(ctx, c.cfg.KeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	c.sets.Add(1)
	return nil
}

// Delete removes a key from the cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	n, err := c.client.Del(ctx, c.cfg.KeyPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every key under the configured prefix, scanning rather
// than FLUSHing so co-tenants survive.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.cfg.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	return nil
}

// Stats returns cache statistics. Size is not tracked: counting keys
// would need a full SCAN per call.
func (c *RedisCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
	}
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
