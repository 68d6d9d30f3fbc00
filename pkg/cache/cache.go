// Package cache provides KV caching for repeated answers. A cache hit
// short-circuits the whole retrieval and generation pipeline, so common
// questions come back in sub-millisecond time.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Cache defines the KV caching interface. Redis backs it in
// production; the in-memory cache covers local runs and tests.
type Cache interface {
	// Get retrieves a value by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL. Zero TTL means the configured
	// default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries from the cache.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats

	// Close releases resources.
	Close() error
}

// Stats holds cache performance counters.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
	Size   int64
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Config holds cache configuration.
type Config struct {
	// MaxSize is the maximum number of entries (0 = default).
	MaxSize int

	// DefaultTTL applies to entries set with a zero TTL.
	DefaultTTL time.Duration

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:         10000,
		DefaultTTL:      time.Hour,
		CleanupInterval: time.Minute,
	}
}
