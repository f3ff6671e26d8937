// Package cache stores merged tables keyed by pipeline parameters for a bounded time.
// It sits outside the pipeline core: the core stays a pure function of its inputs and
// a caller decides whether to consult a cache first.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/config"
	"github.com/johnayoung/go-tvl-correlator/internal/models"
	redis "github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a merged table stays fresh.
const DefaultTTL = time.Hour

const keyVersion = "v1"

// Cache maps a key to a merged table with a time-to-live.
type Cache interface {
	// Get returns the table stored under key. ok is false on a miss or when the
	// entry has expired.
	Get(ctx context.Context, key string) (table models.Table, ok bool, err error)

	// Set stores table under key for ttl.
	Set(ctx context.Context, key string, table models.Table, ttl time.Duration) error

	// Close releases any held connections.
	Close() error
}

// Key builds a cache key from a prefix and the pipeline parameters that
// determine the output.
func Key(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = "tvlcorr"
	}
	return prefix + ":" + keyVersion + ":" + strings.Join(parts, "|")
}

// New builds the cache selected by cfg.Type: "memory", "redis" or "none".
func New(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryCache(), nil
	case "none":
		return NoopCache{}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis PING %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisCache(client), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (models.Table, bool, error) {
	return models.Table{}, false, nil
}

func (NoopCache) Set(context.Context, string, models.Table, time.Duration) error {
	return nil
}

func (NoopCache) Close() error {
	return nil
}
