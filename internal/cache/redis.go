package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
	redis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCache shares merged tables between processes. Values are msgpack-encoded
// and expire through Redis' own TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client. The cache takes ownership and closes it.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) (models.Table, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Table{}, false, nil
	}
	if err != nil {
		return models.Table{}, false, fmt.Errorf("redis GET %s: %w", key, err)
	}

	var table models.Table
	if err := msgpack.Unmarshal(data, &table); err != nil {
		return models.Table{}, false, fmt.Errorf("decode cached table %s: %w", key, err)
	}
	for i := range table.Rows {
		table.Rows[i].Date = table.Rows[i].Date.UTC()
	}
	if table.Rows == nil {
		table.Rows = []models.MergedRow{}
	}
	return table, true, nil
}

// Set implements Cache. A non-positive ttl uses DefaultTTL.
func (r *RedisCache) Set(ctx context.Context, key string, table models.Table, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := msgpack.Marshal(table)
	if err != nil {
		return fmt.Errorf("encode table: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Close implements Cache.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
