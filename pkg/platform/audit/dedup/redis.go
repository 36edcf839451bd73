package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "audit:dedup:"

// RedisCache shares dedup markers between instances. SET NX PX gives the
// atomic check-and-set and the TTL in one round trip.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithKeyPrefix namespaces dedup keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) { c.prefix = prefix }
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &RedisCache{client: client, ttl: ttl, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

// IsProcessed implements Cache.
func (c *RedisCache) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements Cache.
func (c *RedisCache) MarkProcessed(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	if err := c.client.Set(ctx, c.key(key), token, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("dedup mark: %w", err)
	}
	return token, nil
}

// TryMark implements Cache.
func (c *RedisCache) TryMark(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, c.key(key), token, c.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedup try mark: %w", err)
	}
	if ok {
		return token, true, nil
	}
	existing, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the other caller still won the window.
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup read marker: %w", err)
	}
	return existing, false, nil
}

// Clear removes every marker under the prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("dedup clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("dedup scan: %w", err)
	}
	return nil
}
