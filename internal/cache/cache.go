// Package cache implements the read-through cache wrapped around the
// recipient and template lookups.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLs per lookup kind. Profiles change more often than templates.
const (
	UserTTL     = 5 * time.Minute
	TemplateTTL = 10 * time.Minute
)

// Cache stores JSON values in Redis and keeps hit/miss counters per lookup
// name. Counter and write failures never propagate: metrics and cache
// population are best-effort, only reads gate behavior.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, logger: logger}
}

func (c *Cache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) recordHit(ctx context.Context, name string) {
	if err := c.client.Incr(ctx, fmt.Sprintf("metrics:cache:%s:hits", name)).Err(); err != nil {
		c.logger.Debug("failed to record cache hit", "error", err, "cache", name)
	}
}

func (c *Cache) recordMiss(ctx context.Context, name string) {
	if err := c.client.Incr(ctx, fmt.Sprintf("metrics:cache:%s:misses", name)).Err(); err != nil {
		c.logger.Debug("failed to record cache miss", "error", err, "cache", name)
	}
}

// Counters returns the accumulated hit and miss counts for a lookup name.
func (c *Cache) Counters(ctx context.Context, name string) (hits, misses int64, err error) {
	hits, err = c.client.Get(ctx, fmt.Sprintf("metrics:cache:%s:hits", name)).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, err
	}
	misses, err = c.client.Get(ctx, fmt.Sprintf("metrics:cache:%s:misses", name)).Int64()
	if err != nil && err != redis.Nil {
		return hits, 0, err
	}
	return hits, misses, nil
}

// Resolve is the cache-aside lookup: return the cached value under key, or
// invoke loader, populate the cache with the given TTL, and return the
// loaded value. name labels the hit/miss counters. Loader errors propagate;
// cache read or write errors degrade to a plain load.
func Resolve[T any](ctx context.Context, c *Cache, name, key string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	found, err := c.GetJSON(ctx, key, &cached)
	if err != nil {
		c.logger.Warn("cache read failed, falling through to loader", "error", err, "key", key)
	}
	if found {
		c.recordHit(ctx, name)
		return cached, nil
	}

	c.recordMiss(ctx, name)

	value, err := loader(ctx)
	if err != nil {
		return value, err
	}

	if err := c.SetJSON(ctx, key, value, ttl); err != nil {
		c.logger.Warn("failed to populate cache", "error", err, "key", key)
	}

	return value, nil
}
