// Package redis provides Redis-backed cache primitives.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

const (
	pingTimeout   = 5 * time.Second
	scanBatchSize = 100
)

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, &crawler.ConfigurationError{Reason: "redis.url is required"}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Cache implements crawler.Cache on a Redis client.
type Cache struct {
	client redis.UniversalClient
}

// New wraps client.
func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

// Get implements crawler.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, crawler.ErrNotFound
	}
	if err != nil {
		return nil, &crawler.CacheError{Op: "get", Key: key, Err: err}
	}
	return val, nil
}

// SetWithTTL implements crawler.Cache. A non-positive ttl never expires.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &crawler.CacheError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete implements crawler.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return &crawler.CacheError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// DeleteByPattern walks the keyspace with SCAN and deletes matches batch by
// batch, so large keyspaces never block the server.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return deleted, &crawler.CacheError{Op: "scan", Key: pattern, Err: err}
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, &crawler.CacheError{Op: "delete pattern", Key: pattern, Err: err}
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
