package authcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs the ephemeral store with Redis so multiple identity-provider
// instances can share in-flight authorization codes. TTLs are enforced
// server-side; GetDelete maps to GETDEL, which Redis executes atomically.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an already-connected client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// DialRedis connects and verifies the connection with a ping.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("authcache.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		return nil, fmt.Errorf("authcache.redis.ping: %w", pingErr)
	}
	return client, nil
}

// Set stores value under key until ttl elapses.
func (cache *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return cache.translate("set", err)
	}
	return nil
}

// Get returns the live value for key or ErrCacheMiss.
func (cache *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := cache.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, cache.translate("get", err)
	}
	return value, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (cache *RedisCache) Delete(ctx context.Context, key string) error {
	if err := cache.client.Del(ctx, key).Err(); err != nil {
		return cache.translate("del", err)
	}
	return nil
}

// GetDelete atomically fetches and removes key via GETDEL.
func (cache *RedisCache) GetDelete(ctx context.Context, key string) ([]byte, error) {
	value, err := cache.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, cache.translate("getdel", err)
	}
	return value, nil
}

func (cache *RedisCache) translate(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("authcache.redis.%s: %w", operation, ErrUnavailable)
	}
	return fmt.Errorf("authcache.redis.%s: %w: %v", operation, ErrUnavailable, err)
}
