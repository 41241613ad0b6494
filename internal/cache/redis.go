package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix keeps Kestrel entries apart from other users of the instance.
const keyPrefix = "kestrel:"

// RedisCache implements domain.Cache on Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get returns the value under key, or nil when absent.
func (c *RedisCache) Get(ctx context.Context, caseID, key string) ([]byte, error) {
	if caseID == "" {
		return nil, ErrMissingScope
	}
	val, err := c.client.Get(ctx, keyPrefix+scopedKey(caseID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores value under key for ttl.
func (c *RedisCache) Set(ctx context.Context, caseID, key string, value []byte, ttl time.Duration) error {
	if caseID == "" {
		return ErrMissingScope
	}
	return c.client.Set(ctx, keyPrefix+scopedKey(caseID, key), value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, caseID, key string) error {
	if caseID == "" {
		return ErrMissingScope
	}
	return c.client.Del(ctx, keyPrefix+scopedKey(caseID, key)).Err()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
