package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// Keys are namespaced by case id so one case never reads another's entries.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, caseID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, caseID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, caseID string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" mapstructure:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" mapstructure:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" mapstructure:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" mapstructure:"redis_addr"`
	RedisPassword string `json:"-" mapstructure:"redis_password"`
	RedisDB       int    `json:"redisDb" mapstructure:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" mapstructure:"enable_two_phase"` // If true, check local first, then Redis
}
