// Package cache holds computed case artifacts (network reports, party
// profiles) between requests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrMissingScope is returned when a key is used without a case scope.
var ErrMissingScope = errors.New("cache scope is required")

// New creates a cache from configuration: an in-process LRU for "memory",
// Redis for "redis", fronted by an LRU when two-phase caching is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through a local LRU (L1) to a shared backend (L2).
// Writes go to both; L1 entries never outlive localTTL.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
}

// NewTwoPhaseCache wraps remote with local. localTTL defaults to 5m.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, localTTL: localTTL}
}

// Get retrieves from L1 first, then L2. An L2 hit is copied into L1.
func (c *TwoPhaseCache) Get(ctx context.Context, caseID, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, caseID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, caseID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, caseID, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes to both tiers.
func (c *TwoPhaseCache) Set(ctx context.Context, caseID, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, caseID, key, value, min(ttl, c.localTTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, caseID, key, value, ttl)
}

// Delete removes from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, caseID, key string) error {
	if err := c.local.Delete(ctx, caseID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, caseID, key)
}

// Ping checks both tiers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}
