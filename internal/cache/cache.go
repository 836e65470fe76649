// Package cache provides the rule-snapshot and first-purchase hint caches.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultNearTTL = 5 * time.Minute

// New builds the cache selected by cfg.Type.
//
//	memory           otter, process local
//	redis            shared Redis
//	redis + twoPhase otter in front of Redis
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(cfg.LocalMaxSize, cfg.LocalTTL)
	case "redis":
		if !cfg.EnableTwoPhase {
			return newRedisFromConfig(cfg)
		}
		return NewTwoPhaseCache(cfg)
	}
	return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
}

// TwoPhaseCache keeps a short-lived otter copy of each entry in front of a
// shared backing cache. Invalidations reach the backing cache immediately;
// other nodes see them once their near copy expires, which bounds rule
// staleness to LocalTTL.
type TwoPhaseCache struct {
	near    *MemoryCache
	far     domain.Cache
	nearTTL time.Duration
}

var _ domain.Cache = (*TwoPhaseCache)(nil)

// NewTwoPhaseCache connects to Redis and puts an otter cache in front of it.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	far, err := newRedisFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	tp, err := newTwoPhase(cfg, far)
	if err != nil {
		_ = far.Close()
		return nil, err
	}
	return tp, nil
}

func newTwoPhase(cfg domain.CacheConfig, far domain.Cache) (*TwoPhaseCache, error) {
	nearTTL := cfg.LocalTTL
	if nearTTL <= 0 {
		nearTTL = defaultNearTTL
	}
	near, err := NewMemoryCache(cfg.LocalMaxSize, nearTTL)
	if err != nil {
		return nil, fmt.Errorf("near cache: %w", err)
	}
	return &TwoPhaseCache{near: near, far: far, nearTTL: nearTTL}, nil
}

// Get answers from the near cache when it can and refills it from the far one.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if v, err := c.near.Get(ctx, key); err != nil || v != nil {
		return v, err
	}

	v, err := c.far.Get(ctx, key)
	if err != nil || v == nil {
		return v, err
	}
	_ = c.near.Set(ctx, key, v, c.nearTTL)
	return v, nil
}

// Set writes through both layers. The near copy never outlives ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.near.Set(ctx, key, value, c.nearExpiry(ttl)); err != nil {
		return err
	}
	return c.far.Set(ctx, key, value, ttl)
}

func (c *TwoPhaseCache) nearExpiry(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.nearTTL {
		return ttl
	}
	return c.nearTTL
}

func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.near.Delete(ctx, key); err != nil {
		return err
	}
	return c.far.Delete(ctx, key)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.near.Ping(ctx); err != nil {
		return fmt.Errorf("near cache: %w", err)
	}
	if err := c.far.Ping(ctx); err != nil {
		return fmt.Errorf("far cache: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.near.Close()
	return c.far.Close()
}

// Stats reports the near cache's size and capacity.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.near.Stats()
}
