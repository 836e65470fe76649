package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

// MemoryCache is the in-process cache backed by otter (S3-FIFO eviction).
// Used as the Community tier cache and as L1 in two-phase caching.
type MemoryCache struct {
	store      otter.CacheWithVariableTTL[string, []byte]
	capacity   int
	defaultTTL time.Duration
}

// NewMemoryCache creates an in-memory cache holding at most capacity entries.
// defaultTTL applies when Set is called with a non-positive ttl.
func NewMemoryCache(capacity int, defaultTTL time.Duration) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	store, err := otter.MustBuilder[string, []byte](capacity).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build memory cache: %w", err)
	}

	return &MemoryCache{
		store:      store,
		capacity:   capacity,
		defaultTTL: defaultTTL,
	}, nil
}

// Get retrieves a value. Returns nil, nil on miss.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	val, ok := c.store.Get(key)
	if !ok {
		return nil, nil
	}
	return val, nil
}

// Set stores a copy of value.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	c.store.Set(key, stored, ttl)
	return nil
}

// Delete removes a value.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

// Ping always succeeds for the in-process cache.
func (c *MemoryCache) Ping(_ context.Context) error {
	return nil
}

// Close stops otter's background goroutines.
func (c *MemoryCache) Close() error {
	c.store.Close()
	return nil
}

// Stats returns the current entry count and the capacity.
func (c *MemoryCache) Stats() (size int, capacity int) {
	return c.store.Size(), c.capacity
}
