package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Every key Kestrel writes to a shared Redis lives under this namespace so
// rule snapshots and first-purchase hints never collide with other applications
// of the same instance.
const keyPrefix = "kestrel:"

const (
	defaultRedisAddr = "localhost:6379"
	dialCheckTimeout = 5 * time.Second
)

// RedisCache stores rule snapshots and first-purchase hints in Redis so
// every API node sees the same values.
type RedisCache struct {
	rdb *redis.Client
}

var _ domain.Cache = (*RedisCache)(nil)

// NewRedisCache dials Redis and fails fast when the server is unreachable.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = defaultRedisAddr
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), dialCheckTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", addr, err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func newRedisFromConfig(cfg domain.CacheConfig) (*RedisCache, error) {
	return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}

func namespaced(key string) string { return keyPrefix + key }

// Get returns nil, nil when the key is absent.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, namespaced(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return raw, nil
}

// Set writes value with the given expiry. A zero ttl keeps the key forever.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, namespaced(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, namespaced(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
