package domain

import (
	"context"
	"time"
)

// Cache holds rule snapshots per scope and first-purchase hints. Values are
// opaque bytes; a miss is reported as nil, nil so callers fall through to
// the repository without special-casing errors.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value for ttl. Zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects the cache. Type "memory" keeps everything in process
// with otter; "redis" shares entries across nodes, optionally fronted by a
// local otter layer when EnableTwoPhase is set.
type CacheConfig struct {
	Type string `yaml:"type" envconfig:"TYPE" validate:"oneof=memory redis"`

	LocalMaxSize int           `yaml:"localMaxSize" envconfig:"LOCAL_MAX_SIZE" validate:"min=0"`
	LocalTTL     time.Duration `yaml:"localTTL" envconfig:"LOCAL_TTL"`

	RedisAddr     string `yaml:"redisAddr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDB" envconfig:"REDIS_DB" validate:"min=0"`

	EnableTwoPhase bool `yaml:"enableTwoPhase" envconfig:"TWO_PHASE"`
}
