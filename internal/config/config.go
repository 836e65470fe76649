// Package config loads Kestrel configuration from tier defaults, an optional
// YAML file, and KESTREL_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	envPrefix = "KESTREL"
	envFile   = "KESTREL_CONFIG_FILE"
	envTier   = "KESTREL_TIER"
)

// Load builds the configuration.
//
// KESTREL_TIER=pro selects the Pro defaults as the base. A file named by
// KESTREL_CONFIG_FILE is applied over the base, then environment variables
// override individual fields.
func Load() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(envTier), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv(envFile); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	cfg.Tier = domain.Tier(strings.ToLower(string(cfg.Tier)))

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks struct tags and the cross-field requirements of each backend.
func Validate(cfg *domain.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	repo := cfg.Repository
	switch repo.Driver {
	case "sqlite":
		if repo.SQLitePath == "" {
			return errors.New("sqlite driver requires KESTREL_DB_SQLITE_PATH")
		}
	case "postgres":
		if repo.PostgresHost == "" || repo.PostgresDB == "" {
			return errors.New("postgres driver requires KESTREL_DB_HOST and KESTREL_DB_NAME")
		}
	}

	if cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "" {
		return errors.New("redis cache requires KESTREL_CACHE_REDIS_ADDR")
	}
	if cfg.EventBus.Type == "nats" && cfg.EventBus.NATSUrl == "" {
		return errors.New("nats bus requires KESTREL_BUS_NATS_URL")
	}
	if cfg.Worker.Enabled && cfg.Tier == domain.TierCommunity {
		return errors.New("async worker requires the pro or enterprise tier")
	}
	return nil
}

// LogConfig logs the effective configuration without secrets.
func LogConfig(cfg *domain.Config, log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("tier", string(cfg.Tier)),
		slog.String("listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		slog.String("db_driver", cfg.Repository.Driver),
		slog.String("cache", cfg.Cache.Type),
		slog.String("bus", cfg.EventBus.Type),
		slog.Int("scoring_concurrency", cfg.Scoring.MaxConcurrency),
		slog.Duration("rule_cache_ttl", cfg.Scoring.RuleCacheTTL),
		slog.Int("ledger_max_attempts", cfg.Ledger.MaxAttempts),
		slog.Bool("worker", cfg.Worker.Enabled),
		slog.Bool("tracing", cfg.Tracing.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)
}
