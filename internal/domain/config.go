package domain

import "time"

// Config is everything cmd/kestrel needs to assemble an award engine.
// Environment names are KESTREL_ followed by the nested envconfig tags,
// e.g. KESTREL_DB_DRIVER or KESTREL_LEDGER_MAX_ATTEMPTS.
type Config struct {
	Server ServerConfig `yaml:"server" envconfig:"SERVER"`
	Tier   Tier         `yaml:"tier" envconfig:"TIER" validate:"oneof=community pro enterprise"`

	Repository RepositoryConfig `yaml:"repository" envconfig:"DB"`
	Cache      CacheConfig      `yaml:"cache" envconfig:"CACHE"`
	EventBus   EventBusConfig   `yaml:"eventBus" envconfig:"BUS"`

	Scoring ScoringConfig `yaml:"scoring" envconfig:"SCORING"`
	Ledger  LedgerConfig  `yaml:"ledger" envconfig:"LEDGER"`
	Worker  WorkerConfig  `yaml:"worker" envconfig:"WORKER"`

	Logging LoggingConfig `yaml:"logging" envconfig:"LOG"`
	Tracing TracingConfig `yaml:"tracing" envconfig:"TRACING"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"readTimeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// ScoringConfig tunes the points calculator.
type ScoringConfig struct {
	// MaxConcurrency bounds parallel rule scoring per transaction.
	MaxConcurrency int `yaml:"maxConcurrency" envconfig:"MAX_CONCURRENCY" validate:"min=1"`

	// RuleCacheTTL is how long a per-scope rule snapshot may be served from cache.
	// Zero disables rule caching.
	RuleCacheTTL time.Duration `yaml:"ruleCacheTTL" envconfig:"RULE_CACHE_TTL"`
}

// LedgerConfig bounds how often a ledger write that lost a lock race is
// replayed before the caller sees ErrTransient.
type LedgerConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts" envconfig:"MAX_ATTEMPTS" validate:"min=1,max=50"`
	RetryBackoff time.Duration `yaml:"retryBackoff" envconfig:"RETRY_BACKOFF"`
}

// WorkerConfig turns on the bus consumer behind ?async=true finalization.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
}

// TracingConfig names the service on OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	ServiceName string `yaml:"serviceName" envconfig:"SERVICE_NAME"`
}

// Tier picks the default backing services.
//
//	community  SQLite, otter, Go channels, synchronous finalization only
//	pro        PostgreSQL, Redis behind otter, NATS, async worker
type Tier string

const (
	TierCommunity  Tier = "community"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig is the single-node Community setup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			MaxConcurrency: 8,
			RuleCacheTTL:   30 * time.Second,
		},
		Ledger: LedgerConfig{
			MaxAttempts:  5,
			RetryBackoff: 10 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig is the multi-node setup. Finalization may be handed to the
// worker with ?async=true.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5 * time.Second,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
