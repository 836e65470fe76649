// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// RuleStore provides award rules queryable by scope.
type RuleStore interface {
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)

	// ListRulesByScope returns the active rules owned by scope.
	// An unknown owner yields an empty slice, not an error.
	ListRulesByScope(ctx context.Context, scope Scope) ([]*Rule, error)

	// DeactivateRule soft-deletes a rule.
	DeactivateRule(ctx context.Context, ruleID string) error
}

// TransactionStore persists purchases and reads first-purchase claims.
type TransactionStore interface {
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// FirstPurchaseHolder returns the id of the finalized transaction holding
	// the (customer, merchant) first-purchase slot, or "" when it is free.
	// Slots are only taken by a committed Settle.
	FirstPurchaseHolder(ctx context.Context, customerID, merchantID string) (string, error)
}

// LedgerStore owns the durable per-(customer, merchant) balance rows.
// Every method is a single atomic unit; implementations must not read-modify-write balances.
type LedgerStore interface {
	// Credit adds m.Points to the entry, creating it when absent.
	Credit(ctx context.Context, m *Movement) error

	// Debit subtracts m.Points if the balance covers it. It returns false and changes
	// nothing otherwise.
	Debit(ctx context.Context, m *Movement) (bool, error)

	// Transfer applies debit then credit in one transaction boundary.
	Transfer(ctx context.Context, debit, credit *Movement) (bool, error)

	// Settle updates a transaction and applies its movement atomically.
	// It returns false if a debit movement is not covered by the balance, and
	// ErrConflict if the stored transaction no longer matches the expected state.
	Settle(ctx context.Context, s *Settlement) (bool, error)

	GetLedgerEntry(ctx context.Context, customerID, merchantID string) (*LedgerEntry, error)
	ListMovements(ctx context.Context, customerID, merchantID string, limit int) ([]*Movement, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	RuleStore
	TransactionStore
	LedgerStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver" envconfig:"DRIVER" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath" envconfig:"SQLITE_PATH"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost" envconfig:"HOST"`
	PostgresPort     int    `yaml:"postgresPort" envconfig:"PORT" validate:"min=0,max=65535"`
	PostgresUser     string `yaml:"postgresUser" envconfig:"USER"`
	PostgresPassword string `yaml:"postgresPassword" envconfig:"PASSWORD"`
	PostgresDB       string `yaml:"postgresDB" envconfig:"NAME"`
	PostgresSSLMode  string `yaml:"postgresSSLMode" envconfig:"SSL_MODE"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns" envconfig:"MAX_OPEN_CONNS" validate:"min=0"`
	MaxIdleConns    int           `yaml:"maxIdleConns" envconfig:"MAX_IDLE_CONNS" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" envconfig:"CONN_MAX_LIFETIME"`
}
