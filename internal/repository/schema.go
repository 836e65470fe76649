package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    type TEXT NOT NULL,
    parameters TEXT NOT NULL,
    conditions TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    scope_kind TEXT NOT NULL,
    scope_id TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_scope ON rules(scope_kind, scope_id, active);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    items TEXT NOT NULL,
    status TEXT NOT NULL,
    awarded_points BIGINT NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    finalized_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id, merchant_id, status);
`

// schemaLedger holds one balance row per (customer, merchant).
// The CHECK constraint backs the conditional debit update.
const schemaLedger = `
CREATE TABLE IF NOT EXISTS points_ledger (
    customer_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    total_earned BIGINT NOT NULL DEFAULT 0,
    total_spent BIGINT NOT NULL DEFAULT 0,
    last_earned_at TIMESTAMP,
    last_spent_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (customer_id, merchant_id)
);
`

const schemaMovements = `
CREATE TABLE IF NOT EXISTS points_movements (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    points BIGINT NOT NULL,
    reason TEXT,
    reference TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_movements_owner ON points_movements(customer_id, merchant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_movements_reference ON points_movements(reference);
`

const schemaFirstPurchases = `
CREATE TABLE IF NOT EXISTS first_purchases (
    customer_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    claimed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (customer_id, merchant_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaTransactions,
		schemaLedger,
		schemaMovements,
		schemaFirstPurchases,
	}
}
