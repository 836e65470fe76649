package domain

import (
	"errors"
	"time"
)

// Sentinel errors shared by every layer.
var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrReservedRuleType   = errors.New("rule type is reserved and cannot be authored")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrAlreadyFinalized   = errors.New("transaction already finalized")
	ErrNotFinalized       = errors.New("transaction not finalized")
	ErrTransient          = errors.New("transient storage conflict")
	ErrConflict           = errors.New("transaction modified concurrently")
	ErrFirstPurchaseTaken = errors.New("first purchase already claimed by another transaction")
)

// LedgerEntry is the balance record of one (customer, merchant) pair.
// Invariant: Balance == TotalEarned - TotalSpent and Balance >= 0.
type LedgerEntry struct {
	CustomerID   string     `json:"customerId"`
	MerchantID   string     `json:"merchantId"`
	Balance      int64      `json:"balance"`
	TotalEarned  int64      `json:"totalEarned"`
	TotalSpent   int64      `json:"totalSpent"`
	LastEarnedAt *time.Time `json:"lastEarnedAt,omitempty"`
	LastSpentAt  *time.Time `json:"lastSpentAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt,omitempty"`
}

// MovementKind is the direction of a ledger mutation.
type MovementKind string

const (
	MovementEarn  MovementKind = "earn"
	MovementSpend MovementKind = "spend"
)

// Movement is one append-only ledger mutation.
type Movement struct {
	ID         string       `json:"id"`
	CustomerID string       `json:"customerId"`
	MerchantID string       `json:"merchantId"`
	Kind       MovementKind `json:"kind"`
	Points     int64        `json:"points"`
	Reason     string       `json:"reason,omitempty"`
	Reference  string       `json:"reference,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Movement reasons written by the engine.
const (
	ReasonPurchase      = "purchase"
	ReasonRecalculation = "recalculation"
	ReasonRedemption    = "redemption"
	ReasonTransferOut   = "transfer_out"
	ReasonTransferIn    = "transfer_in"
)

// Settlement writes the new state of a transaction together with its ledger movement.
// Movement is nil when the ledger must not change.
type Settlement struct {
	// Transaction carries the new amount, items, status, awarded points and finalized time.
	Transaction *Transaction

	// ExpectedStatus and ExpectedPoints guard against concurrent settlement.
	ExpectedStatus string
	ExpectedPoints int64

	// ClaimFirstPurchase takes the customer's first-purchase slot at the
	// merchant inside the same commit. If another transaction already holds
	// it, nothing is written and ErrFirstPurchaseTaken is returned.
	ClaimFirstPurchase bool

	Movement *Movement
}
