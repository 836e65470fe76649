package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is a purchased product reference and its quantity.
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// TransactionContext is the minimal view of a purchase the engine scores.
// An empty CustomerID marks a provisional (preview) calculation.
type TransactionContext struct {
	Amount     decimal.Decimal `json:"amount"`
	Items      []LineItem      `json:"items"`
	MerchantID string          `json:"merchantId"`
	CustomerID string          `json:"customerId,omitempty"`

	// FirstPurchase is set by the orchestrator once the (customer, merchant)
	// first-purchase slot has been claimed by this transaction.
	FirstPurchase bool `json:"firstPurchase,omitempty"`

	// Timestamp is the evaluation time; zero means "now".
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// HasCustomer reports whether a customer identity is present.
func (tc *TransactionContext) HasCustomer() bool {
	return tc.CustomerID != ""
}

// TotalQuantity sums line-item quantities. Negative quantities count as zero.
func (tc *TransactionContext) TotalQuantity() int64 {
	var total int64
	for _, item := range tc.Items {
		if item.Quantity > 0 {
			total += item.Quantity
		}
	}
	return total
}

// ProductIDs returns the distinct product references in item order.
func (tc *TransactionContext) ProductIDs() []string {
	seen := make(map[string]struct{}, len(tc.Items))
	ids := make([]string, 0, len(tc.Items))
	for _, item := range tc.Items {
		if item.ProductID == "" {
			continue
		}
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// Transaction status values.
const (
	TxStatusRecorded  = "recorded"
	TxStatusFinalized = "finalized"
)

// Transaction is a persisted purchase and the points it was awarded.
type Transaction struct {
	ID            string          `json:"id"`
	MerchantID    string          `json:"merchantId"`
	CustomerID    string          `json:"customerId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Items         []LineItem      `json:"items"`
	Status        string          `json:"status"`
	AwardedPoints int64           `json:"awardedPoints"`
	Timestamp     time.Time       `json:"timestamp"`
	CreatedAt     time.Time       `json:"createdAt"`
	FinalizedAt   *time.Time      `json:"finalizedAt,omitempty"`
}

// Context builds the scoring view of a persisted transaction.
func (t *Transaction) Context() *TransactionContext {
	return &TransactionContext{
		Amount:     t.Amount,
		Items:      t.Items,
		MerchantID: t.MerchantID,
		CustomerID: t.CustomerID,
		Timestamp:  t.Timestamp,
	}
}

// AwardResult is returned when a transaction is finalized or recalculated.
type AwardResult struct {
	TransactionID string    `json:"transactionId"`
	CustomerID    string    `json:"customerId,omitempty"`
	MerchantID    string    `json:"merchantId"`
	Points        int64     `json:"points"`
	Delta         int64     `json:"delta"`
	Credited      bool      `json:"credited"`
	Breakdown     Breakdown `json:"breakdown"`
}
