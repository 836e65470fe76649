package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const transactionColumns = `id, merchant_id, customer_id, amount, items, status,
	awarded_points, timestamp, created_at, finalized_at`

// SaveTransaction stores a new transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" || tx.MerchantID == "" {
		return fmt.Errorf("%w: transaction id and merchant id are required", domain.ErrInvalidInput)
	}

	items, err := json.Marshal(nonNilItems(tx.Items))
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.MerchantID, tx.CustomerID,
		tx.Amount.String(), string(items), tx.Status,
		tx.AwardedPoints, tx.Timestamp, tx.CreatedAt, nullTime(tx.FinalizedAt),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	var (
		tx          domain.Transaction
		amount      string
		items       string
		finalizedAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.MerchantID, &tx.CustomerID,
		&amount, &items, &tx.Status,
		&tx.AwardedPoints, &tx.Timestamp, &tx.CreatedAt, &finalizedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: bad amount %q: %w", tx.ID, amount, err)
	}
	if err := json.Unmarshal([]byte(items), &tx.Items); err != nil {
		return nil, fmt.Errorf("transaction %s: bad items: %w", tx.ID, err)
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		tx.FinalizedAt = &t
	}

	return &tx, nil
}

// claimFirstPurchase inserts the (customer, merchant) slot if absent and
// returns the transaction that holds it afterwards.
func (r *SQLRepository) claimFirstPurchase(ctx context.Context, tx *sql.Tx, customerID, merchantID, txID string) (string, error) {
	insert := `
		INSERT INTO first_purchases (customer_id, merchant_id, transaction_id, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id, merchant_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, r.rebind(insert), customerID, merchantID, txID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("claim first purchase: %w", err)
	}

	var owner string
	query := `SELECT transaction_id FROM first_purchases WHERE customer_id = ? AND merchant_id = ?`
	if err := tx.QueryRowContext(ctx, r.rebind(query), customerID, merchantID).Scan(&owner); err != nil {
		return "", fmt.Errorf("read first purchase: %w", err)
	}
	return owner, nil
}

// FirstPurchaseHolder returns the transaction holding the slot, or "".
func (r *SQLRepository) FirstPurchaseHolder(ctx context.Context, customerID, merchantID string) (string, error) {
	query := `SELECT transaction_id FROM first_purchases WHERE customer_id = ? AND merchant_id = ?`

	var owner string
	err := r.db.QueryRowContext(ctx, r.rebind(query), customerID, merchantID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

func nonNilItems(items []domain.LineItem) []domain.LineItem {
	if items == nil {
		return []domain.LineItem{}
	}
	return items
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
