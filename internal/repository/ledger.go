package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// errUncovered aborts a transaction whose debit is not covered by the balance.
var errUncovered = errors.New("debit not covered")

// Credit adds points to a ledger entry, creating it on first use.
func (r *SQLRepository) Credit(ctx context.Context, m *domain.Movement) error {
	if err := validMovement(m, domain.MovementEarn); err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return r.credit(ctx, tx, m)
	})
}

// Debit subtracts points if the balance covers them.
func (r *SQLRepository) Debit(ctx context.Context, m *domain.Movement) (bool, error) {
	if err := validMovement(m, domain.MovementSpend); err != nil {
		return false, err
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		return r.debit(ctx, tx, m)
	})
	return covered(err)
}

// Transfer debits one entry and credits another in a single transaction.
func (r *SQLRepository) Transfer(ctx context.Context, debit, credit *domain.Movement) (bool, error) {
	if err := validMovement(debit, domain.MovementSpend); err != nil {
		return false, err
	}
	if err := validMovement(credit, domain.MovementEarn); err != nil {
		return false, err
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.debit(ctx, tx, debit); err != nil {
			return err
		}
		return r.credit(ctx, tx, credit)
	})
	return covered(err)
}

// Settle writes the transaction's new state, its first-purchase claim and
// its movement in one commit.
func (r *SQLRepository) Settle(ctx context.Context, s *domain.Settlement) (bool, error) {
	if s == nil || s.Transaction == nil {
		return false, fmt.Errorf("%w: settlement requires a transaction", domain.ErrInvalidInput)
	}
	if s.Movement != nil {
		if err := validMovement(s.Movement, s.Movement.Kind); err != nil {
			return false, err
		}
	}

	t := s.Transaction
	items, err := json.Marshal(nonNilItems(t.Items))
	if err != nil {
		return false, fmt.Errorf("failed to encode items: %w", err)
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		update := `
			UPDATE transactions
			SET amount = ?, items = ?, status = ?, awarded_points = ?, finalized_at = ?
			WHERE id = ? AND status = ? AND awarded_points = ?
		`
		result, err := tx.ExecContext(ctx, r.rebind(update),
			t.Amount.String(), string(items), t.Status, t.AwardedPoints, nullTime(t.FinalizedAt),
			t.ID, s.ExpectedStatus, s.ExpectedPoints,
		)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrConflict
		}

		if s.ClaimFirstPurchase {
			if t.CustomerID == "" {
				return fmt.Errorf("%w: first purchase claim needs a customer", domain.ErrInvalidInput)
			}
			owner, err := r.claimFirstPurchase(ctx, tx, t.CustomerID, t.MerchantID, t.ID)
			if err != nil {
				return err
			}
			if owner != t.ID {
				return domain.ErrFirstPurchaseTaken
			}
		}

		if s.Movement == nil {
			return nil
		}
		if s.Movement.Kind == domain.MovementSpend {
			return r.debit(ctx, tx, s.Movement)
		}
		return r.credit(ctx, tx, s.Movement)
	})
	return covered(err)
}

// GetLedgerEntry returns the balance row of a (customer, merchant) pair.
func (r *SQLRepository) GetLedgerEntry(ctx context.Context, customerID, merchantID string) (*domain.LedgerEntry, error) {
	query := `
		SELECT customer_id, merchant_id, balance, total_earned, total_spent,
			   last_earned_at, last_spent_at, created_at, updated_at
		FROM points_ledger
		WHERE customer_id = ? AND merchant_id = ?
	`

	var (
		entry        domain.LedgerEntry
		lastEarnedAt sql.NullTime
		lastSpentAt  sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), customerID, merchantID).Scan(
		&entry.CustomerID, &entry.MerchantID,
		&entry.Balance, &entry.TotalEarned, &entry.TotalSpent,
		&lastEarnedAt, &lastSpentAt,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastEarnedAt.Valid {
		t := lastEarnedAt.Time
		entry.LastEarnedAt = &t
	}
	if lastSpentAt.Valid {
		t := lastSpentAt.Time
		entry.LastSpentAt = &t
	}

	return &entry, nil
}

// ListMovements returns the most recent movements of a pair, newest first.
func (r *SQLRepository) ListMovements(ctx context.Context, customerID, merchantID string, limit int) ([]*domain.Movement, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, customer_id, merchant_id, kind, points, reason, reference, created_at
		FROM points_movements
		WHERE customer_id = ? AND merchant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), customerID, merchantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]*domain.Movement, 0)
	for rows.Next() {
		var (
			m         domain.Movement
			kind      string
			reason    sql.NullString
			reference sql.NullString
		)
		if err := rows.Scan(
			&m.ID, &m.CustomerID, &m.MerchantID, &kind,
			&m.Points, &reason, &reference, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Kind = domain.MovementKind(kind)
		m.Reason = reason.String
		m.Reference = reference.String
		movements = append(movements, &m)
	}

	return movements, rows.Err()
}

// credit is a single UPSERT; the balance is never read back into Go.
func (r *SQLRepository) credit(ctx context.Context, tx *sql.Tx, m *domain.Movement) error {
	at := movementTime(m)

	upsert := `
		INSERT INTO points_ledger (
			customer_id, merchant_id, balance, total_earned, total_spent,
			last_earned_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(customer_id, merchant_id) DO UPDATE SET
			balance = points_ledger.balance + excluded.balance,
			total_earned = points_ledger.total_earned + excluded.total_earned,
			last_earned_at = excluded.last_earned_at,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, r.rebind(upsert),
		m.CustomerID, m.MerchantID, m.Points, m.Points, at, at, at,
	); err != nil {
		return fmt.Errorf("credit ledger: %w", err)
	}

	return r.appendMovement(ctx, tx, m)
}

// debit is a conditional UPDATE; zero affected rows means the entry is
// missing or the balance is too low.
func (r *SQLRepository) debit(ctx context.Context, tx *sql.Tx, m *domain.Movement) error {
	at := movementTime(m)

	update := `
		UPDATE points_ledger
		SET balance = balance - ?,
			total_spent = total_spent + ?,
			last_spent_at = ?,
			updated_at = ?
		WHERE customer_id = ? AND merchant_id = ? AND balance >= ?
	`
	result, err := tx.ExecContext(ctx, r.rebind(update),
		m.Points, m.Points, at, at, m.CustomerID, m.MerchantID, m.Points,
	)
	if err != nil {
		return fmt.Errorf("debit ledger: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errUncovered
	}

	return r.appendMovement(ctx, tx, m)
}

func (r *SQLRepository) appendMovement(ctx context.Context, tx *sql.Tx, m *domain.Movement) error {
	insert := `
		INSERT INTO points_movements (id, customer_id, merchant_id, kind, points, reason, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(insert),
		m.ID, m.CustomerID, m.MerchantID, string(m.Kind), m.Points, m.Reason, m.Reference, movementTime(m),
	); err != nil {
		return fmt.Errorf("append movement: %w", err)
	}
	return nil
}

func validMovement(m *domain.Movement, kind domain.MovementKind) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: movement is required", domain.ErrInvalidInput)
	case m.ID == "":
		return fmt.Errorf("%w: movement id is required", domain.ErrInvalidInput)
	case m.CustomerID == "" || m.MerchantID == "":
		return fmt.Errorf("%w: customer and merchant are required", domain.ErrInvalidInput)
	case m.Points <= 0:
		return fmt.Errorf("%w: points must be positive, got %d", domain.ErrInvalidInput, m.Points)
	case m.Kind != kind:
		return fmt.Errorf("%w: expected %s movement, got %s", domain.ErrInvalidInput, kind, m.Kind)
	}
	return nil
}

func movementTime(m *domain.Movement) time.Time {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return m.CreatedAt
}

// covered maps errUncovered to a false result without error.
func covered(err error) (bool, error) {
	if errors.Is(err, errUncovered) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
