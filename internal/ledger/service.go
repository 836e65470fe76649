// Package ledger exposes the per-(customer, merchant) points balance with
// atomic earn, spend and transfer operations.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// Service wraps a LedgerStore with input checks, conflict retries, events
// and metrics.
type Service struct {
	store       domain.LedgerStore
	events      domain.EventBus
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewService creates a ledger service. events may be nil.
func NewService(store domain.LedgerStore, events domain.EventBus, cfg domain.LedgerConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Service{
		store:       store,
		events:      events,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.RetryBackoff,
		logger:      logger,
	}
}

// Award credits points to the pair, creating the entry on first use.
func (s *Service) Award(ctx context.Context, customerID, merchantID string, points int64, reason, reference string) error {
	if err := checkPair(customerID, merchantID, points); err != nil {
		return err
	}

	m := newMovement(customerID, merchantID, domain.MovementEarn, points, reason, reference)
	err := s.retry(ctx, "award", func() error {
		return s.store.Credit(ctx, m)
	})
	if err != nil {
		observability.LedgerOperations.WithLabelValues("award", "error").Inc()
		return fmt.Errorf("failed to award points: %w", err)
	}

	observability.LedgerOperations.WithLabelValues("award", "ok").Inc()
	observability.LedgerPoints.WithLabelValues(string(domain.MovementEarn)).Add(float64(points))
	s.publish(ctx, domain.TopicPointsAwarded, m, "")
	return nil
}

// Spend debits points if the balance covers them. It returns false, and
// changes nothing, when it does not.
func (s *Service) Spend(ctx context.Context, customerID, merchantID string, points int64, reason, reference string) (bool, error) {
	if err := checkPair(customerID, merchantID, points); err != nil {
		return false, err
	}

	m := newMovement(customerID, merchantID, domain.MovementSpend, points, reason, reference)
	var ok bool
	err := s.retry(ctx, "spend", func() error {
		var err error
		ok, err = s.store.Debit(ctx, m)
		return err
	})
	if err != nil {
		observability.LedgerOperations.WithLabelValues("spend", "error").Inc()
		return false, fmt.Errorf("failed to spend points: %w", err)
	}

	if !ok {
		s.insufficient(ctx, "spend", m)
		return false, nil
	}

	observability.LedgerOperations.WithLabelValues("spend", "ok").Inc()
	observability.LedgerPoints.WithLabelValues(string(domain.MovementSpend)).Add(float64(points))
	s.publish(ctx, domain.TopicPointsSpent, m, "")
	return true, nil
}

// Transfer moves points between two merchants of one customer. Either both
// sides apply or neither does.
func (s *Service) Transfer(ctx context.Context, customerID, fromMerchantID, toMerchantID string, points int64) (bool, error) {
	if err := checkPair(customerID, fromMerchantID, points); err != nil {
		return false, err
	}
	if toMerchantID == "" {
		return false, fmt.Errorf("%w: destination merchant is required", domain.ErrInvalidInput)
	}
	if toMerchantID == fromMerchantID {
		return false, fmt.Errorf("%w: cannot transfer to the same merchant", domain.ErrInvalidInput)
	}

	reference := uuid.New().String()
	debit := newMovement(customerID, fromMerchantID, domain.MovementSpend, points, domain.ReasonTransferOut, reference)
	credit := newMovement(customerID, toMerchantID, domain.MovementEarn, points, domain.ReasonTransferIn, reference)
	credit.CreatedAt = debit.CreatedAt

	var ok bool
	err := s.retry(ctx, "transfer", func() error {
		var err error
		ok, err = s.store.Transfer(ctx, debit, credit)
		return err
	})
	if err != nil {
		observability.LedgerOperations.WithLabelValues("transfer", "error").Inc()
		return false, fmt.Errorf("failed to transfer points: %w", err)
	}

	if !ok {
		s.insufficient(ctx, "transfer", debit)
		return false, nil
	}

	observability.LedgerOperations.WithLabelValues("transfer", "ok").Inc()
	s.publish(ctx, domain.TopicPointsTransferred, debit, toMerchantID)
	return true, nil
}

// Settle applies a transaction settlement with conflict retries. A nil
// movement only updates the transaction.
func (s *Service) Settle(ctx context.Context, settlement *domain.Settlement) (bool, error) {
	var ok bool
	err := s.retry(ctx, "settle", func() error {
		var err error
		ok, err = s.store.Settle(ctx, settlement)
		return err
	})
	if err != nil {
		observability.LedgerOperations.WithLabelValues("settle", "error").Inc()
		return false, err
	}

	m := settlement.Movement
	if !ok {
		if m != nil {
			s.insufficient(ctx, "settle", m)
		}
		return false, nil
	}

	observability.LedgerOperations.WithLabelValues("settle", "ok").Inc()
	if m == nil {
		return true, nil
	}

	observability.LedgerPoints.WithLabelValues(string(m.Kind)).Add(float64(m.Points))
	if m.Kind == domain.MovementEarn {
		s.publish(ctx, domain.TopicPointsAwarded, m, "")
	} else {
		s.publish(ctx, domain.TopicPointsSpent, m, "")
	}
	return true, nil
}

// NewMovement builds a movement for a settlement.
func NewMovement(customerID, merchantID string, kind domain.MovementKind, points int64, reason, reference string) *domain.Movement {
	return newMovement(customerID, merchantID, kind, points, reason, reference)
}

// Balance returns the current balance, 0 if the pair has no entry.
func (s *Service) Balance(ctx context.Context, customerID, merchantID string) (int64, error) {
	entry, err := s.Entry(ctx, customerID, merchantID)
	if err != nil {
		return 0, err
	}
	return entry.Balance, nil
}

// Entry returns the full ledger record, zero-valued if the pair has none.
func (s *Service) Entry(ctx context.Context, customerID, merchantID string) (*domain.LedgerEntry, error) {
	if customerID == "" || merchantID == "" {
		return nil, fmt.Errorf("%w: customer and merchant are required", domain.ErrInvalidInput)
	}

	entry, err := s.store.GetLedgerEntry(ctx, customerID, merchantID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.LedgerEntry{CustomerID: customerID, MerchantID: merchantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entry: %w", err)
	}
	return entry, nil
}

// Movements returns the latest movements of a pair, newest first.
func (s *Service) Movements(ctx context.Context, customerID, merchantID string, limit int) ([]*domain.Movement, error) {
	if customerID == "" || merchantID == "" {
		return nil, fmt.Errorf("%w: customer and merchant are required", domain.ErrInvalidInput)
	}
	return s.store.ListMovements(ctx, customerID, merchantID, limit)
}

// retry runs fn until it succeeds, fails permanently, or maxAttempts
// transient conflicts have occurred. Backoff grows linearly.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrTransient) {
			return err
		}
		if attempt == s.maxAttempts {
			break
		}

		observability.LedgerRetries.WithLabelValues(op).Inc()
		s.logger.Warn("ledger write conflicted, retrying",
			"op", op,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s gave up after %d attempts: %w", op, s.maxAttempts, err)
}

func (s *Service) insufficient(ctx context.Context, op string, m *domain.Movement) {
	observability.LedgerOperations.WithLabelValues(op, "insufficient").Inc()
	s.logger.Info("insufficient points",
		"customer_id", m.CustomerID,
		"merchant_id", m.MerchantID,
		"points", m.Points,
		"reference", m.Reference,
	)
	s.publish(ctx, domain.TopicPointsInsufficient, m, "")
}

// publish is best effort: a failed event never fails the ledger write.
func (s *Service) publish(ctx context.Context, topic string, m *domain.Movement, toMerchantID string) {
	if s.events == nil {
		return
	}

	event := domain.LedgerEvent{
		CustomerID:   m.CustomerID,
		MerchantID:   m.MerchantID,
		ToMerchantID: toMerchantID,
		Points:       m.Points,
		Reason:       m.Reason,
		Reference:    m.Reference,
		At:           m.CreatedAt,
	}
	if entry, err := s.store.GetLedgerEntry(ctx, m.CustomerID, m.MerchantID); err == nil {
		event.Balance = entry.Balance
	}

	if err := bus.PublishJSON(ctx, s.events, topic, event); err != nil {
		s.logger.Warn("failed to publish ledger event",
			"topic", topic,
			"customer_id", m.CustomerID,
			"error", err,
		)
	}
}

func newMovement(customerID, merchantID string, kind domain.MovementKind, points int64, reason, reference string) *domain.Movement {
	return &domain.Movement{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		MerchantID: merchantID,
		Kind:       kind,
		Points:     points,
		Reason:     reason,
		Reference:  reference,
		CreatedAt:  time.Now().UTC(),
	}
}

func checkPair(customerID, merchantID string, points int64) error {
	if customerID == "" || merchantID == "" {
		return fmt.Errorf("%w: customer and merchant are required", domain.ErrInvalidInput)
	}
	if points <= 0 {
		return fmt.Errorf("%w: points must be positive, got %d", domain.ErrInvalidInput, points)
	}
	return nil
}
