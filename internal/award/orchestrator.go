// Package award turns recorded purchases into ledger credits.
package award

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/points"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel-award")

// Orchestrator records purchases, scores them and settles the result
// against the points ledger.
type Orchestrator struct {
	catalog      *rules.Catalog
	calculator   *points.Calculator
	transactions domain.TransactionStore
	ledger       *ledger.Service
	history      *history.Service
	events       domain.EventBus
	now          func() time.Time
	logger       *slog.Logger
}

// Deps are the collaborators of an Orchestrator. Events is only needed by Submit.
type Deps struct {
	Catalog      *rules.Catalog
	Calculator   *points.Calculator
	Transactions domain.TransactionStore
	Ledger       *ledger.Service
	History      *history.Service
	Events       domain.EventBus
	Logger       *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		catalog:      deps.Catalog,
		calculator:   deps.Calculator,
		transactions: deps.Transactions,
		ledger:       deps.Ledger,
		history:      deps.History,
		events:       deps.Events,
		now:          time.Now,
		logger:       logger,
	}
}

// Calculate previews the points tc would earn without side effects. The
// first-purchase flag always comes from stored history, never the caller:
// anonymous previews are never first.
func (o *Orchestrator) Calculate(ctx context.Context, tc *domain.TransactionContext) (domain.Breakdown, error) {
	ctx, span := tracer.Start(ctx, "award.Calculate")
	defer span.End()

	if err := validateContext(tc); err != nil {
		return domain.Breakdown{}, err
	}

	preview := *tc
	first, err := o.history.WouldBeFirst(ctx, preview.CustomerID, preview.MerchantID)
	if err != nil {
		return domain.Breakdown{}, err
	}
	preview.FirstPurchase = first

	return o.score(ctx, &preview)
}

// ApplicableRules returns the rules that would be scored for tc, in order.
func (o *Orchestrator) ApplicableRules(ctx context.Context, tc *domain.TransactionContext) ([]*domain.Rule, error) {
	if err := validateContext(tc); err != nil {
		return nil, err
	}
	return o.catalog.Gather(ctx, tc)
}

// Record stores a purchase awaiting finalization.
func (o *Orchestrator) Record(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}
	if err := validateContext(tx.Context()); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = now
	}
	tx.Status = domain.TxStatusRecorded
	tx.AwardedPoints = 0
	tx.CreatedAt = now
	tx.FinalizedAt = nil

	if err := o.transactions.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	o.logger.Info("transaction recorded",
		"tx_id", tx.ID,
		"merchant_id", tx.MerchantID,
		"customer_id", tx.CustomerID,
		"amount", tx.Amount.String(),
	)
	return tx, nil
}

// Transaction returns a stored transaction.
func (o *Orchestrator) Transaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	return o.transactions.GetTransaction(ctx, txID)
}

// Finalize scores a recorded transaction and credits the customer. The
// transaction status, its awarded points and the ledger credit commit together.
func (o *Orchestrator) Finalize(ctx context.Context, txID string) (*domain.AwardResult, error) {
	ctx, span := tracer.Start(ctx, "award.Finalize", trace.WithAttributes(attribute.String("tx.id", txID)))
	defer span.End()

	result, err := o.finalize(ctx, txID)
	o.observe(span, "finalize", err)
	return result, err
}

func (o *Orchestrator) finalize(ctx context.Context, txID string) (*domain.AwardResult, error) {
	tx, err := o.transactions.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TxStatusFinalized {
		return nil, domain.ErrAlreadyFinalized
	}

	holder, err := o.history.Holder(ctx, tx.CustomerID, tx.MerchantID)
	if err != nil {
		return nil, err
	}

	tc := tx.Context()
	tc.FirstPurchase = tc.HasCustomer() && (holder == "" || holder == tx.ID)
	breakdown, settlement, err := o.settleFinalization(ctx, tx, tc)
	if errors.Is(err, domain.ErrFirstPurchaseTaken) {
		// A concurrent purchase of the same pair committed its claim first.
		tc.FirstPurchase = false
		breakdown, settlement, err = o.settleFinalization(ctx, tx, tc)
	}
	switch {
	case errors.Is(err, domain.ErrConflict):
		return nil, domain.ErrAlreadyFinalized
	case err != nil:
		return nil, err
	}
	if tc.FirstPurchase {
		o.history.Remember(ctx, tx.CustomerID, tx.MerchantID, tx.ID)
	}

	o.logger.Info("transaction finalized",
		"tx_id", tx.ID,
		"customer_id", tx.CustomerID,
		"merchant_id", tx.MerchantID,
		"points", breakdown.Total,
		"first_purchase", tc.FirstPurchase,
	)

	return &domain.AwardResult{
		TransactionID: tx.ID,
		CustomerID:    tx.CustomerID,
		MerchantID:    tx.MerchantID,
		Points:        breakdown.Total,
		Delta:         breakdown.Total,
		Credited:      settlement.Movement != nil,
		Breakdown:     breakdown,
	}, nil
}

// settleFinalization scores tc and commits the finalized transaction, its
// first-purchase claim and its earn movement together.
func (o *Orchestrator) settleFinalization(ctx context.Context, tx *domain.Transaction, tc *domain.TransactionContext) (domain.Breakdown, *domain.Settlement, error) {
	breakdown, err := o.score(ctx, tc)
	if err != nil {
		return domain.Breakdown{}, nil, err
	}

	finalizedAt := o.now().UTC()
	updated := *tx
	updated.Status = domain.TxStatusFinalized
	updated.AwardedPoints = breakdown.Total
	updated.FinalizedAt = &finalizedAt

	settlement := &domain.Settlement{
		Transaction:        &updated,
		ExpectedStatus:     domain.TxStatusRecorded,
		ExpectedPoints:     tx.AwardedPoints,
		ClaimFirstPurchase: tc.FirstPurchase,
	}
	if tc.HasCustomer() && breakdown.Total > 0 {
		settlement.Movement = ledger.NewMovement(tx.CustomerID, tx.MerchantID,
			domain.MovementEarn, breakdown.Total, domain.ReasonPurchase, tx.ID)
	}

	if _, err := o.ledger.Settle(ctx, settlement); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrFirstPurchaseTaken) {
			return domain.Breakdown{}, nil, err
		}
		return domain.Breakdown{}, nil, fmt.Errorf("failed to settle transaction: %w", err)
	}
	return breakdown, settlement, nil
}

// Recalculate re-scores a finalized transaction after its amount or items
// changed and moves the difference through the ledger. A negative
// difference the balance cannot cover returns ErrInsufficientPoints and
// changes nothing.
func (o *Orchestrator) Recalculate(ctx context.Context, txID string, amount decimal.Decimal, items []domain.LineItem) (*domain.AwardResult, error) {
	ctx, span := tracer.Start(ctx, "award.Recalculate", trace.WithAttributes(attribute.String("tx.id", txID)))
	defer span.End()

	result, err := o.recalculate(ctx, txID, amount, items)
	o.observe(span, "recalculate", err)
	return result, err
}

func (o *Orchestrator) recalculate(ctx context.Context, txID string, amount decimal.Decimal, items []domain.LineItem) (*domain.AwardResult, error) {
	tx, err := o.transactions.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusFinalized {
		return nil, domain.ErrNotFinalized
	}

	updated := *tx
	updated.Amount = amount
	updated.Items = items

	tc := updated.Context()
	if err := validateContext(tc); err != nil {
		return nil, err
	}
	holder, err := o.history.Holder(ctx, tx.CustomerID, tx.MerchantID)
	if err != nil {
		return nil, err
	}
	tc.FirstPurchase = tc.HasCustomer() && holder == tx.ID

	breakdown, err := o.score(ctx, tc)
	if err != nil {
		return nil, err
	}
	updated.AwardedPoints = breakdown.Total
	delta := breakdown.Total - tx.AwardedPoints

	settlement := &domain.Settlement{
		Transaction:    &updated,
		ExpectedStatus: domain.TxStatusFinalized,
		ExpectedPoints: tx.AwardedPoints,
	}
	if tc.HasCustomer() {
		switch {
		case delta > 0:
			settlement.Movement = ledger.NewMovement(tx.CustomerID, tx.MerchantID,
				domain.MovementEarn, delta, domain.ReasonRecalculation, tx.ID)
		case delta < 0:
			settlement.Movement = ledger.NewMovement(tx.CustomerID, tx.MerchantID,
				domain.MovementSpend, -delta, domain.ReasonRecalculation, tx.ID)
		}
	}

	ok, err := o.ledger.Settle(ctx, settlement)
	if err != nil {
		return nil, fmt.Errorf("failed to settle recalculation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot reclaim %d points", domain.ErrInsufficientPoints, -delta)
	}

	o.logger.Info("transaction recalculated",
		"tx_id", tx.ID,
		"old_points", tx.AwardedPoints,
		"new_points", breakdown.Total,
		"delta", delta,
	)

	return &domain.AwardResult{
		TransactionID: tx.ID,
		CustomerID:    tx.CustomerID,
		MerchantID:    tx.MerchantID,
		Points:        breakdown.Total,
		Delta:         delta,
		Credited:      settlement.Movement != nil,
		Breakdown:     breakdown,
	}, nil
}

// Submit hands finalization of a recorded transaction to the bus worker.
func (o *Orchestrator) Submit(ctx context.Context, txID string) error {
	if o.events == nil {
		return fmt.Errorf("%w: no event bus configured", domain.ErrInvalidInput)
	}

	tx, err := o.transactions.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status == domain.TxStatusFinalized {
		return domain.ErrAlreadyFinalized
	}

	if err := bus.PublishJSON(ctx, o.events, domain.TopicTransactionFinalize, domain.FinalizeRequest{TransactionID: txID}); err != nil {
		return fmt.Errorf("failed to submit transaction: %w", err)
	}

	o.logger.Debug("transaction submitted for finalization", "tx_id", txID)
	return nil
}

func (o *Orchestrator) score(ctx context.Context, tc *domain.TransactionContext) (domain.Breakdown, error) {
	applicable, err := o.catalog.Gather(ctx, tc)
	if err != nil {
		return domain.Breakdown{}, err
	}
	return o.calculator.Calculate(ctx, tc, applicable), nil
}

func (o *Orchestrator) observe(span trace.Span, op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadyFinalized), errors.Is(err, domain.ErrNotFinalized):
		outcome = "rejected"
	case errors.Is(err, domain.ErrInsufficientPoints):
		outcome = "insufficient"
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	observability.AwardsTotal.WithLabelValues(op, outcome).Inc()

	if err != nil {
		span.RecordError(err)
		if outcome == "error" {
			span.SetStatus(codes.Error, err.Error())
		}
	}
}

func validateContext(tc *domain.TransactionContext) error {
	switch {
	case tc == nil:
		return fmt.Errorf("%w: transaction context is required", domain.ErrInvalidInput)
	case tc.MerchantID == "":
		return fmt.Errorf("%w: merchant id is required", domain.ErrInvalidInput)
	case tc.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}
	for _, item := range tc.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: line item product id is required", domain.ErrInvalidInput)
		}
		if item.Quantity < 0 {
			return fmt.Errorf("%w: line item quantity must not be negative", domain.ErrInvalidInput)
		}
	}
	return nil
}
