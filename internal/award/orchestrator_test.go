package award

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/formula"
	"github.com/opensource-finance/kestrel/internal/guard"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/points"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type fixture struct {
	orch    *Orchestrator
	repo    *repository.SQLRepository
	catalog *rules.Catalog
	ledger  *ledger.Service
	events  *bus.ChannelBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "award-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	guards, err := guard.NewEngine()
	require.NoError(t, err)
	formulas, err := formula.NewEvaluator(nil, 64)
	require.NoError(t, err)
	t.Cleanup(formulas.Close)

	events := bus.NewChannelBus(64, nil)
	t.Cleanup(func() { events.Close() })

	catalog := rules.NewCatalog(repo, guards)
	ledgerSvc := ledger.NewService(repo, events, domain.LedgerConfig{MaxAttempts: 5, RetryBackoff: time.Millisecond}, nil)

	orch := NewOrchestrator(Deps{
		Catalog:      catalog,
		Calculator:   points.NewCalculator(formulas, points.WithGuards(guards)),
		Transactions: repo,
		Ledger:       ledgerSvc,
		History:      history.NewService(repo, nil, nil),
		Events:       events,
	})

	return &fixture{orch: orch, repo: repo, catalog: catalog, ledger: ledgerSvc, events: events}
}

func (f *fixture) addRule(t *testing.T, name string, typ domain.RuleType, scope domain.Scope, params, conds domain.Values) *domain.Rule {
	t.Helper()
	r := &domain.Rule{
		Name:       name,
		Type:       typ,
		Parameters: params,
		Conditions: conds,
		Scope:      scope,
		Active:     true,
	}
	require.NoError(t, f.catalog.Save(context.Background(), r))
	return r
}

func (f *fixture) record(t *testing.T, customer string, amount string, items ...domain.LineItem) *domain.Transaction {
	t.Helper()
	tx, err := f.orch.Record(context.Background(), &domain.Transaction{
		MerchantID: "m-1",
		CustomerID: customer,
		Amount:     decimal.RequireFromString(amount),
		Items:      items,
	})
	require.NoError(t, err)
	return tx
}

func TestOrchestrator_CalculateStacksRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addRule(t, "store", domain.RuleFixed, domain.MerchantScope("m-1"), domain.Values{"points": 50}, nil)
	f.addRule(t, "coffee", domain.RuleFixed, domain.ProductScope("p-coffee"), domain.Values{"points": 100}, nil)

	tc := &domain.TransactionContext{
		Amount:     decimal.NewFromInt(5),
		MerchantID: "m-1",
		Items:      []domain.LineItem{{ProductID: "p-coffee", Quantity: 1}},
	}

	b, err := f.orch.Calculate(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.Total)
	assert.Len(t, b.Scores, 2)

	applicable, err := f.orch.ApplicableRules(ctx, tc)
	require.NoError(t, err)
	assert.Len(t, applicable, 2)

	balance, err := f.ledger.Balance(ctx, "c-1", "m-1")
	require.NoError(t, err)
	assert.Zero(t, balance, "preview has no side effects")
}

func TestOrchestrator_CalculatePreviewFirstPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "welcome", domain.RuleFirstPurchase, domain.MerchantScope("m-1"), domain.Values{"points": 200}, nil)

	anonymous := &domain.TransactionContext{Amount: decimal.NewFromInt(10), MerchantID: "m-1"}
	b, err := f.orch.Calculate(ctx, anonymous)
	require.NoError(t, err)
	assert.Zero(t, b.Total)

	known := &domain.TransactionContext{Amount: decimal.NewFromInt(10), MerchantID: "m-1", CustomerID: "c-1"}
	b, err = f.orch.Calculate(ctx, known)
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Total)
	assert.False(t, known.FirstPurchase, "caller context is not mutated")

	tx := f.record(t, "c-1", "10")
	_, err = f.orch.Finalize(ctx, tx.ID)
	require.NoError(t, err)

	b, err = f.orch.Calculate(ctx, known)
	require.NoError(t, err)
	assert.Zero(t, b.Total)

	claimed := *known
	claimed.FirstPurchase = true
	b, err = f.orch.Calculate(ctx, &claimed)
	require.NoError(t, err)
	assert.Zero(t, b.Total, "request flag cannot revive a taken first purchase")

	anonymous.FirstPurchase = true
	b, err = f.orch.Calculate(ctx, anonymous)
	require.NoError(t, err)
	assert.Zero(t, b.Total)
}

func TestOrchestrator_CalculateRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Calculate(ctx, &domain.TransactionContext{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.orch.Calculate(ctx, &domain.TransactionContext{Amount: decimal.NewFromInt(-1), MerchantID: "m-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.orch.Calculate(ctx, &domain.TransactionContext{
		MerchantID: "m-1",
		Items:      []domain.LineItem{{ProductID: "p-1", Quantity: -1}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOrchestrator_Finalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addRule(t, "per ten", domain.RuleDynamic, domain.MerchantScope("m-1"), domain.Values{"divisor": 10, "multiplier": 1}, nil)
	f.addRule(t, "welcome", domain.RuleFirstPurchase, domain.MerchantScope("m-1"), domain.Values{"points": 100}, nil)

	first := f.record(t, "c-1", "45.00")
	assert.Equal(t, domain.TxStatusRecorded, first.Status)

	result, err := f.orch.Finalize(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(104), result.Points)
	assert.True(t, result.Credited)

	second := f.record(t, "c-1", "45.00")
	result, err = f.orch.Finalize(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Points, "first-purchase bonus is awarded once")

	entry, err := f.ledger.Entry(ctx, "c-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(108), entry.Balance)
	assert.Equal(t, int64(108), entry.TotalEarned)

	stored, err := f.orch.Transaction(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusFinalized, stored.Status)
	assert.Equal(t, int64(104), stored.AwardedPoints)
	assert.NotNil(t, stored.FinalizedAt)

	_, err = f.orch.Finalize(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)

	_, err = f.orch.Finalize(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_FinalizeAnonymous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "flat", domain.RuleFixed, domain.MerchantScope("m-1"), domain.Values{"points": 25}, nil)

	tx := f.record(t, "", "10")
	result, err := f.orch.Finalize(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), result.Points)
	assert.False(t, result.Credited)

	stored, err := f.orch.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), stored.AwardedPoints)
}

func TestOrchestrator_FinalizeZeroPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.record(t, "c-1", "10")
	result, err := f.orch.Finalize(ctx, tx.ID)
	require.NoError(t, err)
	assert.Zero(t, result.Points)
	assert.False(t, result.Credited)

	movements, err := f.ledger.Movements(ctx, "c-1", "m-1", 10)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestOrchestrator_ConcurrentFirstPurchases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "welcome", domain.RuleFirstPurchase, domain.MerchantScope("m-1"), domain.Values{"points": 100}, nil)

	const n = 10
	txs := make([]*domain.Transaction, n)
	for i := range txs {
		txs[i] = f.record(t, "c-1", "10")
	}

	var wg sync.WaitGroup
	for _, tx := range txs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.orch.Finalize(ctx, id)
			assert.NoError(t, err)
		}(tx.ID)
	}
	wg.Wait()

	balance, err := f.ledger.Balance(ctx, "c-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance, "exactly one transaction wins the first-purchase bonus")
}

func TestOrchestrator_ConcurrentFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "flat", domain.RuleFixed, domain.MerchantScope("m-1"), domain.Values{"points": 10}, nil)
	tx := f.record(t, "c-1", "10")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.Finalize(ctx, tx.ID)
		}()
	}
	wg.Wait()

	balance, err := f.ledger.Balance(ctx, "c-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestOrchestrator_Recalculate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "per ten", domain.RuleDynamic, domain.MerchantScope("m-1"), domain.Values{"divisor": 10}, nil)

	tx := f.record(t, "c-1", "100")

	_, err := f.orch.Recalculate(ctx, tx.ID, decimal.NewFromInt(50), nil)
	assert.ErrorIs(t, err, domain.ErrNotFinalized)

	_, err = f.orch.Finalize(ctx, tx.ID)
	require.NoError(t, err)

	t.Run("Increase", func(t *testing.T) {
		result, err := f.orch.Recalculate(ctx, tx.ID, decimal.NewFromInt(130), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(13), result.Points)
		assert.Equal(t, int64(3), result.Delta)

		balance, _ := f.ledger.Balance(ctx, "c-1", "m-1")
		assert.Equal(t, int64(13), balance)
	})

	t.Run("Decrease", func(t *testing.T) {
		result, err := f.orch.Recalculate(ctx, tx.ID, decimal.NewFromInt(40), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(-9), result.Delta)

		entry, _ := f.ledger.Entry(ctx, "c-1", "m-1")
		assert.Equal(t, int64(4), entry.Balance)
		assert.Equal(t, int64(13), entry.TotalEarned)
		assert.Equal(t, int64(9), entry.TotalSpent)
	})

	t.Run("Unchanged", func(t *testing.T) {
		result, err := f.orch.Recalculate(ctx, tx.ID, decimal.RequireFromString("49.99"), nil)
		require.NoError(t, err)
		assert.Zero(t, result.Delta)
		assert.False(t, result.Credited)

		stored, _ := f.orch.Transaction(ctx, tx.ID)
		assert.True(t, decimal.RequireFromString("49.99").Equal(stored.Amount))
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		ok, err := f.ledger.Spend(ctx, "c-1", "m-1", 4, domain.ReasonRedemption, "")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = f.orch.Recalculate(ctx, tx.ID, decimal.Zero, nil)
		assert.ErrorIs(t, err, domain.ErrInsufficientPoints)

		stored, _ := f.orch.Transaction(ctx, tx.ID)
		assert.Equal(t, int64(4), stored.AwardedPoints, "record is unchanged")
		assert.True(t, decimal.RequireFromString("49.99").Equal(stored.Amount))
	})
}

func TestOrchestrator_Submit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	_, err := f.events.Subscribe(ctx, domain.TopicTransactionFinalize, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	tx := f.record(t, "c-1", "10")
	require.NoError(t, f.orch.Submit(ctx, tx.ID))

	select {
	case msg := <-received:
		var req domain.FinalizeRequest
		require.NoError(t, json.Unmarshal(msg.Payload, &req))
		assert.Equal(t, tx.ID, req.TransactionID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for finalize request")
	}

	assert.ErrorIs(t, f.orch.Submit(ctx, "missing"), domain.ErrNotFound)
}

// failingSettleStore fails the next settle before anything is written.
type failingSettleStore struct {
	*repository.SQLRepository
	mu    sync.Mutex
	fails int
}

func (s *failingSettleStore) Settle(ctx context.Context, settlement *domain.Settlement) (bool, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return false, errors.New("storage unavailable")
	}
	s.mu.Unlock()
	return s.SQLRepository.Settle(ctx, settlement)
}

func TestOrchestrator_FailedFinalizeKeepsFirstPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, "welcome", domain.RuleFirstPurchase, domain.MerchantScope("m-1"), domain.Values{"points": 200}, nil)

	store := &failingSettleStore{SQLRepository: f.repo, fails: 1}
	f.orch.ledger = ledger.NewService(store, nil, domain.LedgerConfig{MaxAttempts: 1}, nil)

	abandoned := f.record(t, "c-1", "10")
	_, err := f.orch.Finalize(ctx, abandoned.ID)
	require.Error(t, err)

	holder, err := f.repo.FirstPurchaseHolder(ctx, "c-1", "m-1")
	require.NoError(t, err)
	assert.Empty(t, holder, "failed settlement leaves the slot free")

	tx := f.record(t, "c-1", "10")
	res, err := f.orch.Finalize(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Points)

	holder, err = f.repo.FirstPurchaseHolder(ctx, "c-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, holder)

	res, err = f.orch.Finalize(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Points, "later finalization of the earlier purchase is not first")
}
