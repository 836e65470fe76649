package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/guard"
)

// memStore is an in-memory domain.RuleStore counting list calls.
type memStore struct {
	mu    sync.Mutex
	rules map[string]*domain.Rule
	lists int
	err   error
}

func newMemStore(rules ...*domain.Rule) *memStore {
	s := &memStore{rules: make(map[string]*domain.Rule)}
	for _, r := range rules {
		s.rules[r.ID] = r
	}
	return s
}

func (s *memStore) SaveRule(_ context.Context, rule *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *memStore) GetRule(_ context.Context, id string) (*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (s *memStore) ListRulesByScope(_ context.Context, scope domain.Scope) ([]*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.err != nil {
		return nil, s.err
	}
	var out []*domain.Rule
	for _, r := range s.rules {
		if r.Scope == scope && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) DeactivateRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Active = false
	return nil
}

func fixed(id string, points int, priority int, scope domain.Scope) *domain.Rule {
	return &domain.Rule{
		ID:         id,
		Name:       id,
		Type:       domain.RuleFixed,
		Parameters: domain.Values{domain.ParamPoints: points},
		Priority:   priority,
		Scope:      scope,
		Active:     true,
	}
}

func limited(id string, start, end string) *domain.Rule {
	return &domain.Rule{
		ID:         id,
		Name:       id,
		Type:       domain.RuleLimitedTime,
		Parameters: domain.Values{domain.ParamPoints: 20},
		Conditions: domain.Values{domain.CondStartDate: start, domain.CondEndDate: end},
		Scope:      domain.MerchantScope("m-1"),
		Active:     true,
	}
}

func ids(rules []*domain.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}

func TestCatalog_Gather(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(
		fixed("merchant-b", 50, 2, domain.MerchantScope("m-1")),
		fixed("merchant-a", 10, 2, domain.MerchantScope("m-1")),
		fixed("product", 100, 1, domain.ProductScope("p-1")),
		fixed("other-product", 100, 0, domain.ProductScope("p-9")),
		fixed("global", 5, 3, domain.GlobalScope()),
		fixed("other-merchant", 5, 0, domain.MerchantScope("m-2")),
	)
	catalog := NewCatalog(store, nil)

	tc := &domain.TransactionContext{
		Amount:     decimal.NewFromInt(10),
		MerchantID: "m-1",
		Items: []domain.LineItem{
			{ProductID: "p-1", Quantity: 1},
			{ProductID: "p-1", Quantity: 2},
		},
	}

	rules, err := catalog.Gather(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, []string{"product", "merchant-a", "merchant-b", "global"}, ids(rules))
}

func TestCatalog_GatherUnknownMerchant(t *testing.T) {
	catalog := NewCatalog(newMemStore(), nil)

	rules, err := catalog.Gather(context.Background(), &domain.TransactionContext{MerchantID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestCatalog_GatherRequiresMerchant(t *testing.T) {
	catalog := NewCatalog(newMemStore(), nil)

	_, err := catalog.Gather(context.Background(), &domain.TransactionContext{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCatalog_GatherStorageError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk on fire")
	catalog := NewCatalog(store, nil)

	_, err := catalog.Gather(context.Background(), &domain.TransactionContext{MerchantID: "m-1"})
	assert.Error(t, err)
}

func TestCatalog_Dedupe(t *testing.T) {
	shared := fixed("shared", 10, 0, domain.ProductScope("p-1"))
	catalog := NewCatalog(newMemStore(shared), nil)

	rules, err := catalog.Gather(context.Background(), &domain.TransactionContext{
		MerchantID: "m-1",
		Items:      []domain.LineItem{{ProductID: "p-1", Quantity: 1}, {ProductID: "p-1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, ids(rules))
}

func TestSelect_LimitedTimeWindow(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 30, 23, 59, 59, 0, time.UTC)
	rule := limited("summer", start.Format(time.RFC3339), end.Format(time.RFC3339))

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"one second before start", start.Add(-time.Second), false},
		{"exactly start", start, true},
		{"inside", start.Add(72 * time.Hour), true},
		{"exactly end", end, true},
		{"one second after end", end.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected := Select([]*domain.Rule{rule}, tt.at)
			assert.Equal(t, tt.want, len(selected) == 1)
		})
	}
}

func TestSelect_DateOnlyEndCoversWholeDay(t *testing.T) {
	rule := limited("june", "2026-06-01", "2026-06-30")

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"Should include midnight of the first day", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"Should include the afternoon of the last day", time.Date(2026, 6, 30, 15, 30, 0, 0, time.UTC), true},
		{"Should include the last second of the last day", time.Date(2026, 6, 30, 23, 59, 59, 0, time.UTC), true},
		{"Should exclude midnight after the last day", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected := Select([]*domain.Rule{rule}, tt.at)
			assert.Equal(t, tt.want, len(selected) == 1)
		})
	}
}

func TestCatalog_ValidateSameDayWindow(t *testing.T) {
	catalog := NewCatalog(newMemStore(), nil)
	rule := limited("flash", "2026-06-30", "2026-06-30")
	assert.NoError(t, catalog.Validate(rule))

	backwards := limited("backwards", "2026-07-01T00:00:00Z", "2026-06-30")
	assert.ErrorIs(t, catalog.Validate(backwards), domain.ErrInvalidRule)
}

func TestSelect_LimitedTimeMissingBound(t *testing.T) {
	at := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	open := limited("open", "2026-06-01", "")
	garbage := limited("garbage", "not-a-date", "2026-07-01")
	plain := fixed("plain", 10, 0, domain.MerchantScope("m-1"))

	selected := Select([]*domain.Rule{open, garbage, plain}, at)
	assert.Equal(t, []string{"plain"}, ids(selected))
}

func TestCatalog_GatherUsesTransactionTimestamp(t *testing.T) {
	store := newMemStore(limited("june", "2026-06-01", "2026-06-30"))
	catalog := NewCatalog(store, nil, WithClock(func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	ctx := context.Background()

	rules, err := catalog.Gather(ctx, &domain.TransactionContext{MerchantID: "m-1"})
	require.NoError(t, err)
	assert.Empty(t, rules, "clock is outside the window")

	rules, err = catalog.Gather(ctx, &domain.TransactionContext{
		MerchantID: "m-1",
		Timestamp:  time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"june"}, ids(rules))
}

func TestCatalog_Cache(t *testing.T) {
	ctx := context.Background()
	mem, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	defer mem.Close()

	store := newMemStore(fixed("r1", 10, 0, domain.MerchantScope("m-1")))
	catalog := NewCatalog(store, nil, WithCache(mem, time.Minute))
	tc := &domain.TransactionContext{MerchantID: "m-1"}

	first, err := catalog.Gather(ctx, tc)
	require.NoError(t, err)
	listsAfterFirst := store.lists

	second, err := catalog.Gather(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, listsAfterFirst, store.lists, "second gather is served from cache")
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, domain.MerchantScope("m-1"), second[0].Scope)
	assert.Equal(t, float64(10), second[0].Parameters.Number(domain.ParamPoints, 0))

	require.NoError(t, store.SaveRule(ctx, fixed("r2", 5, 1, domain.MerchantScope("m-1"))))
	require.NoError(t, catalog.Invalidate(ctx, domain.MerchantScope("m-1")))

	third, err := catalog.Gather(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(third))
}

func TestCatalog_Validate(t *testing.T) {
	guards, err := guard.NewEngine()
	require.NoError(t, err)
	catalog := NewCatalog(newMemStore(), guards)

	valid := func() *domain.Rule { return fixed("r", 10, 0, domain.MerchantScope("m-1")) }

	tests := []struct {
		name    string
		mutate  func(r *domain.Rule)
		wantErr error
	}{
		{"valid fixed", func(r *domain.Rule) {}, nil},
		{"unknown parameter keys accepted", func(r *domain.Rule) { r.Parameters["colour"] = "blue" }, nil},
		{"missing name", func(r *domain.Rule) { r.Name = "" }, domain.ErrInvalidRule},
		{"unknown type", func(r *domain.Rule) { r.Type = "lottery" }, domain.ErrInvalidRule},
		{"reserved type", func(r *domain.Rule) { r.Type = domain.RuleTiered }, domain.ErrReservedRuleType},
		{"zero scope", func(r *domain.Rule) { r.Scope = domain.Scope{} }, domain.ErrInvalidRule},
		{"valid formula", func(r *domain.Rule) {
			r.Type = domain.RuleCustomFormula
			r.Parameters[domain.ParamFormula] = "floor(total / 10)"
		}, nil},
		{"bad formula", func(r *domain.Rule) {
			r.Type = domain.RuleCustomFormula
			r.Parameters[domain.ParamFormula] = "__import__('os')"
		}, domain.ErrInvalidRule},
		{"missing formula", func(r *domain.Rule) { r.Type = domain.RuleCustomFormula }, domain.ErrInvalidRule},
		{"limited time without dates", func(r *domain.Rule) { r.Type = domain.RuleLimitedTime }, domain.ErrInvalidRule},
		{"limited time reversed", func(r *domain.Rule) {
			r.Type = domain.RuleLimitedTime
			r.Conditions = domain.Values{domain.CondStartDate: "2026-07-01", domain.CondEndDate: "2026-06-01"}
		}, domain.ErrInvalidRule},
		{"limited time valid", func(r *domain.Rule) {
			r.Type = domain.RuleLimitedTime
			r.Conditions = domain.Values{domain.CondStartDate: "2026-06-01", domain.CondEndDate: "2026-06-30T23:59:59Z"}
		}, nil},
		{"bad date on other type", func(r *domain.Rule) {
			r.Conditions = domain.Values{domain.CondStartDate: "soon"}
		}, domain.ErrInvalidRule},
		{"valid guard", func(r *domain.Rule) {
			r.Conditions = domain.Values{domain.CondWhen: "quantity >= 2"}
		}, nil},
		{"bad guard", func(r *domain.Rule) {
			r.Conditions = domain.Values{domain.CondWhen: "quantity +"}
		}, domain.ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := catalog.Validate(r)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCatalog_SaveAndDeactivate(t *testing.T) {
	ctx := context.Background()
	mem, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	defer mem.Close()

	guards, err := guard.NewEngine()
	require.NoError(t, err)

	store := newMemStore()
	catalog := NewCatalog(store, guards, WithCache(mem, time.Minute))
	tc := &domain.TransactionContext{MerchantID: "m-1"}

	rules, err := catalog.Gather(ctx, tc)
	require.NoError(t, err)
	assert.Empty(t, rules)

	rule := fixed("", 10, 0, domain.MerchantScope("m-1"))
	rule.Name = "Welcome bonus"
	require.NoError(t, catalog.Save(ctx, rule))
	assert.NotEmpty(t, rule.ID)
	assert.False(t, rule.CreatedAt.IsZero())

	rules, err = catalog.Gather(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, []string{rule.ID}, ids(rules), "save invalidates the cached scope")

	moved := *rule
	moved.Scope = domain.MerchantScope("m-2")
	require.NoError(t, catalog.Save(ctx, &moved))
	assert.Equal(t, rule.CreatedAt, moved.CreatedAt)

	rules, err = catalog.Gather(ctx, tc)
	require.NoError(t, err)
	assert.Empty(t, rules, "moving a rule invalidates its previous scope")

	require.NoError(t, catalog.Deactivate(ctx, rule.ID))
	rules, err = catalog.Gather(ctx, &domain.TransactionContext{MerchantID: "m-2"})
	require.NoError(t, err)
	assert.Empty(t, rules)

	got, err := catalog.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, catalog.Deactivate(ctx, "missing"), domain.ErrNotFound)
}

func TestCatalog_SaveRejectsInvalid(t *testing.T) {
	store := newMemStore()
	catalog := NewCatalog(store, nil)

	rule := fixed("", 10, 0, domain.MerchantScope("m-1"))
	rule.Type = domain.RuleMerchantOverride
	assert.ErrorIs(t, catalog.Save(context.Background(), rule), domain.ErrReservedRuleType)
	assert.Empty(t, store.rules)
}

func TestCatalog_List(t *testing.T) {
	store := newMemStore(
		fixed("b", 1, 5, domain.GlobalScope()),
		fixed("a", 1, 5, domain.GlobalScope()),
		fixed("c", 1, 1, domain.GlobalScope()),
	)
	catalog := NewCatalog(store, nil)

	rules, err := catalog.List(context.Background(), domain.GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids(rules))

	_, err = catalog.List(context.Background(), domain.Scope{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
