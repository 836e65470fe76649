// Package rules resolves which award rules apply to a transaction.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/formula"
	"github.com/opensource-finance/kestrel/internal/guard"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// Catalog gathers the rules applicable to a transaction from merchant,
// product and global scopes.
type Catalog struct {
	store  domain.RuleStore
	cache  domain.Cache
	ttl    time.Duration
	guards *guard.Engine
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithCache serves per-scope rule lists from cache for ttl.
func WithCache(cache domain.Cache, ttl time.Duration) Option {
	return func(c *Catalog) {
		c.cache = cache
		c.ttl = ttl
	}
}

// WithClock overrides the evaluation clock used when a transaction has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) { c.logger = logger }
}

// NewCatalog creates a catalog over store. guards is used to validate
// conditions.when at authoring time.
func NewCatalog(store domain.RuleStore, guards *guard.Engine, opts ...Option) *Catalog {
	c := &Catalog{
		store:  store,
		guards: guards,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gather returns the deduplicated, selected rules for tc in ascending
// priority order. A missing merchant or product contributes nothing.
func (c *Catalog) Gather(ctx context.Context, tc *domain.TransactionContext) ([]*domain.Rule, error) {
	if tc == nil || tc.MerchantID == "" {
		return nil, fmt.Errorf("%w: merchant id is required", domain.ErrInvalidInput)
	}

	scopes := make([]domain.Scope, 0, len(tc.Items)+2)
	scopes = append(scopes, domain.MerchantScope(tc.MerchantID))
	for _, productID := range tc.ProductIDs() {
		scopes = append(scopes, domain.ProductScope(productID))
	}
	scopes = append(scopes, domain.GlobalScope())

	seen := make(map[string]struct{})
	gathered := make([]*domain.Rule, 0)
	for _, scope := range scopes {
		rules, err := c.rulesFor(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s rules: %w", scope, err)
		}
		for _, rule := range rules {
			if _, dup := seen[rule.ID]; dup {
				continue
			}
			seen[rule.ID] = struct{}{}
			gathered = append(gathered, rule)
		}
	}

	selected := Select(gathered, EvaluationTime(tc, c.now))
	Sort(selected)
	return selected, nil
}

// Invalidate drops the cached rule list of scope.
func (c *Catalog) Invalidate(ctx context.Context, scope domain.Scope) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, cacheKey(scope))
}

// Save validates and stores rule, assigning an id on create. The cached
// lists of the rule's current and previous scope are invalidated.
func (c *Catalog) Save(ctx context.Context, rule *domain.Rule) error {
	if err := c.Validate(rule); err != nil {
		return err
	}

	now := c.now().UTC()
	var previous *domain.Rule
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	} else {
		existing, err := c.store.GetRule(ctx, rule.ID)
		switch {
		case err == nil:
			previous = existing
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("failed to load rule: %w", err)
		}
	}

	if previous != nil {
		rule.CreatedAt = previous.CreatedAt
	} else if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := c.store.SaveRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	c.invalidate(ctx, rule.Scope)
	if previous != nil && previous.Scope != rule.Scope {
		c.invalidate(ctx, previous.Scope)
	}

	c.logger.Info("rule saved",
		"rule_id", rule.ID,
		"type", rule.Type,
		"scope", rule.Scope.Key(),
		"active", rule.Active,
	)
	return nil
}

// Get returns a rule by id, active or not.
func (c *Catalog) Get(ctx context.Context, id string) (*domain.Rule, error) {
	return c.store.GetRule(ctx, id)
}

// List returns the active rules owned by scope in priority order, bypassing
// the cache.
func (c *Catalog) List(ctx context.Context, scope domain.Scope) ([]*domain.Rule, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: invalid scope", domain.ErrInvalidInput)
	}
	rules, err := c.listActive(ctx, scope)
	if err != nil {
		return nil, err
	}
	Sort(rules)
	return rules, nil
}

// Deactivate soft-deletes a rule so it is never gathered again.
func (c *Catalog) Deactivate(ctx context.Context, id string) error {
	rule, err := c.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeactivateRule(ctx, id); err != nil {
		return fmt.Errorf("failed to deactivate rule: %w", err)
	}
	c.invalidate(ctx, rule.Scope)

	c.logger.Info("rule deactivated", "rule_id", id, "scope", rule.Scope.Key())
	return nil
}

func (c *Catalog) invalidate(ctx context.Context, scope domain.Scope) {
	if err := c.Invalidate(ctx, scope); err != nil {
		c.logger.Warn("rule cache invalidation failed", "scope", scope.Key(), "error", err)
	}
}

func (c *Catalog) rulesFor(ctx context.Context, scope domain.Scope) ([]*domain.Rule, error) {
	if c.cache == nil || c.ttl <= 0 {
		return c.listActive(ctx, scope)
	}

	key := cacheKey(scope)
	if data, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("rule cache read failed", "scope", scope.Key(), "error", err)
	} else if data != nil {
		var rules []*domain.Rule
		if err := json.Unmarshal(data, &rules); err == nil {
			observability.RuleCacheHits.Inc()
			return rules, nil
		}
		c.logger.Warn("discarding corrupt rule cache entry", "scope", scope.Key())
	}

	observability.RuleCacheMisses.Inc()
	rules, err := c.listActive(ctx, scope)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rules); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("rule cache write failed", "scope", scope.Key(), "error", err)
		}
	}
	return rules, nil
}

func (c *Catalog) listActive(ctx context.Context, scope domain.Scope) ([]*domain.Rule, error) {
	rules, err := c.store.ListRulesByScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	active := rules[:0:0]
	for _, rule := range rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

func cacheKey(scope domain.Scope) string {
	return "rules:" + scope.Key()
}

// EvaluationTime is the transaction timestamp, or now() when it is unset.
func EvaluationTime(tc *domain.TransactionContext, now func() time.Time) time.Time {
	if tc != nil && !tc.Timestamp.IsZero() {
		return tc.Timestamp
	}
	return now()
}

// Select applies the limited-time window filter: a limited_time rule is kept
// only if at lies within [start_date, end_date]. Every other type passes.
func Select(rules []*domain.Rule, at time.Time) []*domain.Rule {
	selected := make([]*domain.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Type == domain.RuleLimitedTime && !InWindow(rule, at) {
			continue
		}
		selected = append(selected, rule)
	}
	return selected
}

// InWindow reports whether at falls inside the rule's inclusive window.
// A missing or unparsable bound excludes the rule.
func InWindow(rule *domain.Rule, at time.Time) bool {
	start, end, ok := rule.Window()
	if !ok {
		return false
	}
	return !at.Before(start) && !at.After(end)
}

// Sort orders rules by ascending priority, then id.
func Sort(rules []*domain.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// Validate checks a rule before it is stored. Unknown parameter keys are
// accepted.
func (c *Catalog) Validate(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidRule)
	}
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidRule)
	}
	if !rule.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidRule, rule.Type)
	}
	if rule.Type.Reserved() {
		return fmt.Errorf("%w: %s", domain.ErrReservedRuleType, rule.Type)
	}
	if !rule.Scope.Valid() {
		return fmt.Errorf("%w: scope must be merchant, product or global", domain.ErrInvalidRule)
	}

	if rule.Type == domain.RuleCustomFormula {
		src := rule.Parameters.String(domain.ParamFormula)
		if src == "" {
			return fmt.Errorf("%w: custom_formula requires parameters.formula", domain.ErrInvalidRule)
		}
		if _, err := formula.Compile(src); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
		}
	}

	if err := validateWindow(rule); err != nil {
		return err
	}

	if when := rule.Conditions.String(domain.CondWhen); when != "" {
		if c.guards == nil {
			return fmt.Errorf("%w: eligibility guards are not enabled", domain.ErrInvalidRule)
		}
		if err := c.guards.Validate(when); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
		}
	}

	return nil
}

func validateWindow(rule *domain.Rule) error {
	_, hasStart := rule.Conditions[domain.CondStartDate]
	_, hasEnd := rule.Conditions[domain.CondEndDate]
	if rule.Type != domain.RuleLimitedTime && !hasStart && !hasEnd {
		return nil
	}

	start, okStart := rule.Conditions.Time(domain.CondStartDate)
	end, okEnd := rule.Conditions.EndTime(domain.CondEndDate)
	switch {
	case hasStart && !okStart:
		return fmt.Errorf("%w: start_date is not a valid date", domain.ErrInvalidRule)
	case hasEnd && !okEnd:
		return fmt.Errorf("%w: end_date is not a valid date", domain.ErrInvalidRule)
	case rule.Type == domain.RuleLimitedTime && (!okStart || !okEnd):
		return fmt.Errorf("%w: limited_time requires start_date and end_date", domain.ErrInvalidRule)
	case okStart && okEnd && start.After(end):
		return fmt.Errorf("%w: start_date is after end_date", domain.ErrInvalidRule)
	}
	return nil
}
