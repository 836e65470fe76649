// Package points scores award rules against a transaction.
package points

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/formula"
	"github.com/opensource-finance/kestrel/internal/guard"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// Reasons attached to zero-point scores.
const (
	ReasonReserved       = "reserved rule type"
	ReasonUnknownType    = "unknown rule type"
	ReasonNoPoints       = "rule awards no points"
	ReasonBelowThreshold = "amount below min_amount"
	ReasonNoCustomer     = "no customer"
	ReasonNotFirst       = "not a first purchase"
	ReasonBadDivisor     = "divisor must be positive"
	ReasonGuardFalse     = "eligibility guard not satisfied"
	ReasonGuardError     = "eligibility guard failed"
)

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// Calculator computes per-rule contributions and their stacked total.
type Calculator struct {
	formulas   *formula.Evaluator
	guards     *guard.Engine
	maxWorkers int
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithGuards enables conditions.when evaluation. Without it a rule carrying
// a guard contributes 0.
func WithGuards(guards *guard.Engine) Option {
	return func(c *Calculator) { c.guards = guards }
}

// WithMaxWorkers bounds parallel scoring.
func WithMaxWorkers(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}

// WithClock overrides the clock used when a transaction has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Calculator) { c.logger = logger }
}

// NewCalculator creates a calculator. formulas may be nil, in which case
// custom formulas are compiled on every use.
func NewCalculator(formulas *formula.Evaluator, opts ...Option) *Calculator {
	c := &Calculator{
		formulas:   formulas,
		maxWorkers: 8,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Score returns the non-negative contribution of rule to tc.
func (c *Calculator) Score(rule *domain.Rule, tc *domain.TransactionContext) int64 {
	return c.score(rule, tc, c.evaluationTime(tc)).Points
}

// Calculate scores rules in parallel and sums every contribution. Scores keep
// the order of rules.
func (c *Calculator) Calculate(ctx context.Context, tc *domain.TransactionContext, rules []*domain.Rule) domain.Breakdown {
	start := time.Now()
	defer func() { observability.CalculationDuration.Observe(time.Since(start).Seconds()) }()

	at := c.evaluationTime(tc)
	scores := make([]domain.RuleScore, len(rules))

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *domain.Rule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			scores[idx] = c.score(r, tc, at)
		}(i, rule)
	}
	wg.Wait()

	var total int64
	for _, s := range scores {
		total = addPoints(total, s.Points)
	}

	if len(rules) > 0 {
		c.logger.DebugContext(ctx, "transaction scored",
			"merchant_id", tc.MerchantID,
			"rules", len(rules),
			"total", total,
		)
	}

	return domain.Breakdown{Total: total, Scores: scores}
}

func (c *Calculator) evaluationTime(tc *domain.TransactionContext) time.Time {
	if tc != nil && !tc.Timestamp.IsZero() {
		return tc.Timestamp
	}
	return c.now()
}

func (c *Calculator) score(rule *domain.Rule, tc *domain.TransactionContext, at time.Time) domain.RuleScore {
	observability.RulesScored.WithLabelValues(string(rule.Type)).Inc()

	s := domain.RuleScore{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Type:     rule.Type,
		Scope:    rule.Scope,
		Priority: rule.Priority,
	}

	if when := strings.TrimSpace(rule.Conditions.String(domain.CondWhen)); when != "" {
		if c.guards == nil {
			s.Reason = ReasonGuardError
			return s
		}
		allowed, err := c.guards.Allows(when, tc, at)
		if err != nil {
			observability.GuardFailures.Inc()
			c.logger.Warn("eligibility guard failed",
				"rule_id", rule.ID,
				"when", when,
				"error", err,
			)
			s.Reason = ReasonGuardError
			return s
		}
		if !allowed {
			s.Reason = ReasonGuardFalse
			return s
		}
	}

	s.Points, s.Reason = c.compute(rule, tc)
	return s
}

func (c *Calculator) compute(rule *domain.Rule, tc *domain.TransactionContext) (int64, string) {
	p := rule.Parameters

	switch rule.Type {
	case domain.RuleFixed, domain.RuleLimitedTime:
		return clamp(decimalValue(p, domain.ParamPoints, decimal.Zero)), ""

	case domain.RuleDynamic:
		units, ok := c.units(rule, tc.Amount)
		if !ok {
			return 0, ReasonBadDivisor
		}
		multiplier := decimalValue(p, domain.ParamMultiplier, decimal.NewFromInt(1))
		return clamp(units.Mul(multiplier)), ""

	case domain.RuleCombo:
		units, ok := c.units(rule, tc.Amount)
		if !ok {
			return 0, ReasonBadDivisor
		}
		amountPart := units.Mul(decimalValue(p, domain.ParamAmountMultiplier, decimal.NewFromInt(1)))
		quantityPart := decimal.NewFromInt(tc.TotalQuantity()).
			Mul(decimalValue(p, domain.ParamQuantityMultiplier, decimal.NewFromInt(1)))
		return clamp(amountPart.Add(quantityPart)), ""

	case domain.RuleThreshold:
		minAmount := decimalValue(rule.Conditions, domain.CondMinAmount, decimal.Zero)
		if tc.Amount.LessThan(minAmount) {
			return 0, ReasonBelowThreshold
		}
		return clamp(decimalValue(p, domain.ParamPoints, decimal.Zero)), ""

	case domain.RuleFirstPurchase:
		if !tc.HasCustomer() {
			return 0, ReasonNoCustomer
		}
		if !tc.FirstPurchase {
			return 0, ReasonNotFirst
		}
		return clamp(decimalValue(p, domain.ParamPoints, decimal.Zero)), ""

	case domain.RuleNoPoints:
		return 0, ReasonNoPoints

	case domain.RuleCustomFormula:
		total, _ := tc.Amount.Float64()
		bindings := formula.Bindings{Total: total, Quantity: float64(tc.TotalQuantity())}
		src := p.String(domain.ParamFormula)
		var n int64
		if c.formulas != nil {
			n = c.formulas.Evaluate(src, bindings)
		} else {
			n = formula.Evaluate(src, bindings)
		}
		if n < 0 {
			n = 0
		}
		return n, ""
	}

	if rule.Type.Reserved() {
		return 0, ReasonReserved
	}
	return 0, ReasonUnknownType
}

// units is floor(amount / divisor). ok is false when the divisor is not positive.
func (c *Calculator) units(rule *domain.Rule, amount decimal.Decimal) (decimal.Decimal, bool) {
	divisor := decimalValue(rule.Parameters, domain.ParamDivisor, decimal.NewFromInt(1))
	if !divisor.IsPositive() {
		c.logger.Warn("rule divisor must be positive",
			"rule_id", rule.ID,
			"type", rule.Type,
			"divisor", divisor.String(),
		)
		return decimal.Zero, false
	}
	return amount.Div(divisor).Floor(), true
}

// decimalValue reads key exactly when it is stored as text and falls back to
// the float form otherwise.
func decimalValue(v domain.Values, key string, def decimal.Decimal) decimal.Decimal {
	switch raw := v[key].(type) {
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(raw)); err == nil {
			return d
		}
		return def
	case int:
		return decimal.NewFromInt(int64(raw))
	case int64:
		return decimal.NewFromInt(raw)
	}
	f := v.Number(key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return decimal.NewFromFloat(f)
}

// clamp truncates d toward zero into [0, MaxInt64].
func clamp(d decimal.Decimal) int64 {
	if !d.IsPositive() {
		return 0
	}
	if d.GreaterThanOrEqual(maxPoints) {
		return math.MaxInt64
	}
	return d.IntPart()
}

func addPoints(a, b int64) int64 {
	if b > math.MaxInt64-a {
		return math.MaxInt64
	}
	return a + b
}
