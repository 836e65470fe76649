package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RuleType is the point-computation strategy of a rule.
type RuleType string

const (
	RuleFixed         RuleType = "fixed"
	RuleDynamic       RuleType = "dynamic"
	RuleCombo         RuleType = "combo"
	RuleThreshold     RuleType = "threshold"
	RuleFirstPurchase RuleType = "first_purchase"
	RuleLimitedTime   RuleType = "limited_time"
	RuleNoPoints      RuleType = "no_points"
	RuleCustomFormula RuleType = "custom_formula"

	// Reserved types are accepted from storage but never scored.
	RuleTiered           RuleType = "tiered"
	RuleMerchantOverride RuleType = "merchant_override"
	RuleCategoryBased    RuleType = "category_based"
	RuleQuantityBonus    RuleType = "quantity_bonus"
)

var ruleTypes = map[RuleType]bool{
	RuleFixed:            false,
	RuleDynamic:          false,
	RuleCombo:            false,
	RuleThreshold:        false,
	RuleFirstPurchase:    false,
	RuleLimitedTime:      false,
	RuleNoPoints:         false,
	RuleCustomFormula:    false,
	RuleTiered:           true,
	RuleMerchantOverride: true,
	RuleCategoryBased:    true,
	RuleQuantityBonus:    true,
}

// Known reports whether t belongs to the closed set of rule types.
func (t RuleType) Known() bool {
	_, ok := ruleTypes[t]
	return ok
}

// Reserved reports whether t is declared but intentionally unscored.
func (t RuleType) Reserved() bool {
	return ruleTypes[t]
}

// Parameter and condition keys.
const (
	ParamPoints             = "points"
	ParamDivisor            = "divisor"
	ParamMultiplier         = "multiplier"
	ParamAmountMultiplier   = "amount_multiplier"
	ParamQuantityMultiplier = "quantity_multiplier"
	ParamFormula            = "formula"

	CondMinAmount = "min_amount"
	CondStartDate = "start_date"
	CondEndDate   = "end_date"
	CondWhen      = "when"
)

// ScopeKind identifies which entity owns a rule.
type ScopeKind string

const (
	ScopeMerchant ScopeKind = "merchant"
	ScopeProduct  ScopeKind = "product"
	ScopeGlobal   ScopeKind = "global"
)

// Scope is the owner of a rule: exactly one merchant, one product, or nobody (global).
// The zero value is invalid; use MerchantScope, ProductScope or GlobalScope.
type Scope struct {
	kind ScopeKind
	id   string
}

// MerchantScope attaches a rule to a merchant.
func MerchantScope(merchantID string) Scope {
	return Scope{kind: ScopeMerchant, id: merchantID}
}

// ProductScope attaches a rule to a product.
func ProductScope(productID string) Scope {
	return Scope{kind: ScopeProduct, id: productID}
}

// GlobalScope makes a rule apply everywhere.
func GlobalScope() Scope {
	return Scope{kind: ScopeGlobal}
}

// ParseScope rebuilds a scope from its persisted (kind, id) pair.
func ParseScope(kind, id string) (Scope, error) {
	switch ScopeKind(kind) {
	case ScopeMerchant, ScopeProduct:
		if id == "" {
			return Scope{}, fmt.Errorf("%w: %s scope requires an id", ErrInvalidRule, kind)
		}
		return Scope{kind: ScopeKind(kind), id: id}, nil
	case ScopeGlobal:
		if id != "" {
			return Scope{}, fmt.Errorf("%w: global scope cannot have an id", ErrInvalidRule)
		}
		return GlobalScope(), nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown scope kind %q", ErrInvalidRule, kind)
	}
}

func (s Scope) Kind() ScopeKind { return s.kind }

// ID returns the owning entity id, empty for global scope.
func (s Scope) ID() string { return s.id }

// Valid reports whether the scope was built by one of the constructors.
func (s Scope) Valid() bool {
	switch s.kind {
	case ScopeMerchant, ScopeProduct:
		return s.id != ""
	case ScopeGlobal:
		return s.id == ""
	}
	return false
}

// Key is a stable string form used for cache keys and logs.
func (s Scope) Key() string {
	if s.kind == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(s.kind) + ":" + s.id
}

func (s Scope) String() string { return s.Key() }

type scopeJSON struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeJSON{Kind: string(s.kind), ID: s.id})
}

func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseScope(raw.Kind, raw.ID)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Values is a string-keyed bag of rule parameters or conditions.
// Lookups never fail: missing or malformed entries yield the supplied default.
type Values map[string]any

// Number returns the numeric value stored under key, or def.
func (v Values) Number(key string, def float64) float64 {
	raw, ok := v[key]
	if !ok || raw == nil {
		return def
	}
	var f float64
	switch n := raw.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return def
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

// String returns the string stored under key, or "".
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// dateLayout is the date-only form of start_date / end_date.
const dateLayout = "2006-01-02"

// timeLayouts are accepted for start_date / end_date.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	dateLayout,
}

// Time returns the timestamp stored under key. The bool is false when the key is absent
// or cannot be interpreted as a time. A date-only value means midnight of that day.
func (v Values) Time(key string) (time.Time, bool) {
	t, _, ok := v.parseTime(key)
	return t, ok
}

// EndTime is Time for an inclusive upper bound: a date-only value covers the
// whole day and resolves to its last nanosecond.
func (v Values) EndTime(key string) (time.Time, bool) {
	t, dateOnly, ok := v.parseTime(key)
	if ok && dateOnly {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, ok
}

func (v Values) parseTime(key string) (t time.Time, dateOnly, ok bool) {
	switch raw := v[key].(type) {
	case time.Time:
		return raw, false, !raw.IsZero()
	case string:
		s := strings.TrimSpace(raw)
		if s == "" {
			return time.Time{}, false, false
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, layout == dateLayout, true
			}
		}
	}
	return time.Time{}, false, false
}

// Rule is an independently configured award rule.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        RuleType  `json:"type"`
	Parameters  Values    `json:"parameters,omitempty"`
	Conditions  Values    `json:"conditions,omitempty"`
	Priority    int       `json:"priority"`
	Scope       Scope     `json:"scope"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Window returns the inclusive activity window of a limited-time rule.
// ok is false if either bound is missing. A date-only end_date includes
// that whole day.
func (r *Rule) Window() (start, end time.Time, ok bool) {
	start, okStart := r.Conditions.Time(CondStartDate)
	end, okEnd := r.Conditions.EndTime(CondEndDate)
	return start, end, okStart && okEnd
}

// RuleScore is the contribution of a single rule to a transaction's total.
type RuleScore struct {
	RuleID   string   `json:"ruleId"`
	RuleName string   `json:"ruleName,omitempty"`
	Type     RuleType `json:"type"`
	Scope    Scope    `json:"scope"`
	Priority int      `json:"priority"`
	Points   int64    `json:"points"`
	Reason   string   `json:"reason,omitempty"`
}

// Breakdown is the stacked result of scoring every applicable rule.
type Breakdown struct {
	Total  int64       `json:"total"`
	Scores []RuleScore `json:"scores"`
}
