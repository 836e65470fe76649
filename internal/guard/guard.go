// Package guard evaluates the optional CEL eligibility condition
// (conditions.when) a rule may carry.
package guard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrGuard wraps compile and evaluation failures.
var ErrGuard = errors.New("eligibility guard")

// Engine compiles and caches CEL guard programs.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEngine creates the CEL environment exposing transaction variables.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("products", cel.ListType(cel.StringType)),
		cel.Variable("first_purchase", cel.BoolType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles expr without caching it.
func (e *Engine) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Allows reports whether tc satisfies expr at time at.
// An empty expression always allows.
func (e *Engine) Allows(expr string, tc *domain.TransactionContext, at time.Time) (bool, error) {
	if expr == "" {
		return true, nil
	}

	program, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(activation(tc, at))
	if err != nil {
		return false, fmt.Errorf("%w: evaluation failed: %v", ErrGuard, err)
	}

	allowed, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%w: expected bool, got %s", ErrGuard, out.Type())
	}
	return bool(allowed), nil
}

// Len returns the number of cached programs.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = program
	e.mu.Unlock()
	return program, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile %q: %v", ErrGuard, expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", ErrGuard, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program: %v", ErrGuard, err)
	}
	return program, nil
}

func activation(tc *domain.TransactionContext, at time.Time) map[string]any {
	return map[string]any{
		"amount":         tc.Amount.InexactFloat64(),
		"quantity":       tc.TotalQuantity(),
		"merchant_id":    tc.MerchantID,
		"customer_id":    tc.CustomerID,
		"products":       tc.ProductIDs(),
		"first_purchase": tc.FirstPurchase,
		"hour":           int64(at.Hour()),
		"weekday":        int64(at.Weekday()),
	}
}
