// Package formula implements the restricted arithmetic language used by
// custom_formula rules.
//
// A formula may reference the bindings total and quantity, numeric literals,
// the operators + - * / (binary and unary +/-), parentheses and the functions
// floor, ceil, round, min and max. Everything else is rejected at compile time,
// so a stored formula can never reach anything outside its two bindings.
package formula

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/maypok86/otter"

	"github.com/opensource-finance/kestrel/internal/observability"
)

const (
	// MaxSourceLen is the longest accepted formula source, in bytes.
	MaxSourceLen = 1024

	// MaxDepth bounds nesting of parentheses, calls and unary operators.
	MaxDepth = 64
)

var (
	// ErrSyntax is returned for any source outside the grammar.
	ErrSyntax = errors.New("formula syntax error")

	// ErrEval is returned for runtime failures such as division by zero.
	ErrEval = errors.New("formula evaluation error")
)

// Bindings are the values a formula can read.
type Bindings struct {
	Total    float64
	Quantity float64
}

// Formula is a compiled, immutable expression safe for concurrent use.
type Formula struct {
	src  string
	root node
}

// Compile parses src into a Formula.
func Compile(src string) (*Formula, error) {
	if len(src) > MaxSourceLen {
		return nil, fmt.Errorf("%w: source longer than %d bytes", ErrSyntax, MaxSourceLen)
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		return nil, fmt.Errorf("%w: empty formula", ErrSyntax)
	}
	p := &parser{tokens: tokens}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Formula{src: src, root: root}, nil
}

// Source returns the text the formula was compiled from.
func (f *Formula) Source() string { return f.src }

// Eval computes the formula with float semantics.
func (f *Formula) Eval(b Bindings) (float64, error) {
	v, err := f.root.eval(b)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: result is not finite", ErrEval)
	}
	return v, nil
}

// Points evaluates the formula and truncates the result toward zero.
func (f *Formula) Points(b Bindings) (int64, error) {
	v, err := f.Eval(b)
	if err != nil {
		return 0, err
	}
	t := math.Trunc(v)
	if t >= 0x1p63 || t < -0x1p63 {
		return 0, fmt.Errorf("%w: result %g out of range", ErrEval, v)
	}
	return int64(t), nil
}

// Evaluate compiles and runs src. It never fails: any error yields 0 and is
// logged and counted.
func Evaluate(src string, b Bindings) int64 {
	f, err := Compile(src)
	if err != nil {
		report(slog.Default(), "compile", src, err)
		return 0
	}
	n, err := f.Points(b)
	if err != nil {
		report(slog.Default(), "eval", src, err)
		return 0
	}
	return n
}

func report(logger *slog.Logger, stage, src string, err error) {
	observability.FormulaFailures.WithLabelValues(stage).Inc()
	logger.Warn("formula evaluation failed",
		"stage", stage,
		"formula", src,
		"error", err,
	)
}

// Evaluator memoizes compiled formulas by source text.
type Evaluator struct {
	compiled otter.Cache[string, *Formula]
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator holding up to capacity compiled formulas.
func NewEvaluator(logger *slog.Logger, capacity int) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 1024
	}
	compiled, err := otter.MustBuilder[string, *Formula](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build formula cache: %w", err)
	}
	return &Evaluator{compiled: compiled, logger: logger}, nil
}

// Compile returns the cached compilation of src, compiling it on first use.
func (e *Evaluator) Compile(src string) (*Formula, error) {
	if f, ok := e.compiled.Get(src); ok {
		return f, nil
	}
	f, err := Compile(src)
	if err != nil {
		return nil, err
	}
	e.compiled.Set(src, f)
	return f, nil
}

// Evaluate behaves like the package-level Evaluate using the cache.
func (e *Evaluator) Evaluate(src string, b Bindings) int64 {
	f, err := e.Compile(src)
	if err != nil {
		report(e.logger, "compile", src, err)
		return 0
	}
	n, err := f.Points(b)
	if err != nil {
		report(e.logger, "eval", src, err)
		return 0
	}
	return n
}

// Close releases the cache.
func (e *Evaluator) Close() {
	e.compiled.Close()
}

type node interface {
	eval(b Bindings) (float64, error)
}

type numberNode float64

func (n numberNode) eval(Bindings) (float64, error) { return float64(n), nil }

type varNode struct {
	name string
	get  func(Bindings) float64
}

func (v varNode) eval(b Bindings) (float64, error) { return v.get(b), nil }

type negNode struct {
	operand node
}

func (n *negNode) eval(b Bindings) (float64, error) {
	v, err := n.operand.eval(b)
	if err != nil {
		return 0, err
	}
	return -v, nil
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (n *binaryNode) eval(b Bindings) (float64, error) {
	l, err := n.left.eval(b)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(b)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case tokPlus:
		return l + r, nil
	case tokMinus:
		return l - r, nil
	case tokStar:
		return l * r, nil
	case tokSlash:
		if r == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrEval)
		}
		return l / r, nil
	}
	return 0, fmt.Errorf("%w: unknown operator %s", ErrEval, n.op)
}

type callNode struct {
	name string
	fn   func([]float64) float64
	args []node
}

func (c *callNode) eval(b Bindings) (float64, error) {
	vals := make([]float64, len(c.args))
	for i, arg := range c.args {
		v, err := arg.eval(b)
		if err != nil {
			return 0, err
		}
		vals[i] = v
	}
	return c.fn(vals), nil
}
