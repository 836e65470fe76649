package formula

import (
	"fmt"
	"math"
)

// Grammar:
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = ("+" | "-") unary | primary
//	primary = number | variable | call | "(" expr ")"
//	call    = function "(" expr { "," expr } ")"
type parser struct {
	tokens []token
	pos    int
	depth  int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("%w: expected %s, found %s at %d", ErrSyntax, kind, describe(t), t.pos)
	}
	return t, nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrSyntax, MaxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parse() (node, error) {
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s at %d", ErrSyntax, describe(t), t.pos)
	}
	return n, nil
}

func (p *parser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPlus && t.kind != tokMinus {
			return left, nil
		}
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.kind, left: left, right: right}
	}
}

func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokStar && t.kind != tokSlash {
			return left, nil
		}
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.kind, left: left, right: right}
	}
}

func (p *parser) unary() (node, error) {
	t := p.peek()
	if t.kind != tokPlus && t.kind != tokMinus {
		return p.primary()
	}
	p.next()
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	operand, err := p.unary()
	if err != nil {
		return nil, err
	}
	if t.kind == tokPlus {
		return operand, nil
	}
	return &negNode{operand: operand}, nil
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numberNode(t.num), nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.call(t)
		}
		v, ok := variables[t.text]
		if !ok {
			return nil, fmt.Errorf("%w: unknown name %q at %d", ErrSyntax, t.text, t.pos)
		}
		return v, nil
	case tokLParen:
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return nil, fmt.Errorf("%w: unexpected %s at %d", ErrSyntax, describe(t), t.pos)
}

func (p *parser) call(name token) (node, error) {
	fn, ok := functions[name.text]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q at %d", ErrSyntax, name.text, name.pos)
	}
	p.next() // (
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.expr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, fmt.Errorf("%w: %s() takes %s, got %d", ErrSyntax, name.text, fn.arity(), len(args))
	}
	return &callNode{name: name.text, fn: fn.apply, args: args}, nil
}

func describe(t token) string {
	if t.kind == tokIdent || t.kind == tokNumber {
		return fmt.Sprintf("%s %q", t.kind, t.text)
	}
	return t.kind.String()
}

type function struct {
	minArgs int
	maxArgs int // -1 is variadic
	apply   func(args []float64) float64
}

func (f function) arity() string {
	switch {
	case f.maxArgs < 0:
		return fmt.Sprintf("at least %d argument(s)", f.minArgs)
	case f.minArgs == f.maxArgs:
		return fmt.Sprintf("exactly %d argument(s)", f.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", f.minArgs, f.maxArgs)
}

var functions = map[string]function{
	"floor": {minArgs: 1, maxArgs: 1, apply: func(a []float64) float64 { return math.Floor(a[0]) }},
	"ceil":  {minArgs: 1, maxArgs: 1, apply: func(a []float64) float64 { return math.Ceil(a[0]) }},
	"round": {minArgs: 1, maxArgs: 1, apply: func(a []float64) float64 { return math.RoundToEven(a[0]) }},
	"min": {minArgs: 1, maxArgs: -1, apply: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {minArgs: 1, maxArgs: -1, apply: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
}

var variables = map[string]node{
	"total":    varNode{name: "total", get: func(b Bindings) float64 { return b.Total }},
	"quantity": varNode{name: "quantity", get: func(b Bindings) float64 { return b.Quantity }},
}
