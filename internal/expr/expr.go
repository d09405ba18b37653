// Package expr evaluates the restricted arithmetic language used by custom
// billing rules and derived metrics.
//
//	expr    := term (('+' | '-') term)*
//	term    := unary (('*' | '/') unary)*
//	unary   := '-' unary | primary
//	primary := number | ident | ident '(' expr (',' expr)* ')' | '(' expr ')'
//
// Identifiers are metric keys and may contain dots to reach nested values.
// The only callable functions are min, max, ceil, floor, abs and round.
package expr

import (
	"errors"
	"fmt"
	"strings"

	decimal "github.com/shopspring/decimal"
)

const (
	maxSourceLen = 1024
	maxDepth     = 64
)

var (
	ErrSyntax            = errors.New("expression syntax error")
	ErrUnknownIdentifier = errors.New("unknown identifier")
	ErrUnknownFunction   = errors.New("unknown function")
	ErrDivisionByZero    = errors.New("division by zero")
)

// Resolver supplies identifier values during evaluation.
type Resolver interface {
	Resolve(name string) (decimal.Decimal, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (decimal.Decimal, error)

func (f ResolverFunc) Resolve(name string) (decimal.Decimal, error) { return f(name) }

// Vars is a fixed identifier table.
type Vars map[string]decimal.Decimal

func (v Vars) Resolve(name string) (decimal.Decimal, error) {
	d, ok := v[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownIdentifier, name)
	}
	return d, nil
}

// Chain resolves from each resolver in turn, skipping ErrUnknownIdentifier.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(name string) (decimal.Decimal, error) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			d, err := r.Resolve(name)
			if err == nil {
				return d, nil
			}
			if !errors.Is(err, ErrUnknownIdentifier) {
				return decimal.Zero, err
			}
		}
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownIdentifier, name)
	})
}

// Program is a parsed expression, safe for concurrent evaluation.
type Program struct {
	src  string
	root node
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	if len(src) > maxSourceLen {
		return nil, fmt.Errorf("%w: expression longer than %d bytes", ErrSyntax, maxSourceLen)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, tok.text, tok.pos)
	}
	return &Program{src: src, root: root}, nil
}

// Eval compiles and evaluates src in one step.
func Eval(src string, r Resolver) (decimal.Decimal, error) {
	prog, err := Compile(src)
	if err != nil {
		return decimal.Zero, err
	}
	return prog.Eval(r)
}

// Source returns the normalized expression text.
func (p *Program) Source() string { return p.src }

// Identifiers returns the distinct identifiers referenced, in first-use order.
func (p *Program) Identifiers() []string {
	var out []string
	seen := map[string]struct{}{}
	walk(p.root, func(n node) {
		if id, ok := n.(identNode); ok {
			if _, dup := seen[id.name]; !dup {
				seen[id.name] = struct{}{}
				out = append(out, id.name)
			}
		}
	})
	return out
}

// Eval evaluates the program against r.
func (p *Program) Eval(r Resolver) (decimal.Decimal, error) {
	if r == nil {
		r = Vars(nil)
	}
	return p.root.eval(r)
}
