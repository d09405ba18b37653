package expr

import (
	"fmt"

	decimal "github.com/shopspring/decimal"
)

type builtin struct {
	minArgs, maxArgs int
	fn               func(args []decimal.Decimal) (decimal.Decimal, error)
}

func (b builtin) checkArity(name string, n int) error {
	if n < b.minArgs || (b.maxArgs >= 0 && n > b.maxArgs) {
		return fmt.Errorf("%w: %s takes %s arguments, got %d", ErrSyntax, name, b.arity(), n)
	}
	return nil
}

func (b builtin) arity() string {
	switch {
	case b.maxArgs < 0:
		return fmt.Sprintf("at least %d", b.minArgs)
	case b.minArgs == b.maxArgs:
		return fmt.Sprintf("%d", b.minArgs)
	default:
		return fmt.Sprintf("%d-%d", b.minArgs, b.maxArgs)
	}
}

var builtins = map[string]builtin{
	"min": {minArgs: 1, maxArgs: -1, fn: func(args []decimal.Decimal) (decimal.Decimal, error) {
		return decimal.Min(args[0], args[1:]...), nil
	}},
	"max": {minArgs: 1, maxArgs: -1, fn: func(args []decimal.Decimal) (decimal.Decimal, error) {
		return decimal.Max(args[0], args[1:]...), nil
	}},
	"ceil": {minArgs: 1, maxArgs: 1, fn: func(args []decimal.Decimal) (decimal.Decimal, error) {
		return args[0].Ceil(), nil
	}},
	"floor": {minArgs: 1, maxArgs: 1, fn: func(args []decimal.Decimal) (decimal.Decimal, error) {
		return args[0].Floor(), nil
	}},
	"abs": {minArgs: 1, maxArgs: 1, fn: func(args []decimal.Decimal) (decimal.Decimal, error) {
		return args[0].Abs(), nil
	}},
	"round": {minArgs: 1, maxArgs: 2, fn: func(args []decimal.Decimal) (decimal.Decimal, error) {
		places := int32(0)
		if len(args) == 2 {
			if !args[1].IsInteger() || args[1].IsNegative() || args[1].GreaterThan(decimal.NewFromInt(18)) {
				return decimal.Zero, fmt.Errorf("round places must be an integer between 0 and 18")
			}
			places = int32(args[1].IntPart())
		}
		return args[0].Round(places), nil
	}},
}

func (n numberNode) eval(Resolver) (decimal.Decimal, error) { return n.value, nil }

func (n identNode) eval(r Resolver) (decimal.Decimal, error) {
	return r.Resolve(n.name)
}

func (n negNode) eval(r Resolver) (decimal.Decimal, error) {
	v, err := n.operand.eval(r)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}

func (n binaryNode) eval(r Resolver) (decimal.Decimal, error) {
	left, err := n.left.eval(r)
	if err != nil {
		return decimal.Zero, err
	}
	right, err := n.right.eval(r)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case '+':
		return left.Add(right), nil
	case '-':
		return left.Sub(right), nil
	case '*':
		return left.Mul(right), nil
	case '/':
		if right.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return left.Div(right), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown operator %q", ErrSyntax, n.op)
	}
}

func (n callNode) eval(r Resolver) (decimal.Decimal, error) {
	b, ok := builtins[n.name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownFunction, n.name)
	}
	args := make([]decimal.Decimal, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(r)
		if err != nil {
			return decimal.Zero, err
		}
		args[i] = v
	}
	v, err := b.fn(args)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}
