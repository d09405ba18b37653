package expr

import (
	"fmt"
	"strings"

	decimal "github.com/shopspring/decimal"
)

type node interface {
	eval(r Resolver) (decimal.Decimal, error)
}

type numberNode struct{ value decimal.Decimal }

type identNode struct{ name string }

type negNode struct{ operand node }

type binaryNode struct {
	op          byte
	left, right node
}

type callNode struct {
	name string
	args []node
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseExpr(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: expression nested too deeply", ErrSyntax)
	}
	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text[0], left: left, right: right}
	}
}

func (p *parser) parseTerm(depth int) (node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "*" && tok.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text[0], left: left, right: right}
	}
}

func (p *parser) parseUnary(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: expression nested too deeply", ErrSyntax)
	}
	tok := p.peek()
	if tok.kind == tokOp && tok.text == "-" {
		p.next()
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return negNode{operand: operand}, nil
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		d, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q at offset %d", ErrSyntax, tok.text, tok.pos)
		}
		return numberNode{value: d}, nil
	case tokIdent:
		if p.peek().kind != tokLParen {
			if strings.HasSuffix(tok.text, ".") || strings.Contains(tok.text, "..") {
				return nil, fmt.Errorf("%w: invalid identifier %q at offset %d", ErrSyntax, tok.text, tok.pos)
			}
			return identNode{name: tok.text}, nil
		}
		p.next()
		name := strings.ToLower(tok.text)
		if _, ok := builtins[name]; !ok {
			return nil, fmt.Errorf("%w: %s at offset %d", ErrUnknownFunction, tok.text, tok.pos)
		}
		var args []node
		if p.peek().kind == tokRParen {
			p.next()
		} else {
			for {
				arg, err := p.parseExpr(depth + 1)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				sep := p.next()
				if sep.kind == tokRParen {
					break
				}
				if sep.kind != tokComma {
					return nil, fmt.Errorf("%w: expected ',' or ')' at offset %d", ErrSyntax, sep.pos)
				}
			}
		}
		if err := builtins[name].checkArity(name, len(args)); err != nil {
			return nil, err
		}
		return callNode{name: name, args: args}, nil
	case tokLParen:
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' at offset %d", ErrSyntax, closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	default:
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, tok.text, tok.pos)
	}
}

func walk(n node, fn func(node)) {
	fn(n)
	switch v := n.(type) {
	case negNode:
		walk(v.operand, fn)
	case binaryNode:
		walk(v.left, fn)
		walk(v.right, fn)
	case callNode:
		for _, a := range v.args {
			walk(a, fn)
		}
	}
}
