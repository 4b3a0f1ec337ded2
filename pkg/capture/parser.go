package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// Parse parses a capture expression. `and` binds tighter than `or` and
// parentheses group. Malformed input is a ValueError wrapping a SyntaxError.
func Parse(src string) (Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, errdefs.NewValueError("invalid capture expression", err)
	}
	p := &parser{src: src, tokens: tokens}

	expr, err := p.parseOr()
	if err != nil {
		return nil, errdefs.NewValueError("invalid capture expression", err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, errdefs.NewValueError("invalid capture expression",
			p.errorf(tok, "unexpected %s %q", tok.kind, tok.text))
	}
	return expr, nil
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...interface{}) error {
	return &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')', got %s", closing.kind)
		}
		return inner, nil
	case tokPath:
		return p.parseComparison()
	case tokString, tokNumber, tokTrue, tokFalse:
		return p.parseReverseMembership()
	default:
		return nil, p.errorf(tok, "expected comparison, got %s", tok.kind)
	}
}

// parseComparison parses `path op literal`.
func (p *parser) parseComparison() (Expr, error) {
	pathTok := p.next()
	path, err := state.ParsePath(pathTok.text)
	if err != nil {
		return nil, p.errorf(pathTok, "%v", err)
	}

	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, p.errorf(opTok, "expected operator after %s, got %s", pathTok.text, opTok.kind)
	}
	op := Op(opTok.text)

	litTok := p.peek()
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}

	_, isList := lit.Value.([]state.Value)
	switch op {
	case OpIn:
		if !isList {
			return nil, p.errorf(litTok, "'in' needs a list literal such as [\"a\", \"b\"]")
		}
	default:
		if isList {
			return nil, p.errorf(litTok, "operator %s does not accept a list", op)
		}
	}
	return Compare{Path: path, Op: op, Literal: lit}, nil
}

// parseReverseMembership parses `literal in path`, which reads as
// `path contains literal`.
func (p *parser) parseReverseMembership() (Expr, error) {
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	if opTok.kind != tokOp || Op(opTok.text) != OpIn {
		return nil, p.errorf(opTok, "expected 'in' after literal, got %s", opTok.kind)
	}
	pathTok := p.next()
	if pathTok.kind != tokPath {
		return nil, p.errorf(pathTok, "expected path after 'in', got %s", pathTok.kind)
	}
	path, err := state.ParsePath(pathTok.text)
	if err != nil {
		return nil, p.errorf(pathTok, "%v", err)
	}
	return Compare{Path: path, Op: OpContains, Literal: lit}, nil
}

func (p *parser) parseLiteral() (Literal, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return Literal{Value: tok.text}, nil
	case tokTrue:
		return Literal{Value: true}, nil
	case tokFalse:
		return Literal{Value: false}, nil
	case tokNumber:
		if !strings.ContainsAny(tok.text, ".eE") {
			i, err := strconv.ParseInt(tok.text, 10, 64)
			if err == nil {
				return Literal{Value: i}, nil
			}
		}
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return Literal{}, p.errorf(tok, "invalid number %q", tok.text)
		}
		return Literal{Value: f}, nil
	case tokLBracket:
		var items []state.Value
		if p.peek().kind == tokRBracket {
			p.next()
			return Literal{Value: []state.Value{}}, nil
		}
		for {
			itemTok := p.peek()
			item, err := p.parseLiteral()
			if err != nil {
				return Literal{}, err
			}
			if _, nested := item.Value.([]state.Value); nested {
				return Literal{}, p.errorf(itemTok, "nested lists are not supported")
			}
			items = append(items, item.Value)

			sep := p.next()
			if sep.kind == tokRBracket {
				return Literal{Value: items}, nil
			}
			if sep.kind != tokComma {
				return Literal{}, p.errorf(sep, "expected ',' or ']', got %s", sep.kind)
			}
		}
	default:
		return Literal{}, p.errorf(tok, "expected literal, got %s", tok.kind)
	}
}
