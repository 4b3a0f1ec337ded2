package capture

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokPath
	tokString
	tokNumber
	tokTrue
	tokFalse
	tokOp
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokPath:
		return "path"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokTrue, tokFalse:
		return "boolean"
	case tokOp:
		return "operator"
	case tokAnd:
		return "'and'"
	case tokOr:
		return "'or'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokComma:
		return "','"
	}
	return "unknown"
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError reports a malformed expression and the offset of the problem.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d in %q: %s", e.Pos, e.Expr, e.Msg)
}

// lex splits an expression into tokens.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++

		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != src[i] {
				return nil, &SyntaxError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected %q", c)}
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			tokens = append(tokens, token{kind, src[i : i+2], i})
			i += 2

		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			op := src[start:i]
			if op == "=" || op == "!" {
				return nil, &SyntaxError{Expr: src, Pos: start, Msg: fmt.Sprintf("unknown operator %q", op)}
			}
			tokens = append(tokens, token{tokOp, op, start})

		case c == '"' || c == '\'':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokString, s, i})
			i += n

		case unicode.IsDigit(c) || (c == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			start := i
			i++
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{tokNumber, src[start:i], start})

		case isPathStart(c):
			start := i
			for i < len(src) && isPathChar(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, token{tokAnd, word, start})
			case "or":
				tokens = append(tokens, token{tokOr, word, start})
			case "in":
				tokens = append(tokens, token{tokOp, string(OpIn), start})
			case "contains":
				tokens = append(tokens, token{tokOp, string(OpContains), start})
			case "true":
				tokens = append(tokens, token{tokTrue, word, start})
			case "false":
				tokens = append(tokens, token{tokFalse, word, start})
			default:
				tokens = append(tokens, token{tokPath, word, start})
			}

		default:
			return nil, &SyntaxError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	return append(tokens, token{tokEOF, "", len(src)}), nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return sb.String(), i - start + 1, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(src[i])
			}
		default:
			sb.WriteByte(c)
		}
		i++
	}
	return "", 0, &SyntaxError{Expr: src, Pos: start, Msg: "unterminated string"}
}

func isPathStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

func isPathChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' || c == '.'
}
