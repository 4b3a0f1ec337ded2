// Package capture evaluates capture expressions against the current network
// state and substitutes their results into desired-state templates.
//
// A capture expression selects entries of a list in the current state:
//
//	interfaces.type == "bond" and interfaces.mtu >= 9000
//	interfaces.name in ["eth1", "eth2"] or interfaces.link-aggregation.port contains "eth3"
//
// Every comparison in one expression must address the same list. The result
// keeps the path to that list and only the matching entries, so
// `capture.bonds.interfaces.0.name` refers to the first matching bond.
package capture

import (
	"fmt"
	"strings"

	"github.com/openfroyo/netfroyo/pkg/state"
)

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "=="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpGt       Op = ">"
	OpLe       Op = "<="
	OpGe       Op = ">="
	OpIn       Op = "in"
	OpContains Op = "contains"
)

// Expr is a node of a parsed capture expression.
type Expr interface {
	String() string
	exprNode()
}

// Compare tests the value at Path against a literal.
type Compare struct {
	Path    state.Path
	Op      Op
	Literal Literal
}

// And is true when both operands are true.
type And struct {
	Left, Right Expr
}

// Or is true when either operand is true.
type Or struct {
	Left, Right Expr
}

// Literal is a constant: string, int64, float64, bool, or a list of those.
type Literal struct {
	Value state.Value
}

func (Compare) exprNode() {}
func (And) exprNode()     {}
func (Or) exprNode()      {}

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Path, c.Op, c.Literal)
}

func (a And) String() string {
	return fmt.Sprintf("(%s and %s)", a.Left, a.Right)
}

func (o Or) String() string {
	return fmt.Sprintf("(%s or %s)", o.Left, o.Right)
}

func (l Literal) String() string {
	if items, ok := l.Value.([]state.Value); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = Literal{Value: item}.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return state.Format(l.Value)
}

// compares returns every comparison in the expression, left to right.
func compares(e Expr) []Compare {
	switch n := e.(type) {
	case Compare:
		return []Compare{n}
	case And:
		return append(compares(n.Left), compares(n.Right)...)
	case Or:
		return append(compares(n.Left), compares(n.Right)...)
	}
	return nil
}
