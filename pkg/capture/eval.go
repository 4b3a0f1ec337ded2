package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// EvaluateString parses src and evaluates it against current.
func EvaluateString(src string, current *state.Map) (*state.Map, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Evaluate(expr, current)
}

// Evaluate selects the entries of the list addressed by expr that satisfy
// it. The result contains the path down to the list with only the matching
// entries, in their original order. A list missing from current yields an
// empty selection.
func Evaluate(expr Expr, current *state.Map) (*state.Map, error) {
	cmps := compares(expr)
	if len(cmps) == 0 {
		return nil, errdefs.NewValueError("capture expression has no comparison", nil)
	}

	prefix, list, err := listPrefix(current, cmps[0].Path)
	if err != nil {
		return nil, err
	}
	for _, c := range cmps[1:] {
		if !hasPrefix(c.Path, prefix) {
			return nil, errdefs.NewValueError(fmt.Sprintf(
				"capture comparisons must address the same list: %s is outside %s", c.Path, prefix), nil)
		}
	}

	matches := make([]state.Value, 0, len(list))
	for _, entry := range list {
		if evalExpr(expr, entry, len(prefix)) {
			matches = append(matches, state.Clone(entry))
		}
	}

	var result state.Value = matches
	for i := len(prefix) - 1; i >= 0; i-- {
		result = state.MapOf(prefix[i], result)
	}
	return result.(*state.Map), nil
}

// listPrefix walks path through mappings until it reaches a list and
// returns the path to that list.
func listPrefix(doc *state.Map, path state.Path) (state.Path, []state.Value, error) {
	var cur state.Value = doc
	for i, seg := range path {
		m, ok := cur.(*state.Map)
		if !ok {
			break
		}
		v, ok := m.Get(seg)
		if !ok {
			return path[:i+1], nil, nil
		}
		if seq, ok := v.([]state.Value); ok {
			return path[:i+1], seq, nil
		}
		cur = v
	}
	return nil, nil, errdefs.NewValueError(
		fmt.Sprintf("capture path %s does not address a list", path), nil)
}

func hasPrefix(path, prefix state.Path) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

func evalExpr(e Expr, entry state.Value, skip int) bool {
	switch n := e.(type) {
	case And:
		return evalExpr(n.Left, entry, skip) && evalExpr(n.Right, entry, skip)
	case Or:
		return evalExpr(n.Left, entry, skip) || evalExpr(n.Right, entry, skip)
	case Compare:
		values := resolveAll(entry, n.Path[skip:])
		if n.Op == OpNe {
			for _, v := range values {
				if state.Equal(v, n.Literal.Value) {
					return false
				}
			}
			return true
		}
		for _, v := range values {
			if match(n.Op, v, n.Literal.Value) {
				return true
			}
		}
	}
	return false
}

// resolveAll follows path from v. A non-index segment applied to a list
// fans out over its entries, so `ipv4.address.ip` yields every address.
func resolveAll(v state.Value, path state.Path) []state.Value {
	if len(path) == 0 {
		return []state.Value{v}
	}
	switch node := v.(type) {
	case *state.Map:
		next, ok := node.Get(path[0])
		if !ok {
			return nil
		}
		return resolveAll(next, path[1:])
	case []state.Value:
		if idx, err := strconv.Atoi(path[0]); err == nil {
			if idx < 0 || idx >= len(node) {
				return nil
			}
			return resolveAll(node[idx], path[1:])
		}
		var out []state.Value
		for _, item := range node {
			out = append(out, resolveAll(item, path)...)
		}
		return out
	}
	return nil
}

func match(op Op, v, lit state.Value) bool {
	switch op {
	case OpEq:
		return state.Equal(v, lit)
	case OpLt, OpGt, OpLe, OpGe:
		cmp, ok := order(v, lit)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return cmp < 0
		case OpGt:
			return cmp > 0
		case OpLe:
			return cmp <= 0
		default:
			return cmp >= 0
		}
	case OpIn:
		items, _ := lit.([]state.Value)
		for _, item := range items {
			if state.Equal(v, item) {
				return true
			}
		}
	case OpContains:
		switch t := v.(type) {
		case []state.Value:
			for _, item := range t {
				if state.Equal(item, lit) {
					return true
				}
			}
		case string:
			s, ok := lit.(string)
			return ok && strings.Contains(t, s)
		}
	}
	return false
}

// order compares two numbers or two strings.
func order(a, b state.Value) (int, bool) {
	if af, ok := state.AsFloat(a); ok {
		bf, ok := state.AsFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}
