package capture

import (
	"fmt"
	"regexp"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// Top-level keys of a policy document.
const (
	KeyCapture      = "capture"
	KeyDesired      = "desired"
	KeyDesiredState = "desiredState"
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Capture is one named expression of a policy document.
type Capture struct {
	Label      string
	Expression string
	Expr       Expr
}

// Document is a desired state optionally preceded by captures:
//
//	capture:
//	  dummy: interfaces.type == "dummy"
//	desired:
//	  interfaces:
//	    - name: "{{ capture.dummy.interfaces.0.name }}"
//	      state: absent
type Document struct {
	Captures []Capture
	Desired  *state.Map
}

// IsPolicy reports whether doc uses the policy layout.
func IsPolicy(doc *state.Map) bool {
	return doc.Has(KeyCapture) || doc.Has(KeyDesired) || doc.Has(KeyDesiredState)
}

// ParseDocument splits a decoded document into captures and desired state
// and parses every capture expression. A document without policy keys is
// taken as a plain desired state.
func ParseDocument(doc *state.Map) (*Document, error) {
	if doc == nil {
		return &Document{Desired: state.NewMap()}, nil
	}
	if !IsPolicy(doc) {
		return &Document{Desired: doc}, nil
	}

	d := &Document{}
	var err error
	doc.Range(func(k string, v state.Value) bool {
		switch k {
		case KeyCapture:
			d.Captures, err = parseCaptures(v)
		case KeyDesired, KeyDesiredState:
			if d.Desired != nil {
				err = errdefs.NewValueError("policy document sets both desired and desiredState", nil)
				break
			}
			m, ok := v.(*state.Map)
			if !ok {
				err = errdefs.NewValueError(fmt.Sprintf("%s must be a mapping", k), nil)
				break
			}
			d.Desired = m
		default:
			err = errdefs.NewValueError(fmt.Sprintf("unknown policy section %q", k), nil)
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if d.Desired == nil {
		d.Desired = state.NewMap()
	}
	return d, nil
}

func parseCaptures(v state.Value) ([]Capture, error) {
	m, ok := v.(*state.Map)
	if !ok {
		return nil, errdefs.NewValueError("capture must be a mapping of label to expression", nil)
	}
	var out []Capture
	var err error
	m.Range(func(label string, raw state.Value) bool {
		if !labelPattern.MatchString(label) {
			err = errdefs.NewValueError(fmt.Sprintf("invalid capture label %q", label), nil)
			return false
		}
		src, ok := raw.(string)
		if !ok {
			err = errdefs.NewValueError(fmt.Sprintf("capture %s must be an expression string", label), nil)
			return false
		}
		var expr Expr
		expr, err = Parse(src)
		if err != nil {
			return false
		}
		out = append(out, Capture{Label: label, Expression: src, Expr: expr})
		return true
	})
	return out, err
}

// Evaluate runs every capture against current.
func (d *Document) Evaluate(current *state.Map) (Results, error) {
	results := make(Results, len(d.Captures))
	for _, c := range d.Captures {
		sel, err := Evaluate(c.Expr, current)
		if err != nil {
			return nil, err
		}
		results[c.Label] = sel
	}
	return results, nil
}

// Resolve evaluates the captures of doc against current and returns the
// desired state with every placeholder substituted.
func Resolve(doc *Document, current *state.Map) (*state.Map, Results, error) {
	results, err := doc.Evaluate(current)
	if err != nil {
		return nil, nil, err
	}
	desired, err := Substitute(doc.Desired, results)
	if err != nil {
		return nil, nil, err
	}
	return desired, results, nil
}
