package capture

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// Results maps capture labels to their selections.
type Results map[string]*state.Map

var (
	anyPlaceholder = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	refPlaceholder = regexp.MustCompile(`^\{\{\s*capture\.([A-Za-z0-9_-]+)((?:\.[A-Za-z0-9_-]+)*)\s*\}\}$`)
)

// Substitute returns a copy of desired with every `{{ capture.<label>.<path> }}`
// placeholder replaced. A string that is exactly one placeholder takes the
// referenced value with its type; placeholders inside longer strings are
// rendered as text.
func Substitute(desired *state.Map, results Results) (*state.Map, error) {
	out, err := substitute(desired, results)
	if err != nil {
		return nil, err
	}
	return out.(*state.Map), nil
}

func substitute(v state.Value, results Results) (state.Value, error) {
	switch t := v.(type) {
	case *state.Map:
		out := state.NewMap()
		var err error
		t.Range(func(k string, item state.Value) bool {
			var sub state.Value
			sub, err = substitute(item, results)
			if err != nil {
				return false
			}
			out.Set(k, sub)
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	case []state.Value:
		out := make([]state.Value, len(t))
		for i, item := range t {
			sub, err := substitute(item, results)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case string:
		return render(t, results)
	default:
		return t, nil
	}
}

// References lists the capture labels a document refers to.
func References(desired *state.Map) []string {
	seen := make(map[string]bool)
	var labels []string
	var walk func(v state.Value)
	walk = func(v state.Value) {
		switch t := v.(type) {
		case *state.Map:
			t.Range(func(_ string, item state.Value) bool {
				walk(item)
				return true
			})
		case []state.Value:
			for _, item := range t {
				walk(item)
			}
		case string:
			for _, ph := range anyPlaceholder.FindAllString(t, -1) {
				if m := refPlaceholder.FindStringSubmatch(ph); m != nil && !seen[m[1]] {
					seen[m[1]] = true
					labels = append(labels, m[1])
				}
			}
		}
	}
	walk(desired)
	return labels
}

func render(s string, results Results) (state.Value, error) {
	locs := anyPlaceholder.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return s, nil
	}

	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(s) {
		v, err := resolveRef(s, results)
		if err != nil {
			return nil, err
		}
		return state.Clone(v), nil
	}

	var sb strings.Builder
	last := 0
	for _, loc := range locs {
		sb.WriteString(s[last:loc[0]])
		v, err := resolveRef(s[loc[0]:loc[1]], results)
		if err != nil {
			return nil, err
		}
		text, err := stringify(v)
		if err != nil {
			return nil, errdefs.NewValueError(
				fmt.Sprintf("cannot embed %s in %q", s[loc[0]:loc[1]], s), err)
		}
		sb.WriteString(text)
		last = loc[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func resolveRef(ph string, results Results) (state.Value, error) {
	m := refPlaceholder.FindStringSubmatch(ph)
	if m == nil {
		return nil, errdefs.NewValueError(
			fmt.Sprintf("malformed capture reference %s, expected {{ capture.<label>.<path> }}", ph), nil)
	}
	label, rawPath := m[1], strings.TrimPrefix(m[2], ".")

	res, ok := results[label]
	if !ok {
		return nil, errdefs.NewCaptureResolutionError(label, rawPath, "undefined capture")
	}
	path, err := state.ParsePath(rawPath)
	if err != nil {
		return nil, errdefs.NewCaptureResolutionError(label, rawPath, err.Error())
	}
	v, err := state.Lookup(res, path)
	if err != nil {
		return nil, errdefs.NewCaptureResolutionError(label, rawPath, err.Error())
	}
	return v, nil
}

func stringify(v state.Value) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("value %s is not a scalar", state.Format(v))
	}
}
