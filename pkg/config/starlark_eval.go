package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// documentGlobals maps the Starlark globals that make up a generated
// document to their document keys. Starlark names cannot hold dashes.
var documentGlobals = []struct{ global, key string }{
	{"capture", "capture"},
	{"desired", "desired"},
	{"interfaces", state.KeyInterfaces},
	{"routes", state.KeyRoutes},
	{"dns_resolver", state.KeyDNSResolver},
}

// StarlarkEvaluator executes Starlark generator scripts.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes a Starlark script with the given input and returns its
// public globals as state values.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.evaluate(ctx, "config.star", script, input)
}

// GenerateDocument runs a generator script and assembles a desired
// document from its capture, desired, interfaces, routes and dns_resolver
// globals.
func (se *StarlarkEvaluator) GenerateDocument(ctx context.Context, filename, script string, vars map[string]interface{}) (*state.Map, error) {
	result, err := se.evaluate(ctx, filename, script, vars)
	if err != nil {
		return nil, errdefs.NewValueError(fmt.Sprintf("starlark generator %s failed", filename), err)
	}

	doc := state.NewMap()
	for _, g := range documentGlobals {
		if v, ok := result.Output[g.global]; ok && v != nil {
			doc.Set(g.key, v)
		}
	}
	if doc.Len() == 0 {
		return nil, errdefs.NewValueError(
			fmt.Sprintf("starlark generator %s defines none of interfaces, routes, dns_resolver or desired", filename), nil)
	}
	return doc, nil
}

func (se *StarlarkEvaluator) evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "netfroyo",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	output, err := se.evaluateSync(thread, filename, script, input)
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("starlark execution timeout after %v", se.timeout)
		}
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"absent":    absentValue{},
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := toStateValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return output, nil
}

// absentValue is the Starlark spelling of the !absent YAML tag.
type absentValue struct{}

func (absentValue) String() string        { return "absent" }
func (absentValue) Type() string          { return "absent" }
func (absentValue) Freeze()               {}
func (absentValue) Truth() starlark.Bool  { return starlark.False }
func (absentValue) Hash() (uint32, error) { return 0x61627365, nil }

// toStarlarkValue converts a Go or state value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case state.AbsentValue:
		return absentValue{}, nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case *state.Map:
		dict := starlark.NewDict(val.Len())
		var err error
		val.Range(func(k string, item state.Value) bool {
			var sv starlark.Value
			if sv, err = toStarlarkValue(item); err != nil {
				return false
			}
			err = dict.SetKey(starlark.String(k), sv)
			return err == nil
		})
		if err != nil {
			return nil, err
		}
		return dict, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// toStateValue converts a Starlark value to a state value. Dicts keep
// their insertion order and tuples become sequences.
func toStateValue(v starlark.Value) (state.Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case absentValue:
		return state.Absent, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return sequence(val.Len(), val.Index)
	case starlark.Tuple:
		return sequence(val.Len(), val.Index)
	case *starlark.Dict:
		m := state.NewMap()
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := toStateValue(item[1])
			if err != nil {
				return nil, err
			}
			m.Set(string(key), value)
		}
		return m, nil
	case *starlarkstruct.Struct:
		m := state.NewMap()
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := toStateValue(attr)
			if err != nil {
				return nil, err
			}
			m.Set(strings.ReplaceAll(name, "_", "-"), value)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func sequence(n int, index func(int) starlark.Value) ([]state.Value, error) {
	out := make([]state.Value, n)
	for i := 0; i < n; i++ {
		item, err := toStateValue(index(i))
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

// builtinRange implements the range() built-in function.
func builtinRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1

	switch len(args) {
	case 1:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stop", &stop); err != nil {
			return nil, err
		}
	case 2:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop); err != nil {
			return nil, err
		}
	case 3:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step", &step); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("range takes 1 to 3 arguments, got %d", len(args))
	}

	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var list []starlark.Value
	if step > 0 {
		for i := start; i < stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	}

	return starlark.NewList(list), nil
}

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		list = append(list, starlark.Tuple{starlark.MakeInt64(i), x})
		i++
	}

	return starlark.NewList(list), nil
}

// builtinZip implements the zip() built-in function.
func builtinZip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}
