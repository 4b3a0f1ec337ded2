package state

import (
	"fmt"
	"math"
	"sort"
)

// Value is one node of a state tree: nil, string, int64, float64, bool,
// *Map, []Value, or Absent.
type Value = interface{}

// AbsentValue is the type of the Absent sentinel.
type AbsentValue struct{}

// Absent marks a property that must be removed when merged.
var Absent Value = AbsentValue{}

// IsAbsent reports whether v is the Absent sentinel.
func IsAbsent(v Value) bool {
	_, ok := v.(AbsentValue)
	return ok
}

// Map is an insertion-ordered mapping from string keys to values.
// The zero value is not usable; create maps with NewMap.
type Map struct {
	keys   []string
	values map[string]Value
}

// NewMap creates an empty map.
func NewMap() *Map {
	return &Map{values: make(map[string]Value)}
}

// MapOf builds a map from alternating key/value arguments.
// It panics on malformed input and is meant for literals in tests and examples.
func MapOf(kv ...interface{}) *Map {
	if len(kv)%2 != 0 {
		panic("state.MapOf: odd number of arguments")
	}
	m := NewMap()
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("state.MapOf: key %v is not a string", kv[i]))
		}
		m.Set(k, kv[i+1])
	}
	return m
}

// Len returns the number of keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set stores v under key. Existing keys keep their position.
func (m *Map) Set(key string, v Value) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = Normalize(v)
}

// Delete removes key.
func (m *Map) Delete(key string) {
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// String returns the string stored under key, or "" when missing or not a string.
func (m *Map) String(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// Int returns the integer stored under key.
func (m *Map) Int(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// Bool returns the boolean stored under key.
func (m *Map) Bool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Map returns the nested map stored under key, or nil.
func (m *Map) Map(key string) *Map {
	v, _ := m.Get(key)
	sub, _ := v.(*Map)
	return sub
}

// Seq returns the sequence stored under key, or nil.
func (m *Map) Seq(key string) []Value {
	v, _ := m.Get(key)
	seq, _ := v.([]Value)
	return seq
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map) Range(fn func(key string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy of the map.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := &Map{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]Value, len(m.values)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = Clone(v)
	}
	return out
}

// ToInterface converts the map into plain Go maps and slices, dropping key
// order and Absent markers. It is used to hand state to encoders that do not
// know about Map (CUE, Rego, JSON).
func (m *Map) ToInterface() map[string]interface{} {
	out := make(map[string]interface{}, m.Len())
	m.Range(func(k string, v Value) bool {
		if !IsAbsent(v) {
			out[k] = toInterface(v)
		}
		return true
	})
	return out
}

func toInterface(v Value) interface{} {
	switch t := v.(type) {
	case *Map:
		return t.ToInterface()
	case []Value:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			if !IsAbsent(item) {
				out = append(out, toInterface(item))
			}
		}
		return out
	default:
		return t
	}
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case *Map:
		return t.Clone()
	case []Value:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	default:
		return t
	}
}

// Normalize converts Go values into the value set used by state trees:
// every integer becomes int64, float32 becomes float64, plain maps become
// *Map with sorted keys, and slices become []Value.
func Normalize(v interface{}) Value {
	switch t := v.(type) {
	case nil, string, int64, float64, bool, *Map, AbsentValue:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case []Value:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			m.Set(k, t[k])
		}
		return m
	default:
		return t
	}
}

// AsInt converts integral numbers to int64.
func AsInt(v Value) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		if t == math.Trunc(t) {
			return int64(t), true
		}
	}
	return 0, false
}

// AsFloat converts numbers to float64.
func AsFloat(v Value) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// Equal reports whether two values are structurally equal. Maps compare
// without regard to key order, sequences compare element by element, and
// numbers compare by value regardless of representation.
func Equal(a, b Value) bool {
	if af, ok := AsFloat(a); ok {
		bf, ok := AsFloat(b)
		return ok && af == bf
	}

	switch at := a.(type) {
	case *Map:
		bt, ok := b.(*Map)
		if !ok || at.Len() != bt.Len() {
			return false
		}
		for _, k := range at.keys {
			bv, ok := bt.values[k]
			if !ok || !Equal(at.values[k], bv) {
				return false
			}
		}
		return true
	case []Value:
		bt, ok := b.([]Value)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Format renders a value for log and error messages.
func Format(v Value) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case AbsentValue:
		return "<absent>"
	case string:
		return fmt.Sprintf("%q", t)
	case *Map, []Value:
		data, err := EncodeJSON(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
