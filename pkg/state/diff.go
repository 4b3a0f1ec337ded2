package state

import "fmt"

// ChangeAction describes a leaf change.
type ChangeAction string

const (
	ChangeAdd    ChangeAction = "add"
	ChangeModify ChangeAction = "modify"
	ChangeRemove ChangeAction = "remove"
)

// Change is one leaf difference between current and desired state.
type Change struct {
	Path   string       `json:"path"`
	Action ChangeAction `json:"action"`
	Before Value        `json:"before,omitempty"`
	After  Value        `json:"after,omitempty"`
}

func (c Change) String() string {
	switch c.Action {
	case ChangeAdd:
		return fmt.Sprintf("+ %s: %s", c.Path, Format(c.After))
	case ChangeRemove:
		return fmt.Sprintf("- %s: %s", c.Path, Format(c.Before))
	default:
		return fmt.Sprintf("~ %s: %s -> %s", c.Path, Format(c.Before), Format(c.After))
	}
}

// Diff returns the changes needed to make current satisfy desired. Only
// keys named by desired are compared: keys present in current but not in
// desired are left alone, and Absent requests a removal. Sequences are
// compared as whole values.
func Diff(current, desired Value) []Change {
	hasCur := current != nil
	if m, ok := current.(*Map); ok && m == nil {
		hasCur = false
	}
	var changes []Change
	diffAt(&changes, "", current, hasCur, desired)
	return changes
}

func diffAt(out *[]Change, path string, cur Value, hasCur bool, des Value) {
	if IsAbsent(des) {
		if hasCur {
			*out = append(*out, Change{Path: path, Action: ChangeRemove, Before: cur})
		}
		return
	}

	if desMap, ok := des.(*Map); ok {
		if curMap, ok := cur.(*Map); ok {
			desMap.Range(func(k string, dv Value) bool {
				cv, has := curMap.Get(k)
				diffAt(out, join(path, k), cv, has, dv)
				return true
			})
			return
		}
		stripped := StripAbsent(desMap).(*Map)
		if !hasCur {
			if stripped.Len() > 0 {
				*out = append(*out, Change{Path: path, Action: ChangeAdd, After: stripped})
			}
			return
		}
		*out = append(*out, Change{Path: path, Action: ChangeModify, Before: cur, After: stripped})
		return
	}

	want := StripAbsent(des)
	if !hasCur {
		*out = append(*out, Change{Path: path, Action: ChangeAdd, After: want})
		return
	}
	if !Equal(cur, want) {
		*out = append(*out, Change{Path: path, Action: ChangeModify, Before: cur, After: want})
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// StripAbsent returns a copy of v with every Absent entry removed.
func StripAbsent(v Value) Value {
	switch t := v.(type) {
	case *Map:
		out := NewMap()
		t.Range(func(k string, item Value) bool {
			if !IsAbsent(item) {
				out.Set(k, StripAbsent(item))
			}
			return true
		})
		return out
	case []Value:
		out := make([]Value, 0, len(t))
		for _, item := range t {
			if !IsAbsent(item) {
				out = append(out, StripAbsent(item))
			}
		}
		return out
	default:
		return t
	}
}

// MergeValue overlays desired onto current. Maps merge key by key,
// sequences and scalars replace, and Absent deletes. The result shares no
// structure with either input. A nil result with removed=true means the
// value itself was deleted.
func MergeValue(current, desired Value) (merged Value, removed bool) {
	if IsAbsent(desired) {
		return nil, true
	}
	desMap, ok := desired.(*Map)
	if !ok {
		return StripAbsent(desired), false
	}
	curMap, ok := current.(*Map)
	if !ok {
		return StripAbsent(desMap), false
	}

	out := curMap.Clone()
	desMap.Range(func(k string, dv Value) bool {
		cv, _ := out.Get(k)
		mv, gone := MergeValue(cv, dv)
		if gone {
			out.Delete(k)
		} else {
			out.Set(k, mv)
		}
		return true
	})
	return out, false
}
