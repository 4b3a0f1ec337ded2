package state

import (
	"fmt"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// EntryAction classifies what a desired interface entry asks for.
type EntryAction string

const (
	EntryCreate    EntryAction = "create"
	EntryModify    EntryAction = "modify"
	EntryRemove    EntryAction = "remove"
	EntryUnchanged EntryAction = "unchanged"
)

// InterfaceDiff is the outcome of comparing one desired interface entry
// against the current state.
type InterfaceDiff struct {
	Key InterfaceKey
	// Index is the entry's position in the desired document.
	Index  int
	Action EntryAction
	// Desired is the desired entry with its type filled in. It may hold Absent.
	Desired *Map
	// Current is the live entry, nil when the interface does not exist.
	Current *Map
	// Merged is the target entry, nil for removals and no-op removals.
	Merged  *Map
	Changes []Change
}

// SectionDiff is the outcome of comparing a global section.
type SectionDiff struct {
	Name    string
	Current Value
	Merged  Value
	Removed bool
	Changes []Change
}

// Analysis is the full comparison of a desired document with current state.
type Analysis struct {
	// Merged is the complete target state.
	Merged *Map
	// Removed lists interfaces the desired document removes, in document order.
	Removed []InterfaceKey
	// Interfaces holds one diff per desired entry, in document order.
	Interfaces []InterfaceDiff
	// Sections holds diffs for the global sections named by desired.
	Sections []SectionDiff
}

// Changed returns the interface diffs that need work.
func (a *Analysis) Changed() []InterfaceDiff {
	var out []InterfaceDiff
	for _, d := range a.Interfaces {
		if d.Action != EntryUnchanged {
			out = append(out, d)
		}
	}
	return out
}

// Merge overlays desired onto current and returns the merged state plus
// the interfaces removed by desired.
func Merge(current, desired *Map) (*Map, []InterfaceKey, error) {
	a, err := Analyze(current, desired)
	if err != nil {
		return nil, nil, err
	}
	return a.Merged, a.Removed, nil
}

// DiffInterfaces compares each desired interface entry with current state.
func DiffInterfaces(current, desired *Map) ([]InterfaceDiff, error) {
	a, err := Analyze(current, desired)
	if err != nil {
		return nil, err
	}
	return a.Interfaces, nil
}

// Analyze resolves desired interface entries against current state, merges
// them, and classifies each one. Entries are keyed by (name, type); an
// entry without a type matches the unique current interface of that name.
func Analyze(current, desired *Map) (*Analysis, error) {
	if current == nil {
		current = NewMap()
	}
	if desired == nil {
		desired = NewMap()
	}

	var unknownErr error
	desired.Range(func(k string, _ Value) bool {
		if k != KeyInterfaces && !containsString(GlobalSections, k) {
			unknownErr = errdefs.NewValueError(fmt.Sprintf("unknown top-level section %q", k), nil)
			return false
		}
		return true
	})
	if unknownErr != nil {
		return nil, unknownErr
	}

	curEntries, err := InterfaceEntries(current)
	if err != nil {
		return nil, err
	}
	desEntries, err := InterfaceEntries(desired)
	if err != nil {
		return nil, err
	}

	byKey := make(map[InterfaceKey]*Map, len(curEntries))
	byName := make(map[string][]InterfaceKey)
	for _, e := range curEntries {
		k := InterfaceKey{Name: e.String(KeyName), Type: InterfaceType(e.String(KeyType))}
		byKey[k] = e
		byName[k.Name] = append(byName[k.Name], k)
	}

	a := &Analysis{}
	seen := make(map[InterfaceKey]int)
	touched := make(map[InterfaceKey]*InterfaceDiff)

	for i, entry := range desEntries {
		d, err := analyzeEntry(i, entry, byKey, byName)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[d.Key]; dup {
			return nil, errdefs.NewValueError(
				fmt.Sprintf("interface %s listed twice (entries %d and %d)", d.Key, prev, i), nil).
				WithResource(d.Key.Name)
		}
		seen[d.Key] = i
		a.Interfaces = append(a.Interfaces, d)
		if d.Action == EntryRemove {
			a.Removed = append(a.Removed, d.Key)
		}
	}
	for i := range a.Interfaces {
		touched[a.Interfaces[i].Key] = &a.Interfaces[i]
	}

	merged := current.Clone()
	var ifaces []Value
	for _, e := range curEntries {
		k := InterfaceKey{Name: e.String(KeyName), Type: InterfaceType(e.String(KeyType))}
		d, ok := touched[k]
		switch {
		case !ok:
			ifaces = append(ifaces, e.Clone())
		case d.Action == EntryRemove:
		case d.Merged != nil:
			ifaces = append(ifaces, d.Merged.Clone())
		default:
			ifaces = append(ifaces, e.Clone())
		}
	}
	for _, d := range a.Interfaces {
		if d.Action == EntryCreate {
			ifaces = append(ifaces, d.Merged.Clone())
		}
	}
	if len(ifaces) > 0 || merged.Has(KeyInterfaces) {
		merged.Set(KeyInterfaces, ifaces)
	}

	for _, section := range GlobalSections {
		dv, ok := desired.Get(section)
		if !ok {
			continue
		}
		cv, hasCur := current.Get(section)
		mv, gone := MergeValue(cv, dv)
		sd := SectionDiff{Name: section, Current: cv, Merged: mv, Removed: gone}
		if gone {
			merged.Delete(section)
			if hasCur {
				sd.Changes = []Change{{Path: section, Action: ChangeRemove, Before: cv}}
			}
		} else {
			merged.Set(section, mv)
			for _, c := range Diff(cv, dv) {
				c.Path = join(section, c.Path)
				sd.Changes = append(sd.Changes, c)
			}
		}
		a.Sections = append(a.Sections, sd)
	}

	a.Merged = merged
	return a, nil
}

func analyzeEntry(index int, entry *Map, byKey map[InterfaceKey]*Map, byName map[string][]InterfaceKey) (InterfaceDiff, error) {
	nameV, _ := entry.Get(KeyName)
	name, ok := nameV.(string)
	if !ok || name == "" {
		return InterfaceDiff{}, errdefs.NewValueError(
			fmt.Sprintf("interfaces.%d: name must be a non-empty string", index), nil)
	}
	typeV, hasType := entry.Get(KeyType)
	itype, ok := typeV.(string)
	if hasType && !ok {
		return InterfaceDiff{}, errdefs.NewValueError(
			fmt.Sprintf("interfaces.%d: type must be a string", index), nil).WithResource(name)
	}
	wantState := InterfaceState(entry.String(KeyState))
	if wantState != "" {
		if err := wantState.Validate(); err != nil {
			return InterfaceDiff{}, errdefs.NewValueError("invalid interface state", err).WithResource(name)
		}
	}

	key := InterfaceKey{Name: name, Type: InterfaceType(itype)}
	if itype == "" {
		candidates := byName[name]
		switch len(candidates) {
		case 0:
			if wantState == StateAbsent {
				return InterfaceDiff{Key: key, Index: index, Action: EntryUnchanged, Desired: entry.Clone()}, nil
			}
			return InterfaceDiff{}, errdefs.NewValueError(
				fmt.Sprintf("interface %s has no type and does not exist", name), nil).WithResource(name)
		case 1:
			key = candidates[0]
		default:
			return InterfaceDiff{}, errdefs.NewValueError(
				fmt.Sprintf("interface %s is ambiguous: %d interfaces share the name, set a type", name, len(candidates)), nil).
				WithResource(name)
		}
	}

	desiredEntry := entry.Clone()
	desiredEntry.Set(KeyType, string(key.Type))
	d := InterfaceDiff{Key: key, Index: index, Desired: desiredEntry, Current: byKey[key]}

	// controller is reported by backends; it can be echoed back unchanged
	// but ports are moved through their controller's port list.
	if ctl, ok := desiredEntry.Get(KeyController); ok {
		cur, _ := d.Current.Get(KeyController)
		if !Equal(ctl, cur) {
			return InterfaceDiff{}, errdefs.NewValueError(
				"controller cannot be set directly; list the interface as a port of its controller", nil).
				WithResource(name)
		}
		desiredEntry.Delete(KeyController)
	}

	switch {
	case wantState == StateAbsent:
		if d.Current == nil {
			d.Action = EntryUnchanged
		} else {
			d.Action = EntryRemove
		}
	case d.Current == nil:
		merged := StripAbsent(desiredEntry).(*Map)
		if !merged.Has(KeyState) {
			merged.Set(KeyState, string(StateUp))
		}
		d.Action = EntryCreate
		d.Merged = merged
		merged.Range(func(k string, v Value) bool {
			d.Changes = append(d.Changes, Change{Path: k, Action: ChangeAdd, After: v})
			return true
		})
	default:
		mv, _ := MergeValue(d.Current, desiredEntry)
		d.Merged = mv.(*Map)
		d.Changes = Diff(d.Current, desiredEntry)
		if len(d.Changes) == 0 {
			d.Action = EntryUnchanged
		} else {
			d.Action = EntryModify
		}
	}
	return d, nil
}
