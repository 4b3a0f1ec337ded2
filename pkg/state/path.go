package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Path is a sequence of map keys and sequence indices, written dotted:
// "interfaces.0.name".
type Path []string

// ParsePath splits a dotted path. Empty segments are rejected.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	segs := strings.Split(s, ".")
	for i, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment at position %d", s, i)
		}
	}
	return Path(segs), nil
}

// String returns the dotted form of the path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Child returns a new path with seg appended.
func (p Path) Child(seg string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// LookupReason describes why a path lookup failed.
type LookupReason string

const (
	ReasonMissingKey   LookupReason = "missing key"
	ReasonOutOfRange   LookupReason = "index out of range"
	ReasonBadIndex     LookupReason = "invalid index"
	ReasonNotContainer LookupReason = "not a container"
)

// LookupError reports the segment at which a lookup failed.
type LookupError struct {
	Path    Path
	Segment int
	Reason  LookupReason
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s at %q (segment %d of %q)", e.Reason, e.Path[e.Segment], e.Segment, e.Path.String())
}

// Lookup resolves p against v. Map segments are keys; sequence segments
// must be non-negative decimal indices.
func Lookup(v Value, p Path) (Value, error) {
	cur := v
	for i, seg := range p {
		switch node := cur.(type) {
		case *Map:
			next, ok := node.Get(seg)
			if !ok {
				return nil, &LookupError{Path: p, Segment: i, Reason: ReasonMissingKey}
			}
			cur = next
		case []Value:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 {
				return nil, &LookupError{Path: p, Segment: i, Reason: ReasonBadIndex}
			}
			if idx >= len(node) {
				return nil, &LookupError{Path: p, Segment: i, Reason: ReasonOutOfRange}
			}
			cur = node[idx]
		default:
			return nil, &LookupError{Path: p, Segment: i, Reason: ReasonNotContainer}
		}
	}
	return cur, nil
}
