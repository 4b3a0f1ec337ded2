package state

import (
	"errors"
	"testing"
)

func TestMapKeepsInsertionOrder(t *testing.T) {
	m := NewMap()
	m.Set("zeta", 1)
	m.Set("alpha", 2)
	m.Set("mid", 3)
	m.Set("zeta", 4)

	keys := m.Keys()
	want := []string{"zeta", "alpha", "mid"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Expected key %d to be %s, got %s", i, want[i], keys[i])
		}
	}
	if v, _ := m.Int("zeta"); v != 4 {
		t.Errorf("Expected zeta=4, got %d", v)
	}

	m.Delete("alpha")
	if m.Has("alpha") || m.Len() != 2 {
		t.Errorf("Expected alpha deleted, got keys %v", m.Keys())
	}
}

func TestNormalizeIntegers(t *testing.T) {
	m := MapOf("a", 1, "b", uint16(2), "c", float32(1.5))

	if _, ok := mustGet(t, m, "a").(int64); !ok {
		t.Error("Expected int to normalize to int64")
	}
	if _, ok := mustGet(t, m, "b").(int64); !ok {
		t.Error("Expected uint16 to normalize to int64")
	}
	if _, ok := mustGet(t, m, "c").(float64); !ok {
		t.Error("Expected float32 to normalize to float64")
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int and float", int64(1500), float64(1500), true},
		{"different ints", int64(1500), int64(1400), false},
		{"map order ignored", MapOf("a", 1, "b", 2), MapOf("b", 2, "a", 1), true},
		{"map extra key", MapOf("a", 1), MapOf("a", 1, "b", 2), false},
		{"sequence order matters", []Value{"a", "b"}, []Value{"b", "a"}, false},
		{"string vs int", "1", int64(1), false},
		{"nil", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := MapOf("ipv4", MapOf("address", []Value{MapOf("ip", "10.0.0.1")}))
	cp := orig.Clone()

	cp.Map("ipv4").Seq("address")[0].(*Map).Set("ip", "10.0.0.2")

	ip := orig.Map("ipv4").Seq("address")[0].(*Map).String("ip")
	if ip != "10.0.0.1" {
		t.Errorf("Expected original untouched, got %s", ip)
	}
}

func TestLookup(t *testing.T) {
	doc := MapOf("interfaces", []Value{
		MapOf("name", "eth0", "ipv4", MapOf("address", []Value{MapOf("ip", "10.0.0.1")})),
	})

	v, err := Lookup(doc, Path{"interfaces", "0", "ipv4", "address", "0", "ip"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if v != "10.0.0.1" {
		t.Errorf("Expected 10.0.0.1, got %v", v)
	}

	tests := []struct {
		path    string
		reason  LookupReason
		segment int
	}{
		{"interfaces.3.name", ReasonOutOfRange, 1},
		{"interfaces.x", ReasonBadIndex, 1},
		{"interfaces.0.mtu", ReasonMissingKey, 2},
		{"interfaces.0.name.first", ReasonNotContainer, 3},
	}
	for _, tt := range tests {
		p, err := ParsePath(tt.path)
		if err != nil {
			t.Fatalf("ParsePath(%s) failed: %v", tt.path, err)
		}
		_, err = Lookup(doc, p)
		var lerr *LookupError
		if !errors.As(err, &lerr) {
			t.Fatalf("Expected LookupError for %s, got %v", tt.path, err)
		}
		if lerr.Reason != tt.reason || lerr.Segment != tt.segment {
			t.Errorf("%s: expected %s at %d, got %s at %d", tt.path, tt.reason, tt.segment, lerr.Reason, lerr.Segment)
		}
	}
}

func TestParsePathRejectsEmptySegment(t *testing.T) {
	if _, err := ParsePath("interfaces..name"); err == nil {
		t.Error("Expected error for empty segment")
	}
}

func mustGet(t *testing.T, m *Map, key string) Value {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("Expected key %s", key)
	}
	return v
}
