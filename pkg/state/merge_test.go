package state

import (
	"testing"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

func currentState() *Map {
	return MapOf(
		"interfaces", []Value{
			MapOf("name", "eth0", "type", "ethernet", "state", "up", "mtu", 1500),
			MapOf("name", "eth1", "type", "ethernet", "state", "up", "mtu", 1500,
				"ipv4", MapOf("enabled", true, "address", []Value{
					MapOf("ip", "10.0.0.1", "prefix-length", 24),
					MapOf("ip", "10.0.0.2", "prefix-length", 24),
				})),
			MapOf("name", "dummy0", "type", "dummy", "state", "up"),
		},
		"dns-resolver", MapOf("config", MapOf("server", []Value{"1.1.1.1"})),
	)
}

func findEntry(t *testing.T, doc *Map, name string) *Map {
	t.Helper()
	entries, err := InterfaceEntries(doc)
	if err != nil {
		t.Fatalf("InterfaceEntries failed: %v", err)
	}
	for _, e := range entries {
		if e.String("name") == name {
			return e
		}
	}
	return nil
}

func TestMergeOverlaysProperties(t *testing.T) {
	desired := MapOf("interfaces", []Value{MapOf("name", "eth0", "mtu", 1400)})

	merged, removed, err := Merge(currentState(), desired)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("Expected no removals, got %v", removed)
	}

	eth0 := findEntry(t, merged, "eth0")
	if mtu, _ := eth0.Int("mtu"); mtu != 1400 {
		t.Errorf("Expected mtu 1400, got %d", mtu)
	}
	if eth0.String("state") != "up" {
		t.Errorf("Expected state to be kept as up, got %q", eth0.String("state"))
	}
	if findEntry(t, merged, "dummy0") == nil {
		t.Error("Expected untouched interfaces to be kept")
	}
}

func TestMergeReplacesSequences(t *testing.T) {
	desired := MapOf("interfaces", []Value{
		MapOf("name", "eth1", "ipv4", MapOf("address", []Value{MapOf("ip", "10.0.0.9", "prefix-length", 24)})),
	})

	merged, _, err := Merge(currentState(), desired)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	eth1 := findEntry(t, merged, "eth1")
	addrs := eth1.Map("ipv4").Seq("address")
	if len(addrs) != 1 {
		t.Fatalf("Expected sequence replaced with 1 address, got %d", len(addrs))
	}
	if enabled, _ := eth1.Map("ipv4").Bool("enabled"); !enabled {
		t.Error("Expected sibling key ipv4.enabled to survive the merge")
	}
}

func TestMergeAbsentRemovesKey(t *testing.T) {
	desired := MapOf("interfaces", []Value{MapOf("name", "eth0", "mtu", Absent)})

	merged, _, err := Merge(currentState(), desired)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if findEntry(t, merged, "eth0").Has("mtu") {
		t.Error("Expected mtu to be removed")
	}
}

func TestMergeStateAbsentRemovesInterface(t *testing.T) {
	desired := MapOf("interfaces", []Value{MapOf("name", "dummy0", "state", "absent")})

	merged, removed, err := Merge(currentState(), desired)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if findEntry(t, merged, "dummy0") != nil {
		t.Error("Expected dummy0 dropped from merged state")
	}
	if len(removed) != 1 || removed[0] != (InterfaceKey{Name: "dummy0", Type: TypeDummy}) {
		t.Errorf("Expected dummy0 in removal list, got %v", removed)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	desired := MapOf("interfaces", []Value{MapOf("name", "eth0", "mtu", 1400)})

	once, _, err := Merge(currentState(), desired)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	twice, _, err := Merge(once, desired)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !Equal(once, twice) {
		t.Error("Expected merging the same desired state twice to be a no-op")
	}
}

func TestMergeGlobalSection(t *testing.T) {
	desired := MapOf("dns-resolver", MapOf("config", MapOf("server", []Value{"8.8.8.8"})))

	a, err := Analyze(currentState(), desired)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(a.Sections) != 1 || len(a.Sections[0].Changes) != 1 {
		t.Fatalf("Expected one dns-resolver change, got %+v", a.Sections)
	}
	if a.Sections[0].Changes[0].Path != "dns-resolver.config.server" {
		t.Errorf("Expected change at dns-resolver.config.server, got %s", a.Sections[0].Changes[0].Path)
	}
}

func TestAnalyzeClassifiesEntries(t *testing.T) {
	desired := MapOf("interfaces", []Value{
		MapOf("name", "eth0", "mtu", 1500),
		MapOf("name", "eth1", "mtu", 9000),
		MapOf("name", "dummy0", "state", "absent"),
		MapOf("name", "dummy1", "type", "dummy"),
		MapOf("name", "ghost", "state", "absent"),
	})

	a, err := Analyze(currentState(), desired)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	want := []EntryAction{EntryUnchanged, EntryModify, EntryRemove, EntryCreate, EntryUnchanged}
	for i, d := range a.Interfaces {
		if d.Action != want[i] {
			t.Errorf("Entry %d (%s): expected %s, got %s", i, d.Key, want[i], d.Action)
		}
	}
	if len(a.Changed()) != 3 {
		t.Errorf("Expected 3 changed entries, got %d", len(a.Changed()))
	}

	created := a.Interfaces[3].Merged
	if created.String("state") != "up" {
		t.Errorf("Expected created interface to default to state up, got %q", created.String("state"))
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name    string
		desired *Map
	}{
		{"untyped unknown interface", MapOf("interfaces", []Value{MapOf("name", "nope", "mtu", 1500)})},
		{"missing name", MapOf("interfaces", []Value{MapOf("type", "dummy")})},
		{"duplicate entry", MapOf("interfaces", []Value{MapOf("name", "eth0"), MapOf("name", "eth0", "type", "ethernet")})},
		{"unknown section", MapOf("firewall", MapOf())},
		{"bad state", MapOf("interfaces", []Value{MapOf("name", "eth0", "state", "sideways")})},
		{"controller set directly", MapOf("interfaces", []Value{MapOf("name", "eth0", "controller", "bond0")})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Analyze(currentState(), tt.desired)
			if !errdefs.IsKind(err, errdefs.KindValue) {
				t.Errorf("Expected value error, got %v", err)
			}
		})
	}
}

func TestAnalyzeControllerEcho(t *testing.T) {
	current := MapOf("interfaces", []Value{
		MapOf("name", "eth0", "type", "ethernet", "state", "up", "mtu", 1500, "controller", "bond0"),
		MapOf("name", "bond0", "type", "bond", "state", "up",
			"link-aggregation", MapOf("mode", "active-backup", "port", []Value{"eth0"})),
	})

	// A snapshot entry fed back with an unchanged controller is accepted.
	a, err := Analyze(current, MapOf("interfaces", []Value{
		MapOf("name", "eth0", "mtu", 1400, "controller", "bond0"),
	}))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	for _, d := range a.Interfaces {
		if d.Key.Name != "eth0" {
			continue
		}
		for _, c := range d.Changes {
			if c.Path == KeyController {
				t.Errorf("Expected no controller change, got %+v", c)
			}
		}
	}

	// Moving a port goes through the controller's port list.
	_, err = Analyze(current, MapOf("interfaces", []Value{
		MapOf("name", "eth0", "controller", "br0"),
	}))
	if !errdefs.IsKind(err, errdefs.KindValue) {
		t.Errorf("Expected value error for a new controller, got %v", err)
	}
}

func TestDiff(t *testing.T) {
	current := MapOf("mtu", 1500, "state", "up", "ipv4", MapOf("enabled", true))
	desired := MapOf("mtu", 1400, "state", "up", "description", "uplink", "ipv4", MapOf("enabled", Absent))

	changes := Diff(current, desired)
	if len(changes) != 3 {
		t.Fatalf("Expected 3 changes, got %d: %v", len(changes), changes)
	}

	byPath := make(map[string]Change)
	for _, c := range changes {
		byPath[c.Path] = c
	}
	if c := byPath["mtu"]; c.Action != ChangeModify || c.After != int64(1400) {
		t.Errorf("Expected mtu modify to 1400, got %+v", c)
	}
	if c := byPath["description"]; c.Action != ChangeAdd {
		t.Errorf("Expected description add, got %+v", c)
	}
	if c := byPath["ipv4.enabled"]; c.Action != ChangeRemove {
		t.Errorf("Expected ipv4.enabled remove, got %+v", c)
	}
}

func TestDiffIgnoresExtraCurrentKeys(t *testing.T) {
	current := MapOf("name", "eth0", "mtu", 1500, "mac-address", "aa:bb:cc:dd:ee:ff")
	desired := MapOf("name", "eth0", "mtu", 1500)

	if changes := Diff(current, desired); len(changes) != 0 {
		t.Errorf("Expected no changes, got %v", changes)
	}
}
