package capture

import (
	"testing"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

func TestSubstituteTyped(t *testing.T) {
	results := Results{
		"uplink": state.MapOf("interfaces", []state.Value{
			state.MapOf("name", "eth1", "mtu", 9000),
		}),
	}
	desired := state.MapOf("interfaces", []state.Value{
		state.MapOf(
			"name", "vlan10",
			"mtu", "{{ capture.uplink.interfaces.0.mtu }}",
			"description", "on {{capture.uplink.interfaces.0.name}} mtu {{ capture.uplink.interfaces.0.mtu }}",
		),
	})

	out, err := Substitute(desired, results)
	if err != nil {
		t.Fatalf("Substitute failed: %v", err)
	}
	entry := out.Seq("interfaces")[0].(*state.Map)

	if v, _ := entry.Get("mtu"); v != int64(9000) {
		t.Errorf("Expected typed mtu int64(9000), got %#v", v)
	}
	if got := entry.String("description"); got != "on eth1 mtu 9000" {
		t.Errorf("Expected interpolated description, got %q", got)
	}
	if desired.Seq("interfaces")[0].(*state.Map).String("mtu") == "" {
		t.Error("Expected input document untouched")
	}
}

func TestSubstituteWholeSubtree(t *testing.T) {
	results := Results{
		"eth": state.MapOf("interfaces", []state.Value{
			state.MapOf("name", "eth0", "ipv4", state.MapOf("enabled", true)),
		}),
	}
	desired := state.MapOf("interfaces", []state.Value{
		state.MapOf("name", "br0", "ipv4", "{{ capture.eth.interfaces.0.ipv4 }}"),
	})

	out, err := Substitute(desired, results)
	if err != nil {
		t.Fatalf("Substitute failed: %v", err)
	}
	ipv4 := out.Seq("interfaces")[0].(*state.Map).Map("ipv4")
	if enabled, _ := ipv4.Bool("enabled"); !enabled {
		t.Errorf("Expected ipv4 subtree copied, got %v", ipv4)
	}
}

func TestSubstituteErrors(t *testing.T) {
	results := Results{
		"eth": state.MapOf("interfaces", []state.Value{state.MapOf("name", "eth0")}),
	}

	tests := []struct {
		name string
		ref  string
		kind errdefs.ErrorKind
	}{
		{"undefined label", "{{ capture.nope.interfaces.0.name }}", errdefs.KindCaptureResolution},
		{"missing key", "{{ capture.eth.interfaces.0.mtu }}", errdefs.KindCaptureResolution},
		{"index out of range", "{{ capture.eth.interfaces.5.name }}", errdefs.KindCaptureResolution},
		{"malformed", "{{ eth.interfaces.0.name }}", errdefs.KindValue},
		{"embedded mapping", "x-{{ capture.eth.interfaces.0 }}", errdefs.KindValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desired := state.MapOf("interfaces", []state.Value{state.MapOf("name", tt.ref)})
			_, err := Substitute(desired, results)
			if !errdefs.IsKind(err, tt.kind) {
				t.Errorf("Expected %s error, got %v", tt.kind, err)
			}
		})
	}
}

func TestReferences(t *testing.T) {
	desired := state.MapOf("interfaces", []state.Value{
		state.MapOf("name", "{{ capture.a.interfaces.0.name }}", "mtu", "{{ capture.b.interfaces.0.mtu }}"),
		state.MapOf("name", "{{ capture.a.interfaces.1.name }}"),
	})

	refs := References(desired)
	if len(refs) != 2 || refs[0] != "a" || refs[1] != "b" {
		t.Errorf("Expected [a b], got %v", refs)
	}
}

func TestResolveDummyRemoval(t *testing.T) {
	current, err := state.Decode([]byte(`
interfaces:
  - name: eth0
    type: ethernet
    state: up
  - name: dummy0
    type: dummy
    state: up
`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	raw, err := state.Decode([]byte(`
capture:
  dummy_iface: interfaces.type == "dummy"
desired:
  interfaces:
    - name: "{{ capture.dummy_iface.interfaces.0.name }}"
      state: absent
`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	doc, err := ParseDocument(raw)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	desired, results, err := Resolve(doc, current)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(results["dummy_iface"].Seq("interfaces")) != 1 {
		t.Errorf("Expected one captured interface, got %v", results["dummy_iface"])
	}
	entry := desired.Seq("interfaces")[0].(*state.Map)
	if entry.String("name") != "dummy0" || entry.String("state") != "absent" {
		t.Errorf("Expected dummy0 absent, got %v", state.Format(entry))
	}
}

func TestParseDocument(t *testing.T) {
	plain := state.MapOf("interfaces", []state.Value{})
	doc, err := ParseDocument(plain)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if len(doc.Captures) != 0 || doc.Desired != plain {
		t.Error("Expected plain document to pass through")
	}

	bad := []*state.Map{
		state.MapOf("capture", state.MapOf("x", "interfaces.type =="), "desired", state.MapOf()),
		state.MapOf("capture", state.MapOf("bad label", `interfaces.type == "x"`)),
		state.MapOf("capture", "interfaces.type"),
		state.MapOf("desired", state.MapOf(), "extra", 1),
		state.MapOf("desired", state.MapOf(), "desiredState", state.MapOf()),
	}
	for i, raw := range bad {
		if _, err := ParseDocument(raw); !errdefs.IsKind(err, errdefs.KindValue) {
			t.Errorf("Case %d: expected value error, got %v", i, err)
		}
	}
}
