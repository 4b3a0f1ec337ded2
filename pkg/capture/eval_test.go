package capture

import (
	"testing"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

func sampleState() *state.Map {
	return state.MapOf(
		"interfaces", []state.Value{
			state.MapOf("name", "eth0", "type", "ethernet", "state", "up", "mtu", 1500,
				"ipv4", state.MapOf("address", []state.Value{state.MapOf("ip", "192.0.2.10", "prefix-length", 24)})),
			state.MapOf("name", "eth1", "type", "ethernet", "state", "up", "mtu", 9000),
			state.MapOf("name", "bond0", "type", "bond", "state", "up", "mtu", 9000,
				"link-aggregation", state.MapOf("mode", "active-backup", "port", []state.Value{"eth1", "eth2"})),
			state.MapOf("name", "dummy0", "type", "dummy", "state", "down"),
		},
	)
}

func selectedNames(t *testing.T, sel *state.Map) []string {
	t.Helper()
	var names []string
	for _, v := range sel.Seq("interfaces") {
		names = append(names, v.(*state.Map).String("name"))
	}
	return names
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{`interfaces.type == "ethernet"`, []string{"eth0", "eth1"}},
		{`interfaces.mtu >= 9000`, []string{"eth1", "bond0"}},
		{`interfaces.type == "ethernet" and interfaces.mtu < 9000`, []string{"eth0"}},
		{`interfaces.type == "bond" or interfaces.state == "down"`, []string{"bond0", "dummy0"}},
		{`interfaces.name in ["dummy0", "eth0"]`, []string{"eth0", "dummy0"}},
		{`"eth2" in interfaces.link-aggregation.port`, []string{"bond0"}},
		{`interfaces.ipv4.address.ip == "192.0.2.10"`, []string{"eth0"}},
		{`interfaces.mtu != 1500`, []string{"eth1", "bond0", "dummy0"}},
		{`interfaces.name > "eth0"`, []string{"eth1"}},
		{`interfaces.type == "vlan"`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sel, err := EvaluateString(tt.expr, sampleState())
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			got := selectedNames(t, sel)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestEvaluateMissingList(t *testing.T) {
	sel, err := EvaluateString(`routes.running.destination == "0.0.0.0/0"`, sampleState())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !sel.Has("routes") {
		t.Error("Expected empty routes selection")
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []string{
		`interfaces.type == "bond" and routes.running.metric == 1`,
	}
	for _, src := range tests {
		_, err := EvaluateString(src, state.MapOf("interfaces", []state.Value{}, "routes",
			state.MapOf("running", []state.Value{})))
		if !errdefs.IsKind(err, errdefs.KindValue) {
			t.Errorf("%s: expected value error, got %v", src, err)
		}
	}

	_, err := EvaluateString(`hostname.config == "x"`, state.MapOf("hostname", state.MapOf("config", "x")))
	if !errdefs.IsKind(err, errdefs.KindValue) {
		t.Errorf("Expected value error for path without a list, got %v", err)
	}
}

func TestEvaluateDoesNotAliasCurrent(t *testing.T) {
	current := sampleState()
	sel, err := EvaluateString(`interfaces.name == "eth0"`, current)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	sel.Seq("interfaces")[0].(*state.Map).Set("mtu", 1)

	v, _ := current.Seq("interfaces")[0].(*state.Map).Int("mtu")
	if v != 1500 {
		t.Errorf("Expected current state untouched, got mtu %d", v)
	}
}
