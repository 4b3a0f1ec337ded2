package state

import (
	"testing"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

func TestDecodeInterfaceVariants(t *testing.T) {
	tests := []struct {
		name  string
		entry *Map
		check func(t *testing.T, iface *Interface)
	}{
		{
			name: "bond",
			entry: MapOf("name", "bond0", "type", "bond", "link-aggregation",
				MapOf("mode", "active-backup", "port", []Value{"eth1", "eth2"})),
			check: func(t *testing.T, iface *Interface) {
				if got := iface.Ports(); len(got) != 2 || got[0] != "eth1" {
					t.Errorf("Expected ports [eth1 eth2], got %v", got)
				}
			},
		},
		{
			name: "linux bridge with port mappings",
			entry: MapOf("name", "br0", "type", "linux-bridge", "bridge",
				MapOf("port", []Value{MapOf("name", "eth3")}, "options", MapOf("stp", MapOf("enabled", false)))),
			check: func(t *testing.T, iface *Interface) {
				spec := iface.Spec.(LinuxBridgeSpec)
				if len(spec.Port) != 1 || spec.Port[0] != "eth3" {
					t.Errorf("Expected port eth3, got %v", spec.Port)
				}
				if spec.STP == nil || *spec.STP {
					t.Error("Expected STP disabled")
				}
			},
		},
		{
			name:  "vlan",
			entry: MapOf("name", "eth0.10", "type", "vlan", "vlan", MapOf("base-iface", "eth0", "id", 10)),
			check: func(t *testing.T, iface *Interface) {
				if iface.Base() != "eth0" {
					t.Errorf("Expected base eth0, got %s", iface.Base())
				}
			},
		},
		{
			name:  "veth",
			entry: MapOf("name", "veth0", "type", "veth", "veth", MapOf("peer", "veth1")),
			check: func(t *testing.T, iface *Interface) {
				if iface.Peer() != "veth1" {
					t.Errorf("Expected peer veth1, got %s", iface.Peer())
				}
			},
		},
		{
			name:  "bridge alias",
			entry: MapOf("name", "br1", "type", "bridge"),
			check: func(t *testing.T, iface *Interface) {
				if iface.Type != TypeLinuxBridge {
					t.Errorf("Expected linux-bridge, got %s", iface.Type)
				}
			},
		},
		{
			name: "ethernet with addresses",
			entry: MapOf("name", "eth0", "type", "ethernet", "mtu", 9000, "ipv4",
				MapOf("enabled", true, "address", []Value{MapOf("ip", "192.0.2.1", "prefix-length", 24)})),
			check: func(t *testing.T, iface *Interface) {
				if iface.MTU != 9000 || iface.IPv4 == nil || len(iface.IPv4.Addresses) != 1 {
					t.Errorf("Unexpected decode: %+v", iface)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iface, err := DecodeInterface(tt.entry)
			if err != nil {
				t.Fatalf("DecodeInterface failed: %v", err)
			}
			tt.check(t, iface)
		})
	}
}

func TestDecodeInterfaceRejects(t *testing.T) {
	tests := []struct {
		name  string
		entry *Map
	}{
		{"unknown type", MapOf("name", "x0", "type", "wormhole")},
		{"foreign section", MapOf("name", "eth0", "type", "ethernet", "vlan", MapOf("id", 10))},
		{"unknown nested key", MapOf("name", "bond0", "type", "bond", "link-aggregation", MapOf("speed", 10))},
		{"mtu too small", MapOf("name", "eth0", "type", "ethernet", "mtu", 10)},
		{"vlan id out of range", MapOf("name", "v", "type", "vlan", "vlan", MapOf("base-iface", "eth0", "id", 5000))},
		{"vxlan id out of range", MapOf("name", "vx", "type", "vxlan", "vxlan", MapOf("id", 1<<25))},
		{"bad ip", MapOf("name", "eth0", "type", "ethernet", "ipv4",
			MapOf("address", []Value{MapOf("ip", "not-an-ip", "prefix-length", 24)}))},
		{"wrong scalar type", MapOf("name", "eth0", "type", "ethernet", "mtu", "big")},
		{"name too long", MapOf("name", "averyveryverylongname", "type", "dummy")},
		{"veth without peer", MapOf("name", "veth0", "type", "veth")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInterface(tt.entry)
			if !errdefs.IsKind(err, errdefs.KindValue) {
				t.Errorf("Expected value error, got %v", err)
			}
		})
	}
}

func TestDecodeInterfaceAbsentSkipsValidation(t *testing.T) {
	iface, err := DecodeInterface(MapOf("name", "veth0", "type", "veth", "state", "absent"))
	if err != nil {
		t.Fatalf("Expected absent entry to decode, got %v", err)
	}
	if iface.State != StateAbsent {
		t.Errorf("Expected state absent, got %s", iface.State)
	}
}

func TestRequiresRecreate(t *testing.T) {
	decode := func(m *Map) *Interface {
		iface, err := DecodeInterface(m)
		if err != nil {
			t.Fatalf("DecodeInterface failed: %v", err)
		}
		return iface
	}

	vlan10 := decode(MapOf("name", "v", "type", "vlan", "vlan", MapOf("base-iface", "eth0", "id", 10)))
	vlan20 := decode(MapOf("name", "v", "type", "vlan", "vlan", MapOf("base-iface", "eth0", "id", 20)))
	vlan10mtu := decode(MapOf("name", "v", "type", "vlan", "mtu", 1400, "vlan", MapOf("base-iface", "eth0", "id", 10)))

	if !RequiresRecreate(vlan10, vlan20) {
		t.Error("Expected vlan id change to require recreate")
	}
	if RequiresRecreate(vlan10, vlan10mtu) {
		t.Error("Expected mtu change not to require recreate")
	}
}

func TestCanonicalize(t *testing.T) {
	doc := MapOf("interfaces", []Value{
		MapOf("name", "eth0", "type", "ethernet", "mac-address", "AA:BB:CC:DD:EE:FF",
			"ipv6", MapOf("address", []Value{MapOf("ip", "2001:DB8:0:0::1", "prefix-length", 64)}),
			"ethtool", MapOf(
				"feature", MapOf("rx", true, "gso", false),
				"pause", MapOf("autoneg", true, "rx", true, "tx", false))),
		MapOf("name", "bond0", "type", "bond", "link-aggregation", MapOf("port", []Value{"eth2", "eth1"})),
	})

	warnings, err := Canonicalize(doc, true)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if len(warnings) != 2 {
		t.Errorf("Expected 2 pause warnings, got %v", warnings)
	}

	eth0 := findEntry(t, doc, "eth0")
	if eth0.String("mac-address") != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Expected lower-case MAC, got %s", eth0.String("mac-address"))
	}
	ip := eth0.Map("ipv6").Seq("address")[0].(*Map).String("ip")
	if ip != "2001:db8::1" {
		t.Errorf("Expected canonical IPv6 text, got %s", ip)
	}
	features := eth0.Map("ethtool").Map("feature")
	if v, _ := features.Bool("rx-checksum"); !v {
		t.Error("Expected rx alias to become rx-checksum")
	}
	if _, ok := features.Bool("tx-generic-segmentation"); !ok {
		t.Error("Expected gso alias to become tx-generic-segmentation")
	}
	if eth0.Map("ethtool").Map("pause").Has("rx") {
		t.Error("Expected pause rx dropped when autoneg is on")
	}

	ports := findEntry(t, doc, "bond0").Map("link-aggregation").Seq("port")
	if ports[0] != "eth1" {
		t.Errorf("Expected sorted ports, got %v", ports)
	}
}

func TestCanonicalizeRejectsUnknownFeature(t *testing.T) {
	doc := MapOf("interfaces", []Value{
		MapOf("name", "eth0", "ethtool", MapOf("feature", MapOf("warp-drive", true))),
	})

	_, err := Canonicalize(doc, true)
	if !errdefs.IsKind(err, errdefs.KindValue) {
		t.Errorf("Expected value error, got %v", err)
	}

	if _, err := Canonicalize(doc, false); err != nil {
		t.Errorf("Expected lenient canonicalization to accept unknown features, got %v", err)
	}
}

func TestCanonicalizeRejectsConflictingAliases(t *testing.T) {
	doc := MapOf("interfaces", []Value{
		MapOf("name", "eth0", "ethtool", MapOf("feature", MapOf("rx", true, "rx-checksum", false))),
	})

	if _, err := Canonicalize(doc, true); err == nil {
		t.Error("Expected error for conflicting alias values")
	}
}
