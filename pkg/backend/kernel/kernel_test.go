package kernel

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

func addr(t *testing.T, cidr string) netlink.Addr {
	t.Helper()
	ip, n, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	return netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: n.Mask}}
}

func decode(t *testing.T, doc string) *state.Map {
	t.Helper()
	m, err := state.Decode([]byte(doc))
	require.NoError(t, err)
	return m
}

func op(t *testing.T, action engine.Action, target string) engine.Operation {
	t.Helper()
	m := decode(t, target)
	return engine.Operation{
		Action: action,
		Key:    state.InterfaceKey{Name: m.String(state.KeyName), Type: state.InterfaceType(m.String(state.KeyType))},
		Target: m,
	}
}

func entryByName(t *testing.T, snap *state.Map, name string) *state.Map {
	t.Helper()
	entries, err := state.InterfaceEntries(snap)
	require.NoError(t, err)
	for _, e := range entries {
		if e.String(state.KeyName) == name {
			return e
		}
	}
	t.Fatalf("interface %s not in snapshot", name)
	return nil
}

func engineError(t *testing.T, err error) *errdefs.EngineError {
	t.Helper()
	var ee *errdefs.EngineError
	require.True(t, errors.As(err, &ee), "expected an EngineError, got %v", err)
	return ee
}

func TestSnapshot(t *testing.T) {
	mac, _ := net.ParseMAC("52:54:00:AB:CD:01")
	lo := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 1, Name: "lo", MTU: 65536, Flags: net.FlagUp | net.FlagLoopback}}
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0", MTU: 1500, Flags: net.FlagUp, MasterIndex: 4, HardwareAddr: mac}}
	eth1 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 3, Name: "eth1", MTU: 1500, MasterIndex: 4}}
	bond0 := &netlink.Bond{LinkAttrs: netlink.LinkAttrs{Index: 4, Name: "bond0", MTU: 1500, Flags: net.FlagUp}, Mode: netlink.BOND_MODE_ACTIVE_BACKUP}
	vlan := &netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Index: 5, Name: "bond0.10", MTU: 1500, ParentIndex: 4}, VlanId: 10}
	tap := &netlink.Tuntap{LinkAttrs: netlink.LinkAttrs{Index: 6, Name: "tap0", MasterIndex: 7}}
	br0 := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Index: 7, Name: "br0", MTU: 1500, Flags: net.FlagUp}}

	nl := new(MockNetlinker)
	nl.On("LinkList").Return([]netlink.Link{lo, eth0, eth1, bond0, vlan, tap, br0}, nil)
	nl.On("AddrList", vlan, netlink.FAMILY_V4).Return([]netlink.Addr{addr(t, "192.0.2.10/24")}, nil)
	nl.On("AddrList", vlan, netlink.FAMILY_V6).Return([]netlink.Addr{addr(t, "fe80::1/64")}, nil)
	nl.On("AddrList", mock.Anything, mock.Anything).Return([]netlink.Addr{}, nil)
	nl.On("RouteList", mock.Anything, netlink.FAMILY_ALL).Return([]netlink.Route{
		{Gw: net.ParseIP("192.0.2.1"), LinkIndex: 5, Protocol: rtprotStatic, Table: mainTable, Family: netlink.FAMILY_V4},
		{Dst: addr(t, "192.0.2.0/24").IPNet, LinkIndex: 5, Protocol: 2, Table: mainTable, Family: netlink.FAMILY_V4},
	}, nil)

	eth := new(MockEthtooler)
	eth.On("Features", "eth0").Return(map[string]bool{
		"rx-checksum":         true,
		"tx-udp-segmentation": false,
		"esp-hw-offload":      false,
	}, nil)
	eth.On("Features", "eth1").Return(nil, errors.New("operation not supported"))

	snap, err := New(nl, eth).Snapshot(context.Background())
	require.NoError(t, err)

	entries, err := state.InterfaceEntries(snap)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.String(state.KeyName))
	}
	assert.Equal(t, []string{"eth0", "eth1", "bond0", "bond0.10", "br0"}, names)

	e := entryByName(t, snap, "eth0")
	assert.Equal(t, "ethernet", e.String(state.KeyType))
	assert.Equal(t, "bond0", e.String(state.KeyController))
	assert.Equal(t, "52:54:00:ab:cd:01", e.String(state.KeyMACAddress))
	feats := e.Map(state.KeyEthtool).Map("feature")
	require.NotNil(t, feats)
	assert.Equal(t, []string{"rx-checksum", "tx-udp-segmentation"}, feats.Keys())

	e = entryByName(t, snap, "eth1")
	assert.Equal(t, "down", e.String(state.KeyState))
	assert.False(t, e.Has(state.KeyEthtool))

	la := entryByName(t, snap, "bond0").Map("link-aggregation")
	assert.Equal(t, "active-backup", la.String("mode"))
	assert.Equal(t, []state.Value{"eth0", "eth1"}, la.Seq("port"))

	e = entryByName(t, snap, "bond0.10")
	assert.Equal(t, "bond0", e.Map("vlan").String("base-iface"))
	id, _ := e.Map("vlan").Int("id")
	assert.Equal(t, int64(10), id)
	v4 := e.Map(state.KeyIPv4)
	enabled, _ := v4.Bool("enabled")
	assert.True(t, enabled)
	require.Len(t, v4.Seq("address"), 1)
	assert.Equal(t, "192.0.2.10", v4.Seq("address")[0].(*state.Map).String("ip"))
	enabled, _ = e.Map(state.KeyIPv6).Bool("enabled")
	assert.False(t, enabled, "link-local addresses are not reported")

	assert.Empty(t, entryByName(t, snap, "br0").Map("bridge").Seq("port"), "tap ports are not reported")

	routes := snap.Map(state.KeyRoutes).Seq("config")
	require.Len(t, routes, 1)
	r := routes[0].(*state.Map)
	assert.Equal(t, "0.0.0.0/0", r.String("destination"))
	assert.Equal(t, "bond0.10", r.String("next-hop-interface"))
	assert.Equal(t, "192.0.2.1", r.String("next-hop-address"))
}

func TestApply_CreateBondAttachesPorts(t *testing.T) {
	bond := &netlink.Bond{LinkAttrs: netlink.LinkAttrs{Index: 10, Name: "bond0"}}
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0", Flags: net.FlagUp}}

	nl := new(MockNetlinker)
	nl.On("LinkAdd", mock.MatchedBy(func(l *netlink.Bond) bool {
		return l.Name == "bond0" && l.Mode == netlink.BOND_MODE_802_3AD
	})).Return(nil).Once()
	nl.On("LinkByName", "bond0").Return(bond, nil).Once()
	nl.On("LinkByName", "eth0").Return(eth0, nil).Once()
	nl.On("LinkSetDown", eth0).Return(nil).Once()
	nl.On("LinkSetMaster", eth0, bond).Return(nil).Once()
	nl.On("LinkSetUp", eth0).Return(nil).Once()
	nl.On("LinkList").Return([]netlink.Link{eth0, bond}, nil).Once()
	nl.On("LinkSetUp", bond).Return(nil).Once()

	b := New(nl, nil)
	err := b.Apply(context.Background(),
		op(t, engine.ActionCreate, "{name: bond0, type: bond, state: up, link-aggregation: {mode: 802.3ad, port: [eth0]}}"))
	require.NoError(t, err)
	nl.AssertExpectations(t)
}

func TestApply_ModifySyncsAddresses(t *testing.T) {
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0", MTU: 1500, Flags: net.FlagUp}}

	nl := new(MockNetlinker)
	nl.On("LinkByName", "eth0").Return(eth0, nil).Once()
	nl.On("LinkSetMTU", eth0, 9000).Return(nil).Once()
	nl.On("AddrList", eth0, netlink.FAMILY_V4).Return([]netlink.Addr{addr(t, "192.0.2.10/24")}, nil).Once()
	nl.On("AddrDel", eth0, mock.MatchedBy(func(a *netlink.Addr) bool {
		return a.IPNet.String() == "192.0.2.10/24"
	})).Return(nil).Once()
	nl.On("AddrAdd", eth0, mock.MatchedBy(func(a *netlink.Addr) bool {
		return a.IPNet.String() == "192.0.2.20/24"
	})).Return(nil).Once()
	nl.On("LinkSetUp", eth0).Return(nil).Once()

	b := New(nl, nil)
	err := b.Apply(context.Background(), op(t, engine.ActionModify,
		"{name: eth0, type: ethernet, state: up, mtu: 9000, ipv4: {enabled: true, address: [{ip: 192.0.2.20, prefix-length: 24}]}}"))
	require.NoError(t, err)
	nl.AssertExpectations(t)
}

func TestApply_EthtoolFeatures(t *testing.T) {
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0", Flags: net.FlagUp}}

	nl := new(MockNetlinker)
	nl.On("LinkByName", "eth0").Return(eth0, nil).Once()
	nl.On("LinkSetUp", eth0).Return(nil).Once()

	eth := new(MockEthtooler)
	eth.On("Features", "eth0").Return(map[string]bool{"rx-gro": true, "rx-checksum": true}, nil).Once()
	eth.On("Change", "eth0", map[string]bool{"rx-gro": false}).Return(nil).Once()

	b := New(nl, eth)
	err := b.Apply(context.Background(), op(t, engine.ActionModify,
		"{name: eth0, type: ethernet, state: up, ethtool: {feature: {rx-gro: false, rx-checksum: true}}}"))
	require.NoError(t, err)
	nl.AssertExpectations(t)
	eth.AssertExpectations(t)
}

func TestApply_RemoveMissingIsNoop(t *testing.T) {
	nl := new(MockNetlinker)
	nl.On("LinkByName", "dummy9").Return(nil, syscall.ENODEV).Once()

	b := New(nl, nil)
	err := b.Apply(context.Background(), engine.Operation{
		Action: engine.ActionRemove,
		Key:    state.InterfaceKey{Name: "dummy9", Type: state.TypeDummy},
	})
	assert.NoError(t, err)
	nl.AssertNotCalled(t, "LinkDel", mock.Anything)
}

func TestApply_Unsupported(t *testing.T) {
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0"}}
	nl := new(MockNetlinker)
	nl.On("LinkByName", "eth0").Return(eth0, nil)
	b := New(nl, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		op   engine.Operation
	}{
		{
			name: "remove ethernet",
			op:   engine.Operation{Action: engine.ActionRemove, Key: state.InterfaceKey{Name: "eth0", Type: state.TypeEthernet}},
		},
		{
			name: "create ethernet",
			op:   op(t, engine.ActionCreate, "{name: eth5, type: ethernet}"),
		},
		{
			name: "create ovs bridge",
			op:   op(t, engine.ActionCreate, "{name: ovs0, type: ovs-bridge, bridge: {port: []}}"),
		},
		{
			name: "dns resolver",
			op:   engine.Operation{Action: engine.ActionSection, Section: state.KeyDNSResolver},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Apply(ctx, tt.op)
			require.Error(t, err)
			assert.Equal(t, errdefs.ErrCodeUnsupported, engineError(t, err).Code)
		})
	}
}

func TestApply_MissingBase(t *testing.T) {
	nl := new(MockNetlinker)
	nl.On("LinkByName", "eth9").Return(nil, syscall.ENODEV).Once()

	b := New(nl, nil)
	err := b.Apply(context.Background(), op(t, engine.ActionCreate, "{name: eth9.5, type: vlan, vlan: {base-iface: eth9, id: 5}}"))
	require.Error(t, err)
	ee := engineError(t, err)
	assert.Equal(t, errdefs.ErrCodeNotFound, ee.Code)
	assert.Equal(t, "eth9.5", ee.Resource)
	nl.AssertNotCalled(t, "LinkAdd", mock.Anything)
}

func TestApply_Routes(t *testing.T) {
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0"}}
	stale := netlink.Route{
		Dst: addr(t, "198.51.100.0/24").IPNet, Gw: net.ParseIP("192.0.2.254"),
		LinkIndex: 2, Protocol: rtprotStatic, Table: mainTable, Family: netlink.FAMILY_V4,
	}
	kernelRoute := netlink.Route{Dst: addr(t, "192.0.2.0/24").IPNet, LinkIndex: 2, Protocol: 2, Table: mainTable}

	nl := new(MockNetlinker)
	nl.On("LinkByName", "eth0").Return(eth0, nil).Once()
	nl.On("RouteList", mock.Anything, netlink.FAMILY_ALL).Return([]netlink.Route{stale, kernelRoute}, nil).Once()
	nl.On("RouteDel", mock.MatchedBy(func(r *netlink.Route) bool {
		return r.Dst != nil && r.Dst.String() == "198.51.100.0/24"
	})).Return(nil).Once()
	nl.On("RouteReplace", mock.MatchedBy(func(r *netlink.Route) bool {
		return r.Dst == nil && r.Gw.Equal(net.ParseIP("192.0.2.1")) && r.LinkIndex == 2 && int(r.Protocol) == rtprotStatic
	})).Return(nil).Once()

	b := New(nl, nil)
	target := decode(t, "{config: [{destination: 0.0.0.0/0, next-hop-address: 192.0.2.1, next-hop-interface: eth0}]}")
	err := b.Apply(context.Background(), engine.Operation{Action: engine.ActionSection, Section: state.KeyRoutes, Target: target})
	require.NoError(t, err)
	nl.AssertExpectations(t)
}

func TestCheckpoint_Revert(t *testing.T) {
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0", MTU: 1500, Flags: net.FlagUp}}
	dummy0 := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 3, Name: "dummy0", MTU: 1500, Flags: net.FlagUp}}

	nl := new(MockNetlinker)
	nl.On("LinkList").Return([]netlink.Link{eth0}, nil).Once()
	nl.On("LinkList").Return([]netlink.Link{eth0, dummy0}, nil).Once()
	nl.On("AddrList", mock.Anything, mock.Anything).Return([]netlink.Addr{}, nil)
	nl.On("RouteList", mock.Anything, netlink.FAMILY_ALL).Return([]netlink.Route{}, nil)
	nl.On("LinkByName", "dummy0").Return(dummy0, nil).Once()
	nl.On("LinkDel", dummy0).Return(nil).Once()

	b := New(nl, nil)
	ctx := context.Background()

	cp, err := b.CheckpointCreate(ctx)
	require.NoError(t, err)

	_, err = b.CheckpointCreate(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
	assert.Equal(t, errdefs.ErrCodeCheckpointBusy, engineError(t, err).Code)

	require.NoError(t, b.CheckpointRevert(ctx, cp))
	require.NoError(t, b.CheckpointRevert(ctx, cp), "a repeated revert succeeds")
	nl.AssertExpectations(t)
	nl.AssertNumberOfCalls(t, "LinkDel", 1)

	assert.Error(t, b.CheckpointCommit(ctx, cp), "a reverted checkpoint cannot be committed")
}

func TestRevertDocument(t *testing.T) {
	saved := decode(t, `
interfaces:
  - {name: eth0, type: ethernet, state: up, controller: bond0}
  - {name: bond0, type: bond, state: up, link-aggregation: {port: [eth0]}}
`)
	live := decode(t, `
interfaces:
  - {name: eth0, type: ethernet, state: up}
  - {name: dummy0, type: dummy, state: up}
routes: {config: []}
`)

	doc := revertDocument(saved, live)
	entries, err := state.InterfaceEntries(doc)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.False(t, entries[0].Has(state.KeyController))
	assert.Equal(t, "dummy0", entries[2].String(state.KeyName))
	assert.Equal(t, "absent", entries[2].String(state.KeyState))

	v, ok := doc.Get(state.KeyRoutes)
	require.True(t, ok)
	assert.True(t, state.IsAbsent(v))
	assert.False(t, doc.Has(state.KeyDNSResolver))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		class errdefs.ErrorClass
		code  string
	}{
		{syscall.EBUSY, errdefs.ErrorClassTransient, ""},
		{syscall.EPERM, "", errdefs.ErrCodePermissionDenied},
		{syscall.EEXIST, "", errdefs.ErrCodeAlreadyExists},
		{syscall.ENODEV, "", errdefs.ErrCodeNotFound},
	}
	for _, tt := range tests {
		e := classify("failed", tt.err)
		assert.True(t, errdefs.IsKind(e, errdefs.KindBackend))
		if tt.class != "" {
			assert.Equal(t, tt.class, e.Class, tt.err.Error())
		}
		if tt.code != "" {
			assert.Equal(t, tt.code, e.Code, tt.err.Error())
		}
		assert.ErrorIs(t, e, tt.err)
	}
}

func TestSnapshot_ForeignVethPeer(t *testing.T) {
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0", MTU: 1500, Flags: net.FlagUp}}
	container := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Index: 7, Name: "vethab12", MTU: 1500, Flags: net.FlagUp}}
	veth0 := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Index: 8, Name: "veth0", MTU: 1500}}
	veth1 := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Index: 9, Name: "veth1", MTU: 1500}}

	nl := new(MockNetlinker)
	nl.On("LinkList").Return([]netlink.Link{eth0, container, veth0, veth1}, nil)
	nl.On("VethPeerIndex", container).Return(42, nil)
	nl.On("VethPeerIndex", veth0).Return(9, nil)
	nl.On("VethPeerIndex", veth1).Return(8, nil)
	nl.On("AddrList", mock.Anything, mock.Anything).Return([]netlink.Addr{}, nil)
	nl.On("RouteList", mock.Anything, netlink.FAMILY_ALL).Return([]netlink.Route{}, nil)

	eth := new(MockEthtooler)
	eth.On("Features", "eth0").Return(map[string]bool{}, nil)

	snap, err := New(nl, eth).Snapshot(context.Background())
	require.NoError(t, err)

	e := entryByName(t, snap, "vethab12")
	assert.Equal(t, "ethernet", e.String(state.KeyType))
	assert.False(t, e.Has("veth"))
	eth.AssertNotCalled(t, "Features", "vethab12")

	e = entryByName(t, snap, "veth0")
	assert.Equal(t, "veth", e.String(state.KeyType))
	assert.Equal(t, "veth1", e.Map("veth").String("peer"))

	_, _, plan, err := engine.Prepare(snap, decode(t, "interfaces: [{name: eth0, mtu: 9000}]"))
	require.NoError(t, err)
	require.Len(t, plan.Operations, 1)
	assert.Equal(t, "eth0", plan.Operations[0].Key.Name)
}

func TestSnapshot_OverlayOnUnreportedLink(t *testing.T) {
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0", MTU: 1500, Flags: net.FlagUp}}
	ovs := &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Index: 3, Name: "ovsint0", MTU: 1500}, LinkType: "openvswitch"}
	vlan := &netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Index: 4, Name: "ovsint0.10", MTU: 1500, ParentIndex: 3}, VlanId: 10}
	macvlan := &netlink.Macvlan{LinkAttrs: netlink.LinkAttrs{Index: 5, Name: "mv0", MTU: 1500, ParentIndex: 4}, Mode: netlink.MACVLAN_MODE_BRIDGE}
	eth0vlan := &netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Index: 6, Name: "eth0.20", MTU: 1500, ParentIndex: 2}, VlanId: 20}

	nl := new(MockNetlinker)
	nl.On("LinkList").Return([]netlink.Link{eth0, ovs, vlan, macvlan, eth0vlan}, nil)
	nl.On("AddrList", mock.Anything, mock.Anything).Return([]netlink.Addr{}, nil)
	nl.On("RouteList", mock.Anything, netlink.FAMILY_ALL).Return([]netlink.Route{
		{Gw: net.ParseIP("198.51.100.1"), LinkIndex: 4, Protocol: rtprotStatic, Table: mainTable, Family: netlink.FAMILY_V4},
	}, nil)

	eth := new(MockEthtooler)
	eth.On("Features", "eth0").Return(map[string]bool{}, nil)

	snap, err := New(nl, eth).Snapshot(context.Background())
	require.NoError(t, err)

	entries, err := state.InterfaceEntries(snap)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.String(state.KeyName))
	}
	assert.Equal(t, []string{"eth0", "eth0.20"}, names)

	routes := snap.Map(state.KeyRoutes).Seq("config")
	require.Len(t, routes, 1)
	assert.False(t, routes[0].(*state.Map).Has("next-hop-interface"))

	_, _, plan, err := engine.Prepare(snap, decode(t, "interfaces: [{name: eth0, mtu: 9000}]"))
	require.NoError(t, err)
	require.Len(t, plan.Operations, 1)
	assert.Equal(t, "eth0", plan.Operations[0].Key.Name)
}
