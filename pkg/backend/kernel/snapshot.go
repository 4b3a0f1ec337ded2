package kernel

import (
	"context"
	"net"
	"sort"
	"strconv"

	"github.com/vishvananda/netlink"

	"github.com/openfroyo/netfroyo/pkg/state"
)

// Route protocols and table owned by the routes section. Kernel and
// daemon routes are left alone.
const (
	rtprotBoot   = 3
	rtprotStatic = 4
	mainTable    = 254
)

var bondModes = map[netlink.BondMode]string{
	netlink.BOND_MODE_BALANCE_RR:    "balance-rr",
	netlink.BOND_MODE_ACTIVE_BACKUP: "active-backup",
	netlink.BOND_MODE_BALANCE_XOR:   "balance-xor",
	netlink.BOND_MODE_BROADCAST:     "broadcast",
	netlink.BOND_MODE_802_3AD:       "802.3ad",
	netlink.BOND_MODE_BALANCE_TLB:   "balance-tlb",
	netlink.BOND_MODE_BALANCE_ALB:   "balance-alb",
}

var macvlanModes = map[netlink.MacvlanMode]string{
	netlink.MACVLAN_MODE_PRIVATE:  "private",
	netlink.MACVLAN_MODE_VEPA:     "vepa",
	netlink.MACVLAN_MODE_BRIDGE:   "bridge",
	netlink.MACVLAN_MODE_PASSTHRU: "passthru",
	netlink.MACVLAN_MODE_SOURCE:   "source",
}

// linkType maps a netlink link to a managed interface type. Loopback,
// Open vSwitch and other link kinds are not reported.
func linkType(l netlink.Link) (state.InterfaceType, bool) {
	switch link := l.(type) {
	case *netlink.Device:
		if link.Attrs().Flags&net.FlagLoopback != 0 {
			return "", false
		}
		return state.TypeEthernet, true
	case *netlink.Bond:
		return state.TypeBond, true
	case *netlink.Bridge:
		return state.TypeLinuxBridge, true
	case *netlink.Vlan:
		return state.TypeVLAN, true
	case *netlink.Vxlan:
		return state.TypeVXLAN, true
	case *netlink.Macvlan:
		return state.TypeMACVLAN, true
	case *netlink.Veth:
		return state.TypeVeth, true
	case *netlink.Dummy:
		return state.TypeDummy, true
	}
	return "", false
}

// linkIndex is the set of links a snapshot reports.
type linkIndex struct {
	byIndex map[int]netlink.Link
	ports   map[int][]string
}

func newLinkIndex(links []netlink.Link) *linkIndex {
	idx := &linkIndex{
		byIndex: make(map[int]netlink.Link),
		ports:   make(map[int][]string),
	}
	for _, l := range links {
		if _, ok := linkType(l); ok {
			idx.byIndex[l.Attrs().Index] = l
		}
	}
	// Overlays on unreported links (Open vSwitch ports, tunnels) are dropped
	// along with anything stacked on them.
	for changed := true; changed; {
		changed = false
		for i, l := range idx.byIndex {
			if parent := overlayParent(l); parent != 0 {
				if _, ok := idx.byIndex[parent]; !ok {
					delete(idx.byIndex, i)
					changed = true
				}
			}
		}
	}
	for _, l := range links {
		attrs := l.Attrs()
		if _, ok := idx.byIndex[attrs.Index]; !ok || attrs.MasterIndex == 0 {
			continue
		}
		idx.ports[attrs.MasterIndex] = append(idx.ports[attrs.MasterIndex], attrs.Name)
	}
	return idx
}

// overlayParent returns the lower link index of a vlan or mac-vlan, or 0.
func overlayParent(l netlink.Link) int {
	switch l.(type) {
	case *netlink.Vlan, *netlink.Macvlan:
		if p := l.Attrs().ParentIndex; p != 0 {
			return p
		}
		return -1
	}
	return 0
}

func (idx *linkIndex) name(index int) string {
	if l, ok := idx.byIndex[index]; ok {
		return l.Attrs().Name
	}
	return ""
}

// Snapshot reads links, addresses, static routes and offload features.
func (b *Backend) Snapshot(ctx context.Context) (*state.Map, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	links, err := b.nl.LinkList()
	if err != nil {
		return nil, classify("failed to list links", err)
	}
	idx := newLinkIndex(links)

	entries := make([]state.Value, 0, len(idx.byIndex))
	for _, l := range links {
		if _, ok := idx.byIndex[l.Attrs().Index]; !ok {
			continue
		}
		entry, err := b.linkEntry(l, idx)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	routes, err := b.staticRoutes()
	if err != nil {
		return nil, err
	}
	config := make([]state.Value, 0, len(routes))
	for _, r := range routes {
		config = append(config, routeEntry(r, idx))
	}

	out := state.MapOf(
		state.KeyInterfaces, entries,
		state.KeyRoutes, state.MapOf("config", config),
	)
	if _, err := state.Canonicalize(out, false); err != nil {
		return nil, err
	}
	b.logger.Debug().Int("interfaces", len(entries)).Int("routes", len(config)).Msg("Snapshot taken")
	return out, nil
}

func (b *Backend) linkEntry(l netlink.Link, idx *linkIndex) (*state.Map, error) {
	attrs := l.Attrs()
	kind, _ := linkType(l)

	// A veth whose peer lives in another namespace is reported as ethernet.
	t, peer := kind, ""
	if veth, ok := l.(*netlink.Veth); ok {
		peer = b.vethPeer(veth, idx)
		if peer == "" {
			t = state.TypeEthernet
		}
	}

	entry := state.MapOf(state.KeyName, attrs.Name, state.KeyType, string(t))
	if attrs.Flags&net.FlagUp != 0 {
		entry.Set(state.KeyState, string(state.StateUp))
	} else {
		entry.Set(state.KeyState, string(state.StateDown))
	}
	if attrs.MTU > 0 {
		entry.Set(state.KeyMTU, int64(attrs.MTU))
	}
	if len(attrs.HardwareAddr) > 0 {
		entry.Set(state.KeyMACAddress, attrs.HardwareAddr.String())
	}
	if c := idx.name(attrs.MasterIndex); c != "" {
		entry.Set(state.KeyController, c)
	}

	switch link := l.(type) {
	case *netlink.Bond:
		la := state.NewMap()
		if mode, ok := bondModes[link.Mode]; ok {
			la.Set("mode", mode)
		}
		ports := make([]state.Value, 0, len(idx.ports[attrs.Index]))
		for _, p := range idx.ports[attrs.Index] {
			ports = append(ports, p)
		}
		la.Set("port", ports)
		entry.Set("link-aggregation", la)
	case *netlink.Bridge:
		ports := make([]state.Value, 0, len(idx.ports[attrs.Index]))
		for _, p := range idx.ports[attrs.Index] {
			ports = append(ports, state.MapOf(state.KeyName, p))
		}
		entry.Set("bridge", state.MapOf("port", ports))
	case *netlink.Vlan:
		entry.Set("vlan", state.MapOf(
			"base-iface", idx.name(attrs.ParentIndex),
			"id", int64(link.VlanId),
		))
	case *netlink.Vxlan:
		vx := state.MapOf("id", int64(link.VxlanId))
		if base := idx.name(link.VtepDevIndex); base != "" {
			vx.Set("base-iface", base)
		}
		if link.Group != nil {
			vx.Set("remote", link.Group.String())
		}
		if link.Port > 0 {
			vx.Set("destination-port", int64(link.Port))
		}
		entry.Set("vxlan", vx)
	case *netlink.Macvlan:
		mv := state.MapOf("base-iface", idx.name(attrs.ParentIndex))
		if mode, ok := macvlanModes[link.Mode]; ok {
			mv.Set("mode", mode)
		}
		entry.Set("mac-vlan", mv)
	case *netlink.Veth:
		if peer != "" {
			entry.Set("veth", state.MapOf("peer", peer))
		}
	}

	for _, fam := range []struct {
		key    string
		family int
	}{{state.KeyIPv4, netlink.FAMILY_V4}, {state.KeyIPv6, netlink.FAMILY_V6}} {
		sec, err := b.addrSection(l, fam.family)
		if err != nil {
			return nil, err
		}
		entry.Set(fam.key, sec)
	}

	if kind == state.TypeEthernet {
		if eth := b.features(attrs.Name); eth != nil {
			entry.Set(state.KeyEthtool, eth)
		}
	}
	return entry, nil
}

// vethPeer returns the peer of a veth when it is in this namespace.
func (b *Backend) vethPeer(link *netlink.Veth, idx *linkIndex) string {
	if i, err := b.nl.VethPeerIndex(link); err == nil {
		if n := idx.name(i); n != "" {
			return n
		}
	}
	if link.PeerName == "" {
		return ""
	}
	for _, l := range idx.byIndex {
		if l.Attrs().Name == link.PeerName {
			return link.PeerName
		}
	}
	return ""
}

// addrSection reports the global addresses of one family. IPv6 link-local
// addresses are kernel-assigned and skipped.
func (b *Backend) addrSection(l netlink.Link, family int) (*state.Map, error) {
	addrs, err := b.addrs(l, family)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return state.MapOf("enabled", false), nil
	}
	list := make([]state.Value, 0, len(addrs))
	for _, a := range addrs {
		ones, _ := a.Mask.Size()
		list = append(list, state.MapOf("ip", a.IP.String(), "prefix-length", int64(ones)))
	}
	return state.MapOf("enabled", true, "address", list), nil
}

func (b *Backend) addrs(l netlink.Link, family int) ([]netlink.Addr, error) {
	all, err := b.nl.AddrList(l, family)
	if err != nil {
		return nil, classify("failed to list addresses of "+l.Attrs().Name, err)
	}
	var out []netlink.Addr
	for _, a := range all {
		if a.IPNet == nil || a.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// features reports the supported offload features of a NIC, or nil when
// ethtool is unavailable for it.
func (b *Backend) features(name string) *state.Map {
	if b.eth == nil {
		return nil
	}
	all, err := b.eth.Features(name)
	if err != nil {
		b.logger.Debug().Err(err).Str("interface", name).Msg("Skipping ethtool features")
		return nil
	}
	supported := make(map[string]bool, len(all))
	for n, on := range all {
		if canon, ok := state.CanonicalFeature(n); ok {
			supported[canon] = on
		}
	}
	if len(supported) == 0 {
		return nil
	}
	names := make([]string, 0, len(supported))
	for n := range supported {
		names = append(names, n)
	}
	sort.Strings(names)
	feats := state.NewMap()
	for _, n := range names {
		feats.Set(n, supported[n])
	}
	return state.MapOf("feature", feats)
}

// staticRoutes lists the routes of the main table installed by an
// administrator.
func (b *Backend) staticRoutes() ([]netlink.Route, error) {
	all, err := b.nl.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, classify("failed to list routes", err)
	}
	var out []netlink.Route
	for _, r := range all {
		if r.Table != 0 && r.Table != mainTable {
			continue
		}
		if p := int(r.Protocol); p != rtprotBoot && p != rtprotStatic {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func routeEntry(r netlink.Route, idx *linkIndex) *state.Map {
	entry := state.MapOf("destination", routeDst(r))
	if dev := idx.name(r.LinkIndex); dev != "" {
		entry.Set("next-hop-interface", dev)
	}
	if r.Gw != nil {
		entry.Set("next-hop-address", r.Gw.String())
	}
	if r.Priority > 0 {
		entry.Set("metric", int64(r.Priority))
	}
	return entry
}

// routeDst formats the destination, using the family default for routes
// without one.
func routeDst(r netlink.Route) string {
	if r.Dst != nil {
		return r.Dst.String()
	}
	if r.Family == netlink.FAMILY_V6 || (r.Gw != nil && r.Gw.To4() == nil) {
		return "::/0"
	}
	return "0.0.0.0/0"
}

// routeID identifies a route for comparison between desired and live.
func routeID(r netlink.Route) string {
	gw := ""
	if r.Gw != nil {
		gw = r.Gw.String()
	}
	return routeDst(r) + "|" + gw + "|" + strconv.Itoa(r.LinkIndex) + "|" + strconv.Itoa(r.Priority)
}
