package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// Apply performs one operation against the kernel.
func (b *Backend) Apply(ctx context.Context, op engine.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := b.logger.With().Str("operation", op.String()).Logger()
	log.Debug().Msg("Applying operation")

	switch op.Action {
	case engine.ActionCreate, engine.ActionModify, engine.ActionRecreate:
		iface, err := state.DecodeInterface(op.Target)
		if err != nil {
			return err
		}
		switch op.Action {
		case engine.ActionCreate:
			return b.create(iface)
		case engine.ActionModify:
			return b.modify(iface)
		default:
			if err := b.remove(op.Key); err != nil {
				return err
			}
			return b.create(iface)
		}
	case engine.ActionRemove:
		return b.remove(op.Key)
	case engine.ActionSection:
		return b.section(op.Section, op.Target)
	}
	return unsupported("unsupported action %q", op.Action)
}

func (b *Backend) create(iface *state.Interface) error {
	// The second end of a veth pair already exists once its peer is created.
	if iface.Type == state.TypeVeth {
		if link, err := b.nl.LinkByName(iface.Name); err == nil {
			return b.configure(link, iface)
		}
	}

	link, err := b.newLink(iface)
	if err != nil {
		return err
	}
	if err := b.nl.LinkAdd(link); err != nil {
		return classify(fmt.Sprintf("failed to create %s", iface.Name), err).WithResource(iface.Name)
	}
	created, err := b.nl.LinkByName(iface.Name)
	if err != nil {
		return classify(fmt.Sprintf("failed to look up %s after creation", iface.Name), err).WithResource(iface.Name)
	}
	b.logger.Info().Str("interface", iface.Name).Str("type", string(iface.Type)).Msg("Created link")
	return b.configure(created, iface)
}

func (b *Backend) modify(iface *state.Interface) error {
	link, err := b.nl.LinkByName(iface.Name)
	if err != nil {
		return classify(fmt.Sprintf("failed to look up %s", iface.Name), err).WithResource(iface.Name)
	}
	return b.configure(link, iface)
}

func (b *Backend) remove(key state.InterfaceKey) error {
	link, err := b.nl.LinkByName(key.Name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(fmt.Sprintf("failed to look up %s", key.Name), err).WithResource(key.Name)
	}
	if t, ok := linkType(link); !ok || t != key.Type {
		return nil
	}
	if key.Type == state.TypeEthernet {
		return unsupported("ethernet interface %s cannot be removed", key.Name).WithResource(key.Name)
	}
	if err := b.nl.LinkDel(link); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(fmt.Sprintf("failed to delete %s", key.Name), err).WithResource(key.Name)
	}
	b.logger.Info().Str("interface", key.Name).Msg("Deleted link")
	return nil
}

// newLink builds the netlink description of a new interface.
func (b *Backend) newLink(iface *state.Interface) (netlink.Link, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = iface.Name
	if iface.MTU > 0 {
		attrs.MTU = int(iface.MTU)
	}

	parent := func(base string) (int, error) {
		link, err := b.nl.LinkByName(base)
		if err != nil {
			return 0, classify(fmt.Sprintf("failed to look up %s, base of %s", base, iface.Name), err).
				WithResource(iface.Name)
		}
		return link.Attrs().Index, nil
	}

	switch spec := iface.Spec.(type) {
	case state.BondSpec:
		bond := netlink.NewLinkBond(attrs)
		if spec.Mode != "" {
			bond.Mode = netlink.StringToBondMode(spec.Mode)
		}
		return bond, nil
	case state.LinuxBridgeSpec:
		return &netlink.Bridge{LinkAttrs: attrs}, nil
	case state.VLANSpec:
		index, err := parent(spec.BaseIface)
		if err != nil {
			return nil, err
		}
		attrs.ParentIndex = index
		return &netlink.Vlan{LinkAttrs: attrs, VlanId: int(spec.ID)}, nil
	case state.VXLANSpec:
		vx := &netlink.Vxlan{LinkAttrs: attrs, VxlanId: int(spec.ID), Port: int(spec.DestinationPort)}
		if spec.BaseIface != "" {
			index, err := parent(spec.BaseIface)
			if err != nil {
				return nil, err
			}
			vx.VtepDevIndex = index
		}
		if spec.Remote != "" {
			vx.Group = net.ParseIP(spec.Remote)
		}
		return vx, nil
	case state.MACVLANSpec:
		index, err := parent(spec.BaseIface)
		if err != nil {
			return nil, err
		}
		attrs.ParentIndex = index
		mv := &netlink.Macvlan{LinkAttrs: attrs, Mode: netlink.MACVLAN_MODE_VEPA}
		for mode, name := range macvlanModes {
			if name == spec.Mode {
				mv.Mode = mode
			}
		}
		return mv, nil
	case state.VethSpec:
		return &netlink.Veth{LinkAttrs: attrs, PeerName: spec.PeerName}, nil
	case state.DummySpec:
		return &netlink.Dummy{LinkAttrs: attrs}, nil
	case state.EthernetSpec:
		return nil, unsupported("ethernet interface %s cannot be created", iface.Name).WithResource(iface.Name)
	case state.OVSBridgeSpec, state.OVSInterfaceSpec:
		return nil, unsupported("Open vSwitch interface %s is not supported by the kernel backend", iface.Name).
			WithResource(iface.Name)
	}
	return nil, unsupported("interface %s has unsupported type %s", iface.Name, iface.Type).WithResource(iface.Name)
}

// configure brings an existing link to the properties of iface. Properties
// iface leaves unset are not touched.
func (b *Backend) configure(link netlink.Link, iface *state.Interface) error {
	attrs := link.Attrs()
	name := iface.Name
	wrap := func(what string, err error) error {
		var ee *errdefs.EngineError
		if errors.As(err, &ee) {
			return err
		}
		return classify(fmt.Sprintf("failed to %s on %s", what, name), err).WithResource(name)
	}

	if iface.MACAddress != "" && !strings.EqualFold(iface.MACAddress, attrs.HardwareAddr.String()) {
		if err := b.nl.LinkSetHardwareAddr(link, iface.MACAddress); err != nil {
			return wrap("set mac address", err)
		}
	}
	if iface.MTU > 0 && int(iface.MTU) != attrs.MTU {
		if err := b.nl.LinkSetMTU(link, int(iface.MTU)); err != nil {
			return wrap("set mtu", err)
		}
	}
	if iface.Controller != "" {
		master, err := b.nl.LinkByName(iface.Controller)
		if err != nil {
			if !isNotFound(err) {
				return wrap("look up controller", err)
			}
		} else if attrs.MasterIndex != master.Attrs().Index {
			if err := b.enslave(link, master); err != nil {
				return wrap("attach to "+iface.Controller, err)
			}
		}
	}
	if iface.Type.IsController() && iface.Spec != nil {
		if err := b.syncPorts(link, iface.Ports()); err != nil {
			return wrap("update ports", err)
		}
	}
	if err := b.syncAddrs(link, iface.IPv4, netlink.FAMILY_V4); err != nil {
		return wrap("update ipv4 addresses", err)
	}
	if err := b.syncAddrs(link, iface.IPv6, netlink.FAMILY_V6); err != nil {
		return wrap("update ipv6 addresses", err)
	}
	if err := b.applyEthtool(name, iface.Ethtool); err != nil {
		return err
	}

	switch iface.State {
	case state.StateDown:
		if err := b.nl.LinkSetDown(link); err != nil {
			return wrap("set link down", err)
		}
	default:
		if err := b.nl.LinkSetUp(link); err != nil {
			return wrap("set link up", err)
		}
	}
	return nil
}

// enslave attaches a port to its controller. Bond ports must be down
// while they are attached.
func (b *Backend) enslave(port, master netlink.Link) error {
	_, isBond := master.(*netlink.Bond)
	wasUp := port.Attrs().Flags&net.FlagUp != 0
	if isBond {
		if err := b.nl.LinkSetDown(port); err != nil {
			return err
		}
	}
	if err := b.nl.LinkSetMaster(port, master); err != nil {
		return err
	}
	if isBond && wasUp {
		return b.nl.LinkSetUp(port)
	}
	return nil
}

// syncPorts attaches the listed ports and releases any other port of the
// controller. Ports that do not exist yet attach themselves on creation.
func (b *Backend) syncPorts(controller netlink.Link, ports []string) error {
	index := controller.Attrs().Index
	want := make(map[string]bool, len(ports))
	for _, name := range ports {
		want[name] = true
		port, err := b.nl.LinkByName(name)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return err
		}
		if port.Attrs().MasterIndex == index {
			continue
		}
		if err := b.enslave(port, controller); err != nil {
			return err
		}
	}

	links, err := b.nl.LinkList()
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Attrs().MasterIndex != index || want[l.Attrs().Name] {
			continue
		}
		if err := b.nl.LinkSetNoMaster(l); err != nil {
			return err
		}
		b.logger.Info().Str("interface", l.Attrs().Name).Str("controller", controller.Attrs().Name).Msg("Released port")
	}
	return nil
}

// syncAddrs makes the static addresses of one family match cfg. A nil cfg
// leaves the family alone; a disabled family loses all its addresses.
func (b *Backend) syncAddrs(link netlink.Link, cfg *state.IPConfig, family int) error {
	if cfg == nil {
		return nil
	}
	if cfg.DHCP || cfg.Autoconf {
		return unsupported("dynamic addressing on %s is not supported by the kernel backend", link.Attrs().Name).
			WithResource(link.Attrs().Name)
	}

	bits := 32
	if family == netlink.FAMILY_V6 {
		bits = 128
	}
	want := make(map[string]*netlink.Addr)
	if cfg.Enabled {
		for _, a := range cfg.Addresses {
			ip := net.ParseIP(a.IP)
			if ip == nil {
				return unsupported("invalid address %q on %s", a.IP, link.Attrs().Name)
			}
			addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(int(a.PrefixLength), bits)}}
			want[addr.IPNet.String()] = addr
		}
	}

	have, err := b.addrs(link, family)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(have))
	for i := range have {
		key := have[i].IPNet.String()
		present[key] = true
		if _, ok := want[key]; ok {
			continue
		}
		if err := b.nl.AddrDel(link, &have[i]); err != nil {
			return err
		}
	}
	for key, addr := range want {
		if present[key] {
			continue
		}
		if err := b.nl.AddrAdd(link, addr); err != nil {
			return err
		}
	}
	return nil
}

// applyEthtool sets offload features. Ring, coalesce and pause settings
// need ioctls the backend does not issue.
func (b *Backend) applyEthtool(name string, cfg *state.Ethtool) error {
	if cfg == nil {
		return nil
	}
	if len(cfg.Ring) > 0 || len(cfg.Coalesce) > 0 || cfg.AdaptiveRX != nil || cfg.AdaptiveTX != nil || cfg.Pause != nil {
		return unsupported("ethtool ring, coalesce and pause settings on %s are not supported", name).WithResource(name)
	}
	if len(cfg.Features) == 0 {
		return nil
	}
	if b.eth == nil {
		return unsupported("ethtool is not available for %s", name).WithResource(name)
	}
	current, err := b.eth.Features(name)
	if err != nil {
		return classify(fmt.Sprintf("failed to read features of %s", name), err).WithResource(name)
	}
	changes := make(map[string]bool)
	for feature, on := range cfg.Features {
		if cur, ok := current[feature]; !ok || cur != on {
			changes[feature] = on
		}
	}
	if len(changes) == 0 {
		return nil
	}
	if err := b.eth.Change(name, changes); err != nil {
		return classify(fmt.Sprintf("failed to change features of %s", name), err).WithResource(name)
	}
	return nil
}

// section applies a global section. Only routes are managed by the kernel
// backend.
func (b *Backend) section(name string, target *state.Map) error {
	switch name {
	case state.KeyRoutes:
		return b.syncRoutes(target)
	case state.KeyDNSResolver:
		return unsupported("the dns-resolver section is not supported by the kernel backend")
	}
	return unsupported("unknown section %s", name)
}

// syncRoutes replaces the static routes of the main table with the
// configured ones. A nil target removes them all.
func (b *Backend) syncRoutes(target *state.Map) error {
	var want []netlink.Route
	if target != nil {
		for i, item := range target.Seq("config") {
			entry, ok := item.(*state.Map)
			if !ok {
				return unsupported("routes.config.%d must be a mapping", i)
			}
			r, err := b.parseRoute(entry)
			if err != nil {
				return err
			}
			want = append(want, r)
		}
	}
	wanted := make(map[string]bool, len(want))
	for _, r := range want {
		wanted[routeID(r)] = true
	}

	have, err := b.staticRoutes()
	if err != nil {
		return err
	}
	for i := range have {
		if wanted[routeID(have[i])] {
			continue
		}
		if err := b.nl.RouteDel(&have[i]); err != nil {
			return classify("failed to delete route "+routeDst(have[i]), err)
		}
	}
	for i := range want {
		if err := b.nl.RouteReplace(&want[i]); err != nil {
			return classify("failed to install route "+routeDst(want[i]), err)
		}
	}
	return nil
}

func (b *Backend) parseRoute(entry *state.Map) (netlink.Route, error) {
	r := netlink.Route{Protocol: rtprotStatic, Table: mainTable, Family: netlink.FAMILY_V4}

	dst := entry.String("destination")
	_, ipnet, err := net.ParseCIDR(dst)
	if err != nil {
		return r, unsupported("invalid route destination %q", dst)
	}
	if ipnet.IP.To4() == nil {
		r.Family = netlink.FAMILY_V6
	}
	if ones, _ := ipnet.Mask.Size(); ones > 0 {
		r.Dst = ipnet
	}
	if gw := entry.String("next-hop-address"); gw != "" {
		if r.Gw = net.ParseIP(gw); r.Gw == nil {
			return r, unsupported("invalid next hop %q", gw)
		}
	}
	if dev := entry.String("next-hop-interface"); dev != "" {
		link, err := b.nl.LinkByName(dev)
		if err != nil {
			return r, classify("failed to look up "+dev, err).WithResource(dev)
		}
		r.LinkIndex = link.Attrs().Index
	}
	if metric, ok := entry.Int("metric"); ok {
		r.Priority = int(metric)
	}
	return r, nil
}
