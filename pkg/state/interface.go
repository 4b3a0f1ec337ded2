package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// InterfaceType names an interface variant.
type InterfaceType string

const (
	TypeEthernet     InterfaceType = "ethernet"
	TypeBond         InterfaceType = "bond"
	TypeLinuxBridge  InterfaceType = "linux-bridge"
	TypeOVSBridge    InterfaceType = "ovs-bridge"
	TypeOVSInterface InterfaceType = "ovs-interface"
	TypeVLAN         InterfaceType = "vlan"
	TypeVXLAN        InterfaceType = "vxlan"
	TypeMACVLAN      InterfaceType = "mac-vlan"
	TypeVeth         InterfaceType = "veth"
	TypeDummy        InterfaceType = "dummy"
)

// typeAliases maps accepted spellings onto canonical type names.
var typeAliases = map[string]InterfaceType{
	"bridge":  TypeLinuxBridge,
	"macvlan": TypeMACVLAN,
}

// Validate checks if the interface type is known.
func (t InterfaceType) Validate() error {
	switch t {
	case TypeEthernet, TypeBond, TypeLinuxBridge, TypeOVSBridge, TypeOVSInterface,
		TypeVLAN, TypeVXLAN, TypeMACVLAN, TypeVeth, TypeDummy:
		return nil
	default:
		return fmt.Errorf("unknown interface type: %s", t)
	}
}

// IsController reports whether interfaces of this type own ports.
func (t InterfaceType) IsController() bool {
	return t == TypeBond || t == TypeLinuxBridge || t == TypeOVSBridge
}

// InterfaceState is the administrative state requested for an interface.
type InterfaceState string

const (
	StateUp     InterfaceState = "up"
	StateDown   InterfaceState = "down"
	StateAbsent InterfaceState = "absent"
)

// Validate checks if the interface state is known.
func (s InterfaceState) Validate() error {
	switch s {
	case StateUp, StateDown, StateAbsent:
		return nil
	default:
		return fmt.Errorf("invalid interface state: %s", s)
	}
}

// InterfaceKey identifies an interface entry.
type InterfaceKey struct {
	Name string
	Type InterfaceType
}

func (k InterfaceKey) String() string {
	if k.Type == "" {
		return k.Name
	}
	return fmt.Sprintf("%s (%s)", k.Name, k.Type)
}

// Property names shared by every variant.
const (
	KeyName       = "name"
	KeyType       = "type"
	KeyState      = "state"
	KeyMTU        = "mtu"
	KeyMACAddress = "mac-address"
	KeyController = "controller"
	KeyIPv4       = "ipv4"
	KeyIPv6       = "ipv6"
	KeyEthtool    = "ethtool"
	KeyDesc       = "description"

	KeyInterfaces  = "interfaces"
	KeyRoutes      = "routes"
	KeyDNSResolver = "dns-resolver"
)

var commonKeys = []string{
	KeyName, KeyType, KeyState, KeyMTU, KeyMACAddress, KeyController,
	KeyIPv4, KeyIPv6, KeyEthtool, KeyDesc,
}

// variantSections names the type-specific section of each variant and the
// keys allowed inside it.
var variantSections = map[InterfaceType]struct {
	section string
	keys    []string
}{
	TypeEthernet:     {"ethernet", []string{"speed", "duplex", "auto-negotiation"}},
	TypeBond:         {"link-aggregation", []string{"mode", "port", "options"}},
	TypeLinuxBridge:  {"bridge", []string{"port", "options"}},
	TypeOVSBridge:    {"bridge", []string{"port", "options"}},
	TypeOVSInterface: {"", nil},
	TypeVLAN:         {"vlan", []string{"base-iface", "id"}},
	TypeVXLAN:        {"vxlan", []string{"base-iface", "id", "remote", "destination-port"}},
	TypeMACVLAN:      {"mac-vlan", []string{"base-iface", "mode", "promiscuous"}},
	TypeVeth:         {"veth", []string{"peer"}},
	TypeDummy:        {"", nil},
}

var ipKeys = []string{"enabled", "dhcp", "autoconf", "address"}

// GlobalSections are the top-level sections besides interfaces.
var GlobalSections = []string{KeyRoutes, KeyDNSResolver}

// Interface is the typed view of one interface entry.
type Interface struct {
	Name        string         `validate:"required,max=15"`
	Type        InterfaceType  `validate:"required"`
	State       InterfaceState `validate:"omitempty,oneof=up down absent"`
	MTU         int64          `validate:"omitempty,min=68,max=65535"`
	MACAddress  string         `validate:"omitempty,mac"`
	Controller  string
	Description string
	IPv4        *IPConfig
	IPv6        *IPConfig
	Ethtool     *Ethtool
	Spec        Spec
}

// Key returns the interface identity.
func (i *Interface) Key() InterfaceKey {
	return InterfaceKey{Name: i.Name, Type: i.Type}
}

// Ports returns the ports of a controller interface.
func (i *Interface) Ports() []string {
	if i.Spec == nil {
		return nil
	}
	return i.Spec.Ports()
}

// Base returns the lower interface of a vlan, vxlan or mac-vlan.
func (i *Interface) Base() string {
	if i.Spec == nil {
		return ""
	}
	return i.Spec.Base()
}

// Peer returns the peer of a veth.
func (i *Interface) Peer() string {
	if i.Spec == nil {
		return ""
	}
	return i.Spec.Peer()
}

// IPConfig holds an address family section.
type IPConfig struct {
	Enabled   bool
	DHCP      bool
	Autoconf  bool
	Addresses []IPAddress `validate:"dive"`
}

// IPAddress is one static address.
type IPAddress struct {
	IP           string `validate:"required,ip"`
	PrefixLength int64  `validate:"min=0,max=128"`
}

// Spec is the variant-specific part of an interface. It is implemented only
// by the *Spec types in this package.
type Spec interface {
	Type() InterfaceType
	Ports() []string
	Base() string
	Peer() string
	sealed()
}

type noRelations struct{}

func (noRelations) Ports() []string { return nil }
func (noRelations) Base() string    { return "" }
func (noRelations) Peer() string    { return "" }
func (noRelations) sealed()         {}

// EthernetSpec is a physical NIC.
type EthernetSpec struct {
	noRelations
	Speed           int64
	Duplex          string `validate:"omitempty,oneof=full half"`
	AutoNegotiation *bool
}

func (EthernetSpec) Type() InterfaceType { return TypeEthernet }

// BondSpec is a link aggregation.
type BondSpec struct {
	noRelations
	Mode    string `validate:"omitempty,oneof=balance-rr active-backup balance-xor broadcast 802.3ad balance-tlb balance-alb"`
	Port    []string
	Options *Map
}

func (BondSpec) Type() InterfaceType { return TypeBond }
func (s BondSpec) Ports() []string   { return s.Port }

// LinuxBridgeSpec is a kernel bridge.
type LinuxBridgeSpec struct {
	noRelations
	Port    []string
	STP     *bool
	Options *Map
}

func (LinuxBridgeSpec) Type() InterfaceType { return TypeLinuxBridge }
func (s LinuxBridgeSpec) Ports() []string   { return s.Port }

// OVSBridgeSpec is an Open vSwitch bridge.
type OVSBridgeSpec struct {
	noRelations
	Port    []string
	Options *Map
}

func (OVSBridgeSpec) Type() InterfaceType { return TypeOVSBridge }
func (s OVSBridgeSpec) Ports() []string   { return s.Port }

// OVSInterfaceSpec is an internal port of an Open vSwitch bridge.
type OVSInterfaceSpec struct {
	noRelations
}

func (OVSInterfaceSpec) Type() InterfaceType { return TypeOVSInterface }

// VLANSpec is an 802.1Q sub-interface.
type VLANSpec struct {
	noRelations
	BaseIface string `validate:"required"`
	ID        int64  `validate:"min=0,max=4094"`
}

func (VLANSpec) Type() InterfaceType { return TypeVLAN }
func (s VLANSpec) Base() string      { return s.BaseIface }

// VXLANSpec is a VXLAN tunnel endpoint.
type VXLANSpec struct {
	noRelations
	BaseIface       string
	ID              int64  `validate:"min=0,max=16777215"`
	Remote          string `validate:"omitempty,ip"`
	DestinationPort int64  `validate:"omitempty,min=1,max=65535"`
}

func (VXLANSpec) Type() InterfaceType { return TypeVXLAN }
func (s VXLANSpec) Base() string      { return s.BaseIface }

// MACVLANSpec is a MAC-based virtual interface.
type MACVLANSpec struct {
	noRelations
	BaseIface   string `validate:"required"`
	Mode        string `validate:"omitempty,oneof=vepa bridge private passthru source"`
	Promiscuous *bool
}

func (MACVLANSpec) Type() InterfaceType { return TypeMACVLAN }
func (s MACVLANSpec) Base() string      { return s.BaseIface }

// VethSpec is one end of a veth pair.
type VethSpec struct {
	noRelations
	PeerName string `validate:"required"`
}

func (VethSpec) Type() InterfaceType { return TypeVeth }
func (s VethSpec) Peer() string      { return s.PeerName }

// DummySpec is a dummy interface.
type DummySpec struct {
	noRelations
}

func (DummySpec) Type() InterfaceType { return TypeDummy }

var validate = validator.New()

// DecodeInterface decodes one interface entry into its typed form.
// Unknown types, properties outside the variant, and out-of-range values are
// ValueErrors. Absent-valued properties are treated as unset.
func DecodeInterface(entry *Map) (*Interface, error) {
	name := entry.String(KeyName)
	if name == "" {
		return nil, errdefs.NewValueError("interface entry is missing a name", nil)
	}

	rawType := entry.String(KeyType)
	if canon, ok := typeAliases[rawType]; ok {
		rawType = string(canon)
	}
	itype := InterfaceType(rawType)
	if err := itype.Validate(); err != nil {
		return nil, errdefs.NewValueError("invalid interface", err).WithResource(name)
	}

	d := &decoder{iface: name}
	if err := d.checkKeys(entry, "", append(commonKeys, variantSections[itype].section)); err != nil {
		return nil, err
	}

	iface := &Interface{
		Name:        name,
		Type:        itype,
		State:       InterfaceState(d.str(entry, KeyState)),
		MTU:         d.int(entry, KeyMTU),
		MACAddress:  d.str(entry, KeyMACAddress),
		Controller:  d.str(entry, KeyController),
		Description: d.str(entry, KeyDesc),
	}
	iface.IPv4 = d.ip(entry, KeyIPv4)
	iface.IPv6 = d.ip(entry, KeyIPv6)
	if eth := entry.Map(KeyEthtool); eth != nil {
		et, err := DecodeEthtool(eth)
		if err != nil {
			return nil, errdefs.NewValueError("invalid ethtool section", err).WithResource(name)
		}
		iface.Ethtool = et
	}

	section := variantSections[itype]
	var sub *Map
	if section.section != "" {
		sub = entry.Map(section.section)
		if sub != nil {
			if err := d.checkKeys(sub, section.section, section.keys); err != nil {
				return nil, err
			}
		}
	}

	switch itype {
	case TypeEthernet:
		spec := EthernetSpec{Speed: d.int(sub, "speed"), Duplex: d.str(sub, "duplex")}
		if b, ok := sub.Bool("auto-negotiation"); ok {
			spec.AutoNegotiation = &b
		}
		iface.Spec = spec
	case TypeBond:
		iface.Spec = BondSpec{
			Mode:    d.str(sub, "mode"),
			Port:    d.portNames(sub),
			Options: sub.Map("options"),
		}
	case TypeLinuxBridge:
		spec := LinuxBridgeSpec{Port: d.portNames(sub), Options: sub.Map("options")}
		if stp := sub.Map("options").Map("stp"); stp != nil {
			if b, ok := stp.Bool("enabled"); ok {
				spec.STP = &b
			}
		}
		iface.Spec = spec
	case TypeOVSBridge:
		iface.Spec = OVSBridgeSpec{Port: d.portNames(sub), Options: sub.Map("options")}
	case TypeOVSInterface:
		iface.Spec = OVSInterfaceSpec{}
	case TypeVLAN:
		iface.Spec = VLANSpec{BaseIface: d.str(sub, "base-iface"), ID: d.int(sub, "id")}
	case TypeVXLAN:
		iface.Spec = VXLANSpec{
			BaseIface:       d.str(sub, "base-iface"),
			ID:              d.int(sub, "id"),
			Remote:          d.str(sub, "remote"),
			DestinationPort: d.int(sub, "destination-port"),
		}
	case TypeMACVLAN:
		spec := MACVLANSpec{BaseIface: d.str(sub, "base-iface"), Mode: d.str(sub, "mode")}
		if b, ok := sub.Bool("promiscuous"); ok {
			spec.Promiscuous = &b
		}
		iface.Spec = spec
	case TypeVeth:
		iface.Spec = VethSpec{PeerName: d.str(sub, "peer")}
	case TypeDummy:
		iface.Spec = DummySpec{}
	}

	if d.err != nil {
		return nil, d.err
	}

	if iface.State == StateAbsent {
		return iface, nil
	}
	if err := validate.Struct(iface); err != nil {
		return nil, errdefs.NewValueError("invalid interface properties", err).WithResource(name)
	}
	if err := validate.Struct(iface.Spec); err != nil {
		return nil, errdefs.NewValueError(
			fmt.Sprintf("invalid %s properties", itype), err).WithResource(name)
	}
	return iface, nil
}

// decoder accumulates the first type error seen while reading an entry.
type decoder struct {
	iface string
	err   error
}

func (d *decoder) fail(key string, want string, got Value) {
	if d.err != nil {
		return
	}
	d.err = errdefs.NewValueError(
		fmt.Sprintf("property %s must be %s, got %s", key, want, Format(got)), nil).
		WithResource(d.iface)
}

func (d *decoder) str(m *Map, key string) string {
	v, ok := m.Get(key)
	if !ok || v == nil || IsAbsent(v) {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(key, "a string", v)
	}
	return s
}

func (d *decoder) int(m *Map, key string) int64 {
	v, ok := m.Get(key)
	if !ok || v == nil || IsAbsent(v) {
		return 0
	}
	i, ok := AsInt(v)
	if !ok {
		d.fail(key, "an integer", v)
	}
	return i
}

func (d *decoder) ip(m *Map, key string) *IPConfig {
	sec := m.Map(key)
	if sec == nil {
		return nil
	}
	if err := d.checkKeys(sec, key, ipKeys); err != nil {
		return nil
	}
	cfg := &IPConfig{}
	cfg.Enabled, _ = sec.Bool("enabled")
	cfg.DHCP, _ = sec.Bool("dhcp")
	cfg.Autoconf, _ = sec.Bool("autoconf")
	for _, item := range sec.Seq("address") {
		addr, ok := item.(*Map)
		if !ok {
			d.fail(key+".address", "a list of mappings", item)
			return cfg
		}
		cfg.Addresses = append(cfg.Addresses, IPAddress{
			IP:           d.str(addr, "ip"),
			PrefixLength: d.int(addr, "prefix-length"),
		})
	}
	return cfg
}

// portNames reads a port list. Bonds list names; bridges list mappings
// with a name key. Both forms are accepted everywhere.
func (d *decoder) portNames(m *Map) []string {
	v, ok := m.Get("port")
	if !ok || IsAbsent(v) || v == nil {
		return nil
	}
	seq, ok := v.([]Value)
	if !ok {
		d.fail("port", "a list", v)
		return nil
	}
	names := make([]string, 0, len(seq))
	for _, item := range seq {
		switch p := item.(type) {
		case string:
			names = append(names, p)
		case *Map:
			if n := p.String(KeyName); n != "" {
				names = append(names, n)
			} else {
				d.fail("port", "a list of names", item)
			}
		default:
			d.fail("port", "a list of names", item)
		}
	}
	return names
}

func (d *decoder) checkKeys(m *Map, section string, allowed []string) error {
	var unknown []string
	m.Range(func(k string, _ Value) bool {
		if !containsString(allowed, k) {
			unknown = append(unknown, k)
		}
		return true
	})
	if len(unknown) == 0 {
		return nil
	}
	where := "interface"
	if section != "" {
		where = section
	}
	d.err = errdefs.NewValueError(
		fmt.Sprintf("unknown %s propert%s: %s", where, plural(len(unknown)), strings.Join(unknown, ", ")), nil).
		WithResource(d.iface)
	return d.err
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RequiresRecreate reports whether moving from current to desired changes
// an attribute the kernel cannot modify in place.
func RequiresRecreate(current, desired *Interface) bool {
	if current == nil || desired == nil || current.Type != desired.Type {
		return false
	}
	switch cur := current.Spec.(type) {
	case VLANSpec:
		want := desired.Spec.(VLANSpec)
		return cur.ID != want.ID || cur.BaseIface != want.BaseIface
	case VXLANSpec:
		want := desired.Spec.(VXLANSpec)
		return cur.ID != want.ID || cur.BaseIface != want.BaseIface ||
			cur.Remote != want.Remote || cur.DestinationPort != want.DestinationPort
	case MACVLANSpec:
		want := desired.Spec.(MACVLANSpec)
		return cur.BaseIface != want.BaseIface || cur.Mode != want.Mode
	case VethSpec:
		want := desired.Spec.(VethSpec)
		return cur.PeerName != want.PeerName
	case BondSpec:
		want := desired.Spec.(BondSpec)
		return cur.Mode != "" && want.Mode != "" && cur.Mode != want.Mode
	}
	return false
}

// SortedNames returns the names of keys, sorted and de-duplicated.
func SortedNames(keys []InterfaceKey) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k.Name] {
			seen[k.Name] = true
			out = append(out, k.Name)
		}
	}
	sort.Strings(out)
	return out
}
