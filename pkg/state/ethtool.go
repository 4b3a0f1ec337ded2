package state

import (
	"fmt"
	"sort"
	"strings"
)

// Ethtool is the typed view of an interface's ethtool section.
type Ethtool struct {
	Features   map[string]bool
	Ring       map[string]int64
	Coalesce   map[string]int64
	AdaptiveRX *bool
	AdaptiveTX *bool
	Pause      *Pause
}

// Pause holds flow-control settings.
type Pause struct {
	Autoneg *bool
	RX      *bool
	TX      *bool
}

// featureAliases maps legacy and short ethtool feature names onto the
// kernel names reported by `ethtool -k`.
var featureAliases = map[string]string{
	"rx":                           "rx-checksum",
	"rx-checksumming":              "rx-checksum",
	"tx":                           "tx-checksum-ip-generic",
	"tx-checksumming":              "tx-checksum-ip-generic",
	"sg":                           "tx-scatter-gather",
	"scatter-gather":               "tx-scatter-gather",
	"tso":                          "tx-tcp-segmentation",
	"tcp-segmentation-offload":     "tx-tcp-segmentation",
	"gso":                          "tx-generic-segmentation",
	"generic-segmentation-offload": "tx-generic-segmentation",
	"gro":                          "rx-gro",
	"generic-receive-offload":      "rx-gro",
	"lro":                          "rx-lro",
	"large-receive-offload":        "rx-lro",
	"rxvlan":                       "rx-vlan-hw-parse",
	"rx-vlan-offload":              "rx-vlan-hw-parse",
	"txvlan":                       "tx-vlan-hw-insert",
	"tx-vlan-offload":              "tx-vlan-hw-insert",
	"ntuple":                       "rx-ntuple-filter",
	"ntuple-filters":               "rx-ntuple-filter",
	"rxhash":                       "rx-hashing",
	"receive-hashing":              "rx-hashing",
	"ufo":                          "tx-udp-fragmentation",
	"udp-fragmentation-offload":    "tx-udp-fragmentation",
}

// supportedFeatures lists the canonical feature names accepted in desired state.
var supportedFeatures = map[string]bool{
	"rx-checksum":             true,
	"tx-checksum-ip-generic":  true,
	"tx-checksum-ipv4":        true,
	"tx-checksum-ipv6":        true,
	"tx-checksum-sctp":        true,
	"tx-scatter-gather":       true,
	"tx-tcp-segmentation":     true,
	"tx-tcp6-segmentation":    true,
	"tx-tcp-ecn-segmentation": true,
	"tx-generic-segmentation": true,
	"tx-udp-segmentation":     true,
	"tx-udp-fragmentation":    true,
	"tx-nocache-copy":         true,
	"rx-gro":                  true,
	"rx-gro-hw":               true,
	"rx-gro-list":             true,
	"rx-udp-gro-forwarding":   true,
	"rx-lro":                  true,
	"rx-vlan-hw-parse":        true,
	"rx-vlan-filter":          true,
	"tx-vlan-hw-insert":       true,
	"rx-ntuple-filter":        true,
	"rx-hashing":              true,
	"rx-all":                  true,
	"rx-fcs":                  true,
	"highdma":                 true,
	"loopback":                true,
	"hw-tc-offload":           true,
}

var (
	ringKeys     = []string{"rx", "tx", "rx-jumbo", "rx-mini"}
	coalesceKeys = []string{
		"adaptive-rx", "adaptive-tx", "rx-usecs", "tx-usecs", "rx-frames", "tx-frames",
		"rx-usecs-irq", "tx-usecs-irq", "rx-frames-irq", "tx-frames-irq",
		"stats-block-usecs", "pkt-rate-low", "pkt-rate-high", "sample-interval",
	}
	pauseKeys   = []string{"autoneg", "rx", "tx"}
	ethtoolKeys = []string{"feature", "ring", "coalesce", "pause"}
)

// CanonicalFeature returns the canonical name for an ethtool feature and
// whether it is supported.
func CanonicalFeature(name string) (string, bool) {
	if canon, ok := featureAliases[name]; ok {
		name = canon
	}
	return name, supportedFeatures[name]
}

// CanonicalizeEthtool rewrites an ethtool section in place: feature aliases
// become kernel names and pause rx/tx are dropped when autoneg is on.
// In strict mode unknown features and keys are errors; snapshots are
// canonicalized leniently. Warnings describe dropped settings.
func CanonicalizeEthtool(sec *Map, strict bool) ([]string, error) {
	var warnings []string
	if strict {
		if err := rejectUnknown(sec, "ethtool", ethtoolKeys); err != nil {
			return nil, err
		}
	}

	if features := sec.Map("feature"); features != nil {
		canon := NewMap()
		var unknown []string
		var err error
		features.Range(func(name string, v Value) bool {
			target, ok := CanonicalFeature(name)
			if !ok && strict {
				unknown = append(unknown, name)
				return true
			}
			if prev, dup := canon.Get(target); dup && !Equal(prev, v) {
				err = fmt.Errorf("ethtool feature %s set twice with different values (via %s)", target, name)
				return false
			}
			canon.Set(target, v)
			return true
		})
		if err != nil {
			return nil, err
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return nil, fmt.Errorf("unsupported ethtool feature: %s", strings.Join(unknown, ", "))
		}
		sec.Set("feature", canon)
	}

	if strict {
		if err := rejectUnknown(sec.Map("ring"), "ethtool.ring", ringKeys); err != nil {
			return nil, err
		}
		if err := rejectUnknown(sec.Map("coalesce"), "ethtool.coalesce", coalesceKeys); err != nil {
			return nil, err
		}
		if err := rejectUnknown(sec.Map("pause"), "ethtool.pause", pauseKeys); err != nil {
			return nil, err
		}
	}

	if pause := sec.Map("pause"); pause != nil {
		if autoneg, _ := pause.Bool("autoneg"); autoneg {
			for _, k := range []string{"rx", "tx"} {
				if pause.Has(k) {
					pause.Delete(k)
					warnings = append(warnings,
						fmt.Sprintf("ethtool pause %s ignored because autoneg is enabled", k))
				}
			}
		}
	}
	return warnings, nil
}

func rejectUnknown(m *Map, section string, allowed []string) error {
	var unknown []string
	m.Range(func(k string, _ Value) bool {
		if !containsString(allowed, k) {
			unknown = append(unknown, k)
		}
		return true
	})
	if len(unknown) > 0 {
		return fmt.Errorf("unknown %s key: %s", section, strings.Join(unknown, ", "))
	}
	return nil
}

// DecodeEthtool decodes an ethtool section. Absent values are skipped.
func DecodeEthtool(sec *Map) (*Ethtool, error) {
	et := &Ethtool{}

	if features := sec.Map("feature"); features != nil {
		et.Features = make(map[string]bool, features.Len())
		var err error
		features.Range(func(name string, v Value) bool {
			if IsAbsent(v) {
				return true
			}
			b, ok := v.(bool)
			if !ok {
				err = fmt.Errorf("ethtool feature %s must be a boolean", name)
				return false
			}
			et.Features[name] = b
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	ints := func(section string, m *Map) (map[string]int64, error) {
		if m == nil {
			return nil, nil
		}
		out := make(map[string]int64, m.Len())
		var err error
		m.Range(func(k string, v Value) bool {
			if IsAbsent(v) || k == "adaptive-rx" || k == "adaptive-tx" {
				return true
			}
			i, ok := AsInt(v)
			if !ok || i < 0 {
				err = fmt.Errorf("ethtool %s %s must be a non-negative integer", section, k)
				return false
			}
			out[k] = i
			return true
		})
		return out, err
	}

	var err error
	if et.Ring, err = ints("ring", sec.Map("ring")); err != nil {
		return nil, err
	}
	coalesce := sec.Map("coalesce")
	if et.Coalesce, err = ints("coalesce", coalesce); err != nil {
		return nil, err
	}
	if b, ok := coalesce.Bool("adaptive-rx"); ok {
		et.AdaptiveRX = &b
	}
	if b, ok := coalesce.Bool("adaptive-tx"); ok {
		et.AdaptiveTX = &b
	}

	if pause := sec.Map("pause"); pause != nil {
		et.Pause = &Pause{}
		if b, ok := pause.Bool("autoneg"); ok {
			et.Pause.Autoneg = &b
		}
		if b, ok := pause.Bool("rx"); ok {
			et.Pause.RX = &b
		}
		if b, ok := pause.Bool("tx"); ok {
			et.Pause.TX = &b
		}
	}
	return et, nil
}
