package state

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// Canonicalize rewrites a document in place so that equal intents compare
// equal: type aliases, lower-case MAC addresses, canonical IP text, sorted
// port lists and canonical ethtool feature names. Desired documents are
// canonicalized strictly; snapshots leniently. The returned warnings
// describe settings that were dropped.
func Canonicalize(doc *Map, strict bool) ([]string, error) {
	if doc == nil {
		return nil, nil
	}
	entries, err := InterfaceEntries(doc)
	if err != nil {
		return nil, err
	}

	var warnings []string
	for _, entry := range entries {
		name := entry.String(KeyName)

		if t := entry.String(KeyType); t != "" {
			if canon, ok := typeAliases[t]; ok {
				entry.Set(KeyType, string(canon))
			}
		}
		if mac := entry.String(KeyMACAddress); mac != "" {
			entry.Set(KeyMACAddress, strings.ToLower(mac))
		}
		for _, fam := range []string{KeyIPv4, KeyIPv6} {
			canonicalizeAddresses(entry.Map(fam))
		}
		if la := entry.Map("link-aggregation"); la != nil {
			sortPorts(la)
		}
		if br := entry.Map("bridge"); br != nil {
			sortPorts(br)
		}
		if eth := entry.Map(KeyEthtool); eth != nil {
			w, err := CanonicalizeEthtool(eth, strict)
			if err != nil {
				return nil, errdefs.NewValueError("invalid ethtool section", err).WithResource(name)
			}
			for _, msg := range w {
				warnings = append(warnings, fmt.Sprintf("%s: %s", name, msg))
			}
		}
	}
	return warnings, nil
}

// InterfaceEntries returns the entries of the interfaces sequence.
// A missing sequence yields no entries; a malformed one is a ValueError.
func InterfaceEntries(doc *Map) ([]*Map, error) {
	v, ok := doc.Get(KeyInterfaces)
	if !ok || v == nil {
		return nil, nil
	}
	seq, ok := v.([]Value)
	if !ok {
		return nil, errdefs.NewValueError(
			fmt.Sprintf("interfaces must be a list, got %s", Format(v)), nil)
	}
	out := make([]*Map, 0, len(seq))
	for i, item := range seq {
		entry, ok := item.(*Map)
		if !ok {
			return nil, errdefs.NewValueError(
				fmt.Sprintf("interfaces.%d must be a mapping, got %s", i, Format(item)), nil)
		}
		out = append(out, entry)
	}
	return out, nil
}

func canonicalizeAddresses(fam *Map) {
	for _, item := range fam.Seq("address") {
		addr, ok := item.(*Map)
		if !ok {
			continue
		}
		if ip := net.ParseIP(addr.String("ip")); ip != nil {
			addr.Set("ip", ip.String())
		}
	}
}

// sortPorts orders a port list by interface name. Ports may be names or
// mappings with a name key.
func sortPorts(section *Map) {
	ports := section.Seq("port")
	if len(ports) < 2 {
		return
	}
	name := func(v Value) string {
		switch p := v.(type) {
		case string:
			return p
		case *Map:
			return p.String(KeyName)
		}
		return ""
	}
	sorted := make([]Value, len(ports))
	copy(sorted, ports)
	sort.SliceStable(sorted, func(i, j int) bool {
		return name(sorted[i]) < name(sorted[j])
	})
	section.Set("port", sorted)
}
