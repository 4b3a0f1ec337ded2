// Package state implements the network state tree: an ordered value model
// decoded from YAML or JSON, deep merge of a partial desired state onto the
// current state, per-interface diffing, and the typed interface union used
// by the dependency graph.
//
// A document has an "interfaces" sequence and optional global sections
// ("routes", "dns-resolver"):
//
//	interfaces:
//	  - name: bond0
//	    type: bond
//	    state: up
//	    link-aggregation:
//	      mode: active-backup
//	      port: [eth1, eth2]
//	  - name: eth3
//	    mtu: !absent
//
// Interfaces are identified by (name, type). Merging replaces sequences
// wholesale, recurses into mappings, and removes keys whose desired value is
// tagged !absent. An interface with "state: absent" is removed.
package state
