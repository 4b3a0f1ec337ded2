// Package config loads the netfroyo application configuration and the
// desired-state documents it reconciles.
//
// # Application configuration
//
// The configuration is written in CUE. CUEParser unifies one or more files
// (or directories of .cue files), checks the result against the built-in
// #Config schema, decodes it over DefaultConfig and runs struct validation
// with go-playground/validator:
//
//	engine: {
//		timeout:       "2m"
//		poll_interval: "1s"
//	}
//	backend: {
//		kind:  "kernel"
//		netns: "blue"
//	}
//	store: {
//		enabled:   true
//		path:      "/var/lib/netfroyo/history.db"
//		retention: "720h"
//	}
//	policy: {
//		paths:     ["/etc/netfroyo/policies"]
//		protected: ["eth0"]
//	}
//	telemetry: logging: format: "json"
//
// Errors are reported as ValidationErrors with file positions where CUE
// provides them.
//
// # Desired-state documents
//
// DocumentLoader reads documents by extension:
//
//   - .yaml, .yml and anything else: YAML, with the !absent tag
//   - .json: JSON
//   - .cue: CUE, exported to JSON after evaluation
//   - .star: a Starlark generator
//
// A Starlark generator defines the document through its globals:
// interfaces, routes and dns_resolver for a plain state, or capture and
// desired for a policy document. The predeclared absent value stands for
// the !absent tag and struct() field names have underscores turned into
// dashes:
//
//	def vlan(id):
//	    return {"name": "eth1.%d" % id, "type": "vlan",
//	            "vlan": {"base-iface": "eth1", "id": id}}
//
//	interfaces = [vlan(i) for i in vlans]
//
// DocumentLoader.Validate checks a plain document against the #Document
// CUE schema before it reaches the engine.
package config
