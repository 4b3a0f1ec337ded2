package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names known to every registry.
const (
	SchemaConfig   = "config"
	SchemaDocument = "document"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// source with one definition that data is unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, src := range map[string]struct{ def, schema string }{
		SchemaConfig:   {"#Config", builtinConfigSchema},
		SchemaDocument: {"#Document", builtinDocumentSchema},
	} {
		if err := sr.RegisterSchema(name, src.def, src.schema); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles schema and registers its definition def under
// name.
func (sr *SchemaRegistry) RegisterSchema(name, def, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and checks that the result is
// concrete. val must come from the registry's context.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	engine?: {
		verify?:              bool
		timeout?:             #Duration
		poll_interval?:       #Duration
		max_polls?:           int & >=0
		rollback_on_failure?: bool
		wait?:                bool
		strict?:              bool
		revert_attempts?:     int & >=1 & <=10
		revert_backoff?:      #Duration
	}

	backend?: {
		kind?:       "memory" | "kernel"
		netns?:      string & !~"/"
		state_path?: string
	}

	store?: {
		enabled?:        bool
		path?:           string
		max_open_conns?: int & >=0
		max_idle_conns?: int & >=0
		retention?:      #Duration
	}

	policy?: {
		enabled?:        bool
		paths?:          [...string]
		watch?:          bool
		protected?:      [...string]
		max_operations?: int & >=0
		disabled?:       [...string]
		environment?:    string
	}

	telemetry?: {
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
			caller?: bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			namespace?:      string
		}
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
			insecure?:      bool
		}
		events?: {
			enabled?:     bool
			async?:       bool
			buffer_size?: int & >=0
		}
	}
}
`

// builtinDocumentSchema checks the shape of a plain desired state. Fields
// may be null where the YAML document marks them !absent.
const builtinDocumentSchema = `
#Address: {
	ip:            string
	"prefix-length": int & >=0 & <=128
	...
}

#IP: null | {
	enabled?:  bool
	dhcp?:     bool
	autoconf?: bool
	address?:  null | [...#Address]
	...
}

#Interface: {
	name:           string & =~"^[^\\s/:]{1,15}$"
	type?:          "ethernet" | "bond" | "linux-bridge" | "ovs-bridge" | "ovs-interface" | "vlan" | "vxlan" | "mac-vlan" | "veth" | "dummy"
	state?:         "up" | "down" | "absent"
	mtu?:           null | (int & >=68 & <=65535)
	"mac-address"?: null | (string & =~"^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$")
	controller?:    null | string
	description?:   null | string
	ipv4?:          #IP
	ipv6?:          #IP
	...
}

#Route: {
	destination:            string
	"next-hop-address"?:    string
	"next-hop-interface"?:  string
	metric?:                int & >=0
	...
}

#Document: {
	interfaces?: [...#Interface]
	routes?: null | {
		config?: [...#Route]
		...
	}
	"dns-resolver"?: null | {...}
}
`
