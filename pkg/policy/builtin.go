package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		loopbackPolicy(),
		protectedInterfacesPolicy(),
		mtuBoundsPolicy(),
		defaultRoutePolicy(),
		planSizePolicy(),
		cascadeRemovalPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// loopbackPolicy keeps the loopback interface in place and up.
func loopbackPolicy() Policy {
	return builtin(Policy{
		Name:        "loopback-protection",
		Description: "Forbids removing, recreating or downing the loopback interface",
		Severity:    SeverityCritical,
		Tags:        []string{"safety"},
		Rego: `package netfroyo.guard.loopback

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.interface == "lo"
	op.action in {"remove", "recreate"}
	violation := {
		"message": sprintf("plan must not %s the loopback interface", [op.action]),
		"interface": "lo",
	}
}

deny contains violation if {
	some op in input.plan.operations
	op.interface == "lo"
	op.action == "modify"
	op.target.state == "down"
	violation := {
		"message": "plan must not bring the loopback interface down",
		"interface": "lo",
	}
}
`,
	})
}

// protectedInterfacesPolicy guards the interfaces named in the guard
// context, typically the management link.
func protectedInterfacesPolicy() Policy {
	return builtin(Policy{
		Name:        "protected-interfaces",
		Description: "Forbids removing, recreating or downing protected interfaces",
		Severity:    SeverityError,
		Tags:        []string{"safety", "management"},
		Rego: `package netfroyo.guard.protected

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.interface in input.context.protected
	op.action in {"remove", "recreate"}
	violation := {
		"message": sprintf("plan must not %s protected interface %s", [op.action, op.interface]),
		"interface": op.interface,
	}
}

deny contains violation if {
	some op in input.plan.operations
	op.interface in input.context.protected
	op.action == "modify"
	op.target.state == "down"
	violation := {
		"message": sprintf("plan must not bring protected interface %s down", [op.interface]),
		"interface": op.interface,
	}
}
`,
	})
}

// mtuBoundsPolicy rejects MTUs the IP stack cannot carry.
func mtuBoundsPolicy() Policy {
	return builtin(Policy{
		Name:        "mtu-bounds",
		Description: "Requires an MTU of at least 68, or 1280 with IPv6 enabled",
		Severity:    SeverityError,
		Tags:        []string{"validation"},
		Rego: `package netfroyo.guard.mtu

import rego.v1

applies(op) if op.action in {"create", "modify", "recreate"}

deny contains violation if {
	some op in input.plan.operations
	applies(op)
	op.target.mtu < 68
	violation := {
		"message": sprintf("interface %s MTU %d is below the IPv4 minimum of 68", [op.interface, op.target.mtu]),
		"interface": op.interface,
	}
}

deny contains violation if {
	some op in input.plan.operations
	applies(op)
	op.target.ipv6.enabled == true
	op.target.mtu >= 68
	op.target.mtu < 1280
	violation := {
		"message": sprintf("interface %s MTU %d is below the IPv6 minimum of 1280", [op.interface, op.target.mtu]),
		"interface": op.interface,
	}
}
`,
	})
}

// defaultRoutePolicy warns when a plan drops a live default route.
func defaultRoutePolicy() Policy {
	return builtin(Policy{
		Name:        "default-route-removal",
		Description: "Warns when the routes section drops a default route",
		Severity:    SeverityWarning,
		Tags:        []string{"routing"},
		Rego: `package netfroyo.guard.routes

import rego.v1

defaults := {"0.0.0.0/0", "::/0"}

kept(op, dst) if {
	some r in op.target.config
	r.destination == dst
}

deny contains violation if {
	some op in input.plan.operations
	op.action == "section"
	op.section == "routes"
	some r in input.current.routes.config
	r.destination in defaults
	not kept(op, r.destination)
	violation := {
		"message": sprintf("plan removes the default route %s", [r.destination]),
		"interface": "routes",
	}
}
`,
	})
}

// planSizePolicy warns about plans larger than the configured bound.
func planSizePolicy() Policy {
	return builtin(Policy{
		Name:        "plan-size",
		Description: "Warns when a plan has more operations than the configured maximum",
		Severity:    SeverityWarning,
		Tags:        []string{"review"},
		Rego: `package netfroyo.guard.size

import rego.v1

deny contains violation if {
	input.context.max_operations > 0
	count(input.plan.operations) > input.context.max_operations
	violation := {
		"message": sprintf("plan has %d operations, more than the maximum of %d", [count(input.plan.operations), input.context.max_operations]),
	}
}
`,
	})
}

// cascadeRemovalPolicy surfaces interfaces removed only because something
// they depend on is removed.
func cascadeRemovalPolicy() Policy {
	return builtin(Policy{
		Name:        "cascade-removal",
		Description: "Warns about interfaces removed as a consequence of another removal",
		Severity:    SeverityWarning,
		Tags:        []string{"review"},
		Rego: `package netfroyo.guard.cascade

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.action == "remove"
	op.cascaded == true
	violation := {
		"message": sprintf("interface %s is removed because an interface it depends on is removed", [op.interface]),
		"interface": op.interface,
	}
}
`,
	})
}
