// Package policy guards reconciliation plans with Open Policy Agent (OPA)
// Rego policies.
//
// A Guard compiles a set of policies and evaluates them against every plan
// before the engine takes a checkpoint. Each policy is a Rego module whose
// deny rule yields a set of violations, either plain strings or objects
// with message, interface and severity fields. Violations of error or
// critical severity deny the plan; lower severities are reported as
// warnings.
//
// # Input
//
// Policies see a single input document:
//
//	{
//	  "plan": {
//	    "id": "...",
//	    "summary": {...},
//	    "operations": [
//	      {"action": "remove", "interface": "eth0", "type": "ethernet",
//	       "cascaded": false, "target": {...}, "current": {...},
//	       "changes": ["mtu"]}
//	    ]
//	  },
//	  "current": {...},
//	  "context": {"environment": "lab", "protected": ["eth0"], "max_operations": 20}
//	}
//
// Section operations carry "section" instead of "interface".
//
// # Usage
//
//	guard, err := policy.NewGuard(logger, policy.GuardConfig{
//	    Protected:     []string{"eth0"},
//	    MaxOperations: 20,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/netfroyo/policies"}); err != nil {
//	    return err
//	}
//	rec := engine.NewReconciler(backend, engine.WithPlanGuard(guard))
//
// # Built-in Policies
//
//   - loopback-protection: lo is never removed, recreated or brought down
//   - protected-interfaces: the same for the configured protected interfaces
//   - mtu-bounds: MTU of at least 68, and 1280 when IPv6 is enabled
//   - default-route-removal: warns when the routes section drops a default route
//   - plan-size: warns about plans above the configured maximum
//   - cascade-removal: warns about removals implied by another removal
//
// # Custom Policies
//
// Policy files are .rego modules named after the file, .json documents
// holding a Policy, or .bundle.json files holding a PolicyBundle. Leading
// comments of a Rego file form its description and a "# severity: warning"
// comment sets its severity:
//
//	# Bridges are managed by the hypervisor
//	# severity: error
//	package site.bridges
//
//	import rego.v1
//
//	deny contains msg if {
//	    some op in input.plan.operations
//	    op.type == "linux-bridge"
//	    msg := sprintf("bridge %s is managed elsewhere", [op.interface])
//	}
//
// Guard.Watch reloads policy directories as files change.
package policy
