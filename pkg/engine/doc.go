// Package engine reconciles a host's network configuration with a desired
// state document.
//
// # Overview
//
// A reconciliation moves through a fixed set of phases:
//
//  1. Planning - snapshot the backend, resolve captures, canonicalize and
//     merge the desired document, build the dependency graph and order the
//     operations (Reconciler.Plan, Prepare)
//  2. Checkpointed - the backend saves a restorable copy of the whole state
//  3. Applying - operations are sent to the backend one at a time
//  4. Verifying - the backend is polled until live state matches every
//     operation's target, or the poll budget runs out
//  5. Committed or RollingBack - the checkpoint is discarded, or reverted
//
// Every path ends in Idle. The Result of a run records each phase, each
// operation and the final Outcome.
//
// # Dependency Graph
//
// BuildGraph links controllers (bond, linux-bridge, ovs-bridge) to their
// ports and lower interfaces to the vlan, vxlan and mac-vlan interfaces on
// top of them. Veth pairs are kept adjacent in the order. Removing a veth
// removes its peer; removing an ovs-bridge removes internal ports no other
// bridge owns. A port listed by two controllers is a dependency conflict.
//
// Creates and modifies run parents first. Removals run children first and
// before everything else. Among independent interfaces the desired
// document's order wins.
//
// # Backends
//
// The engine drives a Backend:
//
//	type Backend interface {
//	    Snapshot(ctx context.Context) (*state.Map, error)
//	    CheckpointCreate(ctx context.Context) (Checkpoint, error)
//	    CheckpointCommit(ctx context.Context, cp Checkpoint) error
//	    CheckpointRevert(ctx context.Context, cp Checkpoint) error
//	    Apply(ctx context.Context, op Operation) error
//	}
//
// Only one checkpoint can be live per backend. Reconcilers sharing a
// backend share a CheckpointSlot; with Options.Wait unset a busy slot
// fails fast with a conflict.
//
// # Errors
//
// Failures carry an errdefs kind. Value, capture-resolution,
// dependency-conflict, dependency-cycle and policy-denied errors are raised
// before any mutation. Backend, verification and cancelled errors trigger a
// rollback when Options.RollbackOnFailure is set. A failed rollback is
// reported as rollback-failed: the host state is then undefined.
//
// # Example Usage
//
//	r := engine.NewReconciler(backend,
//	    engine.WithLogger(logger),
//	    engine.WithEventPublisher(store),
//	)
//	result, err := r.Reconcile(ctx, doc, engine.DefaultOptions())
//	if err != nil {
//	    log.Printf("reconcile %s: %v", result.Outcome, err)
//	}
package engine
