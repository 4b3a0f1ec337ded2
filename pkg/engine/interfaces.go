package engine

import (
	"context"
	"time"

	"github.com/openfroyo/netfroyo/pkg/state"
)

// Backend owns the live network stack. Every call is synchronous from the
// controller's point of view.
type Backend interface {
	// Snapshot returns the current live state.
	Snapshot(ctx context.Context) (*state.Map, error)

	// CheckpointCreate records the state before a plan starts applying.
	CheckpointCreate(ctx context.Context) (Checkpoint, error)

	// CheckpointCommit discards the checkpoint and keeps all changes.
	CheckpointCommit(ctx context.Context, cp Checkpoint) error

	// CheckpointRevert undoes every change made since cp was created.
	// It must be idempotent: the controller retries it.
	CheckpointRevert(ctx context.Context, cp Checkpoint) error

	// Apply performs one operation.
	Apply(ctx context.Context, op Operation) error
}

// Checkpoint is an opaque backend-issued revert point.
type Checkpoint interface {
	ID() string
}

// EventPublisher receives timeline events. Publishing errors are logged
// and never fail a reconciliation.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists the record of a finished reconciliation.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec *RunRecord) error
}

// PlanGuard rejects plans before any checkpoint is taken. A rejection
// should be an errdefs policy-denied error.
type PlanGuard interface {
	Check(ctx context.Context, plan *Plan, current *state.Map) error
}

// Metrics observes reconciliations.
type Metrics interface {
	ObserveReconcile(outcome Outcome, duration time.Duration)
	ObservePhase(phase Phase, duration time.Duration)
	ObserveOperation(action Action, status OperationStatus, duration time.Duration)
	ObserveVerifyPolls(polls int)
	ObserveRollback(success bool, attempts int)
}

// multiPublisher fans one event out to several publishers.
type multiPublisher []EventPublisher

// Publishers combines publishers. Nil entries are ignored.
func Publishers(pubs ...EventPublisher) EventPublisher {
	var out multiPublisher
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (m multiPublisher) Publish(ctx context.Context, event *Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type noopMetrics struct{}

func (noopMetrics) ObserveReconcile(Outcome, time.Duration)                 {}
func (noopMetrics) ObservePhase(Phase, time.Duration)                       {}
func (noopMetrics) ObserveOperation(Action, OperationStatus, time.Duration) {}
func (noopMetrics) ObserveVerifyPolls(int)                                  {}
func (noopMetrics) ObserveRollback(bool, int)                               {}
