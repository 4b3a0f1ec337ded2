package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/netfroyo/pkg/capture"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = time.Second
)

// Options control one reconciliation. Start from DefaultOptions: the zero
// value disables verification and rollback.
type Options struct {
	// Verify polls the backend after applying. Without it the controller
	// commits straight after the last operation.
	Verify bool `json:"verify"`

	// Timeout bounds verification and each rollback.
	Timeout time.Duration `json:"timeout"`

	// PollInterval is the fixed pause between verification snapshots.
	PollInterval time.Duration `json:"poll_interval"`

	// MaxPolls caps verification snapshots. Zero derives it from Timeout
	// and PollInterval.
	MaxPolls int `json:"max_polls"`

	// RollbackOnFailure reverts the checkpoint when applying or verifying fails.
	RollbackOnFailure bool `json:"rollback_on_failure"`

	// DryRun stops after planning.
	DryRun bool `json:"dry_run"`

	// Wait blocks while another reconciliation holds the checkpoint
	// instead of failing fast.
	Wait bool `json:"wait"`

	// Strict rejects unknown ethtool features.
	Strict bool `json:"strict"`
}

// DefaultOptions returns verify on, a 60s timeout, 1s polling, rollback on
// and blocking checkpoint acquisition.
func DefaultOptions() Options {
	return Options{
		Verify:            true,
		Timeout:           DefaultTimeout,
		PollInterval:      DefaultPollInterval,
		RollbackOnFailure: true,
		Wait:              true,
		Strict:            true,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = int(o.Timeout / o.PollInterval)
		if o.MaxPolls < 1 {
			o.MaxPolls = 1
		}
	}
	return o
}

// Reconciler is the public entry point: it resolves a desired document
// against a backend snapshot, plans, and drives the controller.
type Reconciler struct {
	backend    Backend
	controller *Controller
	slot       *CheckpointSlot
	guard      PlanGuard
	recorder   RunRecorder
}

// NewReconciler creates a reconciler for backend.
func NewReconciler(backend Backend, opts ...Option) *Reconciler {
	s := newSettings(opts)
	return &Reconciler{
		backend:    backend,
		controller: s.controller(backend),
		slot:       s.slot,
		guard:      s.guard,
		recorder:   s.recorder,
	}
}

// Reconcile brings the backend to the desired document. The document is
// either a plain state tree or a policy document with capture and desired
// sections.
//
// The returned Result is never nil. Its Outcome tells whether changes were
// made and what happened to them; the error carries an errdefs kind.
//
// opts is taken as given: pass DefaultOptions for verification and
// rollback. A zero Options applies without verifying and keeps changes on
// failure. Zero durations fall back to DefaultTimeout and
// DefaultPollInterval.
func (r *Reconciler) Reconcile(ctx context.Context, doc *state.Map, opts Options) (*Result, error) {
	c := r.controller
	run := c.newRun(opts.withDefaults())

	ctx, span := c.tracer.Start(ctx, "engine.reconcile", trace.WithAttributes(
		attribute.String("netfroyo.run.id", run.id),
		attribute.Bool("netfroyo.dry_run", run.opts.DryRun),
	))

	c.transition(ctx, run, PhaseIdle)
	c.publish(ctx, run, EventTypeRunStarted, nil, "Reconciliation started", nil)
	c.logger.Info().Str("run_id", run.id).Bool("dry_run", run.opts.DryRun).Msg("Reconciliation started")

	err := r.reconcile(ctx, run, doc)

	run.result.FinishedAt = c.clock.Now()
	duration := run.result.FinishedAt.Sub(run.result.StartedAt)
	c.metrics.ObserveReconcile(run.result.Outcome, duration)
	span.SetAttributes(attribute.String("netfroyo.outcome", string(run.result.Outcome)))
	endSpan(span, err)

	if err != nil {
		c.publish(ctx, run, EventTypeRunFailed, nil, fmt.Sprintf("Reconciliation %s: %v", run.result.Outcome, err),
			map[string]interface{}{"outcome": string(run.result.Outcome), "kind": string(errdefs.KindOf(err))})
		c.logger.Error().Err(err).
			Str("run_id", run.id).
			Str("outcome", string(run.result.Outcome)).
			Dur("duration", duration).
			Msg("Reconciliation failed")
	} else {
		c.publish(ctx, run, EventTypeRunCompleted, nil, fmt.Sprintf("Reconciliation %s", run.result.Outcome),
			map[string]interface{}{"outcome": string(run.result.Outcome)})
		c.logger.Info().
			Str("run_id", run.id).
			Str("outcome", string(run.result.Outcome)).
			Dur("duration", duration).
			Msg("Reconciliation finished")
	}

	if r.recorder != nil {
		rec := &RunRecord{Result: run.result, Options: run.opts, Err: err}
		if rerr := r.recorder.RecordRun(context.WithoutCancel(ctx), rec); rerr != nil {
			c.logger.Warn().Err(rerr).Str("run_id", run.id).Msg("Failed to record run")
		}
	}

	return run.result, err
}

func (r *Reconciler) reconcile(ctx context.Context, run *run, doc *state.Map) error {
	c := r.controller

	var token *SlotToken
	if !run.opts.DryRun {
		t, err := r.slot.Acquire(ctx, run.id, run.opts.Wait)
		if err != nil {
			run.result.Outcome = OutcomeFailed
			return err
		}
		defer t.Release()
		token = t
	}

	c.transition(ctx, run, PhasePlanning)

	plan, err := r.plan(ctx, run, doc)
	if err != nil {
		run.result.Outcome = OutcomeFailed
		c.transition(ctx, run, PhaseIdle)
		return err
	}
	run.result.Plan = plan

	if plan.IsEmpty() {
		run.result.Outcome = OutcomeNoChanges
		c.transition(ctx, run, PhaseIdle)
		return nil
	}

	if r.guard != nil {
		if err := r.guard.Check(ctx, plan, run.result.FinalState); err != nil {
			run.result.Outcome = OutcomeFailed
			c.transition(ctx, run, PhaseIdle)
			return err
		}
	}

	if run.opts.DryRun {
		run.result.Outcome = OutcomePlanned
		c.transition(ctx, run, PhaseIdle)
		return nil
	}

	return c.execute(ctx, run, plan, token)
}

// plan snapshots the backend and runs every pure planning step.
func (r *Reconciler) plan(ctx context.Context, run *run, doc *state.Map) (*Plan, error) {
	c := r.controller
	if doc == nil {
		return nil, errdefs.NewValueError("desired document is empty", nil)
	}

	pdoc, err := capture.ParseDocument(doc)
	if err != nil {
		return nil, err
	}

	current, err := r.backend.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.NewCancelledError(err)
		}
		return nil, errdefs.NewBackendError("failed to snapshot current state", err)
	}
	run.result.FinalState = current

	desired, results, err := capture.Resolve(pdoc, current)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		run.result.Captures = results
	}

	warnings, err := state.Canonicalize(desired, run.opts.Strict)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		c.logger.Warn().Str("run_id", run.id).Msg(w)
		c.publish(ctx, run, EventTypeWarning, nil, w, nil)
	}

	a, _, plan, err := Prepare(current, desired)
	if err != nil {
		return nil, err
	}
	plan.CreatedAt = c.clock.Now()
	plan.Warnings = warnings

	c.logger.Info().
		Str("run_id", run.id).
		Str("plan_id", plan.ID).
		Int("operations", plan.Summary.Total).
		Int("unchanged", plan.Summary.Unchanged).
		Int("removed", len(a.Removed)).
		Msg("Plan built")
	return plan, nil
}

// Plan resolves doc against the backend and returns the plan and graph
// without applying anything.
func (r *Reconciler) Plan(ctx context.Context, doc *state.Map, strict bool) (*Plan, *Graph, error) {
	if doc == nil {
		return nil, nil, errdefs.NewValueError("desired document is empty", nil)
	}
	pdoc, err := capture.ParseDocument(doc)
	if err != nil {
		return nil, nil, err
	}
	current, err := r.backend.Snapshot(ctx)
	if err != nil {
		return nil, nil, errdefs.NewBackendError("failed to snapshot current state", err)
	}
	desired, _, err := capture.Resolve(pdoc, current)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := state.Canonicalize(desired, strict)
	if err != nil {
		return nil, nil, err
	}
	_, g, plan, err := Prepare(current, desired)
	if err != nil {
		return nil, nil, err
	}
	plan.CreatedAt = r.controller.clock.Now()
	plan.Warnings = warnings
	return plan, g, nil
}
