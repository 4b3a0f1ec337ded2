package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/netfroyo/pkg/clock"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

const (
	tracerName = "github.com/openfroyo/netfroyo/pkg/engine"

	// DefaultRevertAttempts is how many times a checkpoint revert is tried.
	DefaultRevertAttempts = 3

	defaultRevertBackoff = 500 * time.Millisecond
)

// Controller drives a plan through checkpoint, apply, verify and then
// commit or rollback. Operations run one at a time in plan order.
type Controller struct {
	backend        Backend
	clock          clock.Clock
	events         EventPublisher
	metrics        Metrics
	logger         zerolog.Logger
	tracer         trace.Tracer
	revertAttempts int
	revertBackoff  time.Duration
}

// NewController creates a controller for backend.
func NewController(backend Backend, opts ...Option) *Controller {
	s := newSettings(opts)
	return s.controller(backend)
}

// run is the mutable state of one reconciliation.
type run struct {
	id      string
	opts    Options
	result  *Result
	phase   Phase
	entered time.Time
}

func (c *Controller) newRun(opts Options) *run {
	id := uuid.New().String()
	return &run{
		id:     id,
		opts:   opts,
		result: &Result{RunID: id, StartedAt: c.clock.Now()},
	}
}

// Execute runs an already built plan. The caller must hold token.
func (c *Controller) Execute(ctx context.Context, plan *Plan, token *SlotToken, opts Options) (*Result, error) {
	r := c.newRun(opts.withDefaults())
	r.result.Plan = plan
	c.transition(ctx, r, PhaseIdle)
	c.transition(ctx, r, PhasePlanning)
	err := c.execute(ctx, r, plan, token)
	r.result.FinishedAt = c.clock.Now()
	return r.result, err
}

// execute moves a planned run from planning to idle.
func (c *Controller) execute(ctx context.Context, r *run, plan *Plan, token *SlotToken) error {
	if token == nil || token.Owner() != r.id {
		r.result.Outcome = OutcomeFailed
		c.transition(ctx, r, PhaseIdle)
		return errdefs.NewBackendError("checkpoint slot is not held by this run", nil).
			WithClass(errdefs.ErrorClassConflict).
			WithCode(errdefs.ErrCodeCheckpointBusy)
	}

	cpCtx, span := c.tracer.Start(ctx, "engine.checkpoint")
	cp, err := c.backend.CheckpointCreate(cpCtx)
	endSpan(span, err)
	if err != nil {
		r.result.Outcome = OutcomeFailed
		c.transition(ctx, r, PhaseIdle)
		return errdefs.NewBackendError("failed to create checkpoint", err).
			WithCode(errdefs.ErrCodeCheckpointFailed)
	}
	r.result.Checkpoint = cp.ID()
	c.transition(ctx, r, PhaseCheckpointed)

	c.transition(ctx, r, PhaseApplying)
	failure := c.apply(ctx, r, plan)

	var live *state.Map
	if failure == nil && r.opts.Verify {
		c.transition(ctx, r, PhaseVerifying)
		live, failure = c.verify(ctx, r, plan)
	}

	if failure == nil {
		if err := c.backend.CheckpointCommit(ctx, cp); err != nil {
			failure = errdefs.NewBackendError("failed to commit checkpoint", err)
		} else {
			c.transition(ctx, r, PhaseCommitted)
			r.result.Outcome = OutcomeCommitted
			if live == nil {
				live, _ = c.backend.Snapshot(context.WithoutCancel(ctx))
			}
			if live != nil {
				r.result.FinalState = live
			}
			c.transition(ctx, r, PhaseIdle)
			return nil
		}
	}

	return c.fail(ctx, r, cp, failure)
}

// fail reverts the checkpoint after a failure, or keeps the changes when
// rollback is disabled.
func (c *Controller) fail(ctx context.Context, r *run, cp Checkpoint, cause error) error {
	touched := r.result.Touched()

	if !r.opts.RollbackOnFailure {
		if err := c.backend.CheckpointCommit(context.WithoutCancel(ctx), cp); err != nil {
			c.logger.Warn().Err(err).Str("run_id", r.id).Msg("Failed to release checkpoint")
		}
		r.result.Outcome = OutcomeChangesKept
		c.transition(ctx, r, PhaseIdle)
		return withDetail(cause, "rollback", "changes made, not reverted")
	}

	c.transition(ctx, r, PhaseRollingBack)
	if err := c.rollback(ctx, r, cp); err != nil {
		r.result.Outcome = OutcomeRevertFailed
		c.transition(ctx, r, PhaseIdle)
		return errdefs.NewRollbackError(r.result.RevertAttempts, err).
			WithInterfaces(touched...).
			WithDetail("cause", cause.Error())
	}

	r.result.Outcome = OutcomeReverted
	c.transition(ctx, r, PhaseIdle)
	return withDetail(cause, "rollback", "changes made and reverted")
}

// apply sends every operation to the backend. The first failure stops it.
func (c *Controller) apply(ctx context.Context, r *run, plan *Plan) error {
	for i := range plan.Operations {
		op := plan.Operations[i]

		if err := ctx.Err(); err != nil {
			c.skipRemaining(r, plan, i)
			return errdefs.NewCancelledError(err).WithOperation(op.ID)
		}

		res := OperationResult{OperationID: op.ID, Action: op.Action, Subject: op.Subject(), StartedAt: c.clock.Now()}
		c.publish(ctx, r, EventTypeOperationStarted, &op, fmt.Sprintf("Applying %s", op.String()), nil)

		opCtx, span := c.tracer.Start(ctx, "engine.apply", trace.WithAttributes(
			attribute.String("netfroyo.operation.id", op.ID),
			attribute.String("netfroyo.operation.action", string(op.Action)),
			attribute.String("netfroyo.interface", op.Subject()),
		))
		err := c.backend.Apply(opCtx, op)
		endSpan(span, err)
		res.Duration = c.clock.Since(res.StartedAt)

		if err != nil {
			res.Status = OperationFailed
			res.Error = err.Error()
			r.result.Operations = append(r.result.Operations, res)
			c.metrics.ObserveOperation(op.Action, res.Status, res.Duration)
			c.publish(ctx, r, EventTypeOperationFailed, &op,
				fmt.Sprintf("Failed to apply %s: %v", op.String(), err), nil)
			c.skipRemaining(r, plan, i+1)
			return c.classifyApplyError(ctx, &op, err)
		}

		res.Status = OperationSucceeded
		r.result.Operations = append(r.result.Operations, res)
		c.metrics.ObserveOperation(op.Action, res.Status, res.Duration)
		c.publish(ctx, r, EventTypeOperationCompleted, &op, fmt.Sprintf("Applied %s", op.String()), nil)
	}
	return nil
}

// classifyApplyError maps a backend failure to the error reported to callers.
func (c *Controller) classifyApplyError(ctx context.Context, op *Operation, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		e := errdefs.NewCancelledError(err).WithOperation(op.ID)
		if op.Action != ActionSection {
			e.WithInterfaces(op.Key.Name)
		}
		return e
	}
	e := errdefs.NewBackendError(fmt.Sprintf("failed to %s", op.String()), err).
		WithResource(op.Subject()).
		WithOperation(op.ID)
	if op.Action != ActionSection {
		e.WithInterfaces(op.Key.Name)
	}
	return e
}

func (c *Controller) skipRemaining(r *run, plan *Plan, from int) {
	for _, op := range plan.Operations[from:] {
		r.result.Operations = append(r.result.Operations, OperationResult{
			OperationID: op.ID,
			Action:      op.Action,
			Subject:     op.Subject(),
			Status:      OperationSkipped,
		})
	}
}

// verify polls the backend until every operation's effect is visible, the
// poll budget is spent, or the timeout passes.
func (c *Controller) verify(ctx context.Context, r *run, plan *Plan) (*state.Map, error) {
	ctx, span := c.tracer.Start(ctx, "engine.verify")
	defer span.End()

	deadline := c.clock.Now().Add(r.opts.Timeout)
	var lastErr error

	for poll := 1; ; poll++ {
		r.result.Polls = poll

		live, err := c.backend.Snapshot(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			c.metrics.ObserveVerifyPolls(poll)
			return nil, errdefs.NewCancelledError(err)
		case err != nil:
			lastErr = err
		default:
			diff, derr := VerifyDiff(plan, live)
			if derr != nil {
				lastErr = derr
				break
			}
			if len(diff) == 0 {
				r.result.LastDiff = nil
				c.metrics.ObserveVerifyPolls(poll)
				c.publish(ctx, r, EventTypeVerifyPoll, nil, fmt.Sprintf("Converged after %d poll(s)", poll),
					map[string]interface{}{"poll": poll, "remaining": 0})
				return live, nil
			}
			lastErr = nil
			r.result.LastDiff = diff
			c.publish(ctx, r, EventTypeVerifyPoll, nil, fmt.Sprintf("Poll %d: %d difference(s) remain", poll, len(diff)),
				map[string]interface{}{"poll": poll, "remaining": len(diff)})
		}

		if poll >= r.opts.MaxPolls || !c.clock.Now().Add(r.opts.PollInterval).Before(deadline) {
			c.metrics.ObserveVerifyPolls(poll)
			e := errdefs.NewVerificationError(
				fmt.Sprintf("state did not converge after %d poll(s)", poll), lastErr).
				WithInterfaces(changedInterfaces(r.result.LastDiff)...)
			if len(r.result.LastDiff) > 0 {
				e.WithDetail("last_diff", formatChanges(r.result.LastDiff))
			}
			span.SetStatus(codes.Error, e.Message)
			return nil, e
		}

		if err := c.clock.Sleep(ctx, r.opts.PollInterval); err != nil {
			c.metrics.ObserveVerifyPolls(poll)
			return nil, errdefs.NewCancelledError(err)
		}
	}
}

// rollback reverts cp on a context that ignores the caller's cancellation.
func (c *Controller) rollback(ctx context.Context, r *run, cp Checkpoint) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Timeout)
	defer cancel()
	rctx, span := c.tracer.Start(rctx, "engine.rollback")
	defer span.End()

	var err error
	for attempt := 1; attempt <= c.revertAttempts; attempt++ {
		r.result.RevertAttempts = attempt
		c.publish(rctx, r, EventTypeRollback, nil,
			fmt.Sprintf("Reverting checkpoint %s (attempt %d/%d)", cp.ID(), attempt, c.revertAttempts), nil)

		if err = c.backend.CheckpointRevert(rctx, cp); err == nil {
			c.metrics.ObserveRollback(true, attempt)
			return nil
		}
		c.logger.Warn().Err(err).
			Str("run_id", r.id).
			Str("checkpoint", cp.ID()).
			Int("attempt", attempt).
			Msg("Checkpoint revert failed")

		if attempt < c.revertAttempts {
			if serr := c.clock.Sleep(rctx, c.revertBackoff); serr != nil {
				break
			}
		}
	}

	c.metrics.ObserveRollback(false, r.result.RevertAttempts)
	span.SetStatus(codes.Error, "revert failed")
	return err
}

// transition records a phase change.
func (c *Controller) transition(ctx context.Context, r *run, next Phase) {
	now := c.clock.Now()
	if r.phase != "" {
		c.metrics.ObservePhase(r.phase, now.Sub(r.entered))
		if !r.phase.CanTransition(next) {
			c.logger.Error().
				Str("run_id", r.id).
				Str("from", string(r.phase)).
				Str("to", string(next)).
				Msg("Unexpected phase transition")
		}
	}
	r.phase = next
	r.entered = now
	r.result.Phases = append(r.result.Phases, PhaseRecord{Phase: next, EnteredAt: now})

	c.logger.Debug().Str("run_id", r.id).Str("phase", string(next)).Msg("Phase changed")
	c.publish(ctx, r, EventTypePhaseChanged, nil, fmt.Sprintf("Entered %s", next), nil)
}

// publish emits an event. Publishing failures are logged only.
func (c *Controller) publish(ctx context.Context, r *run, eventType EventType, op *Operation, message string, details map[string]interface{}) {
	if c.events == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: c.clock.Now(),
		RunID:     r.id,
		Phase:     r.phase,
		Message:   message,
		Details:   details,
		Level:     eventType.Severity(),
	}
	if op != nil {
		event.OperationID = op.ID
		event.Interface = op.Subject()
	}

	if err := c.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

// VerifyDiff lists what still differs between live state and the effect
// of every operation in plan. An empty result means the plan converged.
func VerifyDiff(plan *Plan, live *state.Map) ([]state.Change, error) {
	entries, err := state.InterfaceEntries(live)
	if err != nil {
		return nil, err
	}
	byKey := make(map[state.InterfaceKey]*state.Map, len(entries))
	for _, e := range entries {
		byKey[entryKey(e)] = e
	}

	var out []state.Change
	for _, op := range plan.Operations {
		switch op.Action {
		case ActionSection:
			cur, has := live.Get(op.Section)
			if op.Target == nil {
				if has {
					out = append(out, state.Change{Path: op.Section, Action: state.ChangeRemove, Before: cur})
				}
				continue
			}
			out = append(out, prefixed(op.Section, state.Diff(cur, op.Target))...)

		case ActionRemove:
			if e, ok := byKey[op.Key]; ok {
				out = append(out, state.Change{Path: interfacePath(op.Key), Action: state.ChangeRemove, Before: e})
			}

		default:
			e, ok := byKey[op.Key]
			if !ok {
				out = append(out, state.Change{Path: interfacePath(op.Key), Action: state.ChangeAdd, After: op.Target})
				continue
			}
			out = append(out, prefixed(interfacePath(op.Key), state.Diff(e, op.Target))...)
		}
	}
	return out, nil
}

func interfacePath(k state.InterfaceKey) string {
	return state.KeyInterfaces + "." + k.Name
}

func prefixed(prefix string, changes []state.Change) []state.Change {
	for i := range changes {
		if changes[i].Path == "" {
			changes[i].Path = prefix
		} else {
			changes[i].Path = prefix + "." + changes[i].Path
		}
	}
	return changes
}

// changedInterfaces extracts interface names from verification changes.
func changedInterfaces(changes []state.Change) []string {
	var out []string
	seen := make(map[string]bool)
	prefix := state.KeyInterfaces + "."
	for _, ch := range changes {
		if !strings.HasPrefix(ch.Path, prefix) {
			continue
		}
		name := strings.SplitN(strings.TrimPrefix(ch.Path, prefix), ".", 2)[0]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func formatChanges(changes []state.Change) []string {
	out := make([]string, len(changes))
	for i, ch := range changes {
		out[i] = ch.String()
	}
	return out
}

func withDetail(err error, key string, value interface{}) error {
	var e *errdefs.EngineError
	if errors.As(err, &e) {
		e.WithDetail(key, value)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// settings collects Option values shared by Controller and Reconciler.
type settings struct {
	clock          clock.Clock
	events         EventPublisher
	metrics        Metrics
	logger         zerolog.Logger
	recorder       RunRecorder
	guard          PlanGuard
	slot           *CheckpointSlot
	revertAttempts int
	revertBackoff  time.Duration
}

// Option configures a Controller or Reconciler.
type Option func(*settings)

func newSettings(opts []Option) *settings {
	s := &settings{
		clock:          clock.New(),
		metrics:        noopMetrics{},
		logger:         zerolog.Nop(),
		revertAttempts: DefaultRevertAttempts,
		revertBackoff:  defaultRevertBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.slot == nil {
		s.slot = NewCheckpointSlot()
	}
	return s
}

func (s *settings) controller(backend Backend) *Controller {
	return &Controller{
		backend:        backend,
		clock:          s.clock,
		events:         s.events,
		metrics:        s.metrics,
		logger:         s.logger.With().Str("component", "controller").Logger(),
		tracer:         otel.Tracer(tracerName),
		revertAttempts: s.revertAttempts,
		revertBackoff:  s.revertBackoff,
	}
}

// WithClock sets the time source used for polling and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithEventPublisher sets the destination of timeline events.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *settings) { s.events = p }
}

// WithMetrics sets the metrics observer.
func WithMetrics(m Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRunRecorder persists every finished reconciliation.
func WithRunRecorder(r RunRecorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithPlanGuard checks every plan before a checkpoint is taken.
func WithPlanGuard(g PlanGuard) Option {
	return func(s *settings) { s.guard = g }
}

// WithSlot shares a checkpoint slot between reconcilers.
func WithSlot(slot *CheckpointSlot) Option {
	return func(s *settings) { s.slot = slot }
}

// WithRevertAttempts sets how many times a revert is tried.
func WithRevertAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.revertAttempts = n
		}
	}
}

// WithRevertBackoff sets the pause between revert attempts.
func WithRevertBackoff(d time.Duration) Option {
	return func(s *settings) { s.revertBackoff = d }
}
