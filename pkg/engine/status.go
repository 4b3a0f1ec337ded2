package engine

import (
	"encoding/json"
	"fmt"
)

// Phase is a state of the transactional controller.
type Phase string

const (
	// PhaseIdle is the resting state before and after a reconciliation.
	PhaseIdle Phase = "idle"

	// PhasePlanning covers snapshot, merge, graph and plan construction.
	PhasePlanning Phase = "planning"

	// PhaseCheckpointed means the backend holds a checkpoint of the prior state.
	PhaseCheckpointed Phase = "checkpointed"

	// PhaseApplying means operations are being sent to the backend.
	PhaseApplying Phase = "applying"

	// PhaseVerifying means the controller is polling for convergence.
	PhaseVerifying Phase = "verifying"

	// PhaseCommitted means the checkpoint was committed.
	PhaseCommitted Phase = "committed"

	// PhaseRollingBack means the checkpoint is being reverted.
	PhaseRollingBack Phase = "rolling-back"
)

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseIdle, PhasePlanning, PhaseCheckpointed, PhaseApplying,
		PhaseVerifying, PhaseCommitted, PhaseRollingBack:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// IsMutating returns true while the host may differ from the checkpoint.
func (p Phase) IsMutating() bool {
	return p == PhaseApplying || p == PhaseVerifying || p == PhaseRollingBack
}

// allowedTransitions lists the legal moves of the controller state machine.
var allowedTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhasePlanning},
	PhasePlanning:     {PhaseCheckpointed, PhaseIdle},
	PhaseCheckpointed: {PhaseApplying, PhaseRollingBack, PhaseIdle},
	PhaseApplying:     {PhaseVerifying, PhaseCommitted, PhaseRollingBack, PhaseIdle},
	PhaseVerifying:    {PhaseCommitted, PhaseRollingBack, PhaseIdle},
	PhaseCommitted:    {PhaseIdle},
	PhaseRollingBack:  {PhaseIdle},
}

// CanTransition reports whether the controller may move from p to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range allowedTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Outcome is the result of a reconciliation.
type Outcome string

const (
	// OutcomeNoChanges means the desired state already held.
	OutcomeNoChanges Outcome = "no-changes"

	// OutcomePlanned means a dry run stopped after planning.
	OutcomePlanned Outcome = "planned"

	// OutcomeCommitted means every change applied, verified and committed.
	OutcomeCommitted Outcome = "committed"

	// OutcomeReverted means a failure was rolled back to the checkpoint.
	OutcomeReverted Outcome = "reverted"

	// OutcomeRevertFailed means rollback failed; the host state is undefined.
	OutcomeRevertFailed Outcome = "revert-failed"

	// OutcomeChangesKept means a failure occurred and rollback was disabled.
	OutcomeChangesKept Outcome = "changes-kept"

	// OutcomeFailed means reconciliation stopped before touching the host.
	OutcomeFailed Outcome = "failed"
)

// IsSuccess returns true if the desired state holds after the run.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeNoChanges || o == OutcomeCommitted || o == OutcomePlanned
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeNoChanges, OutcomePlanned, OutcomeCommitted, OutcomeReverted,
		OutcomeRevertFailed, OutcomeChangesKept, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}

// Action is what an operation does to its target.
type Action string

const (
	// ActionCreate creates a new interface.
	ActionCreate Action = "create"

	// ActionModify changes properties of an existing interface.
	ActionModify Action = "modify"

	// ActionRemove deletes an interface.
	ActionRemove Action = "remove"

	// ActionRecreate deletes and re-creates an interface whose immutable
	// attributes changed.
	ActionRecreate Action = "recreate"

	// ActionSection replaces a global section such as routes.
	ActionSection Action = "section"
)

// IsDestructive returns true if the operation deletes a kernel object.
func (a Action) IsDestructive() bool {
	return a == ActionRemove || a == ActionRecreate
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionModify, ActionRemove, ActionRecreate, ActionSection:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// EventType represents the type of event in the reconciliation timeline.
type EventType string

const (
	EventTypeRunStarted         EventType = "run.started"
	EventTypeRunCompleted       EventType = "run.completed"
	EventTypeRunFailed          EventType = "run.failed"
	EventTypePhaseChanged       EventType = "phase.changed"
	EventTypeOperationStarted   EventType = "operation.started"
	EventTypeOperationCompleted EventType = "operation.completed"
	EventTypeOperationFailed    EventType = "operation.failed"
	EventTypeVerifyPoll         EventType = "verify.poll"
	EventTypeRollback           EventType = "rollback"
	EventTypeWarning            EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeOperationFailed:
		return "error"
	case EventTypeWarning, EventTypeRollback:
		return "warning"
	default:
		return "info"
	}
}
