package engine

import (
	"time"

	"github.com/openfroyo/netfroyo/pkg/state"
)

// Operation is one step of a plan, sent to the backend as a unit.
type Operation struct {
	// ID is the unique identifier for this operation.
	ID string `json:"id"`

	// Action is what the operation does.
	Action Action `json:"action"`

	// Key identifies the interface. It is empty for section operations.
	Key state.InterfaceKey `json:"key"`

	// Iface is the typed view of Target. For removals it describes the
	// interface being removed.
	Iface *state.Interface `json:"-"`

	// Target is the full property set of the interface after the
	// operation, or of the section for section operations. For removals
	// it is the current entry; for removed sections it is nil.
	Target *state.Map `json:"target,omitempty"`

	// Current is the live entry before the operation, nil for creates.
	Current *state.Map `json:"current,omitempty"`

	// Changes lists the leaf properties that differ.
	Changes []state.Change `json:"changes,omitempty"`

	// Section names the global section for section operations.
	Section string `json:"section,omitempty"`

	// Cascaded marks removals implied by another removal.
	Cascaded bool `json:"cascaded,omitempty"`
}

// Subject returns the interface name or section name the operation acts on.
func (o *Operation) Subject() string {
	if o.Action == ActionSection {
		return o.Section
	}
	return o.Key.Name
}

// String returns a one-line description such as "create bond0 (bond)".
func (o *Operation) String() string {
	if o.Action == ActionSection {
		return "section " + o.Section
	}
	return string(o.Action) + " " + o.Key.String()
}

// Plan is an ordered, immutable list of operations.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Operations in execution order: removals, then creates and modifies,
	// then global sections.
	Operations []Operation `json:"operations"`

	// Summary provides high-level statistics about the plan.
	Summary PlanSummary `json:"summary"`

	// Warnings collected while canonicalizing the desired state.
	Warnings []string `json:"warnings,omitempty"`
}

// IsEmpty returns true if the plan has no operations.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Operations) == 0
}

// Index returns the position of the operation on key with the given
// action, or -1.
func (p *Plan) Index(key state.InterfaceKey, action Action) int {
	for i := range p.Operations {
		if p.Operations[i].Key == key && p.Operations[i].Action == action {
			return i
		}
	}
	return -1
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// Total is the number of operations.
	Total int `json:"total"`

	// ToCreate is the number of interfaces to create.
	ToCreate int `json:"to_create"`

	// ToModify is the number of interfaces to modify in place.
	ToModify int `json:"to_modify"`

	// ToRemove is the number of interfaces to remove.
	ToRemove int `json:"to_remove"`

	// ToRecreate is the number of interfaces to delete and create again.
	ToRecreate int `json:"to_recreate"`

	// Sections is the number of global sections to replace.
	Sections int `json:"sections"`

	// Unchanged is the number of desired interfaces that already match.
	Unchanged int `json:"unchanged"`
}

// PhaseRecord is one controller state transition.
type PhaseRecord struct {
	Phase     Phase     `json:"phase"`
	EnteredAt time.Time `json:"entered_at"`
}

// OperationStatus is the execution status of one operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
	OperationSkipped   OperationStatus = "skipped"
)

// OperationResult records the execution of one operation.
type OperationResult struct {
	OperationID string          `json:"operation_id"`
	Action      Action          `json:"action"`
	Subject     string          `json:"subject"`
	Status      OperationStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

// Result is the outcome of a reconciliation.
type Result struct {
	// RunID identifies the reconciliation in events and run history.
	RunID string `json:"run_id"`

	// Outcome distinguishes no changes, committed, reverted and revert-failed.
	Outcome Outcome `json:"outcome"`

	// Plan is the plan that was executed, possibly partially.
	Plan *Plan `json:"plan,omitempty"`

	// FinalState is the last observed state: the verified state after a
	// commit, or the snapshot taken before planning otherwise.
	FinalState *state.Map `json:"final_state,omitempty"`

	// LastDiff is the last difference observed while verifying.
	LastDiff []state.Change `json:"last_diff,omitempty"`

	// Phases lists every controller state in order.
	Phases []PhaseRecord `json:"phases"`

	// Operations records per-operation execution.
	Operations []OperationResult `json:"operations,omitempty"`

	// Checkpoint is the ID of the checkpoint taken for this run, if any.
	Checkpoint string `json:"checkpoint,omitempty"`

	// Captures holds the capture results used to resolve a policy document.
	Captures map[string]*state.Map `json:"captures,omitempty"`

	// Polls is the number of verification snapshots taken.
	Polls int `json:"polls,omitempty"`

	// RevertAttempts is the number of checkpoint revert calls made.
	RevertAttempts int `json:"revert_attempts,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Touched returns the names of every interface the plan operated on.
func (r *Result) Touched() []string {
	if r.Plan == nil {
		return nil
	}
	var out []string
	for _, op := range r.Plan.Operations {
		if op.Action != ActionSection {
			out = append(out, op.Key.Name)
		}
	}
	return out
}

// Event represents a timeline event during reconciliation.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the reconciliation this event belongs to.
	RunID string `json:"run_id"`

	// Phase is the controller phase when the event was emitted.
	Phase Phase `json:"phase,omitempty"`

	// OperationID is the ID of the operation, if applicable.
	OperationID string `json:"operation_id,omitempty"`

	// Interface is the interface or section name, if applicable.
	Interface string `json:"interface,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// RunRecord is what a RunRecorder persists about one reconciliation.
type RunRecord struct {
	Result *Result
	// Options are the effective options of the run.
	Options Options
	// Err is the terminal error, nil on success.
	Err error
}
