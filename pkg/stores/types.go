package stores

import (
	"context"
	"time"

	"github.com/openfroyo/netfroyo/pkg/engine"
)

// RunStatus is the coarse status of a recorded run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// CheckpointStatus is how a run's checkpoint was resolved.
type CheckpointStatus string

const (
	CheckpointStatusCommitted    CheckpointStatus = "committed"
	CheckpointStatusReverted     CheckpointStatus = "reverted"
	CheckpointStatusRevertFailed CheckpointStatus = "revert-failed"
	// CheckpointStatusReleased means the checkpoint was released with the
	// partial changes kept.
	CheckpointStatusReleased CheckpointStatus = "released"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one recorded reconciliation.
type Run struct {
	ID             string         `json:"id"`
	Outcome        engine.Outcome `json:"outcome"`
	Status         RunStatus      `json:"status"`
	DryRun         bool           `json:"dry_run"`
	Checkpoint     *string        `json:"checkpoint,omitempty"`
	Polls          int            `json:"polls"`
	RevertAttempts int            `json:"revert_attempts"`
	Summary        string         `json:"summary"` // JSON blob of engine.PlanSummary
	Options        string         `json:"options"` // JSON blob of engine.Options
	Error          *string        `json:"error,omitempty"`
	ErrorKind      *string        `json:"error_kind,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Operation is the recorded execution of one plan operation.
type Operation struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	Seq        int                    `json:"seq"`
	Action     engine.Action          `json:"action"`
	Subject    string                 `json:"subject"`
	Status     engine.OperationStatus `json:"status"`
	Error      *string                `json:"error,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
}

// Checkpoint is the recorded lifecycle of one checkpoint.
type Checkpoint struct {
	ID             string           `json:"id"`
	RunID          string           `json:"run_id"`
	Status         CheckpointStatus `json:"status"`
	RevertAttempts int              `json:"revert_attempts"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Event represents an append-only log event
type Event struct {
	ID          int64      `json:"id"`
	EventID     string     `json:"event_id"`
	RunID       string     `json:"run_id"`
	Type        string     `json:"type"`
	Phase       *string    `json:"phase,omitempty"`
	OperationID *string    `json:"operation_id,omitempty"`
	Interface   *string    `json:"interface,omitempty"`
	Level       EventLevel `json:"level"`
	Message     string     `json:"message"`
	Details     *string    `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time  `json:"timestamp"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Outcome engine.Outcome
	Status  RunStatus
	Limit   int
	Offset  int
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	RunID     *string
	Interface *string
	Level     *EventLevel
	Limit     int
	Offset    int
}

// Store defines the interface for the run history.
type Store interface {
	engine.RunRecorder
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Operation and checkpoint history
	ListOperationsByRun(ctx context.Context, runID string) ([]*Operation, error)
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
