package policy

import (
	"encoding/json"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its deny set is evaluated.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with netfroyo.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Interface is the interface or section the violation is about.
	Interface string `json:"interface,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating every enabled policy against
// one plan.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the plan.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Messages returns "policy: message" for each blocking violation.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Policy+": "+v.Message)
	}
	return out
}

// Input is the document policies see as `input`.
type Input struct {
	Plan    PlanInput       `json:"plan"`
	Current json.RawMessage `json:"current"`
	Context Context         `json:"context"`
}

// PlanInput is the plan as seen by policies.
type PlanInput struct {
	ID         string           `json:"id"`
	Summary    json.RawMessage  `json:"summary"`
	Operations []OperationInput `json:"operations"`
}

// OperationInput is one plan operation as seen by policies. Target and
// Current are the interface entries or section bodies.
type OperationInput struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Interface string          `json:"interface,omitempty"`
	Type      string          `json:"type,omitempty"`
	Section   string          `json:"section,omitempty"`
	Cascaded  bool            `json:"cascaded"`
	Target    json.RawMessage `json:"target,omitempty"`
	Current   json.RawMessage `json:"current,omitempty"`
	Changes   []string        `json:"changes"`
}

// Context carries guard settings into policy evaluation.
type Context struct {
	// Environment is the deployment environment (e.g., "production").
	Environment string `json:"environment,omitempty"`

	// Protected lists interfaces that must not be removed, recreated or
	// brought down.
	Protected []string `json:"protected"`

	// MaxOperations is the plan size above which a warning is raised.
	// Zero disables the check.
	MaxOperations int `json:"max_operations"`

	Timestamp time.Time `json:"timestamp"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
