// Package errdefs defines the classified error type shared by every netfroyo
// package. Errors carry a Kind (what went wrong, as reported to callers) and
// a Class (whether retrying could help).
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the backend asked the caller to slow down.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a checkpoint
	// already held by another reconciliation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind is the user-visible category of a reconciliation failure.
type ErrorKind string

const (
	// KindValue marks malformed input: bad document, unknown property,
	// invalid capture expression.
	KindValue ErrorKind = "value"

	// KindCaptureResolution marks a capture label or path that could not be resolved.
	KindCaptureResolution ErrorKind = "capture-resolution"

	// KindDependencyConflict marks structural conflicts such as a port with two controllers.
	KindDependencyConflict ErrorKind = "dependency-conflict"

	// KindDependencyCycle marks a cycle in the interface dependency graph.
	KindDependencyCycle ErrorKind = "dependency-cycle"

	// KindBackend marks a failure reported by the backend collaborator.
	KindBackend ErrorKind = "backend"

	// KindVerification marks a plan that applied but never converged.
	KindVerification ErrorKind = "verification"

	// KindCancelled marks a reconciliation cancelled by the caller.
	KindCancelled ErrorKind = "cancelled"

	// KindRollbackFailed marks a failed revert. The host state is undefined.
	KindRollbackFailed ErrorKind = "rollback-failed"

	// KindPolicyDenied marks a plan rejected by a guard policy.
	KindPolicyDenied ErrorKind = "policy-denied"
)

// Validate checks if the error kind is known.
func (k ErrorKind) Validate() error {
	switch k {
	case KindValue, KindCaptureResolution, KindDependencyConflict, KindDependencyCycle,
		KindBackend, KindVerification, KindCancelled, KindRollbackFailed, KindPolicyDenied:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// IsPure reports whether errors of this kind are raised before any mutation.
func (k ErrorKind) IsPure() bool {
	switch k {
	case KindValue, KindCaptureResolution, KindDependencyConflict,
		KindDependencyCycle, KindPolicyDenied:
		return true
	default:
		return false
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the user-visible failure category.
	Kind ErrorKind `json:"kind"`

	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the interface or section that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Interfaces lists every interface implicated by the error.
	Interfaces []string `json:"interfaces,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Kind, e.Message))

	switch {
	case e.Resource != "" && e.Operation != "":
		sb.WriteString(fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation))
	case e.Resource != "":
		sb.WriteString(fmt.Sprintf(" (resource=%s)", e.Resource))
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when kind and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValueError creates an input error.
func NewValueError(message string, err error) *EngineError {
	return newError(KindValue, ErrorClassPermanent, ErrCodeValidation, message, err)
}

// NewCaptureResolutionError creates an error for an unresolved capture reference.
func NewCaptureResolutionError(label, path, reason string) *EngineError {
	msg := fmt.Sprintf("cannot resolve capture.%s", label)
	if path != "" {
		msg += "." + path
	}
	return newError(KindCaptureResolution, ErrorClassPermanent, ErrCodeCaptureUnresolved,
		msg+": "+reason, nil).
		WithDetail("label", label).
		WithDetail("path", path)
}

// NewDependencyConflictError creates an error for an interface claimed by
// incompatible parents. The conflicting interface is the error's resource.
func NewDependencyConflictError(iface string, message string) *EngineError {
	return newError(KindDependencyConflict, ErrorClassPermanent, ErrCodeConflict, message, nil).
		WithResource(iface).
		WithInterfaces(iface)
}

// NewDependencyCycleError creates an error for a dependency cycle.
// The cycle is rendered as "a -> b -> a".
func NewDependencyCycleError(cycle []string) *EngineError {
	return newError(KindDependencyCycle, ErrorClassPermanent, ErrCodeCycle,
		fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil).
		WithInterfaces(cycle...)
}

// NewBackendError wraps a failure reported by the backend collaborator.
// Engine errors returned by a backend keep their class.
func NewBackendError(message string, err error) *EngineError {
	class := ErrorClassPermanent
	var inner *EngineError
	if errors.As(err, &inner) && inner.Class != "" {
		class = inner.Class
	}
	return newError(KindBackend, class, ErrCodeBackendFailed, message, err)
}

// NewVerificationError creates an error for a plan that did not converge.
func NewVerificationError(message string, err error) *EngineError {
	return newError(KindVerification, ErrorClassTransient, ErrCodeTimeout, message, err)
}

// NewCancelledError creates an error for a cancelled reconciliation.
func NewCancelledError(err error) *EngineError {
	return newError(KindCancelled, ErrorClassPermanent, ErrCodeCancelled, "reconciliation cancelled", err)
}

// NewRollbackError creates the fatal "inconsistent state" error raised when a
// revert fails after all attempts.
func NewRollbackError(attempts int, err error) *EngineError {
	return newError(KindRollbackFailed, ErrorClassPermanent, ErrCodeInconsistent,
		fmt.Sprintf("checkpoint revert failed after %d attempts, host state is inconsistent", attempts), err).
		WithDetail("attempts", attempts)
}

// NewPolicyDeniedError creates an error for a plan rejected by guard policies.
func NewPolicyDeniedError(violations []string) *EngineError {
	return newError(KindPolicyDenied, ErrorClassPermanent, ErrCodePermissionDenied,
		fmt.Sprintf("plan denied by policy: %s", strings.Join(violations, "; ")), nil).
		WithDetail("violations", violations)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithClass overrides the retry classification.
func (e *EngineError) WithClass(class ErrorClass) *EngineError {
	e.Class = class
	return e
}

// WithInterfaces records the interfaces implicated by the error.
func (e *EngineError) WithInterfaces(names ...string) *EngineError {
	for _, n := range names {
		if !contains(e.Interfaces, n) {
			e.Interfaces = append(e.Interfaces, n)
		}
	}
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// KindOf returns the kind of the first EngineError in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCycle             = "CYCLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeBackendFailed     = "BACKEND_FAILED"
	ErrCodeCheckpointFailed  = "CHECKPOINT_FAILED"
	ErrCodeCheckpointBusy    = "CHECKPOINT_BUSY"
	ErrCodeCaptureUnresolved = "CAPTURE_UNRESOLVED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInconsistent      = "INCONSISTENT_STATE"
	ErrCodeUnsupported       = "UNSUPPORTED"
)
