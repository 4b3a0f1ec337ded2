package errdefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "message only",
			err:  NewValueError("unknown property", nil),
			want: "[value] unknown property",
		},
		{
			name: "resource",
			err:  NewValueError("invalid mtu", nil).WithResource("eth0"),
			want: "[value] invalid mtu (resource=eth0)",
		},
		{
			name: "resource and operation with cause",
			err: NewBackendError("apply failed", errors.New("device busy")).
				WithResource("bond0").WithOperation("create"),
			want: "[backend] apply failed (resource=bond0, operation=create): device busy",
		},
		{
			name: "cycle",
			err:  NewDependencyCycleError([]string{"br0", "br1", "br0"}),
			want: "[dependency-cycle] circular dependency detected: br0 -> br1 -> br0",
		},
		{
			name: "capture",
			err:  NewCaptureResolutionError("nic", "interfaces.3.name", "index out of range"),
			want: "[capture-resolution] cannot resolve capture.nic.interfaces.3.name: index out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("reconcile: %w", NewDependencyConflictError("eth0", "eth0 is a port of bond0 and bond1"))

	if got := KindOf(wrapped); got != KindDependencyConflict {
		t.Errorf("KindOf() = %q, want %q", got, KindDependencyConflict)
	}
	if !IsKind(wrapped, KindDependencyConflict) {
		t.Error("expected IsKind to see through wrapping")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("expected no kind for a plain error")
	}
	if IsKind(nil, KindValue) {
		t.Error("expected nil error to have no kind")
	}

	var e *EngineError
	if !errors.As(wrapped, &e) || e.Resource != "eth0" || len(e.Interfaces) != 1 {
		t.Errorf("expected conflict on eth0, got %+v", e)
	}
}

func TestEngineError_Is(t *testing.T) {
	err := NewBackendError("snapshot failed", context.DeadlineExceeded)

	if !errors.Is(err, &EngineError{Kind: KindBackend, Code: ErrCodeBackendFailed}) {
		t.Error("expected match on kind and code")
	}
	if errors.Is(err, &EngineError{Kind: KindBackend, Code: ErrCodeTimeout}) {
		t.Error("expected no match on a different code")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected the cause to stay reachable")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		permanent bool
	}{
		{"value", NewValueError("bad", nil), false, true},
		{"verification", NewVerificationError("timeout", nil), true, false},
		{"busy checkpoint", NewBackendError("busy", nil).WithClass(ErrorClassConflict), true, false},
		{"throttled", NewBackendError("slow down", nil).WithClass(ErrorClassThrottled), true, false},
		{"rollback", NewRollbackError(3, errors.New("netlink: EBUSY")), false, true},
		{"plain", errors.New("plain"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestNewBackendError_KeepsInnerClass(t *testing.T) {
	inner := NewBackendError("checkpoint held", nil).WithClass(ErrorClassConflict)
	outer := NewBackendError("apply failed", inner)

	if !IsConflict(outer) {
		t.Errorf("expected conflict class to propagate, got %s", outer.Class)
	}
}

func TestErrorKind(t *testing.T) {
	for _, k := range []ErrorKind{KindValue, KindCaptureResolution, KindDependencyConflict,
		KindDependencyCycle, KindPolicyDenied} {
		if err := k.Validate(); err != nil {
			t.Errorf("%s: unexpected error: %v", k, err)
		}
		if !k.IsPure() {
			t.Errorf("%s: expected pure kind", k)
		}
	}
	for _, k := range []ErrorKind{KindBackend, KindVerification, KindCancelled, KindRollbackFailed} {
		if k.IsPure() {
			t.Errorf("%s: expected mutating kind", k)
		}
	}
	if err := ErrorKind("mystery").Validate(); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestDetailsAndInterfaces(t *testing.T) {
	err := NewPolicyDeniedError([]string{"loopback-protection: lo must stay up", "mtu-bounds: eth0 mtu 20"})

	if !strings.HasPrefix(err.Message, "plan denied by policy: loopback-protection") {
		t.Errorf("unexpected message %q", err.Message)
	}
	if v, ok := err.Details["violations"].([]string); !ok || len(v) != 2 {
		t.Errorf("expected violations detail, got %v", err.Details)
	}

	err.WithInterfaces("lo", "eth0", "lo")
	if len(err.Interfaces) != 2 {
		t.Errorf("expected duplicates to be dropped, got %v", err.Interfaces)
	}

	rb := NewRollbackError(3, nil)
	if rb.Details["attempts"] != 3 || rb.Code != ErrCodeInconsistent {
		t.Errorf("unexpected rollback error: %+v", rb)
	}
}
