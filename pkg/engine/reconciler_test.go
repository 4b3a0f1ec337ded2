package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/netfroyo/pkg/backend/memory"
	"github.com/openfroyo/netfroyo/pkg/clock"
	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

const hostState = `
interfaces:
  - name: eth0
    type: ethernet
    state: up
    mtu: 1500
  - name: eth1
    type: ethernet
    state: up
    mtu: 1500
`

const bondDoc = `
interfaces:
  - name: bond0
    type: bond
    link-aggregation:
      mode: active-backup
      port: [eth1, eth0]
  - name: bond0.100
    type: vlan
    vlan:
      base-iface: bond0
      id: 100
`

type eventLog struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (l *eventLog) Publish(ctx context.Context, e *engine.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []engine.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]engine.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type runLog struct {
	records []*engine.RunRecord
}

func (l *runLog) RecordRun(ctx context.Context, rec *engine.RunRecord) error {
	l.records = append(l.records, rec)
	return nil
}

type denyAll struct{}

func (denyAll) Check(ctx context.Context, plan *engine.Plan, current *state.Map) error {
	return errdefs.NewPolicyDeniedError([]string{"no changes on fridays"})
}

func doc(t *testing.T, s string) *state.Map {
	t.Helper()
	m, err := state.Decode([]byte(s))
	if err != nil {
		t.Fatalf("Failed to decode document: %v", err)
	}
	return m
}

func newBackend(t *testing.T) *memory.Backend {
	t.Helper()
	return memory.New(doc(t, hostState))
}

func testOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Timeout = 5 * time.Second
	opts.PollInterval = time.Second
	return opts
}

func newReconciler(b *memory.Backend, opts ...engine.Option) (*engine.Reconciler, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]engine.Option{engine.WithClock(clk), engine.WithRevertBackoff(0)}, opts...)
	return engine.NewReconciler(b, opts...), clk
}

func engineError(t *testing.T, err error) *errdefs.EngineError {
	t.Helper()
	var ee *errdefs.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected EngineError, got %T: %v", err, err)
	}
	return ee
}

func entry(t *testing.T, m *state.Map, name string) *state.Map {
	t.Helper()
	entries, err := state.InterfaceEntries(m)
	if err != nil {
		t.Fatalf("InterfaceEntries failed: %v", err)
	}
	for _, e := range entries {
		if e.String(state.KeyName) == name {
			return e
		}
	}
	return nil
}

func TestReconcile_CommitsAndIsIdempotent(t *testing.T) {
	b := newBackend(t)
	r, _ := newReconciler(b)

	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), testOptions())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Outcome != engine.OutcomeCommitted {
		t.Errorf("Expected committed, got %s", res.Outcome)
	}
	if res.Polls != 1 {
		t.Errorf("Expected convergence on the first poll, got %d", res.Polls)
	}
	if got := strings.Join(b.Names(), ","); got != "bond0,bond0.100,eth0,eth1" {
		t.Errorf("Unexpected interfaces %s", got)
	}
	if ctl := entry(t, res.FinalState, "eth0").String(state.KeyController); ctl != "bond0" {
		t.Errorf("Expected eth0 to report bond0 as controller, got %q", ctl)
	}

	var phases []string
	for _, p := range res.Phases {
		phases = append(phases, string(p.Phase))
	}
	want := "idle,planning,checkpointed,applying,verifying,committed,idle"
	if got := strings.Join(phases, ","); got != want {
		t.Errorf("Expected phases %s, got %s", want, got)
	}

	res, err = r.Reconcile(context.Background(), doc(t, bondDoc), testOptions())
	if err != nil {
		t.Fatalf("Second reconcile failed: %v", err)
	}
	if res.Outcome != engine.OutcomeNoChanges {
		t.Errorf("Expected no-changes on second run, got %s", res.Outcome)
	}
	if n := b.Count("checkpoint-create"); n != 1 {
		t.Errorf("Expected one checkpoint overall, got %d", n)
	}
}

func TestReconcile_VerificationTimeoutReverts(t *testing.T) {
	b := newBackend(t)
	b.FilterSnapshots(func(m *state.Map) {
		if e := entry(t, m, "eth0"); e != nil {
			e.Delete(state.KeyMTU)
		}
	})
	r, clk := newReconciler(b)

	res, err := r.Reconcile(context.Background(), doc(t, `
interfaces:
  - name: eth0
    mtu: 9000
`), testOptions())

	if !errdefs.IsKind(err, errdefs.KindVerification) {
		t.Fatalf("Expected verification error, got %v", err)
	}
	if res.Outcome != engine.OutcomeReverted {
		t.Errorf("Expected reverted, got %s", res.Outcome)
	}
	if n := b.Count("checkpoint-revert"); n != 1 {
		t.Errorf("Expected exactly one revert, got %d", n)
	}
	if res.Polls != 5 {
		t.Errorf("Expected 5 polls within a 5s timeout, got %d", res.Polls)
	}
	if n := len(clk.Sleeps()); n != 4 {
		t.Errorf("Expected 4 sleeps between polls, got %d", n)
	}

	ee := engineError(t, err)
	if len(ee.Interfaces) != 1 || ee.Interfaces[0] != "eth0" {
		t.Errorf("Expected error to name eth0, got %v", ee.Interfaces)
	}
	if ee.Details["rollback"] != "changes made and reverted" {
		t.Errorf("Unexpected rollback detail %v", ee.Details["rollback"])
	}
	if len(res.LastDiff) == 0 {
		t.Error("Expected the last diff to be kept")
	}

	b.FilterSnapshots(nil)
	live, _ := b.Snapshot(context.Background())
	if mtu, _ := entry(t, live, "eth0").Int(state.KeyMTU); mtu != 1500 {
		t.Errorf("Expected mtu restored to 1500, got %d", mtu)
	}
}

func TestReconcile_ApplyFailureReverts(t *testing.T) {
	b := newBackend(t)
	b.FailApply("bond0.100", errors.New("netlink: operation not supported"))
	r, _ := newReconciler(b)

	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), testOptions())
	if !errdefs.IsKind(err, errdefs.KindBackend) {
		t.Fatalf("Expected backend error, got %v", err)
	}
	if res.Outcome != engine.OutcomeReverted {
		t.Errorf("Expected reverted, got %s", res.Outcome)
	}
	if got := strings.Join(b.Names(), ","); got != "eth0,eth1" {
		t.Errorf("Expected original interfaces after revert, got %s", got)
	}

	if len(res.Operations) != 2 {
		t.Fatalf("Expected 2 operation results, got %d", len(res.Operations))
	}
	if res.Operations[0].Status != engine.OperationSucceeded || res.Operations[1].Status != engine.OperationFailed {
		t.Errorf("Unexpected statuses %s, %s", res.Operations[0].Status, res.Operations[1].Status)
	}
	if ee := engineError(t, err); ee.Resource != "bond0.100" {
		t.Errorf("Expected bond0.100 as resource, got %q", ee.Resource)
	}
}

func TestReconcile_ChangesKept(t *testing.T) {
	b := newBackend(t)
	b.FailApply("bond0.100", errors.New("netlink: operation not supported"))
	r, _ := newReconciler(b)

	opts := testOptions()
	opts.RollbackOnFailure = false
	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), opts)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if res.Outcome != engine.OutcomeChangesKept {
		t.Errorf("Expected changes-kept, got %s", res.Outcome)
	}
	if b.Count("checkpoint-revert") != 0 {
		t.Error("Expected no revert")
	}
	if got := strings.Join(b.Names(), ","); got != "bond0,eth0,eth1" {
		t.Errorf("Expected bond0 to stay, got %s", got)
	}
	if ee := engineError(t, err); ee.Details["rollback"] != "changes made, not reverted" {
		t.Errorf("Unexpected rollback detail %v", ee.Details["rollback"])
	}
}

func TestReconcile_RevertFailure(t *testing.T) {
	b := newBackend(t)
	b.FailApply("bond0", errors.New("netlink: device busy"))
	b.FailRevert(10, errors.New("checkpoint store unavailable"))
	r, _ := newReconciler(b, engine.WithRevertAttempts(3))

	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), testOptions())
	if !errdefs.IsKind(err, errdefs.KindRollbackFailed) {
		t.Fatalf("Expected rollback-failed, got %v", err)
	}
	if res.Outcome != engine.OutcomeRevertFailed {
		t.Errorf("Expected revert-failed, got %s", res.Outcome)
	}
	if n := b.Count("checkpoint-revert"); n != 3 {
		t.Errorf("Expected 3 revert attempts, got %d", n)
	}
	if res.RevertAttempts != 3 {
		t.Errorf("Expected RevertAttempts 3, got %d", res.RevertAttempts)
	}
	if ee := engineError(t, err); ee.Code != errdefs.ErrCodeInconsistent {
		t.Errorf("Expected %s, got %s", errdefs.ErrCodeInconsistent, ee.Code)
	}
}

func TestReconcile_CheckpointFailure(t *testing.T) {
	b := newBackend(t)
	b.FailCheckpoint(errors.New("nmstate: checkpoint already exists"))
	r, _ := newReconciler(b)

	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), testOptions())
	if !errdefs.IsKind(err, errdefs.KindBackend) {
		t.Fatalf("Expected backend error, got %v", err)
	}
	if ee := engineError(t, err); ee.Code != errdefs.ErrCodeCheckpointFailed {
		t.Errorf("Expected %s, got %s", errdefs.ErrCodeCheckpointFailed, ee.Code)
	}
	if res.Outcome != engine.OutcomeFailed {
		t.Errorf("Expected failed, got %s", res.Outcome)
	}
	for _, c := range b.Calls() {
		if strings.HasPrefix(c, "apply") {
			t.Errorf("Expected no apply calls, got %q", c)
		}
	}
}

func TestReconcile_CycleTouchesNothing(t *testing.T) {
	b := newBackend(t)
	r, _ := newReconciler(b)

	res, err := r.Reconcile(context.Background(), doc(t, `
interfaces:
  - name: br0
    type: linux-bridge
    bridge:
      port:
        - name: br1
  - name: br1
    type: linux-bridge
    bridge:
      port:
        - name: br0
`), testOptions())

	if !errdefs.IsKind(err, errdefs.KindDependencyCycle) {
		t.Fatalf("Expected dependency-cycle, got %v", err)
	}
	if res.Outcome != engine.OutcomeFailed {
		t.Errorf("Expected failed, got %s", res.Outcome)
	}
	if calls := b.Calls(); len(calls) != 1 || calls[0] != "snapshot" {
		t.Errorf("Expected a single snapshot call, got %v", calls)
	}
}

func TestReconcile_CancelledDuringApply(t *testing.T) {
	b := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.OnApply(func(op engine.Operation) { cancel() })
	r, _ := newReconciler(b)

	res, err := r.Reconcile(ctx, doc(t, bondDoc), testOptions())
	if !errdefs.IsKind(err, errdefs.KindCancelled) {
		t.Fatalf("Expected cancelled, got %v", err)
	}
	if res.Outcome != engine.OutcomeReverted {
		t.Errorf("Expected reverted, got %s", res.Outcome)
	}
	if got := strings.Join(b.Names(), ","); got != "eth0,eth1" {
		t.Errorf("Expected original interfaces after cancel, got %s", got)
	}
	if res.Operations[1].Status != engine.OperationSkipped {
		t.Errorf("Expected second operation to be skipped, got %s", res.Operations[1].Status)
	}
}

func TestReconcile_CancelledDuringVerify(t *testing.T) {
	b := newBackend(t)
	b.FilterSnapshots(func(m *state.Map) {
		if e := entry(t, m, "eth0"); e != nil {
			e.Delete(state.KeyMTU)
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, clk := newReconciler(b)
	clk.OnSleep(func(time.Duration) { cancel() })

	res, err := r.Reconcile(ctx, doc(t, `
interfaces:
  - name: eth0
    mtu: 9000
`), testOptions())

	if !errdefs.IsKind(err, errdefs.KindCancelled) {
		t.Fatalf("Expected cancelled, got %v", err)
	}
	if res.Outcome != engine.OutcomeReverted {
		t.Errorf("Expected reverted, got %s", res.Outcome)
	}
	if n := b.Count("checkpoint-revert"); n != 1 {
		t.Errorf("Expected exactly one revert, got %d", n)
	}
	if res.Polls != 1 {
		t.Errorf("Expected cancellation after the first poll, got %d polls", res.Polls)
	}

	b.FilterSnapshots(nil)
	live, _ := b.Snapshot(context.Background())
	if mtu, _ := entry(t, live, "eth0").Int(state.KeyMTU); mtu != 1500 {
		t.Errorf("Expected mtu restored to 1500, got %d", mtu)
	}
}

func TestReconcile_CancelledBeforeFirstPoll(t *testing.T) {
	b := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.OnApply(func(op engine.Operation) {
		if op.Subject() == "bond0.100" {
			cancel()
		}
	})
	r, _ := newReconciler(b)

	res, err := r.Reconcile(ctx, doc(t, bondDoc), testOptions())
	if !errdefs.IsKind(err, errdefs.KindCancelled) {
		t.Fatalf("Expected cancelled, got %v", err)
	}
	if res.Outcome != engine.OutcomeReverted {
		t.Errorf("Expected reverted, got %s", res.Outcome)
	}
	for _, op := range res.Operations {
		if op.Status != engine.OperationSucceeded {
			t.Errorf("Expected %s to be applied before cancellation, got %s", op.Subject, op.Status)
		}
	}
	if n := b.Count("checkpoint-revert"); n != 1 {
		t.Errorf("Expected exactly one revert, got %d", n)
	}
	if got := strings.Join(b.Names(), ","); got != "eth0,eth1" {
		t.Errorf("Expected original interfaces after cancel, got %s", got)
	}
}

func TestReconcile_SkipVerification(t *testing.T) {
	b := newBackend(t)
	b.FilterSnapshots(func(m *state.Map) {
		if e := entry(t, m, "eth0"); e != nil {
			e.Delete(state.KeyMTU)
		}
	})
	r, clk := newReconciler(b)

	opts := testOptions()
	opts.Verify = false
	res, err := r.Reconcile(context.Background(), doc(t, `
interfaces:
  - name: eth0
    mtu: 9000
`), opts)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Outcome != engine.OutcomeCommitted {
		t.Errorf("Expected committed, got %s", res.Outcome)
	}
	if res.Polls != 0 {
		t.Errorf("Expected no polls, got %d", res.Polls)
	}
	if n := len(clk.Sleeps()); n != 0 {
		t.Errorf("Expected no sleeps, got %d", n)
	}

	var phases []string
	for _, p := range res.Phases {
		phases = append(phases, string(p.Phase))
	}
	want := "idle,planning,checkpointed,applying,committed,idle"
	if got := strings.Join(phases, ","); got != want {
		t.Errorf("Expected phases %s, got %s", want, got)
	}
}

func TestReconcile_ZeroOptions(t *testing.T) {
	defaults := engine.DefaultOptions()
	if !defaults.Verify || !defaults.RollbackOnFailure || !defaults.Wait {
		t.Fatalf("Expected verify, rollback and wait on by default, got %+v", defaults)
	}

	b := newBackend(t)
	b.FailApply("bond0.100", errors.New("netlink: device busy"))
	r, _ := newReconciler(b)

	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), engine.Options{})
	if !errdefs.IsKind(err, errdefs.KindBackend) {
		t.Fatalf("Expected backend error, got %v", err)
	}
	if res.Outcome != engine.OutcomeChangesKept {
		t.Errorf("Expected changes-kept with zero options, got %s", res.Outcome)
	}
	if res.Polls != 0 {
		t.Errorf("Expected no polls with zero options, got %d", res.Polls)
	}
	if n := b.Count("checkpoint-revert"); n != 0 {
		t.Errorf("Expected no revert with zero options, got %d", n)
	}
}

func TestReconcile_DryRun(t *testing.T) {
	b := newBackend(t)
	r, _ := newReconciler(b)

	opts := testOptions()
	opts.DryRun = true
	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), opts)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Outcome != engine.OutcomePlanned {
		t.Errorf("Expected planned, got %s", res.Outcome)
	}
	if res.Plan == nil || res.Plan.Summary.ToCreate != 2 {
		t.Errorf("Expected a plan with 2 creates, got %+v", res.Plan)
	}
	if calls := b.Calls(); len(calls) != 1 {
		t.Errorf("Expected only a snapshot, got %v", calls)
	}
}

func TestReconcile_PlanGuard(t *testing.T) {
	b := newBackend(t)
	r, _ := newReconciler(b, engine.WithPlanGuard(denyAll{}))

	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), testOptions())
	if !errdefs.IsKind(err, errdefs.KindPolicyDenied) {
		t.Fatalf("Expected policy-denied, got %v", err)
	}
	if res.Outcome != engine.OutcomeFailed {
		t.Errorf("Expected failed, got %s", res.Outcome)
	}
	if b.Count("checkpoint-create") != 0 {
		t.Error("Expected no checkpoint")
	}
}

func TestReconcile_SlotBusy(t *testing.T) {
	slot := engine.NewCheckpointSlot()
	held, err := slot.Acquire(context.Background(), "other-run", false)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer held.Release()

	b := newBackend(t)
	r, _ := newReconciler(b, engine.WithSlot(slot))

	opts := testOptions()
	opts.Wait = false
	_, err = r.Reconcile(context.Background(), doc(t, bondDoc), opts)
	if !errdefs.IsConflict(err) {
		t.Fatalf("Expected a conflict, got %v", err)
	}
	if ee := engineError(t, err); ee.Code != errdefs.ErrCodeCheckpointBusy {
		t.Errorf("Expected %s, got %s", errdefs.ErrCodeCheckpointBusy, ee.Code)
	}
	if len(b.Calls()) != 0 {
		t.Errorf("Expected no backend calls, got %v", b.Calls())
	}
}

func TestReconcile_CapturePolicy(t *testing.T) {
	b := memory.New(doc(t, `
interfaces:
  - name: eth0
    type: ethernet
    state: up
  - name: dummy0
    type: dummy
    state: up
`))
	r, _ := newReconciler(b)

	res, err := r.Reconcile(context.Background(), doc(t, `
capture:
  dummies: interfaces.type == "dummy"
desired:
  interfaces:
    - name: "{{ capture.dummies.interfaces.0.name }}"
      state: absent
`), testOptions())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Outcome != engine.OutcomeCommitted {
		t.Errorf("Expected committed, got %s", res.Outcome)
	}
	if got := strings.Join(b.Names(), ","); got != "eth0" {
		t.Errorf("Expected dummy0 to be removed, got %s", got)
	}
	if _, ok := res.Captures["dummies"]; !ok {
		t.Error("Expected capture results on the result")
	}
}

func TestReconcile_EventsAndRecord(t *testing.T) {
	b := newBackend(t)
	events := &eventLog{}
	runs := &runLog{}
	r, _ := newReconciler(b, engine.WithEventPublisher(events), engine.WithRunRecorder(runs))

	res, err := r.Reconcile(context.Background(), doc(t, bondDoc), testOptions())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	types := events.types()
	if types[0] != engine.EventTypePhaseChanged || types[1] != engine.EventTypeRunStarted {
		t.Errorf("Unexpected leading events %v", types[:2])
	}
	if types[len(types)-1] != engine.EventTypeRunCompleted {
		t.Errorf("Expected run.completed last, got %s", types[len(types)-1])
	}
	counts := make(map[engine.EventType]int)
	for _, et := range types {
		counts[et]++
	}
	if counts[engine.EventTypeOperationCompleted] != 2 {
		t.Errorf("Expected 2 operation.completed events, got %d", counts[engine.EventTypeOperationCompleted])
	}
	if counts[engine.EventTypeVerifyPoll] != 1 {
		t.Errorf("Expected 1 verify.poll event, got %d", counts[engine.EventTypeVerifyPoll])
	}
	for _, e := range events.events {
		if e.RunID != res.RunID {
			t.Fatalf("Expected every event to carry run %s, got %s", res.RunID, e.RunID)
		}
	}

	if len(runs.records) != 1 || runs.records[0].Result != res {
		t.Fatalf("Expected the run to be recorded once, got %d", len(runs.records))
	}
}
