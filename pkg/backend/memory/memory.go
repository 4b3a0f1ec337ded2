// Package memory implements an in-memory engine.Backend. It models the
// parts of kernel behaviour the engine relies on: controller fields on
// ports, veth pairs created and removed together, and checkpoints that
// restore a saved copy of the whole state.
//
// The backend can persist its state to a YAML file, which makes it usable
// as a dry-run target from the command line.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// Backend is an in-memory network stack.
type Backend struct {
	mu sync.Mutex

	state *state.Map
	path  string

	checkpoints map[string]*state.Map
	reverted    map[string]bool
	live        string

	calls []string

	applyErrors    map[string]error
	checkpointErr  error
	revertFailures int
	revertErr      error
	snapshotFilter func(*state.Map)
	applyHook      func(op engine.Operation)
}

type checkpoint string

func (c checkpoint) ID() string { return string(c) }

// New creates a backend holding initial. A nil initial is an empty state.
func New(initial *state.Map) *Backend {
	if initial == nil {
		initial = state.MapOf(state.KeyInterfaces, []state.Value{})
	}
	return &Backend{
		state:       initial.Clone(),
		checkpoints: make(map[string]*state.Map),
		reverted:    make(map[string]bool),
		applyErrors: make(map[string]error),
	}
}

// Open loads a backend from a YAML state file and writes every committed
// or reverted state back to it. A missing file starts empty.
func Open(path string) (*Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var initial *state.Map
	if len(data) > 0 {
		initial, err = state.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
		}
	}
	b := New(initial)
	b.path = path
	return b, nil
}

// Snapshot returns a copy of the current state.
func (b *Backend) Snapshot(ctx context.Context) (*state.Map, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "snapshot")

	out := b.state.Clone()
	if b.snapshotFilter != nil {
		b.snapshotFilter(out)
	}
	return out, nil
}

// CheckpointCreate saves the current state. Only one checkpoint may be live.
func (b *Backend) CheckpointCreate(ctx context.Context) (engine.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "checkpoint-create")

	if b.checkpointErr != nil {
		return nil, b.checkpointErr
	}
	if b.live != "" {
		return nil, errdefs.NewBackendError(fmt.Sprintf("checkpoint %s is still live", b.live), nil).
			WithClass(errdefs.ErrorClassConflict).
			WithCode(errdefs.ErrCodeCheckpointBusy)
	}

	id := uuid.New().String()
	b.checkpoints[id] = b.state.Clone()
	b.live = id
	return checkpoint(id), nil
}

// CheckpointCommit discards the saved state.
func (b *Backend) CheckpointCommit(ctx context.Context, cp engine.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "checkpoint-commit")

	if _, ok := b.checkpoints[cp.ID()]; !ok {
		return errdefs.NewBackendError(fmt.Sprintf("unknown checkpoint %s", cp.ID()), nil).
			WithCode(errdefs.ErrCodeNotFound)
	}
	delete(b.checkpoints, cp.ID())
	b.live = ""
	return b.persist()
}

// CheckpointRevert restores the saved state. Reverting an already
// reverted checkpoint succeeds.
func (b *Backend) CheckpointRevert(ctx context.Context, cp engine.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "checkpoint-revert")

	if b.revertFailures > 0 {
		b.revertFailures--
		return b.revertErr
	}
	if b.reverted[cp.ID()] {
		return nil
	}
	saved, ok := b.checkpoints[cp.ID()]
	if !ok {
		return errdefs.NewBackendError(fmt.Sprintf("unknown checkpoint %s", cp.ID()), nil).
			WithCode(errdefs.ErrCodeNotFound)
	}
	b.state = saved.Clone()
	delete(b.checkpoints, cp.ID())
	b.reverted[cp.ID()] = true
	b.live = ""
	return b.persist()
}

// Apply performs one operation.
func (b *Backend) Apply(ctx context.Context, op engine.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf("apply %s %s", op.Action, op.Subject()))

	if b.applyHook != nil {
		b.applyHook(op)
	}
	if err := b.applyErrors[op.Subject()]; err != nil {
		return err
	}

	var err error
	switch op.Action {
	case engine.ActionCreate:
		err = b.create(op)
	case engine.ActionModify:
		err = b.modify(op)
	case engine.ActionRecreate:
		if err = b.remove(op.Key, false); err == nil {
			err = b.create(op)
		}
	case engine.ActionRemove:
		err = b.remove(op.Key, true)
	case engine.ActionSection:
		if op.Target == nil {
			b.state.Delete(op.Section)
		} else {
			b.state.Set(op.Section, op.Target.Clone())
		}
	default:
		err = errdefs.NewBackendError(fmt.Sprintf("unsupported action %q", op.Action), nil).
			WithCode(errdefs.ErrCodeUnsupported)
	}
	if err != nil {
		return err
	}
	b.refreshControllers()
	return nil
}

func (b *Backend) create(op engine.Operation) error {
	entries := b.entries()
	if i := b.findKey(entries, op.Key); i >= 0 {
		// The second side of a veth pair already exists once its peer
		// has been created.
		if op.Key.Type != state.TypeVeth {
			return errdefs.NewBackendError(fmt.Sprintf("interface %s already exists", op.Key), nil).
				WithCode(errdefs.ErrCodeAlreadyExists).
				WithResource(op.Key.Name)
		}
		entries[i] = b.target(op)
		b.state.Set(state.KeyInterfaces, entries)
		return nil
	}
	// Open vSwitch lets a bridge and its internal port share a name.
	if b.find(entries, op.Key.Name) >= 0 && !isOVS(op.Key.Type) {
		return errdefs.NewBackendError(fmt.Sprintf("interface name %s is taken", op.Key.Name), nil).
			WithCode(errdefs.ErrCodeAlreadyExists).
			WithResource(op.Key.Name)
	}

	if err := b.checkReferences(entries, op); err != nil {
		return err
	}
	entries = append(entries, b.target(op))

	if peer := op.Iface.Peer(); peer != "" && b.find(entries, peer) < 0 {
		entries = append(entries, state.MapOf(
			state.KeyName, peer,
			state.KeyType, string(state.TypeVeth),
			state.KeyState, string(state.StateUp),
			"veth", state.MapOf("peer", op.Key.Name),
		))
	}
	b.state.Set(state.KeyInterfaces, entries)
	return nil
}

func (b *Backend) modify(op engine.Operation) error {
	entries := b.entries()
	i := b.findKey(entries, op.Key)
	if i < 0 {
		return errdefs.NewBackendError(fmt.Sprintf("interface %s does not exist", op.Key), nil).
			WithCode(errdefs.ErrCodeNotFound).
			WithResource(op.Key.Name)
	}
	if err := b.checkReferences(entries, op); err != nil {
		return err
	}
	entries[i] = b.target(op)
	b.state.Set(state.KeyInterfaces, entries)
	return nil
}

// remove deletes key. With cascade the peer of a veth goes too, as the
// kernel deletes both ends of a pair, and a missing interface is already
// removed.
func (b *Backend) remove(key state.InterfaceKey, cascade bool) error {
	entries := b.entries()
	i := b.findKey(entries, key)
	if i < 0 && cascade {
		return nil
	}
	if i < 0 {
		return errdefs.NewBackendError(fmt.Sprintf("interface %s does not exist", key), nil).
			WithCode(errdefs.ErrCodeNotFound).
			WithResource(key.Name)
	}
	var peer string
	if key.Type == state.TypeVeth && cascade {
		peer = entries[i].(*state.Map).Map("veth").String("peer")
	}

	out := make([]state.Value, 0, len(entries))
	for j, e := range entries {
		name := e.(*state.Map).String(state.KeyName)
		if j == i || (peer != "" && name == peer) {
			continue
		}
		out = append(out, e)
	}
	b.state.Set(state.KeyInterfaces, out)
	return nil
}

// checkReferences requires the lower interface of an overlay to exist.
// Ports may be created after their controller and are enslaved then.
func (b *Backend) checkReferences(entries []state.Value, op engine.Operation) error {
	base := op.Iface.Base()
	if base == "" || b.find(entries, base) >= 0 {
		return nil
	}
	return errdefs.NewBackendError(
		fmt.Sprintf("%s references missing interface %s", op.Key.Name, base), nil).
		WithCode(errdefs.ErrCodeNotFound).
		WithResource(op.Key.Name)
}

// target is the stored form of an operation's target entry.
func (b *Backend) target(op engine.Operation) *state.Map {
	return op.Target.Clone()
}

// refreshControllers sets the controller field of every port to the
// interface listing it, the way a kernel snapshot reports it.
func (b *Backend) refreshControllers() {
	entries := b.entries()
	owner := make(map[string]string)
	for _, e := range entries {
		m := e.(*state.Map)
		iface, err := state.DecodeInterface(m)
		if err != nil {
			continue
		}
		for _, p := range iface.Ports() {
			owner[p] = iface.Name
		}
	}
	for _, e := range entries {
		m := e.(*state.Map)
		if ctl, ok := owner[m.String(state.KeyName)]; ok {
			m.Set(state.KeyController, ctl)
		} else {
			m.Delete(state.KeyController)
		}
	}
}

func isOVS(t state.InterfaceType) bool {
	return t == state.TypeOVSBridge || t == state.TypeOVSInterface
}

func (b *Backend) entries() []state.Value {
	return b.state.Seq(state.KeyInterfaces)
}

func (b *Backend) find(entries []state.Value, name string) int {
	for i, e := range entries {
		if e.(*state.Map).String(state.KeyName) == name {
			return i
		}
	}
	return -1
}

func (b *Backend) findKey(entries []state.Value, key state.InterfaceKey) int {
	for i, e := range entries {
		m := e.(*state.Map)
		if m.String(state.KeyName) == key.Name && m.String(state.KeyType) == string(key.Type) {
			return i
		}
	}
	return -1
}

func (b *Backend) persist() error {
	if b.path == "" {
		return nil
	}
	data, err := state.EncodeYAML(b.state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Calls returns every backend call in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.calls...)
}

// Count returns how many recorded calls equal call.
func (b *Backend) Count(call string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Names returns the interface names in the current state, sorted.
func (b *Backend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.entries() {
		out = append(out, e.(*state.Map).String(state.KeyName))
	}
	sort.Strings(out)
	return out
}

// FailApply makes every operation on subject fail with err.
func (b *Backend) FailApply(subject string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyErrors[subject] = err
}

// FailCheckpoint makes CheckpointCreate fail with err.
func (b *Backend) FailCheckpoint(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkpointErr = err
}

// FailRevert makes the next n reverts fail with err.
func (b *Backend) FailRevert(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revertFailures = n
	b.revertErr = err
}

// FilterSnapshots rewrites every snapshot copy before it is returned,
// simulating a stack that does not converge.
func (b *Backend) FilterSnapshots(fn func(*state.Map)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshotFilter = fn
}

// OnApply registers a hook called before every operation.
func (b *Backend) OnApply(fn func(op engine.Operation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyHook = fn
}
