package kernel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

type checkpoint struct {
	id    string
	saved *state.Map
}

func (c *checkpoint) ID() string { return c.id }

// CheckpointCreate saves a snapshot of the current state. Only one
// checkpoint may be live at a time.
func (b *Backend) CheckpointCreate(ctx context.Context) (engine.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.live != "" {
		return nil, errdefs.NewBackendError(fmt.Sprintf("checkpoint %s is still live", b.live), nil).
			WithClass(errdefs.ErrorClassConflict).
			WithCode(errdefs.ErrCodeCheckpointBusy)
	}
	saved, err := b.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cp := &checkpoint{id: uuid.New().String(), saved: saved}
	b.checkpoints[cp.id] = cp
	b.live = cp.id
	b.logger.Debug().Str("checkpoint", cp.id).Msg("Checkpoint created")
	return cp, nil
}

// CheckpointCommit discards the saved snapshot.
func (b *Backend) CheckpointCommit(ctx context.Context, cp engine.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.checkpoints[cp.ID()]; !ok {
		return errdefs.NewBackendError(fmt.Sprintf("unknown checkpoint %s", cp.ID()), nil).
			WithCode(errdefs.ErrCodeNotFound)
	}
	delete(b.checkpoints, cp.ID())
	b.live = ""
	return nil
}

// CheckpointRevert reconciles the live state back to the saved snapshot.
// Reverting an already reverted checkpoint succeeds. A failed revert keeps
// the checkpoint so that it can be retried.
func (b *Backend) CheckpointRevert(ctx context.Context, cp engine.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reverted[cp.ID()] {
		return nil
	}
	saved, ok := b.checkpoints[cp.ID()]
	if !ok {
		return errdefs.NewBackendError(fmt.Sprintf("unknown checkpoint %s", cp.ID()), nil).
			WithCode(errdefs.ErrCodeNotFound)
	}

	live, err := b.Snapshot(ctx)
	if err != nil {
		return err
	}
	_, _, plan, err := engine.Prepare(live, revertDocument(saved.saved, live))
	if err != nil {
		return errdefs.NewBackendError(fmt.Sprintf("failed to plan revert of checkpoint %s", cp.ID()), err).
			WithCode(errdefs.ErrCodeInconsistent)
	}
	for _, op := range plan.Operations {
		if err := b.Apply(ctx, op); err != nil {
			return errdefs.NewBackendError(fmt.Sprintf("failed to revert %s", op.String()), err)
		}
	}

	delete(b.checkpoints, cp.ID())
	b.reverted[cp.ID()] = true
	b.live = ""
	b.logger.Info().Str("checkpoint", cp.ID()).Int("operations", len(plan.Operations)).Msg("Checkpoint reverted")
	return nil
}

// revertDocument describes the saved state as a desired document against
// live: saved entries are restored, interfaces created since are marked
// absent and sections missing from the saved state are removed.
// Controllers are implied by port lists.
func revertDocument(saved, live *state.Map) *state.Map {
	keep := make(map[state.InterfaceKey]bool)
	var entries []state.Value

	savedEntries, _ := state.InterfaceEntries(saved)
	for _, e := range savedEntries {
		entry := e.Clone()
		entry.Delete(state.KeyController)
		entries = append(entries, entry)
		keep[state.InterfaceKey{Name: e.String(state.KeyName), Type: state.InterfaceType(e.String(state.KeyType))}] = true
	}

	liveEntries, _ := state.InterfaceEntries(live)
	for _, e := range liveEntries {
		key := state.InterfaceKey{Name: e.String(state.KeyName), Type: state.InterfaceType(e.String(state.KeyType))}
		if keep[key] {
			continue
		}
		entries = append(entries, state.MapOf(
			state.KeyName, key.Name,
			state.KeyType, string(key.Type),
			state.KeyState, string(state.StateAbsent),
		))
	}

	doc := state.MapOf(state.KeyInterfaces, entries)
	for _, section := range state.GlobalSections {
		if v, ok := saved.Get(section); ok {
			doc.Set(section, state.Clone(v))
		} else if live.Has(section) {
			doc.Set(section, state.Absent)
		}
	}
	return doc
}
