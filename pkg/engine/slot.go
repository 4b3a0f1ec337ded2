package engine

import (
	"context"
	"sync"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// CheckpointSlot admits one live checkpoint at a time. Reconcilers that
// share a backend must share a slot.
type CheckpointSlot struct {
	ch chan struct{}

	mu    sync.Mutex
	owner string
}

// NewCheckpointSlot returns an empty slot.
func NewCheckpointSlot() *CheckpointSlot {
	return &CheckpointSlot{ch: make(chan struct{}, 1)}
}

// SlotToken is the single-owner right to hold a checkpoint. It is passed
// through the controller and released exactly once.
type SlotToken struct {
	slot  *CheckpointSlot
	owner string
	once  sync.Once
}

// Owner returns the run ID holding the token.
func (t *SlotToken) Owner() string {
	return t.owner
}

// Release frees the slot. Extra calls are no-ops.
func (t *SlotToken) Release() {
	t.once.Do(func() {
		t.slot.mu.Lock()
		t.slot.owner = ""
		t.slot.mu.Unlock()
		<-t.slot.ch
	})
}

// Acquire takes the slot for owner. With wait it blocks until the slot is
// free or ctx is done; without wait a busy slot fails immediately.
func (s *CheckpointSlot) Acquire(ctx context.Context, owner string, wait bool) (*SlotToken, error) {
	if wait {
		select {
		case s.ch <- struct{}{}:
		case <-ctx.Done():
			return nil, errdefs.NewCancelledError(ctx.Err()).
				WithDetail("waiting_for", s.Owner())
		}
	} else {
		select {
		case s.ch <- struct{}{}:
		default:
			return nil, errdefs.NewBackendError("another reconciliation holds the checkpoint", nil).
				WithClass(errdefs.ErrorClassConflict).
				WithCode(errdefs.ErrCodeCheckpointBusy).
				WithDetail("holder", s.Owner())
		}
	}

	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
	return &SlotToken{slot: s, owner: owner}, nil
}

// Owner returns the run ID currently holding the slot, or "".
func (s *CheckpointSlot) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}
