// Package client implements the remote-UI side of the protocol: consuming
// the event stream of a run and reconciling the local state view with the
// server's updates.
package client

import (
	"sync"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

// Reconciler maintains the client's view of session state. Incremental
// deltas update it mid-run; the snapshot at run completion replaces it
// wholesale. Local edits made between turns are staged on top and carried
// as the base state of the next run.
type Reconciler struct {
	mu      sync.Mutex
	state   session.State
	staged  session.StateDelta
	changed map[string]struct{}
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		state:   session.State{},
		changed: make(map[string]struct{}),
	}
}

// HandleEvent updates the view from one wire event. Non-state events are
// ignored; callers route text and tool events to their own rendering.
func (r *Reconciler) HandleEvent(ev *wire.Event) error {
	switch ev.Type {
	case wire.EventTypeStateDelta:
		ops, err := ev.StateDeltaOps()
		if err != nil {
			return err
		}
		return r.ApplyDelta(ops)
	case wire.EventTypeStateSnapshot:
		r.ApplySnapshot(ev.Snapshot)
	}
	return nil
}

// ApplyDelta merges an incremental update into the view. A delta from the
// server supersedes any staged local edit for the same top-level key.
func (r *Reconciler) ApplyDelta(delta session.StateDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := session.Apply(r.state, delta)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeDeltaApply, "failed to apply state delta", err)
	}
	r.state = next

	for _, entry := range delta {
		key := topLevelKey(entry.Path)
		r.changed[key] = struct{}{}
		r.dropStaged(key)
	}
	return nil
}

// ApplySnapshot replaces the view with the server's authoritative full
// state. Every key that differs from the previous view is marked changed.
// Staged edits are cleared: the snapshot closes the run they were part of.
func (r *Reconciler) ApplySnapshot(snapshot session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range session.Diff(r.state, snapshot) {
		r.changed[topLevelKey(entry.Path)] = struct{}{}
	}
	r.state = session.CloneState(snapshot)
	r.staged = nil
}

// StageEdit records a local edit to be sent with the next run. The edit is
// visible in State immediately but is provisional until the server confirms
// it in a snapshot.
func (r *Reconciler) StageEdit(key string, value any) error {
	if session.IsReservedKey(key) {
		return apperrors.New(apperrors.ErrCodeReservedKey, "cannot edit reserved key "+key, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropStaged(key)
	r.staged = append(r.staged, session.DeltaEntry{
		Op:    session.OpReplace,
		Path:  "/" + key,
		Value: value,
	})
	return nil
}

// BaseState returns the state to send as the base of the next run: the
// confirmed view with staged edits layered on top.
func (r *Reconciler) BaseState() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := session.CloneState(r.state)
	for _, entry := range r.staged {
		base[topLevelKey(entry.Path)] = entry.Value
	}
	return base
}

// State returns a copy of the current view, staged edits included.
func (r *Reconciler) State() session.State {
	return r.BaseState()
}

// ChangedKeys drains and returns the top-level keys updated by the server
// since the last call, so a UI can re-render only what moved.
func (r *Reconciler) ChangedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.changed))
	for key := range r.changed {
		keys = append(keys, key)
	}
	r.changed = make(map[string]struct{})
	return keys
}

func (r *Reconciler) dropStaged(key string) {
	kept := r.staged[:0]
	for _, entry := range r.staged {
		if topLevelKey(entry.Path) != key {
			kept = append(kept, entry)
		}
	}
	r.staged = kept
}

func topLevelKey(path string) string {
	if len(path) == 0 || path[0] != '/' {
		return path
	}
	rest := path[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}
