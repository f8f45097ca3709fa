package client

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

func TestReconciler_ApplyDelta(t *testing.T) {
	r := NewReconciler()

	err := r.ApplyDelta(session.StateDelta{
		{Op: session.OpAdd, Path: "/prefs", Value: map[string]any{"theme": "dark"}},
	})
	require.NoError(t, err)

	assert.Equal(t, session.State{"prefs": map[string]any{"theme": "dark"}}, r.State())
	assert.Equal(t, []string{"prefs"}, r.ChangedKeys())
	assert.Empty(t, r.ChangedKeys(), "changed keys drain on read")
}

func TestReconciler_SnapshotReplacesView(t *testing.T) {
	r := NewReconciler()
	require.NoError(t, r.ApplyDelta(session.StateDelta{
		{Op: session.OpAdd, Path: "/stale", Value: "x"},
		{Op: session.OpAdd, Path: "/kept", Value: "y"},
	}))
	r.ChangedKeys()

	r.ApplySnapshot(session.State{"kept": "y", "fresh": "z"})

	assert.Equal(t, session.State{"kept": "y", "fresh": "z"}, r.State())
	changed := r.ChangedKeys()
	sort.Strings(changed)
	assert.Equal(t, []string{"fresh", "stale"}, changed, "kept did not move")
}

func TestReconciler_StagedEditsRideNextRun(t *testing.T) {
	r := NewReconciler()
	r.ApplySnapshot(session.State{"prefs": map[string]any{"theme": "dark"}})
	r.ChangedKeys()

	require.NoError(t, r.StageEdit("draft", "hello"))

	base := r.BaseState()
	assert.Equal(t, "hello", base["draft"])
	assert.Equal(t, map[string]any{"theme": "dark"}, base["prefs"])
}

func TestReconciler_ServerDeltaSupersedesStagedEdit(t *testing.T) {
	r := NewReconciler()
	require.NoError(t, r.StageEdit("draft", "local value"))

	require.NoError(t, r.ApplyDelta(session.StateDelta{
		{Op: session.OpReplace, Path: "/draft", Value: "server value"},
	}))

	assert.Equal(t, "server value", r.BaseState()["draft"])
}

func TestReconciler_SnapshotClearsStagedEdits(t *testing.T) {
	r := NewReconciler()
	require.NoError(t, r.StageEdit("draft", "provisional"))

	r.ApplySnapshot(session.State{"confirmed": true})

	base := r.BaseState()
	_, ok := base["draft"]
	assert.False(t, ok)
	assert.Equal(t, true, base["confirmed"])
}

func TestReconciler_RejectsReservedKeyEdit(t *testing.T) {
	r := NewReconciler()
	err := r.StageEdit(session.KeyUserID, "spoofed")
	assert.Error(t, err)
}

func TestReconciler_HandleEventRoutesStateEvents(t *testing.T) {
	r := NewReconciler()

	require.NoError(t, r.HandleEvent(wire.NewStateDelta(session.StateDelta{
		{Op: session.OpAdd, Path: "/count", Value: float64(1)},
	})))
	require.NoError(t, r.HandleEvent(wire.TextMessageContent("m", "ignored")))
	require.NoError(t, r.HandleEvent(wire.StateSnapshot(session.State{"count": float64(2)})))

	assert.Equal(t, session.State{"count": float64(2)}, r.State())
}
