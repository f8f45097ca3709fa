package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

func TestResolve_StaticIdentityWins(t *testing.T) {
	r := NewResolver("app", "static-user", session.NewInMemoryService())

	id, err := r.Resolve(&wire.RunAgentInput{
		ThreadID: "t-1",
		State:    session.State{session.KeyUserID: "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "static-user", id.UserID)
}

func TestResolve_ReservedStateKeyBeatsSyntheticFallback(t *testing.T) {
	// A reserved identity field set to "42" must resolve to user "42",
	// never to a thread-derived synthetic id, even though a thread id is
	// also present.
	r := NewResolver("app", "", session.NewInMemoryService())

	id, err := r.Resolve(&wire.RunAgentInput{
		ThreadID: "t-1",
		State:    session.State{session.KeyUserID: "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id.UserID)
	assert.Equal(t, "t-1", id.SessionID)
}

func TestResolve_SyntheticFallback(t *testing.T) {
	r := NewResolver("app", "", session.NewInMemoryService())

	id, err := r.Resolve(&wire.RunAgentInput{ThreadID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, "thread_user_t-1", id.UserID)
	assert.Equal(t, "t-1", id.SessionID)
}

func TestResolve_ReservedSessionKeyBeatsThreadID(t *testing.T) {
	r := NewResolver("app", "", session.NewInMemoryService())

	id, err := r.Resolve(&wire.RunAgentInput{
		ThreadID: "t-1",
		State:    session.State{session.KeySessionID: "s-explicit"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s-explicit", id.SessionID)
}

func TestResolve_NoUsableIdentityIsFatal(t *testing.T) {
	r := NewResolver("app", "", session.NewInMemoryService())

	_, err := r.Resolve(&wire.RunAgentInput{})
	assert.Error(t, err)
}

func TestResolve_StableAcrossTurns(t *testing.T) {
	r := NewResolver("app", "", session.NewInMemoryService())
	input := &wire.RunAgentInput{
		ThreadID: "t-1",
		State:    session.State{session.KeyUserID: "42"},
	}

	first, err := r.Resolve(input)
	require.NoError(t, err)
	second, err := r.Resolve(input)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnsureSession_CreatesWithReservedKeys(t *testing.T) {
	store := session.NewInMemoryService()
	r := NewResolver("app", "", store)
	ctx := context.Background()

	input := &wire.RunAgentInput{
		ThreadID: "t-1",
		State:    session.State{session.KeyUserID: "42"},
	}
	id, err := r.Resolve(input)
	require.NoError(t, err)

	sess, err := r.EnsureSession(ctx, &id, input)
	require.NoError(t, err)

	// Reserved keys are populated atomically with creation.
	assert.Equal(t, "42", sess.State[session.KeyUserID])
	assert.Equal(t, "t-1", sess.State[session.KeySessionID])
	assert.Equal(t, "t-1", sess.State[session.KeyThreadID])
	assert.Equal(t, "app", sess.State[session.KeyAppName])
}

func TestEnsureSession_IdempotentAcrossTurns(t *testing.T) {
	store := session.NewInMemoryService()
	r := NewResolver("app", "", store)
	ctx := context.Background()

	input := &wire.RunAgentInput{ThreadID: "t-1", State: session.State{session.KeyUserID: "42"}}
	id, err := r.Resolve(input)
	require.NoError(t, err)

	first, err := r.EnsureSession(ctx, &id, input)
	require.NoError(t, err)
	second, err := r.EnsureSession(ctx, &id, input)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	sessions, err := store.ListSessions(ctx, "app", "42")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestEnsureSession_DuplicateSessionRegression(t *testing.T) {
	// A session created under the synthetic fallback (no identity headers on
	// the first turn) must be matched by a later turn carrying the populated
	// reserved identity field: one logical conversation, one session.
	store := session.NewInMemoryService()
	r := NewResolver("app", "", store)
	ctx := context.Background()

	firstTurn := &wire.RunAgentInput{ThreadID: "t-1"}
	firstID, err := r.Resolve(firstTurn)
	require.NoError(t, err)
	assert.Equal(t, "thread_user_t-1", firstID.UserID)

	created, err := r.EnsureSession(ctx, &firstID, firstTurn)
	require.NoError(t, err)

	secondTurn := &wire.RunAgentInput{
		ThreadID: "t-1",
		State:    session.State{session.KeyUserID: "42"},
	}
	secondID, err := r.Resolve(secondTurn)
	require.NoError(t, err)
	assert.Equal(t, "42", secondID.UserID)

	matched, err := r.EnsureSession(ctx, &secondID, secondTurn)
	require.NoError(t, err)

	assert.Equal(t, created.ID, matched.ID, "must resolve to the session created on turn one")
	// The identity is corrected to the stored user id so subsequent store
	// operations address the same record.
	assert.Equal(t, created.UserID, secondID.UserID)
}
