// Package identity derives the (app, user, session) triple for an incoming
// turn and binds it to a stored session. Resolution must be stable across
// turns of one conversation: a resolver that derives a different id per turn
// silently fragments history.
package identity

import (
	"context"
	"errors"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

// SyntheticUserPrefix prefixes user ids derived from the thread id alone,
// when no configured or caller-supplied identity is available.
const SyntheticUserPrefix = "thread_user_"

// Identity is the resolved (app, user, session) triple for one turn.
type Identity struct {
	AppName   string
	UserID    string
	SessionID string
}

// Resolver resolves identities using a fixed precedence chain:
//
//  1. a statically configured user id (single-tenant / dev mode),
//  2. the reserved identity key in the turn's own state document
//     (the HTTP edge copies header values there before resolution runs),
//  3. a synthetic fallback derived from the thread id alone.
type Resolver struct {
	appName      string
	staticUserID string
	store        session.Service
}

// NewResolver creates a resolver bound to a session store.
func NewResolver(appName, staticUserID string, store session.Service) *Resolver {
	return &Resolver{
		appName:      appName,
		staticUserID: staticUserID,
		store:        store,
	}
}

// Resolve derives the identity for one incoming turn. It reads only the
// input; no session is touched.
func (r *Resolver) Resolve(input *wire.RunAgentInput) (Identity, error) {
	sessionID := stateString(input.State, session.KeySessionID)
	if sessionID == "" {
		sessionID = input.ThreadID
	}
	if sessionID == "" {
		return Identity{}, apperrors.New(apperrors.ErrCodeIdentity,
			"no session id: neither a reserved session key nor a thread id is present", nil)
	}

	userID := r.staticUserID
	if userID == "" {
		userID = stateString(input.State, session.KeyUserID)
	}
	if userID == "" {
		if input.ThreadID == "" {
			return Identity{}, apperrors.New(apperrors.ErrCodeIdentity,
				"no user id at any precedence level", nil)
		}
		userID = SyntheticUserPrefix + input.ThreadID
	}

	return Identity{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
	}, nil
}

// EnsureSession returns the session for the identity, creating it if needed.
// The reserved identity keys are part of the initial state handed to
// CreateSession, so they are persisted atomically with creation, never
// patched in afterwards. When creation matches a session created earlier
// under a differently-derived user id, the stored user id wins and the
// returned identity is updated to match.
func (r *Resolver) EnsureSession(ctx context.Context, id *Identity, input *wire.RunAgentInput) (*session.Session, error) {
	sess, err := r.store.GetSession(ctx, id.AppName, id.UserID, id.SessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	threadID := input.ThreadID
	if threadID == "" {
		threadID = id.SessionID
	}
	sess, err = r.store.CreateSession(ctx, &session.CreateSessionRequest{
		AppName:   id.AppName,
		UserID:    id.UserID,
		SessionID: id.SessionID,
		State: session.State{
			session.KeyAppName:   id.AppName,
			session.KeyUserID:    id.UserID,
			session.KeySessionID: id.SessionID,
			session.KeyThreadID:  threadID,
		},
	})
	if err != nil {
		return nil, err
	}

	// Idempotent create may have matched a session stored under another
	// derived user id for the same (app, session id).
	id.UserID = sess.UserID
	return sess, nil
}

func stateString(state session.State, key string) string {
	if state == nil {
		return ""
	}
	if value, ok := state[key].(string); ok {
		return value
	}
	return ""
}
