package session

import (
	"context"
)

// Service defines the interface for session storage. Two implementations
// share this contract: InMemoryService and DatabaseService.
type Service interface {
	// CreateSession creates a session, persisting the initial state
	// atomically with creation. Idempotent on (app name, session ID):
	// creating the same pair twice returns the existing session.
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error)

	// GetSession returns the requested session, or ErrNotFound.
	GetSession(ctx context.Context, appName, userID, sessionID string) (*Session, error)

	// ListSessions lists all sessions for an (app name, user) pair.
	ListSessions(ctx context.Context, appName, userID string) ([]*Session, error)

	// AppendEvent merges the event's state delta into the session state
	// (last-writer-wins per path), appends the event to the log, and
	// persists both as one atomic unit. The provided session is refreshed
	// and returned. Deltas touching reserved keys are rejected.
	AppendEvent(ctx context.Context, sess *Session, ev *Event) (*Session, error)

	// DeleteSession deletes the requested session.
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error
}
