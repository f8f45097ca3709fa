package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
)

// InMemoryService is a Service backed by a process-local map. Suitable for
// local mode and tests; state does not survive a restart.
type InMemoryService struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by appName/userID/sessionID
}

// NewInMemoryService creates an empty in-memory session service.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{
		sessions: make(map[string]*Session),
	}
}

func sessionKey(appName, userID, sessionID string) string {
	return appName + "/" + userID + "/" + sessionID
}

func (s *InMemoryService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	if req.AppName == "" || req.UserID == "" {
		return nil, apperrors.New(apperrors.ErrCodeSessionCreate, "app name and user id are required", nil)
	}
	if err := ValidateReservedKeys(req.State); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeReservedKey, "invalid initial state", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.SessionID != "" {
		// Idempotent on (app name, session ID) regardless of how the user
		// id was derived, so a later turn carrying a populated identity
		// matches the session created on the first turn.
		for _, existing := range s.sessions {
			if existing.AppName == req.AppName && existing.ID == req.SessionID {
				return cloneSession(existing), nil
			}
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        sessionID,
		AppName:   req.AppName,
		UserID:    req.UserID,
		State:     CloneState(req.State),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sessionKey(req.AppName, req.UserID, sessionID)] = sess

	return cloneSession(sess), nil
}

func (s *InMemoryService) GetSession(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey(appName, userID, sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryService) ListSessions(ctx context.Context, appName, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.AppName == appName && sess.UserID == userID {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (s *InMemoryService) AppendEvent(ctx context.Context, sess *Session, ev *Event) (*Session, error) {
	if ev.Actions.StateDelta.TouchesReserved() {
		return nil, apperrors.New(apperrors.ErrCodeReservedKey,
			"state delta must not modify reserved keys", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sessionKey(sess.AppName, sess.UserID, sess.ID)]
	if !ok {
		return nil, ErrNotFound
	}

	// Merge against the stored state, not the caller's possibly stale copy,
	// so two near-simultaneous events cannot clobber each other's delta.
	merged, err := Apply(stored.State, ev.Actions.StateDelta)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeDeltaApply, "failed to merge state delta", err)
	}

	stored.State = merged
	stored.Events = append(stored.Events, ev)
	stored.UpdatedAt = time.Now().UTC()

	updated := cloneSession(stored)
	*sess = *updated
	return sess, nil
}

func (s *InMemoryService) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(appName, userID, sessionID)
	if _, ok := s.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, key)
	return nil
}

func cloneSession(sess *Session) *Session {
	out := *sess
	out.State = CloneState(sess.State)
	out.Events = make([]*Event, len(sess.Events))
	copy(out.Events, sess.Events)
	return &out
}
