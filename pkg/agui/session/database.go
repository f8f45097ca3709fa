package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
)

// DatabaseService is a Service backed by a relational database through gorm.
// Sessions hold the mutable state document; events form an append-only log
// ordered by a per-session sequence number. State merge and event insert
// happen in one transaction.
type DatabaseService struct {
	db *gorm.DB
}

type sessionRecord struct {
	AppName   string `gorm:"primaryKey;column:app_name"`
	UserID    string `gorm:"primaryKey;column:user_id"`
	ID        string `gorm:"primaryKey;column:id"`
	State     []byte `gorm:"column:state"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

type eventRecord struct {
	ID           string `gorm:"primaryKey"`
	AppName      string `gorm:"column:app_name;index:idx_event_session"`
	UserID       string `gorm:"column:user_id;index:idx_event_session"`
	SessionID    string `gorm:"column:session_id;index:idx_event_session"`
	Seq          int64  `gorm:"column:seq"`
	InvocationID string `gorm:"column:invocation_id"`
	Author       string
	Content      []byte
	Actions      []byte
	Timestamp    time.Time
}

func (eventRecord) TableName() string { return "events" }

// OpenSQLite opens (and migrates) a sqlite-backed service. Path ":memory:"
// yields a throwaway database.
func OpenSQLite(path string) (*DatabaseService, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to open sqlite database", err)
	}
	return NewDatabaseService(db)
}

// OpenPostgres opens (and migrates) a postgres-backed service.
func OpenPostgres(dsn string) (*DatabaseService, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to open postgres database", err)
	}
	return NewDatabaseService(db)
}

// NewDatabaseService wraps an existing gorm handle and runs migrations.
func NewDatabaseService(db *gorm.DB) (*DatabaseService, error) {
	if err := db.AutoMigrate(&sessionRecord{}, &eventRecord{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to migrate session tables", err)
	}
	return &DatabaseService{db: db}, nil
}

func (s *DatabaseService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	if req.AppName == "" || req.UserID == "" {
		return nil, apperrors.New(apperrors.ErrCodeSessionCreate, "app name and user id are required", nil)
	}
	if err := ValidateReservedKeys(req.State); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeReservedKey, "invalid initial state", err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var out *Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing sessionRecord
		err := tx.Where("app_name = ? AND id = ?", req.AppName, sessionID).First(&existing).Error
		if err == nil {
			out, err = s.loadSession(tx, &existing)
			return err
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		stateJSON, err := json.Marshal(CloneState(req.State))
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		record := sessionRecord{
			AppName:   req.AppName,
			UserID:    req.UserID,
			ID:        sessionID,
			State:     stateJSON,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		out = &Session{
			ID:        sessionID,
			AppName:   req.AppName,
			UserID:    req.UserID,
			State:     CloneState(req.State),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionCreate, "failed to create session", err)
	}
	return out, nil
}

func (s *DatabaseService) GetSession(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	var record sessionRecord
	err := s.db.WithContext(ctx).
		Where("app_name = ? AND user_id = ? AND id = ?", appName, userID, sessionID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to load session", err)
	}
	return s.loadSession(s.db.WithContext(ctx), &record)
}

func (s *DatabaseService) ListSessions(ctx context.Context, appName, userID string) ([]*Session, error) {
	var records []sessionRecord
	err := s.db.WithContext(ctx).
		Where("app_name = ? AND user_id = ?", appName, userID).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to list sessions", err)
	}

	out := make([]*Session, 0, len(records))
	for i := range records {
		sess, err := s.loadSession(s.db.WithContext(ctx), &records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *DatabaseService) AppendEvent(ctx context.Context, sess *Session, ev *Event) (*Session, error) {
	if ev.Actions.StateDelta.TouchesReserved() {
		return nil, apperrors.New(apperrors.ErrCodeReservedKey,
			"state delta must not modify reserved keys", nil)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("app_name = ? AND user_id = ? AND id = ?", sess.AppName, sess.UserID, sess.ID)
		if tx.Dialector.Name() == "postgres" {
			// Row lock so concurrent appends merge serially. sqlite
			// serializes writers on its own.
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var record sessionRecord
		if err := query.First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var state State
		if err := json.Unmarshal(record.State, &state); err != nil {
			return fmt.Errorf("corrupt state document: %w", err)
		}
		merged, err := Apply(state, ev.Actions.StateDelta)
		if err != nil {
			return err
		}

		var seq int64
		if err := tx.Model(&eventRecord{}).
			Where("app_name = ? AND user_id = ? AND session_id = ?", sess.AppName, sess.UserID, sess.ID).
			Count(&seq).Error; err != nil {
			return err
		}

		contentJSON, err := json.Marshal(ev.Content)
		if err != nil {
			return err
		}
		actionsJSON, err := json.Marshal(ev.Actions)
		if err != nil {
			return err
		}
		if err := tx.Create(&eventRecord{
			ID:           ev.ID,
			AppName:      sess.AppName,
			UserID:       sess.UserID,
			SessionID:    sess.ID,
			Seq:          seq,
			InvocationID: ev.InvocationID,
			Author:       ev.Author,
			Content:      contentJSON,
			Actions:      actionsJSON,
			Timestamp:    ev.Timestamp,
		}).Error; err != nil {
			return err
		}

		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		record.State = mergedJSON
		record.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&record).Error; err != nil {
			return err
		}

		sess.State = merged
		sess.Events = append(sess.Events, ev)
		sess.UpdatedAt = record.UpdatedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperrors.New(apperrors.ErrCodeAppendEvent, "failed to append event", err)
	}
	return sess, nil
}

func (s *DatabaseService) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("app_name = ? AND user_id = ? AND id = ?", appName, userID, sessionID).
			Delete(&sessionRecord{})
		if result.Error != nil {
			return apperrors.New(apperrors.ErrCodeSessionDelete, "failed to delete session", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("app_name = ? AND user_id = ? AND session_id = ?", appName, userID, sessionID).
			Delete(&eventRecord{}).Error
	})
}

func (s *DatabaseService) loadSession(tx *gorm.DB, record *sessionRecord) (*Session, error) {
	var state State
	if len(record.State) > 0 {
		if err := json.Unmarshal(record.State, &state); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeSessionGet, "corrupt state document", err)
		}
	}

	var eventRecords []eventRecord
	err := tx.Where("app_name = ? AND user_id = ? AND session_id = ?", record.AppName, record.UserID, record.ID).
		Order("seq").
		Find(&eventRecords).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to load events", err)
	}

	events := make([]*Event, 0, len(eventRecords))
	for i := range eventRecords {
		rec := &eventRecords[i]
		ev := &Event{
			ID:           rec.ID,
			InvocationID: rec.InvocationID,
			Author:       rec.Author,
			Timestamp:    rec.Timestamp,
		}
		if len(rec.Content) > 0 && string(rec.Content) != "null" {
			ev.Content = &Content{}
			if err := json.Unmarshal(rec.Content, ev.Content); err != nil {
				return nil, apperrors.New(apperrors.ErrCodeSessionGet, "corrupt event content", err)
			}
		}
		if len(rec.Actions) > 0 {
			if err := json.Unmarshal(rec.Actions, &ev.Actions); err != nil {
				return nil, apperrors.New(apperrors.ErrCodeSessionGet, "corrupt event actions", err)
			}
		}
		events = append(events, ev)
	}

	return &Session{
		ID:        record.ID,
		AppName:   record.AppName,
		UserID:    record.UserID,
		State:     state,
		Events:    events,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}, nil
}
