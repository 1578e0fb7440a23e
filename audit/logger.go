// Package audit records session transitions of the gateway client in a local
// SQLite database. Tokens are never stored; events carry SHA-256 fingerprints
// so a token's history can be followed without exposing it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// EventType represents the type of audit event
type EventType string

const (
	EventLogin              EventType = "login"
	EventRegister           EventType = "register"
	EventLogout             EventType = "logout"
	EventAccessTokenRefresh EventType = "access_token_refresh"
	EventRefreshFailure     EventType = "refresh_failure"
	EventSessionCleared     EventType = "session_cleared"
)

// Event represents an audit log entry in the database
type Event struct {
	ID                        string `db:"id"`
	EventType                 string `db:"event_type"`
	Timestamp                 int64  `db:"timestamp"`
	UserID                    *int64 `db:"user_id"` // Nullable for events without user context
	RefreshTokenFingerprint   string `db:"refresh_token_fingerprint"`
	AccessTokenFingerprint    string `db:"access_token_fingerprint"`
	OldAccessTokenFingerprint string `db:"old_access_token_fingerprint"`
	Reason                    string `db:"reason"`
}

// Logger handles audit logging for session events
type Logger struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to the SQLite database at path, creating its directory, and
// prepares the schema.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	logger, err := NewLogger(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return logger, nil
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db:  db,
		now: time.Now,
	}, nil
}

// Close closes the underlying database.
func (l *Logger) Close() error {
	return l.db.Close()
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS session_audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		user_id INTEGER,
		refresh_token_fingerprint TEXT NOT NULL DEFAULT '',
		access_token_fingerprint TEXT NOT NULL DEFAULT '',
		old_access_token_fingerprint TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_audit_events_timestamp ON session_audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_audit_events_user_id ON session_audit_events(user_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_audit_events_event_type ON session_audit_events(event_type)`)
	return err
}

// tokenFingerprint creates a SHA-256 hash of a token for audit logging
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func userRef(userID int64) *int64 {
	if userID == 0 {
		return nil
	}
	return &userID
}

func (l *Logger) newEvent(eventType EventType, userID int64) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: string(eventType),
		Timestamp: l.now().UTC().Unix(),
		UserID:    userRef(userID),
	}
}

func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.NamedExec(`
		INSERT INTO session_audit_events (
			id, event_type, timestamp, user_id,
			refresh_token_fingerprint, access_token_fingerprint,
			old_access_token_fingerprint, reason
		) VALUES (
			:id, :event_type, :timestamp, :user_id,
			:refresh_token_fingerprint, :access_token_fingerprint,
			:old_access_token_fingerprint, :reason
		)`, event)
	return err
}

// LogLogin logs a successful login event
func (l *Logger) LogLogin(userID int64, refreshToken string) error {
	event := l.newEvent(EventLogin, userID)
	event.RefreshTokenFingerprint = tokenFingerprint(refreshToken)
	return l.insertEvent(event)
}

// LogRegister logs an account registration that started a session
func (l *Logger) LogRegister(userID int64, refreshToken string) error {
	event := l.newEvent(EventRegister, userID)
	event.RefreshTokenFingerprint = tokenFingerprint(refreshToken)
	return l.insertEvent(event)
}

// LogLogout logs a logout event
func (l *Logger) LogLogout(userID int64, refreshToken string) error {
	event := l.newEvent(EventLogout, userID)
	event.RefreshTokenFingerprint = tokenFingerprint(refreshToken)
	return l.insertEvent(event)
}

// LogAccessTokenRefresh logs a successful access token renewal
func (l *Logger) LogAccessTokenRefresh(userID int64, refreshToken, oldAccessToken, newAccessToken string) error {
	event := l.newEvent(EventAccessTokenRefresh, userID)
	event.RefreshTokenFingerprint = tokenFingerprint(refreshToken)
	event.OldAccessTokenFingerprint = tokenFingerprint(oldAccessToken)
	event.AccessTokenFingerprint = tokenFingerprint(newAccessToken)
	return l.insertEvent(event)
}

// LogRefreshFailure logs a renewal attempt the server refused or that never completed
func (l *Logger) LogRefreshFailure(userID int64, refreshToken, reason string) error {
	event := l.newEvent(EventRefreshFailure, userID)
	event.RefreshTokenFingerprint = tokenFingerprint(refreshToken)
	event.Reason = reason
	return l.insertEvent(event)
}

// LogSessionCleared logs the gateway tearing a session down
func (l *Logger) LogSessionCleared(userID int64, accessToken, reason string) error {
	event := l.newEvent(EventSessionCleared, userID)
	event.AccessTokenFingerprint = tokenFingerprint(accessToken)
	event.Reason = reason
	return l.insertEvent(event)
}

// GetEventsByUserID retrieves audit events for a specific user
func (l *Logger) GetEventsByUserID(userID int64, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM session_audit_events WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2",
		userID, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM session_audit_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM session_audit_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := l.now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM session_audit_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
