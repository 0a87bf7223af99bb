// Package chat holds the chat session and message model and the Store
// contract that persists them.
package chat

import (
	"context"
	"errors"
	"time"
)

const (
	StatusActive = "active"
	StatusEnded  = "ended"

	// SessionTTL bounds how long a session and its messages are retained.
	SessionTTL = 24 * time.Hour

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Moderation states recorded on a message.
const (
	ModerationApproved = "approved"
	ModerationFlagged  = "flagged"
	ModerationRemoved  = "removed"
)

var (
	// ErrConflict is returned when creating a session would give a
	// participant a second active session.
	ErrConflict = errors.New("chat: participant already has an active session")

	// ErrNotActive is returned when a conditional update finds the session
	// already ended.
	ErrNotActive = errors.New("chat: session is not active")

	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("chat: not found")
)

// Session is a one-to-one conversation between a sharer and a listener.
type Session struct {
	ID          string
	SharerID    string
	ListenerID  string
	InitiatedBy string
	Status      string
	Topic       string
	Language    string
	StartedAt   time.Time
	EndedAt     *time.Time
	ExpiresAt   time.Time
}

// IsParticipant reports whether id is the sharer or the listener.
func (s *Session) IsParticipant(id string) bool {
	return id == s.SharerID || id == s.ListenerID
}

// Partner returns the other participant, or "" if id is not a participant.
func (s *Session) Partner(id string) string {
	switch id {
	case s.SharerID:
		return s.ListenerID
	case s.ListenerID:
		return s.SharerID
	}
	return ""
}

// RoleOf returns "sharer" or "listener" for a participant, "" otherwise.
func (s *Session) RoleOf(id string) string {
	switch id {
	case s.SharerID:
		return "sharer"
	case s.ListenerID:
		return "listener"
	}
	return ""
}

// IsActive reports whether the session is still open.
func (s *Session) IsActive() bool { return s.Status == StatusActive }

// DurationMinutes is the whole number of minutes between start and end (or
// now, for an active session).
func (s *Session) DurationMinutes(now time.Time) int {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return int(end.Sub(s.StartedAt) / time.Minute)
}

// Message is a single chat line. Seq is assigned by the store and strictly
// increases in the order messages were accepted.
type Message struct {
	ID               string
	Seq              int64
	SessionID        string
	SenderID         string
	SenderRole       string
	Content          string
	SentAt           time.Time
	ExpiresAt        time.Time
	ModerationStatus string
	ModerationReason string
}

// Store persists sessions and messages.
//
// GetSession and ActiveSessionFor return (nil, nil) when nothing matches.
type Store interface {
	// CreateSession inserts an active session. It returns ErrConflict if
	// either participant already has one.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ActiveSessionFor(ctx context.Context, participantID string) (*Session, error)
	// EndSession moves an active session to ended. It returns ErrNotFound or
	// ErrNotActive when the transition does not apply.
	EndSession(ctx context.Context, id string, endedAt time.Time) (*Session, error)
	// RecentPartners lists everyone participantID shared a session with that
	// started at or after since.
	RecentPartners(ctx context.Context, participantID string, since time.Time) ([]string, error)
	// ExpiredActive lists active sessions whose expiry is at or before now.
	ExpiredActive(ctx context.Context, now time.Time, limit int) ([]*Session, error)
	// PurgeExpired deletes sessions and messages past their expiry.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// AppendMessage stores m and assigns its Seq.
	AppendMessage(ctx context.Context, m *Message) error
	// Messages returns up to limit messages older than beforeSeq (0 means
	// newest), oldest first.
	Messages(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]*Message, error)
	// RemoveMessage marks a message removed. Content is kept in storage.
	RemoveMessage(ctx context.Context, messageID, reason string) error
}

// ClampLimit applies the default and maximum history page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
