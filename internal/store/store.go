package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate")
	// ErrInvalidMessage is returned when a message violates the addressing invariant.
	ErrInvalidMessage = errors.New("invalid message")
)

// User represents an identity. The realtime core only reads it and flips presence.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Online       bool
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// Room represents a chat room. Persistent membership is owned elsewhere; the realtime
// core references rooms by id only.
type Room struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Message represents a persisted chat message.
// Exactly one of ReceiverID and RoomID is set.
type Message struct {
	ID          int64
	SenderID    int64
	ReceiverID  *int64
	RoomID      *string
	Text        string
	ClientMsgID *string
	CreatedAt   time.Time
	IsDeleted   bool
	DeletedAt   *time.Time
}

// Validate checks the direct-xor-room addressing invariant and the text.
func (m *Message) Validate() error {
	if m.SenderID == 0 {
		return ErrInvalidMessage
	}
	if (m.ReceiverID != nil) == (m.RoomID != nil) {
		return ErrInvalidMessage
	}
	if m.RoomID != nil && *m.RoomID == "" {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Matches reports whether o carries the same sender, conversation and text as m.
// A correlation id retry must match on all three.
func (m *Message) Matches(o *Message) bool {
	if m.SenderID != o.SenderID || m.Text != o.Text {
		return false
	}
	switch {
	case m.ReceiverID != nil && o.ReceiverID != nil:
		return *m.ReceiverID == *o.ReceiverID
	case m.RoomID != nil && o.RoomID != nil:
		return *m.RoomID == *o.RoomID
	default:
		return false
	}
}

// IsDirect reports whether the message is addressed to a single receiver.
func (m *Message) IsDirect() bool {
	return m.ReceiverID != nil
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// SetPresence stores the online flag. lastSeen is nil while online.
	SetPresence(ctx context.Context, userID int64, online bool, lastSeen *time.Time) error
}

// RoomStore handles room lookups.
type RoomStore interface {
	// CreateRoom creates a new room.
	CreateRoom(ctx context.Context, id, name, description string) (*Room, error)

	// GetRoomByID retrieves a room by ID.
	GetRoomByID(ctx context.Context, id string) (*Room, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// CreateMessage persists msg and returns the stored record.
	// When the sender already stored a message with the same ClientMsgID, the existing
	// record is returned together with ErrDuplicate.
	CreateMessage(ctx context.Context, msg *Message) (*Message, error)

	// GetMessage retrieves a message by ID. Soft-deleted messages are still returned.
	GetMessage(ctx context.Context, id int64) (*Message, error)

	// SoftDeleteMessage replaces the text with marker and stamps the deletion, unless the
	// message is already deleted. It always returns the row as stored afterwards.
	SoftDeleteMessage(ctx context.Context, id int64, marker string, at time.Time) (*Message, error)

	// ListRoomMessages returns up to limit messages of a room, newest first.
	// If beforeID is provided, returns messages older than that ID.
	ListRoomMessages(ctx context.Context, roomID string, limit int, beforeID *int64) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	RoomStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
