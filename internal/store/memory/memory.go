// Package memory is an in-process store.Store used for development runs and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

// Store keeps users, rooms and messages in maps guarded by a mutex.
// Returned records are copies.
type Store struct {
	mu       sync.Mutex
	users    map[int64]store.User
	rooms    map[string]store.Room
	messages map[int64]store.Message
	byClient map[clientKey]int64
	nextUser int64
	nextMsg  int64

	failCreate  func(msg *store.Message) error
	createDelay time.Duration
}

type clientKey struct {
	sender int64
	id     string
}

// New returns an empty store with the "general" room seeded.
func New() *Store {
	s := &Store{
		users:    make(map[int64]store.User),
		rooms:    make(map[string]store.Room),
		messages: make(map[int64]store.Message),
		byClient: make(map[clientKey]int64),
	}
	s.rooms["general"] = store.Room{ID: "general", Name: "general", CreatedAt: time.Now()}
	return s
}

// SetFailCreate installs a hook consulted before every CreateMessage; a non-nil
// error is returned to the caller and nothing is stored.
func (s *Store) SetFailCreate(fn func(msg *store.Message) error) {
	s.mu.Lock()
	s.failCreate = fn
	s.mu.Unlock()
}

// SetCreateDelay holds every CreateMessage back by d to simulate slow storage.
func (s *Store) SetCreateDelay(d time.Duration) {
	s.mu.Lock()
	s.createDelay = d
	s.mu.Unlock()
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreateUser creates a new user.
func (s *Store) CreateUser(_ context.Context, username, passwordHash string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return nil, fmt.Errorf("insert user: %w", store.ErrDuplicate)
		}
	}
	s.nextUser++
	u := store.User{ID: s.nextUser, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	s.users[u.ID] = u
	return &u, nil
}

// GetUserByID retrieves a user by ID.
func (s *Store) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user: %w", store.ErrNotFound)
	}
	return &u, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user: %w", store.ErrNotFound)
}

// SetPresence stores the online flag and last-seen stamp.
func (s *Store) SetPresence(_ context.Context, userID int64, online bool, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("update presence: user %d: %w", userID, store.ErrNotFound)
	}
	u.Online = online
	u.LastSeen = lastSeen
	s.users[userID] = u
	return nil
}

// CreateRoom creates a new room.
func (s *Store) CreateRoom(_ context.Context, id, name, description string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[id]; exists {
		return nil, fmt.Errorf("insert room: %w", store.ErrDuplicate)
	}
	r := store.Room{ID: id, Name: name, Description: description, CreatedAt: time.Now()}
	s.rooms[id] = r
	return &r, nil
}

// GetRoomByID retrieves a room by ID.
func (s *Store) GetRoomByID(_ context.Context, id string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room: %w", store.ErrNotFound)
	}
	return &r, nil
}

// CreateMessage persists a message, deduplicating on (sender, ClientMsgID).
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	delay, fail := s.createDelay, s.failCreate
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(msg); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ClientMsgID != nil {
		if id, ok := s.byClient[clientKey{msg.SenderID, *msg.ClientMsgID}]; ok {
			existing := s.messages[id]
			return &existing, store.ErrDuplicate
		}
	}

	s.nextMsg++
	stored := *msg
	stored.ID = s.nextMsg
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.messages[stored.ID] = stored
	if msg.ClientMsgID != nil {
		s.byClient[clientKey{msg.SenderID, *msg.ClientMsgID}] = stored.ID
	}
	return &stored, nil
}

// GetMessage retrieves a message by ID, including soft-deleted ones.
func (s *Store) GetMessage(_ context.Context, id int64) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message: %w", store.ErrNotFound)
	}
	return &m, nil
}

// SoftDeleteMessage marks the message deleted once and returns the stored row.
func (s *Store) SoftDeleteMessage(_ context.Context, id int64, marker string, at time.Time) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message: %w", store.ErrNotFound)
	}
	if !m.IsDeleted {
		m.Text = marker
		m.IsDeleted = true
		m.DeletedAt = &at
		s.messages[id] = m
	}
	return &m, nil
}

// ListRoomMessages returns up to limit messages of a room, newest first.
func (s *Store) ListRoomMessages(_ context.Context, roomID string, limit int, beforeID *int64) ([]*store.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Message
	for _, m := range s.messages {
		if m.RoomID == nil || *m.RoomID != roomID {
			continue
		}
		if beforeID != nil && m.ID >= *beforeID {
			continue
		}
		out = append(out, &m)
	}
	slices.SortFunc(out, func(a, b *store.Message) int { return int(b.ID - a.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Messages returns a snapshot of all stored messages ordered by id.
func (s *Store) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b store.Message) int { return int(a.ID - b.ID) })
	return out
}

var _ store.Store = (*Store)(nil)
