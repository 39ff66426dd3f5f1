// Package timeline keeps a client's view of one conversation consistent while optimistic,
// unconfirmed and confirmed copies of the same message arrive in any order.
package timeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMatchWindow bounds how far apart an optimistic entry and an incoming copy may be
// stamped and still be considered the same message when no id ties them together.
const DefaultMatchWindow = 5 * time.Second

// Status is the lifecycle of an entry as seen by this client.
type Status int

const (
	// StatusOptimistic is a locally sent or broadcast-but-unconfirmed message.
	StatusOptimistic Status = iota
	// StatusConfirmed carries a durable server id.
	StatusConfirmed
	// StatusFailed stays visible so the user can see the send did not go through.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOptimistic:
		return "optimistic"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message in the timeline.
type Entry struct {
	ID            int64
	CorrelationID string
	SenderID      int64
	SenderName    string
	ReceiverID    int64
	RoomID        string
	Text          string
	CreatedAt     time.Time
	Status        Status
	Error         string
	IsDeleted     bool
	DeletedAt     *time.Time
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithMatchWindow overrides DefaultMatchWindow.
func WithMatchWindow(d time.Duration) Option {
	return func(t *Timeline) {
		t.window = d
	}
}

// WithClock replaces time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Timeline) {
		t.now = now
	}
}

// Timeline is safe for concurrent use.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry
	window  time.Duration
	now     func() time.Time
}

// New creates an empty timeline.
func New(opts ...Option) *Timeline {
	t := &Timeline{
		window: DefaultMatchWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddOptimistic appends a locally composed message before the server has seen it.
// A correlation id is generated when the entry has none.
func (t *Timeline) AddOptimistic(e Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	e.ID = 0
	e.Status = StatusOptimistic
	t.entries = append(t.entries, e)
	return e
}

// Apply reconciles an incoming copy. It replaces the matching entry in place or appends.
// It reports whether an existing entry was matched.
func (t *Timeline) Apply(in Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in.Status == StatusFailed {
		in.Status = StatusOptimistic
	}

	idx := t.match(in)
	if idx < 0 {
		t.entries = append(t.entries, in)
		return false
	}

	cur := t.entries[idx]
	// Confirmed and deleted are terminal; a late unconfirmed echo must not undo them.
	if cur.Status == StatusConfirmed && in.Status != StatusConfirmed {
		return true
	}
	if cur.IsDeleted && !in.IsDeleted {
		in.Text = cur.Text
		in.IsDeleted = true
		in.DeletedAt = cur.DeletedAt
	}
	if in.CorrelationID == "" {
		in.CorrelationID = cur.CorrelationID
	}
	t.entries[idx] = in
	return true
}

// Fail marks the optimistic entry with the given correlation id as failed.
func (t *Timeline) Fail(correlationID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.byCorrelation(correlationID)
	if idx < 0 || t.entries[idx].Status == StatusConfirmed {
		return false
	}
	t.entries[idx].Status = StatusFailed
	t.entries[idx].Error = reason
	return true
}

// Withdraw removes an unconfirmed room message that the server could not persist.
func (t *Timeline) Withdraw(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.byCorrelation(tempID)
	if idx < 0 || t.entries[idx].Status == StatusConfirmed {
		return false
	}
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	return true
}

// ApplyDeletion swaps in the deleted representation of a confirmed message.
func (t *Timeline) ApplyDeletion(in Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.byID(in.ID)
	if idx < 0 {
		idx = t.byCorrelation(in.CorrelationID)
	}
	if idx < 0 {
		return false
	}
	e := &t.entries[idx]
	if e.ID == 0 {
		e.ID = in.ID
	}
	e.Status = StatusConfirmed
	e.Text = in.Text
	e.IsDeleted = true
	e.DeletedAt = in.DeletedAt
	return true
}

// Find returns the entry carrying correlationID.
func (t *Timeline) Find(correlationID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.byCorrelation(correlationID)
	if idx < 0 {
		return Entry{}, false
	}
	return t.entries[idx], true
}

// Entries returns a copy of the timeline in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of visible entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// match finds the entry an incoming copy belongs to: correlation id first, then durable
// id, then sender/text/time proximity against optimistic entries only.
func (t *Timeline) match(in Entry) int {
	if idx := t.byCorrelation(in.CorrelationID); idx >= 0 {
		return idx
	}
	if idx := t.byID(in.ID); idx >= 0 {
		return idx
	}
	for i, e := range t.entries {
		if e.Status == StatusConfirmed || e.ID != 0 {
			continue
		}
		if e.SenderID == in.SenderID && e.Text == in.Text && within(e.CreatedAt, in.CreatedAt, t.window) {
			return i
		}
	}
	return -1
}

func (t *Timeline) byCorrelation(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range t.entries {
		if e.CorrelationID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) byID(id int64) int {
	if id == 0 {
		return -1
	}
	for i, e := range t.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
