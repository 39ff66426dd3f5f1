package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *SQLiteStore, name string) *store.User {
	t.Helper()

	u, err := s.CreateUser(context.Background(), name, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func strPtr(s string) *string { return &s }

func TestCreateMessageRejectsBadAddressing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	tests := []struct {
		name string
		msg  store.Message
	}{
		{name: "neither", msg: store.Message{SenderID: alice.ID, Text: "hi"}},
		{name: "both", msg: store.Message{SenderID: alice.ID, ReceiverID: &bob.ID, RoomID: strPtr("general"), Text: "hi"}},
		{name: "blank text", msg: store.Message{SenderID: alice.ID, ReceiverID: &bob.ID, Text: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateMessage(ctx, &tt.msg); !errors.Is(err, store.ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestCreateMessageDeduplicatesByClientMsgID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	first, err := s.CreateMessage(ctx, &store.Message{
		SenderID:    alice.ID,
		ReceiverID:  &bob.ID,
		Text:        "hi",
		ClientMsgID: strPtr("x1"),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// A retry with a later timestamp still hits the same correlation id.
	again, err := s.CreateMessage(ctx, &store.Message{
		SenderID:    alice.ID,
		ReceiverID:  &bob.ID,
		Text:        "hi",
		ClientMsgID: strPtr("x1"),
		CreatedAt:   time.Now().Add(time.Second),
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("expected existing message %d, got %+v", first.ID, again)
	}

	// Messages without a correlation id are never deduplicated.
	for range 2 {
		if _, err := s.CreateMessage(ctx, &store.Message{SenderID: alice.ID, ReceiverID: &bob.ID, Text: "hi"}); err != nil {
			t.Fatalf("insert without client id: %v", err)
		}
	}
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	msg, err := s.CreateMessage(ctx, &store.Message{SenderID: alice.ID, RoomID: strPtr("general"), Text: "secret"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]*store.Message, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deleted, err := s.SoftDeleteMessage(ctx, msg.ID, "deleted", time.Now().Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Errorf("delete %d: %v", i, err)
				return
			}
			results[i] = deleted
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r == nil || !r.IsDeleted || r.Text != "deleted" || r.DeletedAt == nil {
			t.Fatalf("unexpected delete result: %+v", r)
		}
	}
	if !results[0].DeletedAt.Equal(*results[1].DeletedAt) {
		t.Fatalf("deletion stamped twice: %v vs %v", results[0].DeletedAt, results[1].DeletedAt)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("soft-deleted message should remain fetchable: %v", err)
	}
	if !got.IsDeleted {
		t.Fatalf("expected deleted flag")
	}
}

func TestPresenceAndRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	seen := time.Now().Truncate(time.Second)
	if err := s.SetPresence(ctx, alice.ID, false, &seen); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	got, err := s.GetUserByID(ctx, alice.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Online || got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Fatalf("unexpected presence: online=%v lastSeen=%v", got.Online, got.LastSeen)
	}

	if err := s.SetPresence(ctx, 999, true, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	if _, err := s.GetRoomByID(ctx, "general"); err != nil {
		t.Fatalf("seeded room missing: %v", err)
	}
	if _, err := s.GetRoomByID(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRoomMessagesPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		m, err := s.CreateMessage(ctx, &store.Message{SenderID: alice.ID, RoomID: strPtr("general"), Text: text})
		if err != nil {
			t.Fatalf("insert %s: %v", text, err)
		}
		ids = append(ids, m.ID)
	}

	page, err := s.ListRoomMessages(ctx, "general", 2, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Text != "three" || page[1].Text != "two" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	older, err := s.ListRoomMessages(ctx, "general", 2, &ids[1])
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(older) != 1 || older[0].Text != "one" {
		t.Fatalf("unexpected second page: %+v", older)
	}
}
