package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

func sendConfirmedRoomMessage(t *testing.T, c *Client, room, text string) Message {
	t.Helper()

	c.Commands <- &Command{Kind: CommandSendRoomMessage, Room: room, Message: Message{Text: text}}
	for {
		ev := mustEvent(t, c.Events, EventRoomMessage)
		if ev.Message.Confirmed {
			return ev.Message
		}
	}
}

func TestDeleteRoomMessageConcurrentlyConverges(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")

	msg := sendConfirmedRoomMessage(t, alice, "general", "oops")

	var wg sync.WaitGroup
	results := make([]*store.Message, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = hub.DeleteMessage(context.Background(), 1, msg.ID)
		}()
	}
	wg.Wait()

	for i := range 2 {
		if errs[i] != nil {
			t.Fatalf("delete %d: %v", i, errs[i])
		}
		if !results[i].IsDeleted || results[i].Text != DeletedMarker {
			t.Fatalf("delete %d: not in terminal state: %+v", i, results[i])
		}
	}
	if !results[0].DeletedAt.Equal(*results[1].DeletedAt) {
		t.Fatalf("concurrent deletes stamped different times: %v vs %v", results[0].DeletedAt, results[1].DeletedAt)
	}

	deleted := ofKind(collect(bob.Events, 200*time.Millisecond), EventRoomMessageDeleted)
	if len(deleted) == 0 {
		t.Fatal("expected at least one deletion broadcast")
	}
	for _, ev := range deleted {
		if ev.Message.ID != msg.ID || ev.Message.Text != DeletedMarker || !ev.Message.IsDeleted {
			t.Fatalf("deletion broadcast diverged: %+v", ev.Message)
		}
		if ev.Message.Sender.Name != "alice" {
			t.Fatalf("deleted message lost its sender: %+v", ev.Message.Sender)
		}
	}

	stored, err := st.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("deleted message must remain fetchable: %v", err)
	}
	if stored.Text != DeletedMarker {
		t.Fatalf("unexpected stored text %q", stored.Text)
	}
}

func TestDeleteMessageRejections(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")

	msg := sendConfirmedRoomMessage(t, alice, "general", "mine")
	collect(bob.Events, 100*time.Millisecond)

	bob.Commands <- &Command{Kind: CommandDeleteMessage, MessageID: msg.ID}
	ev := mustEvent(t, bob.Events, EventError)
	if ev.Error.Code != ErrCodeForbidden {
		t.Fatalf("expected forbidden, got %+v", ev.Error)
	}

	if _, err := hub.DeleteMessage(context.Background(), 1, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ce := AsCoreError(store.ErrNotFound); ce.Code != ErrCodeNotFound {
		t.Fatalf("unexpected mapping %+v", ce)
	}

	if got := ofKind(collect(alice.Events, 200*time.Millisecond), EventRoomMessageDeleted); len(got) != 0 {
		t.Fatalf("rejected deletes must not broadcast, got %d", len(got))
	}
	stored, _ := st.GetMessage(context.Background(), msg.ID)
	if stored.IsDeleted {
		t.Fatal("forbidden delete changed the message")
	}
}

func TestDeleteDirectMessageNotifiesBothParties(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")

	alice.Commands <- &Command{Kind: CommandSendDirect, Message: Message{ReceiverID: 2, Text: "secret", ClientMsgID: "d1"}}
	sent := mustEvent(t, bob.Events, EventNewMessage)

	alice.Commands <- &Command{Kind: CommandDeleteMessage, MessageID: sent.Message.ID}

	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		ev := mustEvent(t, c.Events, EventMessageDeleted)
		if ev.Message.ID != sent.Message.ID || ev.Message.Text != DeletedMarker || ev.Message.ReceiverID != 2 {
			t.Fatalf("%s: unexpected deletion %+v", name, ev.Message)
		}
	}

	// A second delete republishes the same terminal state.
	again, err := hub.DeleteMessage(context.Background(), 1, sent.Message.ID)
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if again.Text != DeletedMarker || !again.IsDeleted {
		t.Fatalf("repeat delete changed state: %+v", again)
	}
	mustEvent(t, bob.Events, EventMessageDeleted)
}

func TestDeleteUsesConfiguredMarker(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st, WithDeletedMarker("[removed]"))

	alice := connect(t, hub, "a", 1, "alice")
	joinRoom(t, alice, "general")
	msg := sendConfirmedRoomMessage(t, alice, "general", "bye")

	got, err := hub.DeleteMessage(context.Background(), 1, msg.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got.Text != "[removed]" {
		t.Fatalf("expected configured marker, got %q", got.Text)
	}
}
