package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

func TestDirectSendDeliveredToBothParties(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a1", 1, "alice")
	aliceTab := connect(t, hub, "a2", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")

	alice.Commands <- &Command{
		Kind:    CommandSendDirect,
		Message: Message{ReceiverID: 2, Text: "  hi  ", ClientMsgID: "x1"},
	}

	for name, c := range map[string]*Client{"alice": alice, "alice tab": aliceTab, "bob": bob} {
		ev := mustEvent(t, c.Events, EventNewMessage)
		msg := ev.Message
		if msg.ClientMsgID != "x1" || msg.ID == 0 || msg.Text != "hi" {
			t.Fatalf("%s: unexpected message %+v", name, msg)
		}
		if msg.Sender.ID != 1 || msg.Sender.Name != "alice" || msg.ReceiverID != 2 {
			t.Fatalf("%s: sender not resolved: %+v", name, msg)
		}
	}

	if n := len(st.Messages()); n != 1 {
		t.Fatalf("expected one persisted message, got %d", n)
	}
}

func TestDirectSendToOfflineReceiverIsNotQueued(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	alice.Commands <- &Command{
		Kind:    CommandSendDirect,
		Message: Message{ReceiverID: 2, Text: "hi", ClientMsgID: "x1"},
	}
	mustEvent(t, alice.Events, EventNewMessage)

	if n := len(st.Messages()); n != 1 {
		t.Fatalf("expected one persisted message, got %d", n)
	}

	bob := connect(t, hub, "b", 2, "bob")
	if got := ofKind(collect(bob.Events, 200*time.Millisecond), EventNewMessage); len(got) != 0 {
		t.Fatalf("offline receiver must not get the message on reconnect, got %d", len(got))
	}
}

func TestDirectSendDuplicateClientMsgID(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")

	for range 2 {
		alice.Commands <- &Command{
			Kind:    CommandSendDirect,
			Message: Message{ReceiverID: 2, Text: "retry", ClientMsgID: "x1"},
		}
	}

	first := mustEvent(t, bob.Events, EventNewMessage)
	second := mustEvent(t, bob.Events, EventNewMessage)
	if first.Message.ID != second.Message.ID {
		t.Fatalf("duplicate send produced two ids: %d and %d", first.Message.ID, second.Message.ID)
	}
	if n := len(st.Messages()); n != 1 {
		t.Fatalf("expected one persisted message, got %d", n)
	}
}

func TestDirectSendReusedClientMsgIDForOtherConversation(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	carol := connect(t, hub, "c", 3, "carol")

	alice.Commands <- &Command{
		Kind:    CommandSendDirect,
		Message: Message{ReceiverID: 2, Text: "secret for bob", ClientMsgID: "x1"},
	}
	mustEvent(t, bob.Events, EventNewMessage)
	mustEvent(t, alice.Events, EventNewMessage)

	cases := []struct {
		name     string
		receiver int64
		text     string
	}{
		{"other receiver", 3, "hello carol"},
		{"other text", 2, "something else"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			alice.Commands <- &Command{
				Kind:    CommandSendDirect,
				Message: Message{ReceiverID: tc.receiver, Text: tc.text, ClientMsgID: "x1"},
			}
			ev := mustEvent(t, alice.Events, EventMessageError)
			if ev.Error == nil || ev.Error.Code != ErrCodeValidation {
				t.Fatalf("expected validation_error, got %+v", ev.Error)
			}
			if ev.Message.ClientMsgID != "x1" || ev.Message.ReceiverID != tc.receiver {
				t.Fatalf("error lost correlation: %+v", ev.Message)
			}
		})
	}

	for name, c := range map[string]*Client{"bob": bob, "carol": carol} {
		if got := ofKind(collect(c.Events, 200*time.Millisecond), EventNewMessage); len(got) != 0 {
			t.Fatalf("%s received %d messages for a reused clientMsgId", name, len(got))
		}
	}
	if n := len(st.Messages()); n != 1 {
		t.Fatalf("expected one persisted message, got %d", n)
	}
}

func TestDirectSendValidation(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st, WithMaxTextLength(5))

	alice := connect(t, hub, "a", 1, "alice")

	cases := []struct {
		name string
		msg  Message
	}{
		{"blank", Message{ReceiverID: 2, Text: "   ", ClientMsgID: "v1"}},
		{"too long", Message{ReceiverID: 2, Text: "abcdefgh", ClientMsgID: "v2"}},
		{"self", Message{ReceiverID: 1, Text: "me", ClientMsgID: "v3"}},
		{"no receiver", Message{Text: "hey", ClientMsgID: "v4"}},
		{"long client id", Message{ReceiverID: 2, Text: "hey", ClientMsgID: strings.Repeat("v", MaxCorrelationIDLength+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			alice.Commands <- &Command{Kind: CommandSendDirect, Message: tc.msg}
			ev := mustEvent(t, alice.Events, EventMessageError)
			if ev.Error == nil || ev.Error.Code != ErrCodeValidation {
				t.Fatalf("expected validation_error, got %+v", ev.Error)
			}
			if ev.Message.ClientMsgID != tc.msg.ClientMsgID {
				t.Fatalf("expected clientMsgId %q, got %q", tc.msg.ClientMsgID, ev.Message.ClientMsgID)
			}
		})
	}

	if n := len(st.Messages()); n != 0 {
		t.Fatalf("invalid sends must not persist, got %d", n)
	}
}

func TestDirectSendPersistenceFailure(t *testing.T) {
	st := seededStore(t)
	st.SetFailCreate(func(*store.Message) error { return errors.New("disk full") })
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")

	alice.Commands <- &Command{
		Kind:    CommandSendDirect,
		Message: Message{ReceiverID: 2, Text: "hi", ClientMsgID: "x1"},
	}

	ev := mustEvent(t, alice.Events, EventMessageError)
	if ev.Error.Code != ErrCodePersistence || ev.Message.ClientMsgID != "x1" {
		t.Fatalf("unexpected failure event: %+v %+v", ev.Error, ev.Message)
	}
	if got := ofKind(collect(bob.Events, 200*time.Millisecond), EventNewMessage); len(got) != 0 {
		t.Fatalf("failed send must not reach the receiver")
	}
}

func TestDirectSendWithoutStore(t *testing.T) {
	hub := startHub(t, nil)

	alice := connect(t, hub, "a", 1, "alice")
	alice.Commands <- &Command{
		Kind:    CommandSendDirect,
		Message: Message{ReceiverID: 2, Text: "hi", ClientMsgID: "x1"},
	}

	ev := mustEvent(t, alice.Events, EventMessageError)
	if ev.Error.Code != ErrCodePersistence {
		t.Fatalf("expected persistence_error, got %+v", ev.Error)
	}
}

func TestRoomSendUnconfirmedThenConfirmed(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")
	collect(alice.Events, 50*time.Millisecond)

	alice.Commands <- &Command{
		Kind:    CommandSendRoomMessage,
		Room:    "general",
		Message: Message{Text: "hello room", TempID: "t1"},
	}

	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		got := ofKind(collect(c.Events, 300*time.Millisecond), EventRoomMessage)
		if len(got) != 2 {
			t.Fatalf("%s: expected 2 room messages, got %d", name, len(got))
		}
		unconfirmed, confirmed := got[0].Message, got[1].Message
		if unconfirmed.Confirmed || unconfirmed.TempID != "t1" || unconfirmed.ID != 0 {
			t.Fatalf("%s: bad unconfirmed copy %+v", name, unconfirmed)
		}
		if !confirmed.Confirmed || confirmed.TempID != "t1" || confirmed.ID == 0 {
			t.Fatalf("%s: bad confirmed copy %+v", name, confirmed)
		}
		if confirmed.Sender.Name != "alice" || confirmed.Text != "hello room" || confirmed.Room != "general" {
			t.Fatalf("%s: confirmed copy lost fields %+v", name, confirmed)
		}
	}
}

func TestRoomSendFailureWithdraws(t *testing.T) {
	st := seededStore(t)
	st.SetFailCreate(func(*store.Message) error { return errors.New("db down") })
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")
	collect(alice.Events, 50*time.Millisecond)

	alice.Commands <- &Command{
		Kind:    CommandSendRoomMessage,
		Room:    "general",
		Message: Message{Text: "doomed", TempID: "t9"},
	}

	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		events := collect(c.Events, 300*time.Millisecond)
		if n := len(ofKind(events, EventRoomMessage)); n != 1 {
			t.Fatalf("%s: expected only the unconfirmed copy, got %d", name, n)
		}
		removed := ofKind(events, EventRemoveFailedMessage)
		if len(removed) != 1 || removed[0].TempID != "t9" {
			t.Fatalf("%s: expected one withdrawal for t9, got %+v", name, removed)
		}
		failures := ofKind(events, EventMessageError)
		if name == "alice" && (len(failures) != 1 || failures[0].TempID != "t9") {
			t.Fatalf("sender must get one messageError, got %+v", failures)
		}
		if name == "bob" && len(failures) != 0 {
			t.Fatalf("messageError must only reach the sender")
		}
	}
}

func TestRoomSendReusedTempIDFromOtherRoomIsWithdrawn(t *testing.T) {
	st := seededStore(t)
	if _, err := st.CreateRoom(context.Background(), "secret", "secret", ""); err != nil {
		t.Fatalf("create room: %v", err)
	}
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "secret")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")

	alice.Commands <- &Command{
		Kind:    CommandSendRoomMessage,
		Room:    "secret",
		Message: Message{Text: "private plan", TempID: "t1"},
	}
	for {
		ev := mustEvent(t, alice.Events, EventRoomMessage)
		if ev.Message.Confirmed {
			break
		}
	}
	collect(alice.Events, 50*time.Millisecond)
	collect(bob.Events, 50*time.Millisecond)

	alice.Commands <- &Command{
		Kind:    CommandSendRoomMessage,
		Room:    "general",
		Message: Message{Text: "hello all", TempID: "t1"},
	}

	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		events := collect(c.Events, 300*time.Millisecond)
		for _, ev := range ofKind(events, EventRoomMessage) {
			if ev.Message.Confirmed || ev.Message.Room != "general" || ev.Message.Text != "hello all" {
				t.Fatalf("%s: unexpected room message %+v", name, ev.Message)
			}
		}
		removed := ofKind(events, EventRemoveFailedMessage)
		if len(removed) != 1 || removed[0].TempID != "t1" || removed[0].Room != "general" {
			t.Fatalf("%s: expected one withdrawal of t1 in general, got %+v", name, removed)
		}
	}
	if n := len(st.Messages()); n != 1 {
		t.Fatalf("expected one persisted message, got %d", n)
	}
}

func TestRoomSendLongTempIDFailsBeforeBroadcast(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")
	collect(alice.Events, 50*time.Millisecond)

	tempID := strings.Repeat("t", MaxCorrelationIDLength+1)
	alice.Commands <- &Command{
		Kind:    CommandSendRoomMessage,
		Room:    "general",
		Message: Message{Text: "hi", TempID: tempID},
	}

	ev := mustEvent(t, alice.Events, EventMessageError)
	if ev.Error == nil || ev.Error.Code != ErrCodeValidation || ev.TempID != tempID {
		t.Fatalf("expected validation_error for the long tempId, got %+v", ev)
	}
	if got := ofKind(collect(bob.Events, 200*time.Millisecond), EventRoomMessage); len(got) != 0 {
		t.Fatalf("nothing should be broadcast, got %d", len(got))
	}
	if n := len(st.Messages()); n != 0 {
		t.Fatalf("expected nothing persisted, got %d", n)
	}
}

func TestConcurrentRoomSendsKeepTheirTempIDs(t *testing.T) {
	st := seededStore(t)
	st.SetCreateDelay(100 * time.Millisecond)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")
	collect(alice.Events, 50*time.Millisecond)

	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "general", Message: Message{Text: "from alice", TempID: "ta"}}
	bob.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "general", Message: Message{Text: "from bob", TempID: "tb"}}

	texts := map[string]string{"ta": "from alice", "tb": "from bob"}
	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		got := ofKind(collect(c.Events, 400*time.Millisecond), EventRoomMessage)
		if len(got) != 4 {
			t.Fatalf("%s: expected 4 room messages, got %d", name, len(got))
		}
		if got[0].Message.Confirmed || got[1].Message.Confirmed {
			t.Fatalf("%s: both unconfirmed copies must arrive before any confirmation", name)
		}
		for _, ev := range got[2:] {
			m := ev.Message
			if !m.Confirmed || texts[m.TempID] != m.Text {
				t.Fatalf("%s: confirmation %q carries wrong text %q", name, m.TempID, m.Text)
			}
		}
		if got[2].Message.TempID == got[3].Message.TempID {
			t.Fatalf("%s: each tempId must be confirmed once", name)
		}
	}
}

func TestRoomSendPreservesSenderOrder(t *testing.T) {
	st := seededStore(t)
	hub := startHub(t, st)

	alice := connect(t, hub, "a", 1, "alice")
	bob := connect(t, hub, "b", 2, "bob")
	joinRoom(t, alice, "general")
	joinRoom(t, bob, "general")

	const n = 8
	for i := range n {
		alice.Commands <- &Command{
			Kind:    CommandSendRoomMessage,
			Room:    "general",
			Message: Message{Text: fmt.Sprintf("m%d", i), TempID: fmt.Sprintf("t%d", i)},
		}
	}

	var confirmed []Message
	for _, ev := range ofKind(collect(bob.Events, 300*time.Millisecond), EventRoomMessage) {
		if ev.Message.Confirmed {
			confirmed = append(confirmed, ev.Message)
		}
	}
	if len(confirmed) != n {
		t.Fatalf("expected %d confirmations, got %d", n, len(confirmed))
	}
	for i, m := range confirmed {
		if m.TempID != fmt.Sprintf("t%d", i) {
			t.Fatalf("confirmation %d out of order: %s", i, m.TempID)
		}
		if i > 0 && m.ID <= confirmed[i-1].ID {
			t.Fatalf("ids not increasing: %d after %d", m.ID, confirmed[i-1].ID)
		}
	}
}

func TestRoomSendGeneratesTempID(t *testing.T) {
	hub := startHub(t, seededStore(t))

	alice := connect(t, hub, "a", 1, "alice")
	joinRoom(t, alice, "general")

	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "general", Message: Message{Text: "no temp"}}

	first := mustEvent(t, alice.Events, EventRoomMessage)
	second := mustEvent(t, alice.Events, EventRoomMessage)
	if first.TempID == "" || first.TempID != second.TempID {
		t.Fatalf("expected one generated tempId, got %q and %q", first.TempID, second.TempID)
	}
}
