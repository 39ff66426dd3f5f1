package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/store/memory"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// collect drains events until the channel stays quiet for idle.
func collect(ch <-chan *Event, idle time.Duration) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(idle):
			return out
		}
	}
}

func ofKind(events []*Event, kind EventKind) []*Event {
	var out []*Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func startHub(t *testing.T, st Store, opts ...Option) *Hub {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(st, nil, opts...)
	go hub.Run(ctx)
	return hub
}

// seededStore returns a memory store holding users alice(1), bob(2) and carol(3).
func seededStore(t *testing.T) *memory.Store {
	t.Helper()

	st := memory.New()
	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := st.CreateUser(context.Background(), name, "x"); err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
	}
	return st
}

func connect(t *testing.T, hub *Hub, id string, userID int64, name string) *Client {
	t.Helper()

	c := NewClient(id, userID, name)
	hub.RegisterClient(c)
	mustEvent(t, c.Events, EventReady)
	return c
}

func joinRoom(t *testing.T, c *Client, room string) {
	t.Helper()

	c.Commands <- &Command{Kind: CommandJoinRoom, Room: room}
	for {
		ev := mustEvent(t, c.Events, EventUserJoined)
		if ev.Room == room && ev.User.ID == c.UserID {
			return
		}
	}
}
