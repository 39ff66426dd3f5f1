package core

import (
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

// Sender is the resolved author of a message; it is always populated on the wire.
type Sender struct {
	ID   int64
	Name string
}

// Message is the domain model for a chat message as delivered to clients.
// Direct messages set ReceiverID and ClientMsgID; room messages set Room and TempID.
type Message struct {
	ID          int64
	Sender      Sender
	ReceiverID  int64
	Room        string
	Text        string
	ClientMsgID string
	TempID      string
	Confirmed   bool
	CreatedAt   time.Time
	IsDeleted   bool
	DeletedAt   *time.Time
}

func messageFromStore(m *store.Message, sender Sender) Message {
	out := Message{
		ID:        m.ID,
		Sender:    sender,
		Text:      m.Text,
		Confirmed: true,
		CreatedAt: m.CreatedAt,
		IsDeleted: m.IsDeleted,
		DeletedAt: m.DeletedAt,
	}
	if m.ReceiverID != nil {
		out.ReceiverID = *m.ReceiverID
		if m.ClientMsgID != nil {
			out.ClientMsgID = *m.ClientMsgID
		}
	}
	if m.RoomID != nil {
		out.Room = *m.RoomID
		if m.ClientMsgID != nil {
			out.TempID = *m.ClientMsgID
		}
	}
	return out
}
