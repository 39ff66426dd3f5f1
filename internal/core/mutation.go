package core

import (
	"context"
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

type deletion struct {
	msg    *store.Message
	sender Sender
}

// deleteMessage soft-deletes a message owned by requesterID and republishes the stored
// result. Deleting an already deleted message republishes the same terminal state.
func (h *Hub) deleteMessage(requesterID, messageID int64, reply func(*store.Message, error)) {
	if messageID <= 0 {
		reply(nil, coreError(ErrCodeBadRequest, "message id is required"))
		return
	}
	if h.store == nil {
		reply(nil, ErrNoStore)
		return
	}

	runAsync(h, func(ctx context.Context) (deletion, error) {
		msg, err := h.store.GetMessage(ctx, messageID)
		if err != nil {
			return deletion{}, err
		}
		if msg.SenderID != requesterID {
			return deletion{}, ErrForbidden
		}
		sender := Sender{ID: msg.SenderID}
		if u, err := h.store.GetUserByID(ctx, msg.SenderID); err == nil {
			sender.Name = u.Username
		}
		deleted, err := h.store.SoftDeleteMessage(ctx, messageID, h.opts.DeletedMarker, time.Now().UTC())
		if err != nil {
			return deletion{}, err
		}
		return deletion{msg: deleted, sender: sender}, nil
	}, func(d deletion, err error) {
		if err != nil {
			h.log.Debug().Err(err).Int64("message_id", messageID).Int64("requester_id", requesterID).Msg("delete rejected")
			reply(nil, err)
			return
		}
		h.publishDeletion(requesterID, d)
		reply(d.msg, nil)
	})
}

func (h *Hub) publishDeletion(requesterID int64, d deletion) {
	if d.sender.Name == "" {
		if conns := h.registry.ConnectionsFor(d.sender.ID); len(conns) > 0 {
			d.sender.Name = conns[0].Name
		}
	}
	msg := messageFromStore(d.msg, d.sender)

	if d.msg.IsDirect() {
		ev := &Event{Kind: EventMessageDeleted, User: d.sender, Message: msg}
		h.sendUsers(ev, d.msg.SenderID, *d.msg.ReceiverID)
		return
	}

	room := *d.msg.RoomID
	ev := &Event{Kind: EventRoomMessageDeleted, Room: room, User: d.sender, Message: msg}
	h.sendUsers(ev, append(h.rooms.MembersOf(room), requesterID)...)
}
