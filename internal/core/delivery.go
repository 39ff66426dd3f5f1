package core

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

// MaxCorrelationIDLength caps clientMsgId and tempId.
const MaxCorrelationIDLength = 64

func validateCorrelationID(id string) *CoreError {
	if len(id) > MaxCorrelationIDLength {
		return coreError(ErrCodeValidation, "correlation id is too long")
	}
	return nil
}

func (h *Hub) validateText(text string) (string, *CoreError) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", coreError(ErrCodeValidation, "message text is empty")
	}
	if utf8.RuneCountInString(text) > h.opts.MaxTextLength {
		return "", coreError(ErrCodeValidation, "message text is too long")
	}
	return text, nil
}

// sendDirect persists first and then delivers to every connection of both parties.
// Failures go to the sending connection only.
func (h *Hub) sendDirect(c *Client, msg Message) {
	fail := func(err *CoreError) {
		h.send(c, &Event{
			Kind:    EventMessageError,
			Error:   err,
			Message: Message{ReceiverID: msg.ReceiverID, ClientMsgID: msg.ClientMsgID},
		})
	}

	if verr := validateCorrelationID(msg.ClientMsgID); verr != nil {
		fail(verr)
		return
	}
	text, verr := h.validateText(msg.Text)
	if verr != nil {
		fail(verr)
		return
	}
	if msg.ReceiverID <= 0 || msg.ReceiverID == c.UserID {
		fail(coreError(ErrCodeValidation, "invalid receiver"))
		return
	}

	receiver := msg.ReceiverID
	record := &store.Message{
		SenderID:   c.UserID,
		ReceiverID: &receiver,
		Text:       text,
	}
	if msg.ClientMsgID != "" {
		id := msg.ClientMsgID
		record.ClientMsgID = &id
	}

	sender := c.Sender()
	h.enqueueSend(c.UserID, record, func(saved *store.Message, err error) {
		if err != nil {
			h.log.Warn().Err(err).Int64("sender_id", sender.ID).Str("client_msg_id", msg.ClientMsgID).Msg("direct message not persisted")
			fail(AsCoreError(err))
			return
		}
		ev := &Event{Kind: EventNewMessage, User: sender, Message: messageFromStore(saved, sender)}
		h.sendUsers(ev, sender.ID, receiver)
	})
}

// sendRoom broadcasts an unconfirmed copy at once, then the confirmed copy or a
// withdrawal once the sender's queue has persisted it.
func (h *Hub) sendRoom(c *Client, room string, msg Message) {
	tempID := msg.TempID
	if tempID == "" {
		tempID = uuid.NewString()
	}
	fail := func(err *CoreError) {
		h.send(c, &Event{
			Kind:    EventMessageError,
			Room:    room,
			TempID:  tempID,
			Error:   err,
			Message: Message{Room: room, TempID: tempID},
		})
	}

	if room == "" {
		fail(coreError(ErrCodeValidation, "room is required"))
		return
	}
	if verr := validateCorrelationID(tempID); verr != nil {
		fail(verr)
		return
	}
	text, verr := h.validateText(msg.Text)
	if verr != nil {
		fail(verr)
		return
	}
	if !h.rooms.IsMember(room, c.UserID) {
		fail(coreError(ErrCodeNotInRoom, "not in room"))
		return
	}

	sender := c.Sender()
	h.broadcastRoom(room, &Event{
		Kind:   EventRoomMessage,
		Room:   room,
		User:   sender,
		TempID: tempID,
		Message: Message{
			Sender:    sender,
			Room:      room,
			Text:      text,
			TempID:    tempID,
			CreatedAt: time.Now().UTC(),
		},
	})

	roomID := room
	record := &store.Message{
		SenderID:    c.UserID,
		RoomID:      &roomID,
		Text:        text,
		ClientMsgID: &tempID,
	}
	h.enqueueSend(c.UserID, record, func(saved *store.Message, err error) {
		if err != nil {
			h.log.Warn().Err(err).Int64("sender_id", sender.ID).Str("room", room).Str("temp_id", tempID).Msg("room message not persisted, withdrawing")
			h.broadcastRoom(room, &Event{Kind: EventRemoveFailedMessage, Room: room, TempID: tempID})
			fail(AsCoreError(err))
			return
		}
		confirmed := messageFromStore(saved, sender)
		confirmed.TempID = tempID
		h.broadcastRoom(room, &Event{
			Kind:    EventRoomMessage,
			Room:    room,
			User:    sender,
			TempID:  tempID,
			Message: confirmed,
		})
	})
}

// persist stores a message. A duplicate correlation id resolves to the stored record
// only when that record is the same message in the same conversation.
func (h *Hub) persist(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if h.store == nil {
		return nil, ErrNoStore
	}
	saved, err := h.store.CreateMessage(ctx, msg)
	if errors.Is(err, store.ErrDuplicate) && saved != nil {
		if !saved.Matches(msg) {
			return nil, ErrCorrelationReused
		}
		return saved, nil
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}
