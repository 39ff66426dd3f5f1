package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/core"
	"github.com/vovakirdan/wirechat-realtime/internal/proto"
	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageHandlers serves room history and message deletion.
type MessageHandlers struct {
	hub   *core.Hub
	store store.Store
	log   *zerolog.Logger
}

// NewMessageHandlers creates a new message handlers instance.
func NewMessageHandlers(hub *core.Hub, st store.Store, logger *zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{
		hub:   hub,
		store: st,
		log:   logger,
	}
}

// ListRoomMessages returns a page of room history, newest first.
// GET /api/rooms/:id/messages?limit=50&before=123
func (h *MessageHandlers) ListRoomMessages(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var before *int64
	if raw := c.Query("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid before"})
			return
		}
		before = &n
	}

	if _, err := h.store.GetRoomByID(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
			return
		}
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	msgs, err := h.store.ListRoomMessages(ctx, roomID, limit, before)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to list messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	names := make(map[int64]string)
	response := make([]proto.MessageData, 0, len(msgs))
	for _, m := range msgs {
		name, ok := names[m.SenderID]
		if !ok {
			if u, err := h.store.GetUserByID(ctx, m.SenderID); err == nil {
				name = u.Username
			}
			names[m.SenderID] = name
		}
		response = append(response, storedMessageData(m, name))
	}

	c.JSON(http.StatusOK, response)
}

// DeleteMessage soft-deletes a message through the hub so live clients see it.
// DELETE /api/messages/:id
func (h *MessageHandlers) DeleteMessage(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid message id"})
		return
	}

	msg, err := h.hub.DeleteMessage(c.Request.Context(), uid, id)
	if err != nil {
		if errors.Is(err, core.ErrHubStopped) || errors.Is(err, core.ErrNoStore) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			return
		}
		ce := core.AsCoreError(err)
		switch ce.Code {
		case core.ErrCodeNotFound:
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "message not found"})
		case core.ErrCodeForbidden:
			c.JSON(http.StatusForbidden, ErrorResponse{Error: ce.Message})
		case core.ErrCodeBadRequest, core.ErrCodeValidation:
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ce.Message})
		default:
			h.log.Error().Err(err).Int64("message_id", id).Msg("failed to delete message")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	name, _ := c.Get(ContextKeyUsername)
	username, _ := name.(string)
	c.JSON(http.StatusOK, storedMessageData(msg, username))
}

func storedMessageData(m *store.Message, senderName string) proto.MessageData {
	data := proto.MessageData{
		ID:        m.ID,
		Sender:    proto.UserRef{ID: m.SenderID, Name: senderName},
		Text:      m.Text,
		Confirmed: true,
		CreatedAt: m.CreatedAt,
		IsDeleted: m.IsDeleted,
		DeletedAt: m.DeletedAt,
	}
	var correlation string
	if m.ClientMsgID != nil {
		correlation = *m.ClientMsgID
	}
	if m.ReceiverID != nil {
		data.Receiver = *m.ReceiverID
		data.ClientMsgID = correlation
	}
	if m.RoomID != nil {
		data.RoomID = *m.RoomID
		data.TempID = correlation
	}
	return data
}
