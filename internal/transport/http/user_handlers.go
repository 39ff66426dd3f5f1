package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/core"
	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

// UserHandlers provides HTTP handlers for user operations.
type UserHandlers struct {
	hub   *core.Hub
	store store.UserStore
	log   *zerolog.Logger
}

// NewUserHandlers creates a new user handlers instance.
func NewUserHandlers(hub *core.Hub, st store.UserStore, logger *zerolog.Logger) *UserHandlers {
	return &UserHandlers{
		hub:   hub,
		store: st,
		log:   logger,
	}
}

// PresenceResponse is the presence of one identity. Online comes from the live
// registry, LastSeen from storage.
type PresenceResponse struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Online   bool    `json:"online"`
	LastSeen *string `json:"last_seen,omitempty"`
}

// Presence reports whether a user is connected.
// GET /api/presence/:id
func (h *UserHandlers) Presence(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user id"})
		return
	}

	user, err := h.store.GetUserByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
			return
		}
		h.log.Error().Err(err).Int64("user_id", id).Msg("failed to load user")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	online, err := h.hub.IsOnline(c.Request.Context(), id)
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", id).Msg("presence lookup failed")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "presence unavailable"})
		return
	}

	resp := PresenceResponse{ID: user.ID, Username: user.Username, Online: online}
	if !online && user.LastSeen != nil {
		ts := user.LastSeen.UTC().Format(time.RFC3339)
		resp.LastSeen = &ts
	}
	c.JSON(http.StatusOK, resp)
}
