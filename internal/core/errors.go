package core

import (
	"errors"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

// Error codes for domain errors.
const (
	ErrCodeRoomNotFound  = "room_not_found"
	ErrCodeAlreadyJoined = "already_joined"
	ErrCodeNotInRoom     = "not_in_room"
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeRateLimited   = "rate_limited"

	ErrCodeValidation  = "validation_error"
	ErrCodePersistence = "persistence_error"
	ErrCodeForbidden   = "forbidden"
	ErrCodeNotFound    = "not_found"
	ErrCodeSignaling   = "signaling_error"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotInRoom     = errors.New("not in room")
	ErrBadRequest    = errors.New("bad request")
	ErrForbidden     = errors.New("only the sender may delete a message")
	ErrHubStopped    = errors.New("hub stopped")
	ErrNoStore       = errors.New("storage unavailable")

	ErrCorrelationReused = errors.New("correlation id already used for another message")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// AsCoreError maps any error produced by the hub or the store onto a protocol error.
func AsCoreError(err error) *CoreError {
	var ce *CoreError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, store.ErrNotFound):
		return coreError(ErrCodeNotFound, "not found")
	case errors.Is(err, ErrForbidden):
		return coreError(ErrCodeForbidden, err.Error())
	case errors.Is(err, store.ErrInvalidMessage), errors.Is(err, ErrCorrelationReused):
		return coreError(ErrCodeValidation, err.Error())
	case errors.Is(err, ErrRoomNotFound):
		return coreError(ErrCodeRoomNotFound, err.Error())
	case errors.Is(err, ErrAlreadyJoined):
		return coreError(ErrCodeAlreadyJoined, err.Error())
	case errors.Is(err, ErrNotInRoom):
		return coreError(ErrCodeNotInRoom, err.Error())
	case errors.Is(err, ErrBadRequest):
		return coreError(ErrCodeBadRequest, err.Error())
	default:
		return coreError(ErrCodePersistence, "failed to persist")
	}
}
