package proto

import (
	"encoding/json"
	"time"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello             = "hello"
	InboundTypeJoinRoom          = "joinRoom"
	InboundTypeLeaveRoom         = "leaveRoom"
	InboundTypeSendMessage       = "sendMessage"
	InboundTypeSendRoomMessage   = "sendRoomMessage"
	InboundTypeDeleteRoomMessage = "deleteRoomMessage"
	InboundTypeDeleteMessage     = "deleteMessage"

	InboundTypeCallRequest  = "callRequest"
	InboundTypeCallAccepted = "callAccepted"
	InboundTypeCallRejected = "callRejected"
	InboundTypeCallEnded    = "callEnded"
	InboundTypeUserBusy     = "userBusy"
	InboundTypeCallSignal   = "callSignal"

	InboundTypeGroupCallRequest  = "groupCallRequest"
	InboundTypeGroupCallAccepted = "groupCallAccepted"
	InboundTypeGroupCallRejected = "groupCallRejected"
	InboundTypeGroupCallEnded    = "groupCallEnded"
	InboundTypeGroupCallSignal   = "groupCallSignal"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"
)

// Call modes.
const (
	CallModeAudio = "audio"
	CallModeVideo = "video"
)

// HelloData authenticates a connection that did not present a token on upgrade.
type HelloData struct {
	Token    string `json:"token" validate:"required"`
	Protocol int    `json:"protocol,omitempty" validate:"gte=0"`
}

// RoomData names a room to join or leave.
type RoomData struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
}

// SendMessageData is a direct message from the client. Text, receiver and clientMsgId are
// checked by the hub so that failures carry the correlation id.
type SendMessageData struct {
	Receiver    int64  `json:"receiver" validate:"gte=0"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId"`
}

// SendRoomMessageData is a room message from the client. Sender fields are informational;
// the server always uses the authenticated identity.
type SendRoomMessageData struct {
	RoomID     string `json:"roomId" validate:"max=64"`
	Text       string `json:"text"`
	TempID     string `json:"tempId"`
	Sender     int64  `json:"sender,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

// DeleteMessageData requests a soft delete.
type DeleteMessageData struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
}

// CallData is the payload of the 1:1 call events. Requests and hang-ups name the target,
// answers name the caller.
type CallData struct {
	Target int64  `json:"target,omitempty" validate:"gte=0"`
	Caller int64  `json:"caller,omitempty" validate:"gte=0"`
	Type   string `json:"type,omitempty" validate:"omitempty,oneof=audio video"`
	Reason string `json:"reason,omitempty" validate:"max=128"`
}

// Peer returns whichever side of the call the payload names.
func (d CallData) Peer() int64 {
	if d.Target != 0 {
		return d.Target
	}
	return d.Caller
}

// CallSignalData relays an opaque negotiation payload to one participant.
type CallSignalData struct {
	To     int64           `json:"to" validate:"required,gt=0"`
	Signal json.RawMessage `json:"signal" validate:"required"`
}

// GroupCallData is the payload of the group call lifecycle events.
type GroupCallData struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
	Type   string `json:"type,omitempty" validate:"omitempty,oneof=audio video"`
	Reason string `json:"reason,omitempty" validate:"max=128"`
}

// GroupCallSignalData relays an opaque negotiation payload inside a group call.
type GroupCallSignalData struct {
	RoomID string          `json:"roomId" validate:"required,max=64"`
	To     int64           `json:"to" validate:"required,gt=0"`
	Signal json.RawMessage `json:"signal" validate:"required"`
}

// Signal is the part of a negotiation payload both sides understand.
type Signal struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// UserRef is the resolved identity attached to everything a user did.
type UserRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ReadyData confirms the handshake.
type ReadyData struct {
	User     UserRef `json:"user"`
	Online   []int64 `json:"online"`
	Protocol int     `json:"protocol"`
}

// PresenceData is carried by userOnline and userOffline.
type PresenceData struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// RoomMemberData is carried by userJoinedRoom and userLeftRoom.
type RoomMemberData struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

// MessageData is a message as shown to clients.
type MessageData struct {
	ID          int64      `json:"id,omitempty"`
	Sender      UserRef    `json:"sender"`
	Receiver    int64      `json:"receiver,omitempty"`
	RoomID      string     `json:"roomId,omitempty"`
	Text        string     `json:"text"`
	ClientMsgID string     `json:"clientMsgId,omitempty"`
	TempID      string     `json:"tempId,omitempty"`
	Confirmed   bool       `json:"confirmed"`
	CreatedAt   time.Time  `json:"createdAt"`
	IsDeleted   bool       `json:"isDeleted"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// MessageErrorData tells the sender which optimistic message failed.
type MessageErrorData struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	TempID      string `json:"tempId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
}

// RemoveFailedData withdraws an unconfirmed room message.
type RemoveFailedData struct {
	RoomID string `json:"roomId"`
	TempID string `json:"tempId"`
}

// CallEventData is the payload of every server-to-client call event.
type CallEventData struct {
	From         int64           `json:"from"`
	FromName     string          `json:"fromName"`
	RoomID       string          `json:"roomId,omitempty"`
	Type         string          `json:"type,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	Participants []int64         `json:"participants,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// NewEvent builds an event envelope.
func NewEvent(name string, data any) (Outbound, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: OutboundTypeEvent, Event: name, Data: raw}, nil
}

// NewInbound builds a client envelope.
func NewInbound(kind string, data any) (Inbound, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Type: kind, Data: raw}, nil
}
