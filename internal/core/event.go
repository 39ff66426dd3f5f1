package core

import "encoding/json"

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventReady confirms the handshake and lists who is online.
	EventReady EventKind = iota
	// EventUserOnline notifies that an identity got its first connection.
	EventUserOnline
	// EventUserOffline notifies that an identity lost its last connection.
	EventUserOffline
	// EventUserJoined notifies clients about a user joining a room.
	EventUserJoined
	// EventUserLeft notifies clients about a user leaving a room.
	EventUserLeft
	// EventNewMessage delivers a persisted direct message.
	EventNewMessage
	// EventRoomMessage delivers a room message, unconfirmed first and confirmed after persistence.
	EventRoomMessage
	// EventRemoveFailedMessage withdraws an unconfirmed room message.
	EventRemoveFailedMessage
	// EventMessageError tells the sending connection that its message failed.
	EventMessageError
	// EventRoomMessageDeleted republishes a soft-deleted room message.
	EventRoomMessageDeleted
	// EventMessageDeleted republishes a soft-deleted direct message.
	EventMessageDeleted
	// EventError notifies clients about a domain error.
	EventError

	// EventCallRequest notifies the target of an incoming call.
	EventCallRequest
	// EventCallAccepted notifies the caller that the call was accepted.
	EventCallAccepted
	// EventCallRejected notifies the caller that the call was rejected.
	EventCallRejected
	// EventCallEnded notifies the peer that the call has ended.
	EventCallEnded
	// EventUserBusy tells the caller the target is already in a call.
	EventUserBusy
	// EventCallSignal relays a negotiation payload between the two parties.
	EventCallSignal

	// EventGroupCallRequest notifies room members of a new group call.
	EventGroupCallRequest
	// EventGroupCallAccepted acknowledges a join and lists the current participants.
	EventGroupCallAccepted
	// EventGroupCallRejected tells the current participants that a member declined.
	EventGroupCallRejected
	// EventGroupCallEnded notifies room members that the call has no participants left.
	EventGroupCallEnded
	// EventGroupCallSignal relays a negotiation payload within a group call.
	EventGroupCallSignal
	// EventUserJoinedGroupCall notifies participants that someone joined.
	EventUserJoinedGroupCall
	// EventUserLeftGroupCall notifies participants that someone left.
	EventUserLeftGroupCall
)

var eventNames = map[EventKind]string{
	EventReady:               "ready",
	EventUserOnline:          "userOnline",
	EventUserOffline:         "userOffline",
	EventUserJoined:          "userJoinedRoom",
	EventUserLeft:            "userLeftRoom",
	EventNewMessage:          "newMessage",
	EventRoomMessage:         "newRoomMessage",
	EventRemoveFailedMessage: "removeFailedMessage",
	EventMessageError:        "messageError",
	EventRoomMessageDeleted:  "roomMessageDeleted",
	EventMessageDeleted:      "messageDeleted",
	EventError:               "error",
	EventCallRequest:         "callRequest",
	EventCallAccepted:        "callAccepted",
	EventCallRejected:        "callRejected",
	EventCallEnded:           "callEnded",
	EventUserBusy:            "userBusy",
	EventCallSignal:          "callSignal",
	EventGroupCallRequest:    "groupCallRequest",
	EventGroupCallAccepted:   "groupCallAccepted",
	EventGroupCallRejected:   "groupCallRejected",
	EventGroupCallEnded:      "groupCallEnded",
	EventGroupCallSignal:     "groupCallSignal",
	EventUserJoinedGroupCall: "userJoinedGroupCall",
	EventUserLeftGroupCall:   "userLeftGroupCall",
}

// String returns the wire name of the event.
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind    EventKind
	Room    string
	User    Sender
	Message Message
	TempID  string
	Online  []int64 // EventReady
	Error   *CoreError
	Call    *CallEvent // non-nil for call events
}

// CallEvent holds data specific to call events.
type CallEvent struct {
	From         Sender
	Room         string
	Mode         string
	Reason       string
	Signal       json.RawMessage
	Participants []int64 // EventGroupCallAccepted
}
