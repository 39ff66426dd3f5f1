package core

import "encoding/json"

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoinRoom subscribes the client to a room.
	CommandJoinRoom CommandKind = iota
	// CommandLeaveRoom unsubscribes the client from a room.
	CommandLeaveRoom
	// CommandSendDirect delivers a chat message to a single receiver.
	CommandSendDirect
	// CommandSendRoomMessage delivers a chat message to room participants.
	CommandSendRoomMessage
	// CommandDeleteMessage soft-deletes one of the client's own messages.
	CommandDeleteMessage

	// CommandCallRequest rings a single target.
	CommandCallRequest
	// CommandCallAccept answers a ringing call from Call.Target.
	CommandCallAccept
	// CommandCallReject declines a ringing call from Call.Target.
	CommandCallReject
	// CommandCallBusy is the callee's automatic answer while already in a call.
	CommandCallBusy
	// CommandCallEnd hangs up or cancels the call with Call.Target.
	CommandCallEnd
	// CommandCallSignal relays a negotiation payload to Call.Target.
	CommandCallSignal

	// CommandGroupCallRequest starts a call in Room.
	CommandGroupCallRequest
	// CommandGroupCallAccept joins the call in Room.
	CommandGroupCallAccept
	// CommandGroupCallReject declines the call in Room.
	CommandGroupCallReject
	// CommandGroupCallEnd leaves the call in Room.
	CommandGroupCallEnd
	// CommandGroupCallSignal relays a negotiation payload to Call.Target within Room.
	CommandGroupCallSignal
)

// Command represents an action requested by a client.
type Command struct {
	Kind      CommandKind
	Room      string
	Message   Message
	MessageID int64
	Call      CallCommand

	client *Client
}

// CallCommand carries signaling fields. Signal is relayed untouched.
type CallCommand struct {
	Target int64
	Mode   string
	Reason string
	Signal json.RawMessage
}
