package core

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/tidwall/gjson"
)

// Signal payload type tags. Nothing else in a signal is read by the server.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Call end reasons set by the server.
const (
	ReasonUnavailable  = "unavailable"
	ReasonDisconnected = "disconnected"
)

type directCall struct {
	caller   int64
	callee   int64
	mode     string
	accepted bool
}

func (d *directCall) peer(userID int64) int64 {
	if d.caller == userID {
		return d.callee
	}
	return d.caller
}

type groupCall struct {
	room         string
	mode         string
	participants map[int64]struct{}
}

func (g *groupCall) members() []int64 {
	return slices.Sorted(maps.Keys(g.participants))
}

// callLedger is the server's view of who is in which call. It routes signals and
// answers busy checks; negotiation state lives with the participants.
type callLedger struct {
	direct  map[int64]*directCall
	groups  map[string]*groupCall
	inGroup map[int64]string
}

func newCallLedger() *callLedger {
	return &callLedger{
		direct:  make(map[int64]*directCall),
		groups:  make(map[string]*groupCall),
		inGroup: make(map[int64]string),
	}
}

func (l *callLedger) busy(userID int64) bool {
	if _, ok := l.direct[userID]; ok {
		return true
	}
	_, ok := l.inGroup[userID]
	return ok
}

func (l *callLedger) pair(a, b int64) *directCall {
	d, ok := l.direct[a]
	if !ok || d.peer(a) != b {
		return nil
	}
	return d
}

func (l *callLedger) endDirect(d *directCall) {
	delete(l.direct, d.caller)
	delete(l.direct, d.callee)
}

// signalType returns the type tag of a negotiation payload.
func signalType(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return "", false
	}
	switch t := gjson.GetBytes(raw, "type").String(); t {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return t, true
	default:
		return "", false
	}
}

func (h *Hub) nameOf(userID int64) string {
	if conns := h.registry.ConnectionsFor(userID); len(conns) > 0 {
		return conns[0].Name
	}
	return ""
}

func (h *Hub) handleDirectCall(c *Client, cmd *Command) {
	me := c.Sender()
	target := cmd.Call.Target
	if target <= 0 || target == me.ID {
		h.sendError(c, coreError(ErrCodeBadRequest, "invalid call target"))
		return
	}

	switch cmd.Kind {
	case CommandCallRequest:
		peer := Sender{ID: target, Name: h.nameOf(target)}
		switch {
		case h.calls.busy(me.ID):
			h.sendError(c, coreError(ErrCodeBadRequest, "already in a call"))
		case !h.registry.IsOnline(target):
			h.send(c, &Event{Kind: EventCallRejected, Call: &CallEvent{From: peer, Mode: cmd.Call.Mode, Reason: ReasonUnavailable}})
		case h.calls.busy(target):
			h.send(c, &Event{Kind: EventUserBusy, Call: &CallEvent{From: peer, Mode: cmd.Call.Mode}})
		default:
			d := &directCall{caller: me.ID, callee: target, mode: cmd.Call.Mode}
			h.calls.direct[me.ID] = d
			h.calls.direct[target] = d
			h.sendUser(target, &Event{Kind: EventCallRequest, Call: &CallEvent{From: me, Mode: d.mode}})
		}

	case CommandCallAccept:
		d := h.calls.pair(me.ID, target)
		if d == nil || d.callee != me.ID || d.accepted {
			h.sendError(c, coreError(ErrCodeNotFound, "no pending call"))
			return
		}
		d.accepted = true
		h.sendUser(target, &Event{Kind: EventCallAccepted, Call: &CallEvent{From: me, Mode: d.mode}})

	case CommandCallReject, CommandCallBusy:
		d := h.calls.pair(me.ID, target)
		if d == nil || d.callee != me.ID {
			h.sendError(c, coreError(ErrCodeNotFound, "no pending call"))
			return
		}
		h.calls.endDirect(d)
		kind := EventCallRejected
		if cmd.Kind == CommandCallBusy {
			kind = EventUserBusy
		}
		h.sendUser(target, &Event{Kind: kind, Call: &CallEvent{From: me, Mode: d.mode, Reason: cmd.Call.Reason}})

	case CommandCallEnd:
		d := h.calls.pair(me.ID, target)
		if d == nil {
			h.sendError(c, coreError(ErrCodeNotFound, "no active call"))
			return
		}
		h.calls.endDirect(d)
		h.sendUser(target, &Event{Kind: EventCallEnded, Call: &CallEvent{From: me, Mode: d.mode, Reason: cmd.Call.Reason}})

	case CommandCallSignal:
		if h.calls.pair(me.ID, target) == nil {
			h.sendError(c, coreError(ErrCodeNotFound, "no active call"))
			return
		}
		if _, ok := signalType(cmd.Call.Signal); !ok {
			h.sendError(c, coreError(ErrCodeSignaling, "unsupported signal payload"))
			return
		}
		h.sendUser(target, &Event{Kind: EventCallSignal, Call: &CallEvent{From: me, Signal: cmd.Call.Signal}})
	}
}

func (h *Hub) handleGroupCall(c *Client, cmd *Command) {
	me := c.Sender()
	room := cmd.Room
	if room == "" {
		h.sendError(c, coreError(ErrCodeBadRequest, "room is required"))
		return
	}
	g := h.calls.groups[room]

	switch cmd.Kind {
	case CommandGroupCallRequest:
		switch {
		case !h.rooms.IsMember(room, me.ID):
			h.sendError(c, coreError(ErrCodeNotInRoom, "not in room"))
		case g != nil:
			h.sendError(c, coreError(ErrCodeBadRequest, "a call is already active in this room"))
		case h.calls.busy(me.ID):
			h.sendError(c, coreError(ErrCodeBadRequest, "already in a call"))
		default:
			g = &groupCall{
				room:         room,
				mode:         cmd.Call.Mode,
				participants: map[int64]struct{}{me.ID: {}},
			}
			h.calls.groups[room] = g
			h.calls.inGroup[me.ID] = room
			ev := &Event{Kind: EventGroupCallRequest, Room: room, Call: &CallEvent{From: me, Room: room, Mode: g.mode}}
			for _, id := range h.rooms.MembersOf(room) {
				if id != me.ID {
					h.sendUser(id, ev)
				}
			}
		}

	case CommandGroupCallAccept:
		switch {
		case g == nil:
			h.sendError(c, coreError(ErrCodeNotFound, "no active call in room"))
		case !h.rooms.IsMember(room, me.ID):
			h.sendError(c, coreError(ErrCodeNotInRoom, "not in room"))
		case h.calls.busy(me.ID):
			h.sendError(c, coreError(ErrCodeBadRequest, "already in a call"))
		default:
			existing := g.members()
			g.participants[me.ID] = struct{}{}
			h.calls.inGroup[me.ID] = room
			h.sendUsers(&Event{Kind: EventUserJoinedGroupCall, Room: room, Call: &CallEvent{From: me, Room: room, Mode: g.mode}}, existing...)
			h.sendUser(me.ID, &Event{Kind: EventGroupCallAccepted, Room: room, Call: &CallEvent{From: me, Room: room, Mode: g.mode, Participants: existing}})
		}

	case CommandGroupCallReject:
		if g == nil {
			h.sendError(c, coreError(ErrCodeNotFound, "no active call in room"))
			return
		}
		var to []int64
		for _, id := range g.members() {
			if id != me.ID {
				to = append(to, id)
			}
		}
		h.sendUsers(&Event{Kind: EventGroupCallRejected, Room: room, Call: &CallEvent{From: me, Room: room, Reason: cmd.Call.Reason}}, to...)

	case CommandGroupCallEnd:
		if g == nil || h.calls.inGroup[me.ID] != room {
			h.sendError(c, coreError(ErrCodeNotFound, "not in this call"))
			return
		}
		h.leaveGroupCall(g, me, cmd.Call.Reason)

	case CommandGroupCallSignal:
		target := cmd.Call.Target
		if g == nil || h.calls.inGroup[me.ID] != room || h.calls.inGroup[target] != room || target == me.ID {
			h.sendError(c, coreError(ErrCodeNotFound, "no such call participant"))
			return
		}
		if _, ok := signalType(cmd.Call.Signal); !ok {
			h.sendError(c, coreError(ErrCodeSignaling, "unsupported signal payload"))
			return
		}
		h.sendUser(target, &Event{Kind: EventGroupCallSignal, Room: room, Call: &CallEvent{From: me, Room: room, Signal: cmd.Call.Signal}})
	}
}

func (h *Hub) leaveGroupCall(g *groupCall, user Sender, reason string) {
	delete(g.participants, user.ID)
	delete(h.calls.inGroup, user.ID)

	if len(g.participants) > 0 {
		ev := &Event{Kind: EventUserLeftGroupCall, Room: g.room, Call: &CallEvent{From: user, Room: g.room, Reason: reason}}
		h.sendUsers(ev, g.members()...)
		return
	}

	delete(h.calls.groups, g.room)
	ev := &Event{Kind: EventGroupCallEnded, Room: g.room, Call: &CallEvent{From: user, Room: g.room, Reason: reason}}
	h.sendUsers(ev, append(h.rooms.MembersOf(g.room), user.ID)...)
}

// dropCalls ends every call the identity takes part in after its last connection closed.
func (h *Hub) dropCalls(user Sender) {
	if d, ok := h.calls.direct[user.ID]; ok {
		h.calls.endDirect(d)
		h.sendUser(d.peer(user.ID), &Event{Kind: EventCallEnded, Call: &CallEvent{From: user, Mode: d.mode, Reason: ReasonDisconnected}})
	}
	if room, ok := h.calls.inGroup[user.ID]; ok {
		if g := h.calls.groups[room]; g != nil {
			h.leaveGroupCall(g, user, ReasonDisconnected)
		} else {
			delete(h.calls.inGroup, user.ID)
		}
	}
}
