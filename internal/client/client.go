// Package client is a programmatic chat participant: it owns the socket, keeps one
// timeline per conversation and routes call events into a call.Coordinator.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/client/call"
	"github.com/vovakirdan/wirechat-realtime/internal/client/timeline"
	"github.com/vovakirdan/wirechat-realtime/internal/proto"
)

var (
	// ErrEmptyText is returned before anything is sent or shown.
	ErrEmptyText = errors.New("message text is empty")
	// ErrTextTooLong is returned before anything is sent or shown.
	ErrTextTooLong = errors.New("message text is too long")
)

// Event is a server frame after the client has applied it.
type Event struct {
	Name string
	Data json.RawMessage
	Err  *proto.Error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = *logger
		}
	}
}

// WithHandler receives every frame after it was applied to local state.
func WithHandler(fn func(Event)) Option {
	return func(c *Client) {
		c.handler = fn
	}
}

// WithMaxTextLength rejects longer messages locally. Zero disables the check.
func WithMaxTextLength(n int) Option {
	return func(c *Client) {
		c.maxText = n
	}
}

// WithMedia sets where call media comes from. Defaults to receive-only.
func WithMedia(src call.MediaSource) Option {
	return func(c *Client) {
		c.media = src
	}
}

// WithPeerFactory replaces the pion peer factory.
func WithPeerFactory(f call.PeerFactory) Option {
	return func(c *Client) {
		c.peers = f
	}
}

// WithCallObserver receives call state snapshots.
func WithCallObserver(fn func(call.Snapshot)) Option {
	return func(c *Client) {
		c.callObserver = fn
	}
}

// Client is one authenticated connection.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger
	self proto.UserRef

	handler      func(Event)
	maxText      int
	media        call.MediaSource
	peers        call.PeerFactory
	callObserver func(call.Snapshot)
	calls        *call.Coordinator

	writeMu sync.Mutex

	mu        sync.Mutex
	timelines map[string]*timeline.Timeline
	online    map[int64]struct{}
}

// RoomKey names a room timeline.
func RoomKey(room string) string {
	return "room:" + room
}

// DirectKey names the timeline shared by two users, independent of argument order.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// Dial connects to a ws:// endpoint with a token and waits for the ready event.
func Dial(ctx context.Context, endpoint, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var first proto.Outbound
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read ready: %w", err)
	}
	if first.Type == proto.OutboundTypeError && first.Error != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("handshake rejected: %s: %s", first.Error.Code, first.Error.Msg)
	}
	if first.Event != "ready" {
		_ = conn.Close(websocket.StatusProtocolError, "expected ready")
		return nil, fmt.Errorf("unexpected first event %q", first.Event)
	}
	var ready proto.ReadyData
	if err := json.Unmarshal(first.Data, &ready); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad ready")
		return nil, fmt.Errorf("decode ready: %w", err)
	}

	c := &Client{
		conn:      conn,
		log:       zerolog.Nop(),
		self:      ready.User,
		media:     call.ReceiveOnly{},
		timelines: make(map[string]*timeline.Timeline),
		online:    make(map[int64]struct{}, len(ready.Online)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.peers == nil {
		c.peers = call.NewPionFactory(nil)
	}
	for _, id := range ready.Online {
		c.online[id] = struct{}{}
	}

	c.log = c.log.With().Int64("user_id", c.self.ID).Logger()
	callOpts := []call.Option{call.WithLogger(&c.log)}
	if c.callObserver != nil {
		callOpts = append(callOpts, call.WithObserver(c.callObserver))
	}
	c.calls = call.NewCoordinator(c.self.ID, c, c.media, c.peers, callOpts...)

	return c, nil
}

// Self returns the authenticated identity.
func (c *Client) Self() proto.UserRef {
	return c.self
}

// Calls returns the call coordinator.
func (c *Client) Calls() *call.Coordinator {
	return c.calls
}

// Online reports whether the server last announced id as online.
func (c *Client) Online(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[id]
	return ok
}

// OnlineUsers returns the known online identities, sorted.
func (c *Client) OnlineUsers() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Timeline returns the timeline for key, creating it on first use.
func (c *Client) Timeline(key string) *timeline.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[key]
	if !ok {
		tl = timeline.New()
		c.timelines[key] = tl
	}
	return tl
}

// Send writes one frame. It implements call.Signaler.
func (c *Client) Send(ctx context.Context, kind string, data any) error {
	in, err := proto.NewInbound(kind, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, in)
}

// SendDirect shows the message optimistically and sends it.
func (c *Client) SendDirect(ctx context.Context, to int64, text string) (timeline.Entry, error) {
	text, err := c.checkText(text)
	if err != nil {
		return timeline.Entry{}, err
	}
	tl := c.Timeline(DirectKey(c.self.ID, to))
	e := tl.AddOptimistic(timeline.Entry{
		SenderID:   c.self.ID,
		SenderName: c.self.Name,
		ReceiverID: to,
		Text:       text,
	})
	err = c.Send(ctx, proto.InboundTypeSendMessage, proto.SendMessageData{
		Receiver:    to,
		Text:        text,
		ClientMsgID: e.CorrelationID,
	})
	if err != nil {
		tl.Fail(e.CorrelationID, err.Error())
		return e, err
	}
	return e, nil
}

// SendRoom shows the message optimistically and sends it to room.
func (c *Client) SendRoom(ctx context.Context, room, text string) (timeline.Entry, error) {
	text, err := c.checkText(text)
	if err != nil {
		return timeline.Entry{}, err
	}
	tl := c.Timeline(RoomKey(room))
	e := tl.AddOptimistic(timeline.Entry{
		SenderID:   c.self.ID,
		SenderName: c.self.Name,
		RoomID:     room,
		Text:       text,
	})
	err = c.Send(ctx, proto.InboundTypeSendRoomMessage, proto.SendRoomMessageData{
		RoomID:     room,
		Text:       text,
		TempID:     e.CorrelationID,
		Sender:     c.self.ID,
		SenderName: c.self.Name,
	})
	if err != nil {
		tl.Fail(e.CorrelationID, err.Error())
		return e, err
	}
	return e, nil
}

// JoinRoom subscribes to room.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	return c.Send(ctx, proto.InboundTypeJoinRoom, proto.RoomData{RoomID: room})
}

// LeaveRoom unsubscribes from room.
func (c *Client) LeaveRoom(ctx context.Context, room string) error {
	return c.Send(ctx, proto.InboundTypeLeaveRoom, proto.RoomData{RoomID: room})
}

// DeleteMessage asks the server to soft-delete one of our messages. room is empty for
// direct messages.
func (c *Client) DeleteMessage(ctx context.Context, id int64, room string) error {
	kind := proto.InboundTypeDeleteMessage
	if room != "" {
		kind = proto.InboundTypeDeleteRoomMessage
	}
	return c.Send(ctx, kind, proto.DeleteMessageData{MessageID: id})
}

// Close ends any call and closes the socket.
func (c *Client) Close() error {
	c.calls.Abort("disconnected")
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Run reads and applies frames until the connection or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	defer c.calls.Abort("disconnected")

	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, c.conn, &out); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, out)
	}
}

func (c *Client) checkText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if c.maxText > 0 && utf8.RuneCountInString(text) > c.maxText {
		return "", ErrTextTooLong
	}
	return text, nil
}

func (c *Client) dispatch(ctx context.Context, out proto.Outbound) {
	if out.Type == proto.OutboundTypeError {
		c.emit(Event{Name: "error", Err: out.Error})
		return
	}

	if err := c.apply(ctx, out.Event, out.Data); err != nil {
		c.log.Warn().Err(err).Str("event", out.Event).Msg("apply event")
	}
	c.emit(Event{Name: out.Event, Data: out.Data})
}

func (c *Client) emit(ev Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

func (c *Client) apply(ctx context.Context, name string, raw json.RawMessage) error {
	switch name {
	case "userOnline", "userOffline":
		var d proto.PresenceData
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		c.mu.Lock()
		if name == "userOnline" {
			c.online[d.UserID] = struct{}{}
		} else {
			delete(c.online, d.UserID)
		}
		c.mu.Unlock()

	case "newMessage", "newRoomMessage":
		var d proto.MessageData
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		c.Timeline(c.keyFor(d)).Apply(entryFromData(d))

	case "roomMessageDeleted", "messageDeleted":
		var d proto.MessageData
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		c.Timeline(c.keyFor(d)).ApplyDeletion(entryFromData(d))

	case "removeFailedMessage":
		var d proto.RemoveFailedData
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		tl := c.Timeline(RoomKey(d.RoomID))
		// Our own copy stays visible; messageError marks it failed.
		if e, ok := tl.Find(d.TempID); ok && e.SenderID == c.self.ID {
			return nil
		}
		tl.Withdraw(d.TempID)

	case "messageError":
		var d proto.MessageErrorData
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		c.failMessage(d)

	default:
		if !callEvents[name] {
			return nil
		}
		var d proto.CallEventData
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		return c.applyCall(ctx, name, d)
	}
	return nil
}

var callEvents = map[string]bool{
	"callRequest":         true,
	"callAccepted":        true,
	"callRejected":        true,
	"callEnded":           true,
	"userBusy":            true,
	"callSignal":          true,
	"groupCallRequest":    true,
	"groupCallAccepted":   true,
	"groupCallRejected":   true,
	"groupCallEnded":      true,
	"groupCallSignal":     true,
	"userJoinedGroupCall": true,
	"userLeftGroupCall":   true,
}

func (c *Client) applyCall(ctx context.Context, name string, d proto.CallEventData) error {
	mode := call.Mode(d.Type)
	switch name {
	case "callRequest":
		return c.calls.HandleCallRequest(ctx, d.From, d.FromName, mode)
	case "callAccepted":
		return c.calls.HandleCallAccepted(ctx, d.From)
	case "callRejected":
		c.calls.HandleCallRejected(d.From, d.Reason)
	case "callEnded":
		c.calls.HandleCallEnded(d.From, d.Reason)
	case "userBusy":
		c.calls.HandleUserBusy(d.From)
	case "callSignal":
		return c.calls.HandleSignal(ctx, d.From, d.Signal)
	case "groupCallRequest":
		return c.calls.HandleGroupCallRequest(ctx, d.RoomID, d.From, d.FromName, mode)
	case "groupCallAccepted":
		c.calls.HandleGroupCallAccepted(d.RoomID, d.Participants)
	case "groupCallRejected":
		c.calls.HandleGroupCallRejected(d.RoomID, d.From)
	case "groupCallEnded":
		c.calls.HandleGroupCallEnded(d.RoomID)
	case "groupCallSignal":
		return c.calls.HandleGroupSignal(ctx, d.RoomID, d.From, d.Signal)
	case "userJoinedGroupCall":
		return c.calls.HandleUserJoinedGroupCall(ctx, d.RoomID, d.From)
	case "userLeftGroupCall":
		c.calls.HandleUserLeftGroupCall(d.RoomID, d.From)
	}
	return nil
}

// failMessage marks the optimistic copy failed. Direct errors do not name the
// conversation, so every direct timeline is searched.
func (c *Client) failMessage(d proto.MessageErrorData) {
	if d.RoomID != "" {
		c.Timeline(RoomKey(d.RoomID)).Fail(d.TempID, d.Code)
		return
	}
	c.mu.Lock()
	tls := make([]*timeline.Timeline, 0, len(c.timelines))
	for key, tl := range c.timelines {
		if strings.HasPrefix(key, "dm:") {
			tls = append(tls, tl)
		}
	}
	c.mu.Unlock()
	for _, tl := range tls {
		if tl.Fail(d.ClientMsgID, d.Code) {
			return
		}
	}
}

func (c *Client) keyFor(d proto.MessageData) string {
	if d.RoomID != "" {
		return RoomKey(d.RoomID)
	}
	other := d.Sender.ID
	if other == c.self.ID {
		other = d.Receiver
	}
	return DirectKey(c.self.ID, other)
}

func entryFromData(d proto.MessageData) timeline.Entry {
	e := timeline.Entry{
		ID:         d.ID,
		SenderID:   d.Sender.ID,
		SenderName: d.Sender.Name,
		ReceiverID: d.Receiver,
		RoomID:     d.RoomID,
		Text:       d.Text,
		CreatedAt:  d.CreatedAt,
		IsDeleted:  d.IsDeleted,
		DeletedAt:  d.DeletedAt,
		Status:     timeline.StatusOptimistic,
	}
	if d.RoomID != "" {
		e.CorrelationID = d.TempID
	} else {
		e.CorrelationID = d.ClientMsgID
	}
	if d.Confirmed {
		e.Status = timeline.StatusConfirmed
	}
	return e
}
