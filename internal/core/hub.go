package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

// Store is the persistence the hub needs. A nil Store keeps membership and signaling
// working while every send fails with a persistence error.
type Store interface {
	store.UserStore
	store.RoomStore
	store.MessageStore
}

// DeletedMarker replaces the text of soft-deleted messages.
const DeletedMarker = "This message was deleted"

// Options tunes the hub.
type Options struct {
	MaxTextLength int
	DeletedMarker string
	StoreTimeout  time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithMaxTextLength caps message text length in runes.
func WithMaxTextLength(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxTextLength = n
		}
	}
}

// WithDeletedMarker overrides the text that replaces deleted messages.
func WithDeletedMarker(marker string) Option {
	return func(o *Options) {
		if marker != "" {
			o.DeletedMarker = marker
		}
	}
}

// WithStoreTimeout bounds every store call made by the hub.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.StoreTimeout = d
		}
	}
}

// Hub is the single event loop that owns every registry. All state below is touched
// only from the Run goroutine; store calls run elsewhere and report back via tasks.
type Hub struct {
	store Store
	log   zerolog.Logger
	opts  Options

	registry *Registry
	rooms    *Membership
	calls    *callLedger
	queues   *sendQueues

	register   chan *Client
	unregister chan *Client
	inbox      chan *Command
	tasks      chan func()
	stopped    chan struct{}

	runCtx context.Context
}

// NewHub creates a new chat hub instance.
func NewHub(st Store, logger *zerolog.Logger, opts ...Option) *Hub {
	o := Options{
		MaxTextLength: 4000,
		DeletedMarker: DeletedMarker,
		StoreTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "hub").Logger()
	}

	return &Hub{
		store:      st,
		log:        log,
		opts:       o,
		registry:   NewRegistry(),
		rooms:      NewMembership(),
		calls:      newCallLedger(),
		queues:     newSendQueues(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbox:      make(chan *Command, 256),
		tasks:      make(chan func(), 256),
		stopped:    make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.runCtx = ctx
	defer close(h.stopped)

	h.log.Debug().Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("hub stopped")
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case cmd := <-h.inbox:
			if cmd.client == nil || !h.registry.Has(cmd.client) {
				continue
			}
			h.dispatch(cmd)
		case fn := <-h.tasks:
			fn()
		}
	}
}

// RegisterClient adds a connection and starts its command dispatcher.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
		c.close()
		return
	}
	go h.pump(c)
}

// UnregisterClient removes a connection; it is the implicit leave on transport loss.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
		c.close()
	}
}

// pump is the per-connection dispatcher. It forwards commands in order and resolves the
// room lookup for joins off the loop.
func (h *Hub) pump(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case <-h.stopped:
			return
		case cmd := <-c.Commands:
			if cmd == nil {
				continue
			}
			cmd.client = c
			if cmd.Kind == CommandJoinRoom {
				if err := h.lookupRoom(cmd.Room); err != nil {
					h.sendError(c, AsCoreError(err))
					continue
				}
			}
			select {
			case h.inbox <- cmd:
			case <-c.done:
				return
			case <-h.stopped:
				return
			}
		}
	}
}

func (h *Hub) lookupRoom(room string) error {
	if room == "" {
		return coreError(ErrCodeBadRequest, "room is required")
	}
	if h.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	defer cancel()
	if _, err := h.store.GetRoomByID(ctx, room); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		h.log.Warn().Err(err).Str("room", room).Msg("room lookup failed")
		return err
	}
	return nil
}

func (h *Hub) dispatch(cmd *Command) {
	c := cmd.client
	switch cmd.Kind {
	case CommandJoinRoom:
		h.join(cmd.Room, c)
	case CommandLeaveRoom:
		h.leave(cmd.Room, c)
	case CommandSendDirect:
		h.sendDirect(c, cmd.Message)
	case CommandSendRoomMessage:
		h.sendRoom(c, cmd.Room, cmd.Message)
	case CommandDeleteMessage:
		h.deleteMessage(c.UserID, cmd.MessageID, func(_ *store.Message, err error) {
			if err != nil {
				h.sendError(c, AsCoreError(err))
			}
		})
	case CommandCallRequest, CommandCallAccept, CommandCallReject, CommandCallBusy,
		CommandCallEnd, CommandCallSignal:
		h.handleDirectCall(c, cmd)
	case CommandGroupCallRequest, CommandGroupCallAccept, CommandGroupCallReject,
		CommandGroupCallEnd, CommandGroupCallSignal:
		h.handleGroupCall(c, cmd)
	default:
		h.sendError(c, coreError(ErrCodeBadRequest, "unknown command"))
	}
}

func (h *Hub) handleRegister(c *Client) {
	first := h.registry.Register(c)
	h.log.Debug().Str("client_id", c.ID).Int64("user_id", c.UserID).Bool("first", first).Msg("client registered")

	h.send(c, &Event{Kind: EventReady, User: c.Sender(), Online: h.registry.OnlineUsers()})
	if !first {
		return
	}

	h.persistPresence(c.UserID, true, nil)
	h.broadcastExcept(c.UserID, &Event{Kind: EventUserOnline, User: c.Sender()})
}

func (h *Hub) handleUnregister(c *Client) {
	if !h.registry.Has(c) {
		c.close()
		return
	}

	for _, room := range h.rooms.DropConnection(c) {
		h.broadcastRoom(room, &Event{Kind: EventUserLeft, Room: room, User: c.Sender()})
	}

	last := h.registry.Unregister(c)
	c.close()
	h.log.Debug().Str("client_id", c.ID).Int64("user_id", c.UserID).Bool("last", last).Msg("client unregistered")
	if !last {
		return
	}

	h.dropCalls(c.Sender())
	now := time.Now()
	h.persistPresence(c.UserID, false, &now)
	h.broadcastExcept(c.UserID, &Event{Kind: EventUserOffline, User: c.Sender()})
}

func (h *Hub) persistPresence(userID int64, online bool, lastSeen *time.Time) {
	if h.store == nil {
		return
	}
	runAsync(h, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.store.SetPresence(ctx, userID, online, lastSeen)
	}, func(_ struct{}, err error) {
		if err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Bool("online", online).Msg("failed to persist presence")
		}
	})
}

func (h *Hub) join(room string, c *Client) {
	isNew, err := h.rooms.Join(room, c)
	if err != nil {
		h.sendError(c, AsCoreError(err))
		return
	}
	if isNew {
		h.broadcastRoom(room, &Event{Kind: EventUserJoined, Room: room, User: c.Sender()})
	}
}

func (h *Hub) leave(room string, c *Client) {
	left, err := h.rooms.Leave(room, c)
	if err != nil {
		h.sendError(c, AsCoreError(err))
		return
	}
	if !left {
		return
	}
	// The leaver gets the notification too, mirroring join.
	h.send(c, &Event{Kind: EventUserLeft, Room: room, User: c.Sender()})
	h.broadcastRoom(room, &Event{Kind: EventUserLeft, Room: room, User: c.Sender()})
}

// runAsync runs work off the loop and hands its result back to the loop.
func runAsync[T any](h *Hub, work func(ctx context.Context) (T, error), done func(T, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(h.runCtx, h.opts.StoreTimeout)
		v, err := work(ctx)
		cancel()
		h.post(func() { done(v, err) })
	}()
}

func (h *Hub) post(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.stopped:
	}
}

// submit runs fn on the loop on behalf of a caller outside it.
func (h *Hub) submit(ctx context.Context, fn func()) error {
	select {
	case h.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrHubStopped
	}
}

// DeleteMessage soft-deletes a message on behalf of requesterID and republishes it.
func (h *Hub) DeleteMessage(ctx context.Context, requesterID, messageID int64) (*store.Message, error) {
	type result struct {
		msg *store.Message
		err error
	}
	reply := make(chan result, 1)
	err := h.submit(ctx, func() {
		h.deleteMessage(requesterID, messageID, func(msg *store.Message, err error) {
			reply <- result{msg, err}
		})
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsOnline reports presence as seen by the registry.
func (h *Hub) IsOnline(ctx context.Context, userID int64) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.submit(ctx, func() { reply <- h.registry.IsOnline(userID) }); err != nil {
		return false, err
	}
	select {
	case online := <-reply:
		return online, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RoomMembers returns the identities active in a room.
func (h *Hub) RoomMembers(ctx context.Context, room string) ([]int64, error) {
	reply := make(chan []int64, 1)
	if err := h.submit(ctx, func() { reply <- h.rooms.MembersOf(room) }); err != nil {
		return nil, err
	}
	select {
	case members := <-reply:
		return members, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ==== fan-out helpers (loop only) ====

func (h *Hub) send(c *Client, ev *Event) {
	if !c.trySend(ev) {
		h.log.Warn().Str("client_id", c.ID).Str("event", ev.Kind.String()).Msg("dropping event for slow consumer")
	}
}

func (h *Hub) sendError(c *Client, err *CoreError) {
	h.send(c, &Event{Kind: EventError, Error: err})
}

func (h *Hub) sendUser(userID int64, ev *Event) {
	for _, c := range h.registry.ConnectionsFor(userID) {
		h.send(c, ev)
	}
}

func (h *Hub) sendUsers(ev *Event, userIDs ...int64) {
	seen := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		h.sendUser(id, ev)
	}
}

func (h *Hub) broadcastRoom(room string, ev *Event) {
	h.sendUsers(ev, h.rooms.MembersOf(room)...)
}

func (h *Hub) broadcastExcept(userID int64, ev *Event) {
	for _, id := range h.registry.OnlineUsers() {
		if id != userID {
			h.sendUser(id, ev)
		}
	}
}
