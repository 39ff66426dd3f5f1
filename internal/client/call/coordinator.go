// Package call drives one participant's side of 1:1 and group calls: ringing, media
// ownership, per-participant negotiation and candidate buffering.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/proto"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.log = logger.With().Str("component", "call").Logger()
		}
	}
}

// WithObserver registers fn to receive a snapshot after every state change.
// fn runs outside the coordinator lock and may call back into it.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Coordinator) {
		c.observe = fn
	}
}

// WithSignalTimeout bounds sends triggered by peer callbacks.
func WithSignalTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.signalTimeout = d
	}
}

// Coordinator owns at most one call at a time together with its local media.
type Coordinator struct {
	self          int64
	signaler      Signaler
	media         MediaSource
	peers         PeerFactory
	log           zerolog.Logger
	observe       func(Snapshot)
	signalTimeout time.Duration

	mu      sync.Mutex
	cur     *session
	last    Snapshot
	pending []Snapshot
}

// NewCoordinator creates a coordinator for the identity self.
func NewCoordinator(self int64, signaler Signaler, media MediaSource, peers PeerFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:          self,
		signaler:      signaler,
		media:         media,
		peers:         peers,
		log:           zerolog.Nop(),
		signalTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the active call, or the last terminal snapshot when idle.
func (c *Coordinator) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return c.cur.snapshot("")
	}
	return c.last
}

// Busy reports whether a call is in progress.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

func (c *Coordinator) lock() {
	c.mu.Lock()
}

// unlock releases the lock and then delivers queued snapshots.
func (c *Coordinator) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if c.observe != nil {
		for _, snap := range pending {
			c.observe(snap)
		}
	}
}

func (c *Coordinator) emit() {
	if c.cur != nil {
		c.pending = append(c.pending, c.cur.snapshot(""))
	}
}

// ==== outgoing ====

// RequestCall rings target. Local media is acquired first; if that fails nothing is sent.
func (c *Coordinator) RequestCall(ctx context.Context, target int64, mode Mode) error {
	c.lock()
	defer c.unlock()

	if c.cur != nil {
		return fmt.Errorf("%w: already in a call", ErrInvalidState)
	}
	if target <= 0 || target == c.self {
		return fmt.Errorf("%w: invalid target %d", ErrInvalidState, target)
	}
	mode = normalizeMode(mode)

	media, err := c.acquire(ctx, mode)
	if err != nil {
		return err
	}
	c.cur = &session{
		peer:      target,
		initiator: c.self,
		mode:      mode,
		phase:     PhaseRequesting,
		outgoing:  true,
		media:     media,
		legs:      make(map[int64]*leg),
	}
	c.emit()

	if err := c.send(ctx, proto.InboundTypeCallRequest, proto.CallData{Target: target, Type: string(mode)}); err != nil {
		c.finish(PhaseEnded, ReasonFailed)
		return fmt.Errorf("send call request: %w", err)
	}
	return nil
}

// RequestGroupCall starts a call in room.
func (c *Coordinator) RequestGroupCall(ctx context.Context, room string, mode Mode) error {
	c.lock()
	defer c.unlock()

	if c.cur != nil {
		return fmt.Errorf("%w: already in a call", ErrInvalidState)
	}
	if room == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidState)
	}
	mode = normalizeMode(mode)

	media, err := c.acquire(ctx, mode)
	if err != nil {
		return err
	}
	c.cur = &session{
		room:      room,
		initiator: c.self,
		mode:      mode,
		phase:     PhaseRequesting,
		outgoing:  true,
		media:     media,
		legs:      make(map[int64]*leg),
	}
	c.emit()

	if err := c.send(ctx, proto.InboundTypeGroupCallRequest, proto.GroupCallData{RoomID: room, Type: string(mode)}); err != nil {
		c.finish(PhaseEnded, ReasonFailed)
		return fmt.Errorf("send group call request: %w", err)
	}
	return nil
}

// ==== answering ====

// Accept answers the ringing call. The caller side creates the offer.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.phase != PhaseRinging {
		return fmt.Errorf("%w: nothing to accept", ErrInvalidState)
	}

	media, err := c.acquire(ctx, s.mode)
	if err != nil {
		if sendErr := c.decline(ctx, s); sendErr != nil {
			c.log.Warn().Err(sendErr).Msg("decline after media failure")
		}
		c.finish(PhaseEnded, ReasonUnavailable)
		return err
	}
	s.media = media

	if s.group() {
		err = c.send(ctx, proto.InboundTypeGroupCallAccepted, proto.GroupCallData{RoomID: s.room})
	} else {
		err = c.send(ctx, proto.InboundTypeCallAccepted, proto.CallData{Caller: s.peer})
	}
	if err != nil {
		c.finish(PhaseEnded, ReasonFailed)
		return fmt.Errorf("send accept: %w", err)
	}

	s.phase = PhaseAccepted
	c.emit()
	return nil
}

// Reject declines the ringing call.
func (c *Coordinator) Reject(ctx context.Context) error {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.phase != PhaseRinging {
		return fmt.Errorf("%w: nothing to reject", ErrInvalidState)
	}
	err := c.decline(ctx, s)
	c.finish(PhaseRejected, ReasonRejected)
	if err != nil {
		return fmt.Errorf("send reject: %w", err)
	}
	return nil
}

// End hangs up, cancels or declines from any non-terminal phase.
func (c *Coordinator) End(ctx context.Context) error {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil {
		return fmt.Errorf("%w: no active call", ErrInvalidState)
	}

	var err error
	phase, reason := PhaseEnded, ReasonHangup
	switch {
	case s.phase == PhaseRinging:
		err = c.decline(ctx, s)
		phase, reason = PhaseRejected, ReasonRejected
	case s.group():
		err = c.send(ctx, proto.InboundTypeGroupCallEnded, proto.GroupCallData{RoomID: s.room})
	default:
		err = c.send(ctx, proto.InboundTypeCallEnded, proto.CallData{Target: s.peer, Reason: ReasonHangup})
	}
	c.finish(phase, reason)
	if err != nil {
		return fmt.Errorf("send end: %w", err)
	}
	return nil
}

// Abort drops the call locally without signaling, e.g. after the socket closed.
func (c *Coordinator) Abort(reason string) {
	c.lock()
	defer c.unlock()
	c.finish(PhaseEnded, reason)
}

func (c *Coordinator) decline(ctx context.Context, s *session) error {
	if s.group() {
		return c.send(ctx, proto.InboundTypeGroupCallRejected, proto.GroupCallData{RoomID: s.room})
	}
	return c.send(ctx, proto.InboundTypeCallRejected, proto.CallData{Caller: s.peer})
}

// ==== server events: 1:1 ====

// HandleCallRequest rings, or answers busy when a call is already in progress.
func (c *Coordinator) HandleCallRequest(ctx context.Context, from int64, fromName string, mode Mode) error {
	c.lock()
	defer c.unlock()

	if c.cur != nil {
		if !c.cur.group() && c.cur.peer == from {
			return nil
		}
		c.log.Debug().Int64("from", from).Msg("busy, auto-replying")
		return c.send(ctx, proto.InboundTypeUserBusy, proto.CallData{Caller: from})
	}

	c.cur = &session{
		peer:      from,
		peerName:  fromName,
		initiator: from,
		mode:      normalizeMode(mode),
		phase:     PhaseRinging,
		legs:      make(map[int64]*leg),
	}
	c.emit()
	return nil
}

// HandleCallAccepted starts negotiation toward the callee.
func (c *Coordinator) HandleCallAccepted(ctx context.Context, from int64) error {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.group() || !s.outgoing || s.peer != from || s.phase != PhaseRequesting {
		return nil
	}
	s.phase = PhaseAccepted
	c.emit()
	return c.startOffer(ctx, s, from)
}

// HandleCallRejected ends an outgoing call the callee declined or could not take.
func (c *Coordinator) HandleCallRejected(from int64, reason string) {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.group() || s.peer != from {
		return
	}
	if reason == "" {
		reason = ReasonRejected
	}
	c.finish(PhaseRejected, reason)
}

// HandleUserBusy ends an outgoing call because the callee is in another call.
func (c *Coordinator) HandleUserBusy(from int64) {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.group() || s.peer != from || s.phase != PhaseRequesting {
		return
	}
	c.finish(PhaseEnded, ReasonBusy)
}

// HandleCallEnded tears the call down after the peer hung up.
func (c *Coordinator) HandleCallEnded(from int64, reason string) {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.group() || s.peer != from {
		return
	}
	if reason == "" {
		reason = ReasonRemoteEnded
	}
	c.finish(PhaseEnded, reason)
}

// HandleSignal applies a relayed negotiation payload from the 1:1 peer.
func (c *Coordinator) HandleSignal(ctx context.Context, from int64, raw json.RawMessage) error {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.group() || s.peer != from || s.phase == PhaseRinging {
		return nil
	}
	return c.applySignal(ctx, s, from, raw)
}

// ==== server events: group ====

// HandleGroupCallRequest rings for a room call, or declines when busy.
func (c *Coordinator) HandleGroupCallRequest(ctx context.Context, room string, from int64, fromName string, mode Mode) error {
	c.lock()
	defer c.unlock()

	if c.cur != nil {
		if c.cur.room == room {
			return nil
		}
		return c.send(ctx, proto.InboundTypeGroupCallRejected, proto.GroupCallData{RoomID: room, Reason: ReasonBusy})
	}

	c.cur = &session{
		room:      room,
		peerName:  fromName,
		initiator: from,
		mode:      normalizeMode(mode),
		phase:     PhaseRinging,
		legs:      make(map[int64]*leg),
	}
	c.emit()
	return nil
}

// HandleGroupCallAccepted is the server's answer to our accept; existing participants
// will each send an offer.
func (c *Coordinator) HandleGroupCallAccepted(room string, participants []int64) {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.room != room || s.phase != PhaseAccepted {
		return
	}
	for _, id := range participants {
		if id == c.self {
			continue
		}
		if _, ok := s.legs[id]; !ok {
			s.legs[id] = &leg{remote: id}
		}
	}
	if len(s.legs) > 0 {
		s.phase = PhaseNegotiating
	}
	c.emit()
}

// HandleUserJoinedGroupCall offers to a participant who just joined.
func (c *Coordinator) HandleUserJoinedGroupCall(ctx context.Context, room string, user int64) error {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.room != room || s.phase == PhaseRinging || user == c.self {
		return nil
	}
	return c.startOffer(ctx, s, user)
}

// HandleUserLeftGroupCall drops the leg toward a participant who left.
func (c *Coordinator) HandleUserLeftGroupCall(room string, user int64) {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.room != room {
		return
	}
	if l, ok := s.legs[user]; ok {
		c.closeLeg(l)
		delete(s.legs, user)
		c.emit()
	}
}

// HandleGroupCallRejected notes that a member declined.
func (c *Coordinator) HandleGroupCallRejected(room string, from int64) {
	c.log.Debug().Str("room", room).Int64("from", from).Msg("group call declined")
}

// HandleGroupCallEnded ends the call once the last participant left.
func (c *Coordinator) HandleGroupCallEnded(room string) {
	c.lock()
	defer c.unlock()

	if c.cur == nil || c.cur.room != room {
		return
	}
	c.finish(PhaseEnded, ReasonRemoteEnded)
}

// HandleGroupSignal applies a relayed negotiation payload inside a group call.
func (c *Coordinator) HandleGroupSignal(ctx context.Context, room string, from int64, raw json.RawMessage) error {
	c.lock()
	defer c.unlock()

	s := c.cur
	if s == nil || s.room != room || s.phase == PhaseRinging {
		return nil
	}
	return c.applySignal(ctx, s, from, raw)
}

// ==== negotiation (lock held) ====

func (c *Coordinator) startOffer(ctx context.Context, s *session, remote int64) error {
	l, err := c.newLeg(s, remote)
	if err != nil {
		return c.failLeg(ctx, s, remote, err)
	}
	sdp, err := l.peer.CreateOffer(ctx)
	if err != nil {
		return c.failLeg(ctx, s, remote, fmt.Errorf("create offer: %w", err))
	}
	l.state = LegOffering
	if s.phase != PhaseConnected {
		s.phase = PhaseNegotiating
	}
	c.emit()
	return c.sendSignal(ctx, s, remote, Signal{Type: SignalOffer, SDP: sdp})
}

func (c *Coordinator) applySignal(ctx context.Context, s *session, remote int64, raw json.RawMessage) error {
	sig, err := ParseSignal(raw)
	if err != nil {
		return c.failLeg(ctx, s, remote, err)
	}

	switch sig.Type {
	case SignalOffer:
		if l := s.legs[remote]; l != nil && l.state == LegOffering {
			return c.failLeg(ctx, s, remote, fmt.Errorf("%w: offer while offering", ErrInvalidState))
		}
		l, err := c.ensurePeer(s, remote)
		if err != nil {
			return c.failLeg(ctx, s, remote, err)
		}
		if err := l.peer.SetRemoteDescription(SignalOffer, sig.SDP); err != nil {
			return c.failLeg(ctx, s, remote, fmt.Errorf("set remote offer: %w", err))
		}
		l.remoteSet = true
		if err := c.flush(l); err != nil {
			return c.failLeg(ctx, s, remote, err)
		}
		sdp, err := l.peer.CreateAnswer(ctx)
		if err != nil {
			return c.failLeg(ctx, s, remote, fmt.Errorf("create answer: %w", err))
		}
		l.state = LegAnswering
		if s.phase != PhaseConnected {
			s.phase = PhaseNegotiating
		}
		c.emit()
		return c.sendSignal(ctx, s, remote, Signal{Type: SignalAnswer, SDP: sdp})

	case SignalAnswer:
		l := s.legs[remote]
		if l == nil || l.peer == nil || l.state != LegOffering || l.remoteSet {
			return c.failLeg(ctx, s, remote, fmt.Errorf("%w: unexpected answer", ErrInvalidState))
		}
		if err := l.peer.SetRemoteDescription(SignalAnswer, sig.SDP); err != nil {
			return c.failLeg(ctx, s, remote, fmt.Errorf("set remote answer: %w", err))
		}
		l.remoteSet = true
		return c.flushOrFail(ctx, s, l)

	default: // candidate
		l := s.legs[remote]
		if l == nil {
			l = &leg{remote: remote}
			s.legs[remote] = l
		}
		if l.state == LegEnded {
			return nil
		}
		if l.peer == nil || !l.remoteSet {
			l.pending = append(l.pending, *sig.Candidate)
			return nil
		}
		if err := l.peer.AddICECandidate(*sig.Candidate); err != nil {
			return c.failLeg(ctx, s, remote, fmt.Errorf("add candidate: %w", err))
		}
		return nil
	}
}

func (c *Coordinator) flushOrFail(ctx context.Context, s *session, l *leg) error {
	if err := c.flush(l); err != nil {
		return c.failLeg(ctx, s, l.remote, err)
	}
	return nil
}

// flush applies buffered candidates in arrival order.
func (c *Coordinator) flush(l *leg) error {
	for i, cand := range l.pending {
		if err := l.peer.AddICECandidate(cand); err != nil {
			l.pending = l.pending[i+1:]
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	l.pending = nil
	return nil
}

func (c *Coordinator) ensurePeer(s *session, remote int64) (*leg, error) {
	l := s.legs[remote]
	if l != nil && l.peer != nil && l.state != LegEnded {
		return l, nil
	}
	var pending []Candidate
	if l != nil && l.state != LegEnded {
		pending = l.pending
	}
	nl, err := c.newLeg(s, remote)
	if err != nil {
		return nil, err
	}
	nl.pending = pending
	return nl, nil
}

func (c *Coordinator) newLeg(s *session, remote int64) (*leg, error) {
	if c.peers == nil {
		return nil, errors.New("no peer factory configured")
	}
	if old, ok := s.legs[remote]; ok {
		c.closeLeg(old)
	}

	l := &leg{remote: remote}
	peer, err := c.peers.NewPeer(PeerConfig{
		Remote:      remote,
		Mode:        s.mode,
		Media:       s.media,
		OnCandidate: func(cand Candidate) { c.localCandidate(s, l, cand) },
		OnConnected: func() { c.legConnected(s, l) },
		OnFailed:    func(err error) { c.legFailed(s, l, err) },
	})
	if err != nil {
		delete(s.legs, remote)
		return nil, fmt.Errorf("new peer: %w", err)
	}
	l.peer = peer
	s.legs[remote] = l
	return l, nil
}

// failLeg terminates one leg. A 1:1 call has a single leg, so the whole call ends.
func (c *Coordinator) failLeg(ctx context.Context, s *session, remote int64, cause error) error {
	c.log.Warn().Err(cause).Int64("remote", remote).Str("room", s.room).Msg("negotiation failed")

	if s.group() {
		if l, ok := s.legs[remote]; ok {
			c.closeLeg(l)
		}
		c.emit()
		return fmt.Errorf("leg %d: %w", remote, cause)
	}

	if err := c.send(ctx, proto.InboundTypeCallEnded, proto.CallData{Target: s.peer, Reason: ReasonFailed}); err != nil {
		c.log.Warn().Err(err).Msg("send call end after failure")
	}
	c.finish(PhaseEnded, ReasonFailed)
	return cause
}

func (c *Coordinator) closeLeg(l *leg) {
	if l.peer != nil {
		if err := l.peer.Close(); err != nil {
			c.log.Debug().Err(err).Int64("remote", l.remote).Msg("close peer")
		}
		l.peer = nil
	}
	l.state = LegEnded
	l.pending = nil
}

// finish is the single terminal transition: every peer closes and media is released.
func (c *Coordinator) finish(phase Phase, reason string) {
	s := c.cur
	if s == nil {
		return
	}
	for _, l := range s.legs {
		c.closeLeg(l)
	}
	if s.media != nil {
		s.media.Release()
		s.media = nil
	}
	s.phase = phase
	c.last = s.snapshot(reason)
	c.cur = nil
	c.pending = append(c.pending, c.last)
	c.log.Debug().Str("phase", phase.String()).Str("reason", reason).Msg("call finished")
}

// ==== peer callbacks ====

func (c *Coordinator) live(s *session, l *leg) bool {
	return c.cur == s && s.legs[l.remote] == l && l.state != LegEnded
}

func (c *Coordinator) localCandidate(s *session, l *leg, cand Candidate) {
	c.mu.Lock()
	ok := c.live(s, l)
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.signalTimeout)
	defer cancel()
	if err := c.sendSignal(ctx, s, l.remote, Signal{Type: SignalCandidate, Candidate: &cand}); err != nil {
		c.log.Warn().Err(err).Int64("remote", l.remote).Msg("send local candidate")
	}
}

func (c *Coordinator) legConnected(s *session, l *leg) {
	c.lock()
	defer c.unlock()
	if !c.live(s, l) {
		return
	}
	l.state = LegConnected
	s.phase = PhaseConnected
	c.emit()
}

func (c *Coordinator) legFailed(s *session, l *leg, err error) {
	c.lock()
	defer c.unlock()
	if !c.live(s, l) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.signalTimeout)
	defer cancel()
	_ = c.failLeg(ctx, s, l.remote, err)
}

// ==== helpers ====

func (c *Coordinator) acquire(ctx context.Context, mode Mode) (Media, error) {
	if c.media == nil {
		return nil, ErrMediaUnavailable
	}
	media, err := c.media.Acquire(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	return media, nil
}

func (c *Coordinator) send(ctx context.Context, kind string, data any) error {
	return c.signaler.Send(ctx, kind, data)
}

func (c *Coordinator) sendSignal(ctx context.Context, s *session, to int64, sig Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if s.group() {
		return c.send(ctx, proto.InboundTypeGroupCallSignal, proto.GroupCallSignalData{RoomID: s.room, To: to, Signal: raw})
	}
	return c.send(ctx, proto.InboundTypeCallSignal, proto.CallSignalData{To: to, Signal: raw})
}

func normalizeMode(m Mode) Mode {
	if m == ModeVideo {
		return ModeVideo
	}
	return ModeAudio
}
