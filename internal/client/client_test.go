package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-realtime/internal/auth"
	"github.com/vovakirdan/wirechat-realtime/internal/client/call"
	"github.com/vovakirdan/wirechat-realtime/internal/client/timeline"
	"github.com/vovakirdan/wirechat-realtime/internal/config"
	"github.com/vovakirdan/wirechat-realtime/internal/core"
	"github.com/vovakirdan/wirechat-realtime/internal/store"
	"github.com/vovakirdan/wirechat-realtime/internal/store/memory"
	transporthttp "github.com/vovakirdan/wirechat-realtime/internal/transport/http"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type server struct {
	url   string
	auth  *auth.Service
	store *memory.Store
}

func startServer(t *testing.T) *server {
	t.Helper()

	cfg := config.Default()
	st := memory.New()
	logger := zerolog.Nop()
	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("client-test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})
	hub := core.NewHub(st, &logger, core.WithMaxTextLength(cfg.MaxTextLength))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	ts := httptest.NewServer(transporthttp.NewHandler(hub, authService, st, &cfg, &logger))
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return &server{
		url:   strings.Replace(ts.URL, "http", "ws", 1) + "/ws",
		auth:  authService,
		store: st,
	}
}

// recorder keeps every event a client applied.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type participant struct {
	*Client
	rec *recorder
}

func (s *server) connect(t *testing.T, username string, opts ...Option) *participant {
	t.Helper()

	token, err := s.auth.Register(context.Background(), username, "password123")
	require.NoError(t, err)

	rec := &recorder{}
	opts = append([]Option{WithHandler(rec.handle), WithPeerFactory(stubPeers{})}, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Dial(ctx, s.url, token, opts...)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
	t.Cleanup(func() {
		stop()
		_ = c.Close()
		<-done
	})

	return &participant{Client: c, rec: rec}
}

func (p *participant) waitEvent(t *testing.T, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.rec.count(name) >= n }, waitFor, tick, "waiting for %s", name)
}

func (p *participant) waitPhase(t *testing.T, phase call.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Calls().State().Phase == phase }, waitFor, tick,
		"waiting for phase %s, have %s", phase, p.Calls().State().Phase)
}

// stubPeers negotiates with placeholder descriptions.
type stubPeers struct{}

type stubPeer struct{ remoteSet bool }

func (stubPeers) NewPeer(call.PeerConfig) (call.Peer, error) { return &stubPeer{}, nil }

func (p *stubPeer) CreateOffer(context.Context) (string, error)  { return "v=0 offer", nil }
func (p *stubPeer) CreateAnswer(context.Context) (string, error) { return "v=0 answer", nil }
func (p *stubPeer) SetRemoteDescription(call.SignalType, string) error {
	p.remoteSet = true
	return nil
}
func (p *stubPeer) AddICECandidate(call.Candidate) error { return nil }
func (p *stubPeer) Close() error                         { return nil }

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestDialRejectsBadToken(t *testing.T) {
	s := startServer(t)

	_, err := Dial(ctxT(t), s.url, "not-a-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestDirectKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectKey(3, 7), DirectKey(7, 3))
	assert.NotEqual(t, DirectKey(3, 7), DirectKey(3, 8))
	assert.NotEqual(t, RoomKey("1"), DirectKey(1, 1))
}

func TestDirectMessageConfirmsOptimisticEntry(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	ctx := ctxT(t)

	e, err := alice.SendDirect(ctx, bob.Self().ID, "  hello bob  ")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", e.Text)
	assert.Equal(t, timeline.StatusOptimistic, e.Status)

	key := DirectKey(alice.Self().ID, bob.Self().ID)
	require.Eventually(t, func() bool {
		entries := alice.Timeline(key).Entries()
		return len(entries) == 1 && entries[0].Status == timeline.StatusConfirmed
	}, waitFor, tick)

	mine := alice.Timeline(key).Entries()[0]
	assert.Equal(t, e.CorrelationID, mine.CorrelationID)
	assert.NotZero(t, mine.ID)

	require.Eventually(t, func() bool { return bob.Timeline(key).Len() == 1 }, waitFor, tick)
	theirs := bob.Timeline(key).Entries()[0]
	assert.Equal(t, mine.ID, theirs.ID)
	assert.Equal(t, "alice", theirs.SenderName)
	assert.Equal(t, "hello bob", theirs.Text)
}

func TestLocalValidationSendsNothing(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice", WithMaxTextLength(5))
	ctx := ctxT(t)

	_, err := alice.SendDirect(ctx, 99, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = alice.SendRoom(ctx, "general", "too long")
	assert.ErrorIs(t, err, ErrTextTooLong)

	assert.Zero(t, alice.Timeline(DirectKey(alice.Self().ID, 99)).Len())
	assert.Zero(t, alice.Timeline(RoomKey("general")).Len())
}

func TestRoomMessageReachesMembersOnce(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	ctx := ctxT(t)

	require.NoError(t, bob.JoinRoom(ctx, "general"))
	bob.waitEvent(t, "userJoinedRoom", 1)
	require.NoError(t, alice.JoinRoom(ctx, "general"))
	alice.waitEvent(t, "userJoinedRoom", 1)

	e, err := alice.SendRoom(ctx, "general", "hi all")
	require.NoError(t, err)

	key := RoomKey("general")
	for _, p := range []*participant{alice, bob} {
		require.Eventually(t, func() bool {
			entries := p.Timeline(key).Entries()
			return len(entries) == 1 && entries[0].Status == timeline.StatusConfirmed
		}, waitFor, tick)
		got := p.Timeline(key).Entries()[0]
		assert.Equal(t, e.CorrelationID, got.CorrelationID)
		assert.Equal(t, "hi all", got.Text)
	}
}

func TestFailedRoomMessage(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	ctx := ctxT(t)

	require.NoError(t, bob.JoinRoom(ctx, "general"))
	bob.waitEvent(t, "userJoinedRoom", 1)
	require.NoError(t, alice.JoinRoom(ctx, "general"))
	alice.waitEvent(t, "userJoinedRoom", 1)

	s.store.SetFailCreate(func(*store.Message) error { return errors.New("disk full") })

	e, err := alice.SendRoom(ctx, "general", "lost")
	require.NoError(t, err)

	key := RoomKey("general")
	require.Eventually(t, func() bool {
		entries := alice.Timeline(key).Entries()
		return len(entries) == 1 && entries[0].Status == timeline.StatusFailed
	}, waitFor, tick)
	assert.Equal(t, e.CorrelationID, alice.Timeline(key).Entries()[0].CorrelationID)

	bob.waitEvent(t, "removeFailedMessage", 1)
	assert.Zero(t, bob.Timeline(key).Len(), "the unconfirmed copy is withdrawn")
}

func TestDeleteIsPropagated(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	ctx := ctxT(t)

	_, err := alice.SendDirect(ctx, bob.Self().ID, "oops")
	require.NoError(t, err)

	key := DirectKey(alice.Self().ID, bob.Self().ID)
	require.Eventually(t, func() bool { return bob.Timeline(key).Len() == 1 }, waitFor, tick)
	id := bob.Timeline(key).Entries()[0].ID
	require.NotZero(t, id)

	require.NoError(t, alice.DeleteMessage(ctx, id, ""))
	for _, p := range []*participant{alice, bob} {
		require.Eventually(t, func() bool {
			entries := p.Timeline(key).Entries()
			return len(entries) == 1 && entries[0].IsDeleted
		}, waitFor, tick)
		assert.NotEqual(t, "oops", p.Timeline(key).Entries()[0].Text)
	}
}

func TestPresenceTracking(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")

	assert.Contains(t, bob.OnlineUsers(), alice.Self().ID, "ready lists who is already online")
	require.Eventually(t, func() bool { return alice.Online(bob.Self().ID) }, waitFor, tick)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return !alice.Online(bob.Self().ID) }, waitFor, tick)
}

func TestCallSignalingEndToEnd(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	ctx := ctxT(t)

	require.NoError(t, alice.Calls().RequestCall(ctx, bob.Self().ID, call.ModeAudio))
	bob.waitPhase(t, call.PhaseRinging)
	assert.Equal(t, "alice", bob.Calls().State().PeerName)

	require.NoError(t, bob.Calls().Accept(ctx))

	// The offer travels alice -> server -> bob and the answer comes back.
	require.Eventually(t, func() bool {
		return bob.Calls().State().Legs[alice.Self().ID] == call.LegAnswering
	}, waitFor, tick)
	alice.waitPhase(t, call.PhaseNegotiating)

	require.NoError(t, alice.Calls().End(ctx))
	bob.waitPhase(t, call.PhaseEnded)
	assert.Equal(t, call.ReasonHangup, bob.Calls().State().Reason)
}

func TestCallToBusyUser(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	carol := s.connect(t, "carol")
	ctx := ctxT(t)

	require.NoError(t, alice.Calls().RequestCall(ctx, bob.Self().ID, call.ModeAudio))
	bob.waitPhase(t, call.PhaseRinging)

	require.NoError(t, carol.Calls().RequestCall(ctx, bob.Self().ID, call.ModeVideo))
	carol.waitPhase(t, call.PhaseEnded)
	assert.Equal(t, call.ReasonBusy, carol.Calls().State().Reason)

	assert.Equal(t, call.PhaseRinging, bob.Calls().State().Phase)
	assert.Equal(t, alice.Self().ID, bob.Calls().State().Peer)
}

func TestCallToOfflineUserIsRejected(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "alice")
	ctx := ctxT(t)

	token, err := s.auth.Register(ctx, "ghost", "password123")
	require.NoError(t, err)
	ghost, err := s.auth.Authenticate(token)
	require.NoError(t, err)

	require.NoError(t, alice.Calls().RequestCall(ctx, ghost.UserID, call.ModeAudio))
	alice.waitPhase(t, call.PhaseRejected)
	assert.Equal(t, call.ReasonUnavailable, alice.Calls().State().Reason)
}
