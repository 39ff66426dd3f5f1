package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// TrackSource is implemented by Media handles that carry local tracks. Handles without
// tracks negotiate receive-only.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// ReceiveOnly is a MediaSource for environments without capture devices.
type ReceiveOnly struct{}

type noMedia struct{}

func (noMedia) Release() {}

// Acquire always succeeds with an empty handle.
func (ReceiveOnly) Acquire(context.Context, Mode) (Media, error) {
	return noMedia{}, nil
}

// PionFactory builds peers on pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory creates a factory using the given STUN/TURN urls.
func NewPionFactory(iceServers []string) *PionFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{api: webrtc.NewAPI(), config: cfg}
}

// NewPeer implements PeerFactory.
func (f *PionFactory) NewPeer(cfg PeerConfig) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	if err := addMedia(pc, cfg); err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &pionPeer{
		pc:     pc,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go p.dispatch()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cfg.OnCandidate == nil {
			return
		}
		ci := c.ToJSON()
		p.post(func() {
			cfg.OnCandidate(Candidate{
				Candidate:     ci.Candidate,
				SDPMid:        ci.SDPMid,
				SDPMLineIndex: ci.SDPMLineIndex,
			})
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cfg.OnConnected != nil {
				p.post(cfg.OnConnected)
			}
		case webrtc.PeerConnectionStateFailed:
			if cfg.OnFailed != nil {
				p.post(func() { cfg.OnFailed(fmt.Errorf("peer %d: connection failed", cfg.Remote)) })
			}
		}
	})

	return p, nil
}

func addMedia(pc *webrtc.PeerConnection, cfg PeerConfig) error {
	if src, ok := cfg.Media.(TrackSource); ok {
		tracks := src.Tracks()
		if len(tracks) > 0 {
			for _, track := range tracks {
				if _, err := pc.AddTrack(track); err != nil {
					return fmt.Errorf("add track: %w", err)
				}
			}
			return nil
		}
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if cfg.Mode == ModeVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// pionPeer serializes pion callbacks onto its own goroutine so they never run inside
// a caller holding the coordinator lock.
type pionPeer struct {
	pc     *webrtc.PeerConnection
	events chan func()
	done   chan struct{}
	once   sync.Once
}

func (p *pionPeer) dispatch() {
	for {
		select {
		case fn := <-p.events:
			fn()
		case <-p.done:
			return
		}
	}
}

func (p *pionPeer) post(fn func()) {
	select {
	case p.events <- fn:
	case <-p.done:
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.pc.RemoteDescription() == nil {
		return "", ErrNoRemoteDescription
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetRemoteDescription(typ SignalType, sdp string) error {
	var sdpType webrtc.SDPType
	switch typ {
	case SignalOffer:
		sdpType = webrtc.SDPTypeOffer
	case SignalAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: %q is not a description", ErrUnknownSignal, typ)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp})
}

func (p *pionPeer) AddICECandidate(c Candidate) error {
	if p.pc.RemoteDescription() == nil {
		return ErrNoRemoteDescription
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.pc.Close()
}
