package call

import (
	"context"
	"encoding/json"
	"fmt"
)

// SignalType is the only field of a negotiation payload the coordinator reads.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Candidate is a connectivity candidate in the browser JSON shape.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is a negotiation payload relayed through the server.
type Signal struct {
	Type      SignalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseSignal decodes a relayed payload and checks its type tag.
func ParseSignal(raw json.RawMessage) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signal{}, fmt.Errorf("%w: %w", ErrUnknownSignal, err)
	}
	switch sig.Type {
	case SignalOffer, SignalAnswer:
		return sig, nil
	case SignalCandidate:
		if sig.Candidate == nil {
			return Signal{}, fmt.Errorf("%w: candidate payload missing", ErrUnknownSignal)
		}
		return sig, nil
	default:
		return Signal{}, fmt.Errorf("%w: %q", ErrUnknownSignal, sig.Type)
	}
}

// Signaler sends protocol frames to the server.
type Signaler interface {
	Send(ctx context.Context, kind string, data any) error
}

// Media is an acquired local capture handle owned by the coordinator for one call.
type Media interface {
	Release()
}

// MediaSource acquires local capture.
type MediaSource interface {
	Acquire(ctx context.Context, mode Mode) (Media, error)
}

// PeerConfig is what a PeerFactory needs to build one leg. Callbacks may fire from any
// goroutine but never synchronously from inside a Peer method.
type PeerConfig struct {
	Remote      int64
	Mode        Mode
	Media       Media
	OnCandidate func(Candidate)
	OnConnected func()
	OnFailed    func(error)
}

// Peer is one negotiated media path.
type Peer interface {
	// CreateOffer sets and returns the local offer.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer sets and returns the local answer; the remote offer must be set.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(typ SignalType, sdp string) error
	// AddICECandidate fails with ErrNoRemoteDescription before SetRemoteDescription.
	AddICECandidate(c Candidate) error
	Close() error
}

// PeerFactory builds peers.
type PeerFactory interface {
	NewPeer(cfg PeerConfig) (Peer, error)
}
