package call

import (
	"errors"
	"sort"
)

var (
	// ErrMediaUnavailable means local capture could not be acquired; the call never starts.
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrNoRemoteDescription is returned by a Peer asked to apply a candidate too early.
	ErrNoRemoteDescription = errors.New("remote description not set")
	// ErrInvalidState rejects an operation the current phase does not allow.
	ErrInvalidState = errors.New("invalid call state")
	// ErrUnknownSignal rejects negotiation payloads without a known type tag.
	ErrUnknownSignal = errors.New("unknown signal type")
)

// Phase is the caller/callee view of a call.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequesting
	PhaseRinging
	PhaseAccepted
	PhaseRejected
	PhaseNegotiating
	PhaseConnected
	PhaseEnded
)

var phaseNames = map[Phase]string{
	PhaseIdle:        "idle",
	PhaseRequesting:  "requesting",
	PhaseRinging:     "ringing",
	PhaseAccepted:    "accepted",
	PhaseRejected:    "rejected",
	PhaseNegotiating: "negotiating",
	PhaseConnected:   "connected",
	PhaseEnded:       "ended",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseRejected || p == PhaseEnded
}

// LegState is the negotiation state toward one remote participant.
type LegState int

const (
	LegIdle LegState = iota
	LegOffering
	LegAnswering
	LegConnected
	LegEnded
)

func (s LegState) String() string {
	switch s {
	case LegIdle:
		return "idle"
	case LegOffering:
		return "offering"
	case LegAnswering:
		return "answering"
	case LegConnected:
		return "connected"
	case LegEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Mode is the kind of media a call carries.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

// Termination reasons.
const (
	ReasonHangup      = "hangup"
	ReasonRejected    = "rejected"
	ReasonBusy        = "busy"
	ReasonUnavailable = "unavailable"
	ReasonFailed      = "negotiation_failed"
	ReasonRemoteEnded = "ended"
)

// leg holds everything negotiated with one remote participant.
type leg struct {
	remote    int64
	state     LegState
	peer      Peer
	remoteSet bool
	pending   []Candidate
}

// session is the single active call. 1:1 calls have Peer set and at most one leg;
// group calls have Room set and one leg per remote participant.
type session struct {
	peer      int64
	peerName  string
	room      string
	initiator int64
	mode      Mode
	phase     Phase
	outgoing  bool
	media     Media
	legs      map[int64]*leg
}

func (s *session) group() bool {
	return s.room != ""
}

// Snapshot is a read-only copy of the call state.
type Snapshot struct {
	Peer     int64
	PeerName string
	Room     string
	Mode     Mode
	Phase    Phase
	Outgoing bool
	Reason   string
	Legs     map[int64]LegState
}

// Participants returns the remote identities with a live leg, sorted.
func (s Snapshot) Participants() []int64 {
	out := make([]int64, 0, len(s.Legs))
	for id, st := range s.Legs {
		if st != LegEnded {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *session) snapshot(reason string) Snapshot {
	snap := Snapshot{
		Peer:     s.peer,
		PeerName: s.peerName,
		Room:     s.room,
		Mode:     s.mode,
		Phase:    s.phase,
		Outgoing: s.outgoing,
		Reason:   reason,
		Legs:     make(map[int64]LegState, len(s.legs)),
	}
	for id, l := range s.legs {
		snap.Legs[id] = l.state
	}
	return snap
}
