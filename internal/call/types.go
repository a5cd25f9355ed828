// Package call manages the client-side voice call session: availability
// probing, offer/answer negotiation, ICE exchange, timers and teardown.
// Coupling to the transport layer is via the Signaler interface only; the
// peer-connection and microphone layers sit behind their own seams so the
// state machine is testable without hardware.
package call

import (
	"encoding/json"
	"time"

	"github.com/parley-im/parley/internal/proto"
)

// Signaler is the surface the call package needs from the signaling client.
type Signaler interface {
	Send(m *proto.Message) error
	Subscribe() (ch chan *proto.Message, cancel func())
}

// ConnState is the transport-level state reported by the peer connection.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	default:
		return "new"
	}
}

// PeerConnection is the negotiation surface the session drives. The
// production implementation wraps pion/webrtc.
type PeerConnection interface {
	// CreateOffer creates and applies the local offer description.
	CreateOffer() (json.RawMessage, error)
	// CreateAnswer creates and applies the local answer description.
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnConnectionStateChange(fn func(state ConnState))
	// SetPlaybackMuted mutes or unmutes inbound audio playback.
	SetPlaybackMuted(muted bool)
	Close() error
}

// PeerConnectionFactory builds a fresh peer connection per call attempt.
type PeerConnectionFactory func() (PeerConnection, error)

// AudioCapture is an acquired microphone. Every successful acquisition gets
// exactly one Close, on every exit path.
type AudioCapture interface {
	AttachTo(pc PeerConnection) error
	SetMuted(muted bool)
	Close() error
}

// MediaDevice acquires local audio capture. Acquisition failure (denied or
// missing microphone) aborts the call locally without emitting signaling.
type MediaDevice interface {
	AcquireAudio() (AudioCapture, error)
}

// Timeouts are the session's two negotiation deadlines.
type Timeouts struct {
	Availability time.Duration
	Offer        time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Availability: 5 * time.Second,
		Offer:        15 * time.Second,
	}
}

// IncomingCall is handed to OnIncoming handlers when a remote offer arrives.
type IncomingCall struct {
	CallerID   string
	CallerName string

	Accept func() error
	Reject func()
}

// Event is a user-facing session notification: a state change, optionally
// with a message worth showing ("bob is unavailable", "call timed out").
type Event struct {
	State       State
	UserMessage string
}
