package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/proto"
)

// State is the call session state. Probing covers the availability check
// that precedes the offer; Idle never holds timers or media.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateOutgoingPending
	StateIncomingPending
	StateActive
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateOutgoingPending:
		return "outgoing-pending"
	case StateIncomingPending:
		return "incoming-pending"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

type sessionConfig struct {
	sig      Signaler
	newPC    PeerConnectionFactory
	media    MediaDevice
	timeouts Timeouts
	onEvent  func(Event)
	// onIncoming fires when an incoming offer has been applied and the
	// session is waiting for the local user to accept or reject.
	onIncoming func()
}

// session is one call attempt with one counterpart. All transitions run
// under mu; timer and transport callbacks re-check generation and state
// after acquiring it, so a late fire after teardown is a no-op.
type session struct {
	cfg sessionConfig

	counterpart     string
	counterpartName string
	outgoing        bool

	mu    sync.Mutex
	state State
	gen   uint64

	pc        PeerConnection
	capture   AudioCapture
	remoteSet bool
	pending   []json.RawMessage

	availTimer *time.Timer
	offerTimer *time.Timer

	muted        bool
	speakerMuted bool

	queued []Event
}

func newSession(cfg sessionConfig, counterpart, counterpartName string, outgoing bool) *session {
	return &session{
		cfg:             cfg,
		counterpart:     counterpart,
		counterpartName: counterpartName,
		outgoing:        outgoing,
	}
}

// withLock runs fn under the session mutex, then delivers any events that
// fn queued. Callbacks never run while the lock is held.
func (s *session) withLock(fn func()) {
	s.mu.Lock()
	fn()
	evs := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, ev := range evs {
		if s.cfg.onEvent != nil {
			s.cfg.onEvent(ev)
		}
	}
}

func (s *session) emitLocked(msg string) {
	s.queued = append(s.queued, Event{State: s.state, UserMessage: msg})
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Counterpart() string { return s.counterpart }

// start begins an outgoing call: probe availability, arm the 5s timer.
// No media or peer connection is touched until the target answers the probe.
func (s *session) start() {
	s.withLock(func() {
		if s.state != StateIdle {
			return
		}
		s.state = StateProbing
		gen := s.gen
		s.availTimer = time.AfterFunc(s.cfg.timeouts.Availability, func() {
			s.onAvailabilityTimeout(gen)
		})
		log.Printf("CALL [%s]: checking availability", s.counterpart)
		if err := s.cfg.sig.Send(&proto.Message{
			Type:         proto.TypeCheckAvailability,
			TargetUserID: s.counterpart,
		}); err != nil {
			log.Printf("CALL [%s]: availability check failed: %v", s.counterpart, err)
			s.teardownLocked(false, "call failed")
			return
		}
		s.emitLocked("")
	})
}

// handleAvailability consumes the synchronous probe reply.
func (s *session) handleAvailability(m *proto.Message) {
	s.withLock(func() {
		if s.state != StateProbing || m.UserID != s.counterpart {
			return
		}
		s.stopAvailTimerLocked()
		if !m.Available {
			log.Printf("CALL [%s]: target unavailable", s.counterpart)
			s.teardownLocked(false, fmt.Sprintf("%s is unavailable", s.counterpartName))
			return
		}
		s.sendOfferLocked()
	})
}

// sendOfferLocked acquires media, builds the peer connection and sends the
// offer. Runs in Probing; leaves the session in OutgoingPending on success.
func (s *session) sendOfferLocked() {
	capture, err := s.cfg.media.AcquireAudio()
	if err != nil {
		log.Printf("CALL [%s]: audio capture failed: %v", s.counterpart, err)
		s.teardownLocked(false, "microphone access denied")
		return
	}
	s.capture = capture

	if err := s.setupPeerConnLocked(); err != nil {
		log.Printf("CALL [%s]: peer connection setup failed: %v", s.counterpart, err)
		s.teardownLocked(false, "call setup failed")
		return
	}
	if err := s.capture.AttachTo(s.pc); err != nil {
		log.Printf("CALL [%s]: attaching audio failed: %v", s.counterpart, err)
		s.teardownLocked(false, "call setup failed")
		return
	}
	offer, err := s.pc.CreateOffer()
	if err != nil {
		log.Printf("CALL [%s]: creating offer failed: %v", s.counterpart, err)
		s.teardownLocked(false, "call setup failed")
		return
	}

	gen := s.gen
	s.offerTimer = time.AfterFunc(s.cfg.timeouts.Offer, func() {
		s.onOfferTimeout(gen)
	})
	if err := s.cfg.sig.Send(&proto.Message{
		Type:         proto.TypeCallOffer,
		TargetUserID: s.counterpart,
		Offer:        offer,
	}); err != nil {
		log.Printf("CALL [%s]: sending offer failed: %v", s.counterpart, err)
		s.teardownLocked(false, "call failed")
		return
	}
	log.Printf("CALL [%s]: offer sent, waiting for answer", s.counterpart)
	s.state = StateOutgoingPending
	s.emitLocked("")
}

// acceptIncoming applies a remote offer and parks the session in
// IncomingPending until the local user decides. Media is not acquired yet.
func (s *session) acceptIncoming(offer json.RawMessage) {
	var ring bool
	s.withLock(func() {
		if s.state != StateIdle {
			return
		}
		if err := s.setupPeerConnLocked(); err != nil {
			log.Printf("CALL [%s]: peer connection setup failed: %v", s.counterpart, err)
			s.teardownLocked(false, "call setup failed")
			return
		}
		if err := s.pc.SetRemoteDescription(offer); err != nil {
			log.Printf("CALL [%s]: applying remote offer failed: %v", s.counterpart, err)
			s.teardownLocked(false, "call setup failed")
			return
		}
		s.remoteSet = true
		s.flushCandidatesLocked()
		s.state = StateIncomingPending
		log.Printf("CALL [%s]: incoming call", s.counterpart)
		s.emitLocked(fmt.Sprintf("incoming call from %s", s.counterpartName))
		ring = true
	})
	if ring && s.cfg.onIncoming != nil {
		s.cfg.onIncoming()
	}
}

// answer is the local accept of an incoming call.
func (s *session) answer() error {
	var answerErr error
	s.withLock(func() {
		if s.state != StateIncomingPending {
			answerErr = fmt.Errorf("no incoming call to answer")
			return
		}
		capture, err := s.cfg.media.AcquireAudio()
		if err != nil {
			log.Printf("CALL [%s]: audio capture failed: %v", s.counterpart, err)
			s.teardownLocked(false, "microphone access denied")
			answerErr = err
			return
		}
		s.capture = capture
		if err := s.capture.AttachTo(s.pc); err != nil {
			log.Printf("CALL [%s]: attaching audio failed: %v", s.counterpart, err)
			s.teardownLocked(false, "call setup failed")
			answerErr = err
			return
		}
		answer, err := s.pc.CreateAnswer()
		if err != nil {
			log.Printf("CALL [%s]: creating answer failed: %v", s.counterpart, err)
			s.teardownLocked(false, "call setup failed")
			answerErr = err
			return
		}
		if err := s.cfg.sig.Send(&proto.Message{
			Type:         proto.TypeCallAnswer,
			TargetUserID: s.counterpart,
			Answer:       answer,
		}); err != nil {
			log.Printf("CALL [%s]: sending answer failed: %v", s.counterpart, err)
			s.teardownLocked(false, "call failed")
			answerErr = err
			return
		}
		log.Printf("CALL [%s]: answered", s.counterpart)
		s.state = StateActive
		s.emitLocked("")
	})
	return answerErr
}

// handleAnswer consumes the remote answer to our offer.
func (s *session) handleAnswer(m *proto.Message) {
	s.withLock(func() {
		if s.state != StateOutgoingPending || m.FromUserID != s.counterpart {
			return
		}
		if err := s.pc.SetRemoteDescription(m.Answer); err != nil {
			log.Printf("CALL [%s]: applying remote answer failed: %v", s.counterpart, err)
			s.teardownLocked(true, "call failed")
			return
		}
		s.remoteSet = true
		s.flushCandidatesLocked()
		s.stopOfferTimerLocked()
		log.Printf("CALL [%s]: answer received", s.counterpart)
		s.state = StateActive
		s.emitLocked("")
	})
}

// handleCandidate buffers trickle candidates that arrive before the remote
// description and applies the rest directly. Candidates with no peer
// connection to receive them are dropped.
func (s *session) handleCandidate(m *proto.Message) {
	s.withLock(func() {
		if s.pc == nil || m.FromUserID != s.counterpart {
			return
		}
		if !s.remoteSet {
			s.pending = append(s.pending, m.Candidate)
			return
		}
		if err := s.pc.AddICECandidate(m.Candidate); err != nil {
			log.Printf("CALL [%s]: dropping bad candidate: %v", s.counterpart, err)
		}
	})
}

func (s *session) flushCandidatesLocked() {
	for _, c := range s.pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: dropping bad candidate: %v", s.counterpart, err)
		}
	}
	s.pending = nil
}

// handleOffer is reached only while this session is live, which means a
// mutual-call collision: the outgoing attempt wins and the inbound offer
// is dropped.
func (s *session) handleOffer(m *proto.Message) {
	log.Printf("CALL [%s]: call in progress, dropping inbound offer from %s", s.counterpart, m.FromUserID)
}

func (s *session) handleRemoteEnd(m *proto.Message) {
	s.withLock(func() {
		if m.FromUserID != s.counterpart {
			return
		}
		log.Printf("CALL [%s]: remote ended the call", s.counterpart)
		s.teardownLocked(false, fmt.Sprintf("call ended by %s", s.counterpartName))
	})
}

func (s *session) handleCallError(m *proto.Message) {
	s.withLock(func() {
		if m.TargetUserID != "" && m.TargetUserID != s.counterpart {
			return
		}
		log.Printf("CALL [%s]: relay error: %s", s.counterpart, m.Reason)
		msg := "call failed"
		if m.Reason == proto.ReasonUnavailable {
			msg = fmt.Sprintf("%s is unavailable", s.counterpartName)
		}
		s.teardownLocked(true, msg)
	})
}

// end is the local hang-up or reject. Safe to call in any state.
func (s *session) end() {
	s.withLock(func() {
		if s.state == StateIdle {
			return
		}
		log.Printf("CALL [%s]: ending call", s.counterpart)
		s.teardownLocked(true, "")
	})
}

func (s *session) toggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return s.muted
	}
	s.muted = !s.muted
	s.capture.SetMuted(s.muted)
	return s.muted
}

func (s *session) toggleSpeaker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerMuted = !s.speakerMuted
	if s.pc != nil {
		s.pc.SetPlaybackMuted(s.speakerMuted)
	}
	return s.speakerMuted
}

func (s *session) setupPeerConnLocked() error {
	pc, err := s.cfg.newPC()
	if err != nil {
		return err
	}
	s.pc = pc
	gen := s.gen
	pc.OnICECandidate(func(candidate json.RawMessage) {
		s.onLocalCandidate(gen, candidate)
	})
	pc.OnConnectionStateChange(func(state ConnState) {
		s.onTransportState(gen, state)
	})
	if s.speakerMuted {
		pc.SetPlaybackMuted(true)
	}
	return nil
}

func (s *session) onLocalCandidate(gen uint64, candidate json.RawMessage) {
	s.mu.Lock()
	stale := gen != s.gen || s.state == StateIdle
	s.mu.Unlock()
	if stale {
		return
	}
	if err := s.cfg.sig.Send(&proto.Message{
		Type:         proto.TypeICECandidate,
		TargetUserID: s.counterpart,
		Candidate:    candidate,
	}); err != nil {
		log.Printf("CALL [%s]: sending candidate failed: %v", s.counterpart, err)
	}
}

// onTransportState maps transport health to session state: a connected
// transport forces Active even if the answer frame was lost, and a broken
// transport during an active call ends it.
func (s *session) onTransportState(gen uint64, state ConnState) {
	s.withLock(func() {
		if gen != s.gen {
			return
		}
		switch state {
		case ConnStateConnected:
			if s.state == StateOutgoingPending || s.state == StateIncomingPending {
				s.stopOfferTimerLocked()
				log.Printf("CALL [%s]: transport connected", s.counterpart)
				s.state = StateActive
				s.emitLocked("")
			}
		case ConnStateDisconnected, ConnStateFailed:
			if s.state == StateActive {
				log.Printf("CALL [%s]: transport %s", s.counterpart, state)
				s.teardownLocked(true, "connection lost")
			}
		}
	})
}

func (s *session) onAvailabilityTimeout(gen uint64) {
	s.withLock(func() {
		if gen != s.gen || s.state != StateProbing {
			return
		}
		log.Printf("CALL [%s]: availability check timed out", s.counterpart)
		s.teardownLocked(false, fmt.Sprintf("%s is unavailable", s.counterpartName))
	})
}

func (s *session) onOfferTimeout(gen uint64) {
	s.withLock(func() {
		if gen != s.gen || s.state != StateOutgoingPending {
			return
		}
		log.Printf("CALL [%s]: no answer, giving up", s.counterpart)
		s.teardownLocked(true, "call timed out")
	})
}

func (s *session) stopAvailTimerLocked() {
	if s.availTimer != nil {
		s.availTimer.Stop()
		s.availTimer = nil
	}
}

func (s *session) stopOfferTimerLocked() {
	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.offerTimer = nil
	}
}

// teardownLocked releases everything and returns the session to Idle. It is
// idempotent: a second call in Idle does nothing, so every abort path can
// converge here without double-releasing media. sendEnd controls whether a
// best-effort call_end is emitted; failures to send are ignored.
func (s *session) teardownLocked(sendEnd bool, userMsg string) {
	if s.state == StateIdle && s.pc == nil && s.capture == nil {
		return
	}
	s.gen++
	s.stopAvailTimerLocked()
	s.stopOfferTimerLocked()
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			log.Printf("CALL [%s]: closing audio capture: %v", s.counterpart, err)
		}
		s.capture = nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			log.Printf("CALL [%s]: closing peer connection: %v", s.counterpart, err)
		}
		s.pc = nil
	}
	s.remoteSet = false
	s.pending = nil
	s.muted = false
	if sendEnd {
		_ = s.cfg.sig.Send(&proto.Message{
			Type:         proto.TypeCallEnd,
			TargetUserID: s.counterpart,
		})
	}
	s.state = StateIdle
	s.emitLocked(userMsg)
}
