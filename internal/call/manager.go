package call

import (
	"errors"
	"log"
	"sync"

	"github.com/parley-im/parley/internal/proto"
)

var (
	// ErrCallInProgress is returned by StartCall while another call is live.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNoCall is returned by Answer when nothing is ringing.
	ErrNoCall = errors.New("no call in progress")
)

// Options wires a Manager. Signaler, NewPeerConnection and Media are
// required; the rest default sensibly.
type Options struct {
	Signaler          Signaler
	NewPeerConnection PeerConnectionFactory
	Media             MediaDevice

	// ResolveName maps a user id to a display name for user-facing
	// messages. Unresolved ids fall back to the raw id.
	ResolveName func(userID string) (string, bool)

	Timeouts Timeouts
	OnEvent  func(Event)
}

// Manager owns at most one live call session and routes signaling frames
// to it. Frames are consumed from a single subscription goroutine, so the
// session sees transitions one at a time.
type Manager struct {
	opts Options

	mu   sync.Mutex
	sess *session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	cancel func()
	done   chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Timeouts.Availability <= 0 || opts.Timeouts.Offer <= 0 {
		opts.Timeouts = DefaultTimeouts()
	}
	if opts.ResolveName == nil {
		opts.ResolveName = func(string) (string, bool) { return "", false }
	}
	m := &Manager{
		opts: opts,
		done: make(chan struct{}),
	}
	ch, cancel := opts.Signaler.Subscribe()
	m.cancel = cancel
	go m.dispatch(ch)
	return m
}

// Close stops the dispatch loop and tears down any live call.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
	if s := m.current(); s != nil {
		s.end()
	}
}

// OnIncoming registers a handler for incoming calls. Handlers run on the
// dispatch goroutine; Accept and Reject may be called from anywhere.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// State reports the live session state, Idle when there is none.
func (m *Manager) State() State {
	if s := m.current(); s != nil {
		return s.State()
	}
	return StateIdle
}

// Counterpart reports who the live call is with, empty when idle.
func (m *Manager) Counterpart() string {
	if s := m.current(); s != nil {
		return s.Counterpart()
	}
	return ""
}

// StartCall begins an outgoing call to target. Exactly one call at a time.
func (m *Manager) StartCall(target string) error {
	m.mu.Lock()
	if m.sess != nil && m.sess.State() != StateIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	s := newSession(m.sessionConfig(), target, m.displayName(target), true)
	m.sess = s
	m.mu.Unlock()
	s.start()
	return nil
}

// Answer accepts the ringing incoming call.
func (m *Manager) Answer() error {
	s := m.current()
	if s == nil {
		return ErrNoCall
	}
	return s.answer()
}

// Reject declines the ringing incoming call. Also usable as hang-up.
func (m *Manager) Reject() { m.End() }

// End hangs up the live call, whatever state it is in. No-op when idle.
func (m *Manager) End() {
	if s := m.current(); s != nil {
		s.end()
	}
}

// ToggleMute flips microphone mute and reports the new setting.
func (m *Manager) ToggleMute() bool {
	if s := m.current(); s != nil {
		return s.toggleMute()
	}
	return false
}

// ToggleSpeaker flips playback mute and reports the new setting.
func (m *Manager) ToggleSpeaker() bool {
	if s := m.current(); s != nil {
		return s.toggleSpeaker()
	}
	return false
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State() == StateIdle {
		return nil
	}
	return m.sess
}

func (m *Manager) sessionConfig() sessionConfig {
	return sessionConfig{
		sig:      m.opts.Signaler,
		newPC:    m.opts.NewPeerConnection,
		media:    m.opts.Media,
		timeouts: m.opts.Timeouts,
		onEvent:  m.opts.OnEvent,
	}
}

func (m *Manager) displayName(userID string) string {
	if name, ok := m.opts.ResolveName(userID); ok && name != "" {
		return name
	}
	return userID
}

func (m *Manager) dispatch(ch chan *proto.Message) {
	defer close(m.done)
	for msg := range ch {
		switch msg.Type {
		case proto.TypeAvailability:
			if s := m.current(); s != nil {
				s.handleAvailability(msg)
			}
		case proto.TypeCallOffer:
			m.routeOffer(msg)
		case proto.TypeCallAnswer:
			if s := m.current(); s != nil {
				s.handleAnswer(msg)
			}
		case proto.TypeICECandidate:
			if s := m.current(); s != nil {
				s.handleCandidate(msg)
			}
		case proto.TypeCallEnd:
			if s := m.current(); s != nil {
				s.handleRemoteEnd(msg)
			}
		case proto.TypeCallError:
			if s := m.current(); s != nil {
				s.handleCallError(msg)
			}
		}
	}
}

// routeOffer hands an inbound offer to the live session when one exists
// (which drops it) or spins up an incoming session and rings the handlers.
func (m *Manager) routeOffer(msg *proto.Message) {
	if msg.FromUserID == "" || len(msg.Offer) == 0 {
		log.Printf("CALL: dropping malformed offer")
		return
	}
	m.mu.Lock()
	if m.sess != nil && m.sess.State() != StateIdle {
		live := m.sess
		m.mu.Unlock()
		live.handleOffer(msg)
		return
	}
	cfg := m.sessionConfig()
	s := newSession(cfg, msg.FromUserID, m.displayName(msg.FromUserID), false)
	s.cfg.onIncoming = func() { m.ring(s) }
	m.sess = s
	m.mu.Unlock()
	s.acceptIncoming(msg.Offer)
}

func (m *Manager) ring(s *session) {
	inc := &IncomingCall{
		CallerID:   s.counterpart,
		CallerName: s.counterpartName,
		Accept:     s.answer,
		Reject:     s.end,
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(inc)
	}
}
