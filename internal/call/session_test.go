package call

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-im/parley/internal/proto"
)

type fakeSignaler struct {
	mu       sync.Mutex
	sent     []*proto.Message
	failSend bool
	ch       chan *proto.Message
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan *proto.Message, 16)}
}

func (f *fakeSignaler) Send(m *proto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("signaler down")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSignaler) Subscribe() (chan *proto.Message, func()) {
	var once sync.Once
	return f.ch, func() { once.Do(func() { close(f.ch) }) }
}

func (f *fakeSignaler) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.sent))
	for i, m := range f.sent {
		types[i] = m.Type
	}
	return types
}

func (f *fakeSignaler) lastOfType(typ string) *proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == typ {
			return f.sent[i]
		}
	}
	return nil
}

type fakePC struct {
	mu            sync.Mutex
	closed        int
	remote        json.RawMessage
	candidates    []json.RawMessage
	onICE         func(json.RawMessage)
	onState       func(ConnState)
	playbackMuted bool
	failRemote    bool
}

func (p *fakePC) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (p *fakePC) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (p *fakePC) SetRemoteDescription(desc json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote {
		return errors.New("bad sdp")
	}
	p.remote = desc
	return nil
}

func (p *fakePC) AddICECandidate(c json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(ConnState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePC) SetPlaybackMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playbackMuted = muted
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePC) fireState(s ConnState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePC) addedCandidates() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]json.RawMessage, len(p.candidates))
	copy(out, p.candidates)
	return out
}

type fakeCapture struct {
	mu     sync.Mutex
	closed int
	muted  bool
}

func (c *fakeCapture) AttachTo(pc PeerConnection) error { return nil }

func (c *fakeCapture) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeCapture) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	captures []*fakeCapture
}

func (m *fakeMedia) AcquireAudio() (AudioCapture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c := &fakeCapture{}
	m.captures = append(m.captures, c)
	return c, nil
}

func (m *fakeMedia) acquired() []*fakeCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*fakeCapture, len(m.captures))
	copy(out, m.captures)
	return out
}

type harness struct {
	sig   *fakeSignaler
	media *fakeMedia

	mu     sync.Mutex
	pcs    []*fakePC
	events []Event
}

func newHarness() *harness {
	return &harness{sig: newFakeSignaler(), media: &fakeMedia{}}
}

func (h *harness) factory() (PeerConnection, error) {
	pc := &fakePC{}
	h.mu.Lock()
	h.pcs = append(h.pcs, pc)
	h.mu.Unlock()
	return pc, nil
}

func (h *harness) onEvent(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *harness) lastPC() *fakePC {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pcs) == 0 {
		return nil
	}
	return h.pcs[len(h.pcs)-1]
}

func (h *harness) eventMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.UserMessage != "" {
			out = append(out, ev.UserMessage)
		}
	}
	return out
}

func (h *harness) session(timeouts Timeouts) *session {
	return newSession(sessionConfig{
		sig:      h.sig,
		newPC:    h.factory,
		media:    h.media,
		timeouts: timeouts,
		onEvent:  h.onEvent,
	}, "bob", "Bob", true)
}

func longTimeouts() Timeouts {
	return Timeouts{Availability: 5 * time.Second, Offer: 5 * time.Second}
}

func available(userID string) *proto.Message {
	return &proto.Message{Type: proto.TypeAvailability, UserID: userID, Available: true}
}

func answerFrom(userID string) *proto.Message {
	return &proto.Message{
		Type:       proto.TypeCallAnswer,
		FromUserID: userID,
		Answer:     json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	}
}

func TestOutgoingCallHappyPath(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	require.Equal(t, StateProbing, s.State())
	probe := h.sig.lastOfType(proto.TypeCheckAvailability)
	require.NotNil(t, probe)
	assert.Equal(t, "bob", probe.TargetUserID)
	assert.Empty(t, h.media.acquired(), "media must not be touched before the probe reply")

	s.handleAvailability(available("bob"))
	require.Equal(t, StateOutgoingPending, s.State())
	offer := h.sig.lastOfType(proto.TypeCallOffer)
	require.NotNil(t, offer)
	assert.Equal(t, "bob", offer.TargetUserID)
	require.Len(t, h.media.acquired(), 1)

	s.handleAnswer(answerFrom("bob"))
	require.Equal(t, StateActive, s.State())

	s.end()
	require.Equal(t, StateIdle, s.State())
	assert.NotNil(t, h.sig.lastOfType(proto.TypeCallEnd))
	assert.Equal(t, 1, h.lastPC().closed)
	assert.Equal(t, 1, h.media.acquired()[0].closeCount())

	// Hanging up twice releases nothing twice.
	s.end()
	assert.Equal(t, 1, h.lastPC().closed)
	assert.Equal(t, 1, h.media.acquired()[0].closeCount())
	var ends int
	for _, typ := range h.sig.sentTypes() {
		if typ == proto.TypeCallEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func TestUnavailableTargetNeverGetsOffer(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(&proto.Message{Type: proto.TypeAvailability, UserID: "bob", Available: false})

	require.Equal(t, StateIdle, s.State())
	assert.Nil(t, h.sig.lastOfType(proto.TypeCallOffer))
	assert.Empty(t, h.media.acquired())
	assert.Contains(t, h.eventMessages(), "Bob is unavailable")
}

func TestAvailabilityReplyFromWrongUserIgnored(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("mallory"))

	assert.Equal(t, StateProbing, s.State())
	assert.Nil(t, h.sig.lastOfType(proto.TypeCallOffer))
}

func TestAvailabilityTimeout(t *testing.T) {
	h := newHarness()
	s := h.session(Timeouts{Availability: 20 * time.Millisecond, Offer: 5 * time.Second})

	s.start()
	require.Eventually(t, func() bool { return s.State() == StateIdle },
		time.Second, 5*time.Millisecond)

	// Nothing beyond the probe went out: the target never learned of the call.
	assert.Equal(t, []string{proto.TypeCheckAvailability}, h.sig.sentTypes())
	assert.Contains(t, h.eventMessages(), "Bob is unavailable")
}

func TestOfferTimeout(t *testing.T) {
	h := newHarness()
	s := h.session(Timeouts{Availability: 5 * time.Second, Offer: 30 * time.Millisecond})

	s.start()
	s.handleAvailability(available("bob"))
	require.Equal(t, StateOutgoingPending, s.State())

	require.Eventually(t, func() bool { return s.State() == StateIdle },
		time.Second, 5*time.Millisecond)
	assert.NotNil(t, h.sig.lastOfType(proto.TypeCallEnd))
	assert.Equal(t, 1, h.media.acquired()[0].closeCount())
	assert.Contains(t, h.eventMessages(), "call timed out")
}

func TestAnswerCancelsOfferTimer(t *testing.T) {
	h := newHarness()
	s := h.session(Timeouts{Availability: 5 * time.Second, Offer: 40 * time.Millisecond})

	s.start()
	s.handleAvailability(available("bob"))
	s.handleAnswer(answerFrom("bob"))
	require.Equal(t, StateActive, s.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateActive, s.State())
}

func TestMediaDeniedAbortsWithoutSignaling(t *testing.T) {
	h := newHarness()
	h.media.err = errors.New("permission denied")
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))

	require.Equal(t, StateIdle, s.State())
	assert.Equal(t, []string{proto.TypeCheckAvailability}, h.sig.sentTypes())
	assert.Contains(t, h.eventMessages(), "microphone access denied")
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	pc := h.lastPC()

	early1 := json.RawMessage(`{"candidate":"one"}`)
	early2 := json.RawMessage(`{"candidate":"two"}`)
	s.handleCandidate(&proto.Message{Type: proto.TypeICECandidate, FromUserID: "bob", Candidate: early1})
	s.handleCandidate(&proto.Message{Type: proto.TypeICECandidate, FromUserID: "bob", Candidate: early2})
	assert.Empty(t, pc.addedCandidates(), "candidates must wait for the remote description")

	s.handleAnswer(answerFrom("bob"))
	added := pc.addedCandidates()
	require.Len(t, added, 2)
	assert.JSONEq(t, string(early1), string(added[0]))
	assert.JSONEq(t, string(early2), string(added[1]))

	// Arriving after the remote description, candidates apply directly.
	late := json.RawMessage(`{"candidate":"three"}`)
	s.handleCandidate(&proto.Message{Type: proto.TypeICECandidate, FromUserID: "bob", Candidate: late})
	assert.Len(t, pc.addedCandidates(), 3)
}

func TestCandidateWithoutPeerConnectionDropped(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start() // probing, no peer connection yet
	s.handleCandidate(&proto.Message{
		Type:       proto.TypeICECandidate,
		FromUserID: "bob",
		Candidate:  json.RawMessage(`{"candidate":"stray"}`),
	})
	assert.Equal(t, StateProbing, s.State())
}

func TestRemoteEndTearsDownWithoutEcho(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	s.handleAnswer(answerFrom("bob"))

	s.handleRemoteEnd(&proto.Message{Type: proto.TypeCallEnd, FromUserID: "bob"})
	require.Equal(t, StateIdle, s.State())
	assert.Nil(t, h.sig.lastOfType(proto.TypeCallEnd), "remote hang-up must not be echoed")
	assert.Equal(t, 1, h.media.acquired()[0].closeCount())
	assert.Contains(t, h.eventMessages(), "call ended by Bob")
}

func TestCallErrorTearsDown(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	require.Equal(t, StateOutgoingPending, s.State())

	s.handleCallError(&proto.Message{Type: proto.TypeCallError, Reason: proto.ReasonUnavailable})
	require.Equal(t, StateIdle, s.State())
	assert.Contains(t, h.eventMessages(), "Bob is unavailable")
}

func TestTransportConnectedForcesActive(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	require.Equal(t, StateOutgoingPending, s.State())

	h.lastPC().fireState(ConnStateConnected)
	assert.Equal(t, StateActive, s.State())
}

func TestTransportFailureEndsActiveCall(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	s.handleAnswer(answerFrom("bob"))
	require.Equal(t, StateActive, s.State())

	h.lastPC().fireState(ConnStateFailed)
	require.Equal(t, StateIdle, s.State())
	assert.NotNil(t, h.sig.lastOfType(proto.TypeCallEnd))
	assert.Contains(t, h.eventMessages(), "connection lost")
}

func TestStaleTransportStateIgnoredAfterTeardown(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	pc := h.lastPC()
	s.end()
	require.Equal(t, StateIdle, s.State())

	pc.fireState(ConnStateConnected)
	assert.Equal(t, StateIdle, s.State())
}

func TestToggleMute(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	s.handleAnswer(answerFrom("bob"))
	capture := h.media.acquired()[0]

	assert.True(t, s.toggleMute())
	capture.mu.Lock()
	assert.True(t, capture.muted)
	capture.mu.Unlock()

	assert.False(t, s.toggleMute())
	capture.mu.Lock()
	assert.False(t, capture.muted)
	capture.mu.Unlock()
}

func TestToggleSpeaker(t *testing.T) {
	h := newHarness()
	s := h.session(longTimeouts())

	s.start()
	s.handleAvailability(available("bob"))
	pc := h.lastPC()

	assert.True(t, s.toggleSpeaker())
	pc.mu.Lock()
	assert.True(t, pc.playbackMuted)
	pc.mu.Unlock()

	assert.False(t, s.toggleSpeaker())
	pc.mu.Lock()
	assert.False(t, pc.playbackMuted)
	pc.mu.Unlock()
}

func newTestManager(t *testing.T, h *harness) *Manager {
	t.Helper()
	m := NewManager(Options{
		Signaler:          h.sig,
		NewPeerConnection: h.factory,
		Media:             h.media,
		ResolveName: func(id string) (string, bool) {
			if id == "bob" {
				return "Bob", true
			}
			return "", false
		},
		Timeouts: longTimeouts(),
		OnEvent:  h.onEvent,
	})
	t.Cleanup(m.Close)
	return m
}

func TestManagerRejectsSecondCall(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h)

	require.NoError(t, m.StartCall("bob"))
	assert.Equal(t, StateProbing, m.State())
	assert.ErrorIs(t, m.StartCall("carol"), ErrCallInProgress)
}

func TestManagerIncomingCall(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h)

	var mu sync.Mutex
	var ringing *IncomingCall
	m.OnIncoming(func(inc *IncomingCall) {
		mu.Lock()
		ringing = inc
		mu.Unlock()
	})

	h.sig.ch <- &proto.Message{
		Type:       proto.TypeCallOffer,
		FromUserID: "bob",
		Offer:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ringing != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	inc := ringing
	mu.Unlock()
	assert.Equal(t, "bob", inc.CallerID)
	assert.Equal(t, "Bob", inc.CallerName)
	require.Equal(t, StateIncomingPending, m.State())

	require.NoError(t, inc.Accept())
	assert.Equal(t, StateActive, m.State())
	answer := h.sig.lastOfType(proto.TypeCallAnswer)
	require.NotNil(t, answer)
	assert.Equal(t, "bob", answer.TargetUserID)
}

func TestManagerRejectIncomingCall(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h)

	done := make(chan struct{})
	m.OnIncoming(func(inc *IncomingCall) {
		inc.Reject()
		close(done)
	})

	h.sig.ch <- &proto.Message{
		Type:       proto.TypeCallOffer,
		FromUserID: "bob",
		Offer:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("incoming handler never ran")
	}

	assert.Equal(t, StateIdle, m.State())
	assert.NotNil(t, h.sig.lastOfType(proto.TypeCallEnd))
	assert.Empty(t, h.media.acquired(), "rejecting must not touch the microphone")
}

func TestManagerDropsOfferWhileCalling(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h)

	var rang bool
	var mu sync.Mutex
	m.OnIncoming(func(*IncomingCall) {
		mu.Lock()
		rang = true
		mu.Unlock()
	})

	require.NoError(t, m.StartCall("bob"))
	h.sig.ch <- &proto.Message{
		Type:       proto.TypeCallOffer,
		FromUserID: "carol",
		Offer:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateProbing, m.State())
	assert.Equal(t, "bob", m.Counterpart())
	mu.Lock()
	assert.False(t, rang, "outgoing attempt must win a mutual call")
	mu.Unlock()
}

func TestManagerOfferDroppedWhileOutgoingPending(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h)

	var rang bool
	var mu sync.Mutex
	m.OnIncoming(func(*IncomingCall) {
		mu.Lock()
		rang = true
		mu.Unlock()
	})

	require.NoError(t, m.StartCall("bob"))
	h.sig.ch <- available("bob")
	require.Eventually(t, func() bool { return m.State() == StateOutgoingPending },
		time.Second, 5*time.Millisecond)

	// Both sides called each other: bob's offer crosses ours in flight.
	h.sig.ch <- &proto.Message{
		Type:       proto.TypeCallOffer,
		FromUserID: "bob",
		Offer:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateOutgoingPending, m.State(), "colliding offer must not disturb the outgoing attempt")
	assert.Equal(t, "bob", m.Counterpart())
	mu.Lock()
	assert.False(t, rang)
	mu.Unlock()

	// The answer to our own offer still completes the call.
	h.sig.ch <- answerFrom("bob")
	require.Eventually(t, func() bool { return m.State() == StateActive },
		time.Second, 5*time.Millisecond)
}

func TestManagerAnswerWithoutCall(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h)
	assert.ErrorIs(t, m.Answer(), ErrNoCall)
	assert.False(t, m.ToggleMute())
}
