package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewPeerConnectionFactory builds audio-only pion peer connections
// configured with the given STUN/TURN URLs. Codec registration is
// platform-specific: the capture path on Linux negotiates the encoders
// pion/mediadevices provides, other platforms use the defaults.
func NewPeerConnectionFactory(iceServers []string) PeerConnectionFactory {
	return func() (PeerConnection, error) {
		me := &webrtc.MediaEngine{}
		if err := registerCodecs(me); err != nil {
			return nil, fmt.Errorf("registering codecs: %w", err)
		}
		reg := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
			return nil, fmt.Errorf("registering interceptors: %w", err)
		}

		// Generous ICE timeouts so a brief NAT hiccup does not immediately
		// terminate the call. The 5s default is too short for relay paths
		// with short outages during re-keying or failover.
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(reg),
			webrtc.WithSettingEngine(se),
		)

		cfg := webrtc.Configuration{}
		if len(iceServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
		}
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating peer connection: %w", err)
		}
		p := &pionConn{pc: pc}
		pc.OnTrack(p.onTrack)
		return p, nil
	}
}

// pionConn adapts *webrtc.PeerConnection to the PeerConnection seam.
type pionConn struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	playbackMuted bool
	player        *audioPlayer
}

func (p *pionConn) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionConn) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionConn) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decoding description: %w", err)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decoding candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionConn) OnICECandidate(fn func(candidate json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("CALL: encoding candidate: %v", err)
			return
		}
		fn(data)
	})
}

func (p *pionConn) OnConnectionStateChange(fn func(state ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(ConnStateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(ConnStateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(ConnStateFailed)
		}
	})
}

func (p *pionConn) SetPlaybackMuted(muted bool) {
	p.mu.Lock()
	p.playbackMuted = muted
	p.mu.Unlock()
}

func (p *pionConn) Close() error {
	p.mu.Lock()
	player := p.player
	p.player = nil
	p.mu.Unlock()
	if player != nil {
		player.close()
	}
	return p.pc.Close()
}

// onTrack drains inbound audio so the receiver and its RTCP feedback stay
// healthy, feeding the playback device unless the speaker is muted. A
// missing output device degrades to drain-only rather than failing the call.
func (p *pionConn) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	log.Printf("CALL: remote audio track %s (%s)", track.ID(), track.Codec().MimeType)

	p.mu.Lock()
	if p.player == nil {
		player, err := newAudioPlayer()
		if err != nil {
			log.Printf("CALL: no audio playback: %v", err)
		} else {
			p.player = player
		}
	}
	p.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			p.mu.Lock()
			player := p.player
			muted := p.playbackMuted
			p.mu.Unlock()
			if player != nil && !muted {
				player.push(buf[:n])
			}
		}
	}()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := receiver.Read(buf); err != nil {
				return
			}
		}
	}()
}
