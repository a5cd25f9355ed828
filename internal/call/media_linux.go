//go:build linux

package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Microphone capture uses pion/mediadevices (malgo on Linux). The codec
// selector is shared between engine registration and GetUserMedia so the
// encoder the capture track carries matches what the SDP negotiates.
var (
	selectorOnce sync.Once
	selector     *mediadevices.CodecSelector
	selectorErr  error
)

func audioSelector() (*mediadevices.CodecSelector, error) {
	selectorOnce.Do(func() {
		opusParams, err := opus.NewParams()
		if err != nil {
			selectorErr = err
			return
		}
		selector = mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return selector, selectorErr
}

func registerCodecs(me *webrtc.MediaEngine) error {
	sel, err := audioSelector()
	if err != nil {
		return err
	}
	sel.Populate(me)
	return nil
}

type systemMedia struct{}

// NewMediaDevice returns the Linux microphone capture device.
func NewMediaDevice() MediaDevice { return systemMedia{} }

func (systemMedia) AcquireAudio() (AudioCapture, error) {
	sel, err := audioSelector()
	if err != nil {
		return nil, err
	}
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			log.Printf("CALL: audio device — label=%q", d.Label)
		}
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		},
		Codec: sel,
	})
	if err != nil {
		return nil, fmt.Errorf("opening microphone: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio track captured")
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CALL: local audio track ended: %v", err)
		}
	})
	return &micCapture{track: track}, nil
}

type micCapture struct {
	track  mediadevices.Track
	sender *webrtc.RTPSender
}

func (c *micCapture) AttachTo(pc PeerConnection) error {
	p, ok := pc.(*pionConn)
	if !ok {
		return fmt.Errorf("unsupported peer connection type %T", pc)
	}
	sender, err := p.pc.AddTrack(c.track)
	if err != nil {
		return fmt.Errorf("adding audio track: %w", err)
	}
	c.sender = sender
	// Drain sender RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// SetMuted swaps the sender's track out rather than stopping the device, so
// unmute resumes instantly without renegotiation.
func (c *micCapture) SetMuted(muted bool) {
	if c.sender == nil {
		return
	}
	var err error
	if muted {
		err = c.sender.ReplaceTrack(nil)
	} else {
		err = c.sender.ReplaceTrack(c.track)
	}
	if err != nil {
		log.Printf("CALL: toggling microphone: %v", err)
	}
}

func (c *micCapture) Close() error {
	return c.track.Close()
}
