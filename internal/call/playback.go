package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/pion/opus"
	"github.com/pion/rtp"
)

const (
	playbackSampleRate = 48000
	playbackChannels   = 1

	// One 20ms opus frame of mono S16 PCM.
	pcmFrameBytes = 1920

	// Roughly half a second of buffered audio. When the device falls
	// behind, the oldest samples are dropped rather than growing latency.
	pcmBufferMax = pcmFrameBytes * 25
)

// pcmBuffer is a bounded FIFO of raw PCM between the decode path and the
// playback device callback. Underruns play silence.
type pcmBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *pcmBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
}

func (b *pcmBuffer) read(out []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(out, b.buf)
	b.buf = b.buf[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func (b *pcmBuffer) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// depacketize strips the RTP framing from one inbound packet.
func depacketize(packet []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

// audioPlayer makes a call audible: RTP packets are depacketized, opus
// frames decoded to PCM, and a malgo playback device pulls from the buffer.
type audioPlayer struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	decoder opus.Decoder
	pcm     pcmBuffer
	frame   []byte
}

func newAudioPlayer() (*audioPlayer, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	p := &audioPlayer{
		ctx:     mctx,
		decoder: opus.NewDecoder(),
		frame:   make([]byte, pcmFrameBytes),
	}
	p.pcm.max = pcmBufferMax

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = playbackChannels
	cfg.SampleRate = playbackSampleRate
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			p.pcm.read(out)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("starting playback: %w", err)
	}
	p.device = device
	log.Printf("CALL: playback device ready (%d Hz, %d ch)", playbackSampleRate, playbackChannels)
	return p, nil
}

// push decodes one RTP packet into the playback buffer. Called from the
// single track-drain goroutine; the decoder is not shared.
func (p *audioPlayer) push(packet []byte) {
	payload, err := depacketize(packet)
	if err != nil {
		log.Printf("CALL: dropping bad audio packet: %v", err)
		return
	}
	if len(payload) == 0 {
		return
	}
	// DTX and comfort-noise frames don't decode; skip them.
	if _, _, err := p.decoder.Decode(payload, p.frame); err != nil {
		return
	}
	p.pcm.write(p.frame)
}

// close stops the device. Safe while the drain goroutine still holds the
// player: push only touches the decoder and the buffer.
func (p *audioPlayer) close() {
	if p.device != nil {
		p.device.Uninit()
	}
	_ = p.ctx.Uninit()
	p.ctx.Free()
}
