//go:build !linux

package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Microphone capture via pion/mediadevices needs platform drivers that are
// only wired up for Linux here. Other platforms get the default codec set
// and no capture device, so call attempts abort at media acquisition.

func registerCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

type systemMedia struct{}

// NewMediaDevice returns a device without capture support.
func NewMediaDevice() MediaDevice { return systemMedia{} }

func (systemMedia) AcquireAudio() (AudioCapture, error) {
	return nil, fmt.Errorf("audio capture not supported on this platform")
}
