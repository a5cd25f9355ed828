package call

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMBufferReadsInOrder(t *testing.T) {
	b := &pcmBuffer{max: 16}
	b.write([]byte{1, 2, 3, 4})
	b.write([]byte{5, 6})

	out := make([]byte, 4)
	b.read(out)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.Equal(t, 2, b.buffered())
}

func TestPCMBufferUnderrunPlaysSilence(t *testing.T) {
	b := &pcmBuffer{max: 16}
	b.write([]byte{9, 9})

	out := []byte{7, 7, 7, 7}
	b.read(out)
	assert.Equal(t, []byte{9, 9, 0, 0}, out, "missing samples must be silence, not stale data")

	b.read(out)
	assert.Equal(t, []byte{0, 0, 0, 0}, out)
}

func TestPCMBufferDropsOldestWhenFull(t *testing.T) {
	b := &pcmBuffer{max: 4}
	b.write([]byte{1, 2, 3, 4})
	b.write([]byte{5, 6})

	assert.Equal(t, 4, b.buffered())
	out := make([]byte, 4)
	b.read(out)
	assert.Equal(t, []byte{3, 4, 5, 6}, out, "overflow must drop the oldest audio")
}

func TestDepacketizeExtractsPayload(t *testing.T) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: 7,
			Timestamp:      960,
			SSRC:           42,
		},
		Payload: []byte{0xAA, 0xBB, 0xCC},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	payload, err := depacketize(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, payload)
}

func TestDepacketizeRejectsGarbage(t *testing.T) {
	_, err := depacketize([]byte{0x00})
	assert.Error(t, err)
}
