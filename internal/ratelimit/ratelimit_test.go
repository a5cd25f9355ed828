package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestThresholdMutes(t *testing.T) {
	clock := newFakeClock()
	l := NewWithClock(clock.now)

	for i := 0; i < Threshold; i++ {
		ok, _ := l.Check("u1")
		require.True(t, ok, "send %d should be accepted", i+1)
	}

	ok, retry := l.Check("u1")
	assert.False(t, ok, "21st send inside the window must be rejected")
	assert.Equal(t, MuteFor, retry)
}

func TestMutedSenderRejectedWithRemaining(t *testing.T) {
	clock := newFakeClock()
	l := NewWithClock(clock.now)

	for i := 0; i < Threshold; i++ {
		l.Check("u1")
	}
	l.Check("u1") // trips the mute

	clock.advance(20 * time.Second)
	ok, retry := l.Check("u1")
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, retry)
}

func TestMuteExpiresAndResetsWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewWithClock(clock.now)

	for i := 0; i < Threshold; i++ {
		l.Check("u1")
	}
	ok, _ := l.Check("u1")
	require.False(t, ok)

	clock.advance(MuteFor + time.Second)
	ok, _ = l.Check("u1")
	assert.True(t, ok, "first send after the mute window must be accepted")

	// The accept above reset count=1, so a full fresh window remains.
	for i := 1; i < Threshold; i++ {
		ok, _ := l.Check("u1")
		require.True(t, ok)
	}
	ok, _ = l.Check("u1")
	assert.False(t, ok)
}

func TestWindowResetClearsCount(t *testing.T) {
	clock := newFakeClock()
	l := NewWithClock(clock.now)

	for i := 0; i < Threshold; i++ {
		l.Check("u1")
	}

	clock.advance(Window + time.Second)
	ok, _ := l.Check("u1")
	assert.True(t, ok, "a new window starts after 60s of quiet")
}

func TestSendersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := NewWithClock(clock.now)

	for i := 0; i < Threshold; i++ {
		l.Check("u1")
	}
	ok, _ := l.Check("u1")
	require.False(t, ok)

	ok, _ = l.Check("u2")
	assert.True(t, ok, "muting u1 must not affect u2")
}

func TestSweepDropsIdleEntries(t *testing.T) {
	clock := newFakeClock()
	l := NewWithClock(clock.now)

	l.Check("u1")
	clock.advance(10 * time.Minute)
	l.Sweep()

	l.mu.Lock()
	_, exists := l.senders["u1"]
	l.mu.Unlock()
	assert.False(t, exists)
}
