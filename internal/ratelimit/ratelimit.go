// Package ratelimit throttles the chat-send path: each sender gets a fixed
// 60-second window of 20 messages; crossing the threshold mutes the sender
// for 60 seconds. The mute clears on its own — there is no manual unmute.
//
// State is process-local and in-memory. Running multiple server instances
// would need an external shared counter instead.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	Window    = time.Minute
	Threshold = 20
	MuteFor   = time.Minute

	// Entries idle for this long are dropped by the background sweep.
	sweepAfter = 5 * time.Minute
)

type senderState struct {
	count         int
	windowResetAt time.Time
	mutedUntil    time.Time
}

// Limiter tracks per-sender send counts. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	senders map[string]*senderState
	now     func() time.Time
}

func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock injects the clock; tests use it to step through windows
// without sleeping.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		senders: make(map[string]*senderState),
		now:     now,
	}
}

// Check records one send attempt for senderID. It returns ok=true when the
// send is allowed; otherwise retryAfter says how long until sends are
// accepted again.
func (l *Limiter) Check(senderID string) (ok bool, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, exists := l.senders[senderID]

	if exists && now.Before(st.mutedUntil) {
		return false, st.mutedUntil.Sub(now)
	}

	if !exists || now.After(st.windowResetAt) {
		l.senders[senderID] = &senderState{
			count:         1,
			windowResetAt: now.Add(Window),
		}
		return true, 0
	}

	if st.count >= Threshold {
		st.mutedUntil = now.Add(MuteFor)
		st.count = 0
		return false, MuteFor
	}

	st.count++
	return true, 0
}

// Sweep drops entries whose window and mute both expired long ago.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-sweepAfter)

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, st := range l.senders {
		if st.windowResetAt.Before(cutoff) && st.mutedUntil.Before(cutoff) {
			delete(l.senders, id)
		}
	}
}

// RunSweeper sweeps periodically until ctx ends.
func (l *Limiter) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
