package relay

import (
	"log"
	"sync"

	"github.com/parley-im/parley/internal/proto"
)

// Registry is the authoritative identity → live connection map. At most one
// connection is registered per identity; registering again replaces the old
// entry (last writer wins) without force-closing the displaced transport —
// it simply stops being reachable.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register binds userID to c, replacing any existing entry.
func (r *Registry) Register(userID string, c *Conn) {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		log.Printf("RELAY: replaced live connection for %s", userID)
	}
}

// Unregister removes the entry for userID only if it still points at c.
// A close handler running for a connection that has already been replaced
// must not evict its successor.
func (r *Registry) Unregister(userID string, c *Conn) {
	r.mu.Lock()
	if r.conns[userID] == c {
		delete(r.conns, userID)
	}
	r.mu.Unlock()
}

// Lookup returns the live connection for userID, or nil.
func (r *Registry) Lookup(userID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

// Send delivers m to userID. True only when a live connection exists and the
// write succeeds; it never returns an error to the caller — delivery failure
// is data, not an exception.
func (r *Registry) Send(userID string, m *proto.Message) bool {
	c := r.Lookup(userID)
	if c == nil {
		return false
	}
	if err := c.Send(m); err != nil {
		log.Printf("RELAY: send to %s failed: %v", userID, err)
		return false
	}
	return true
}

// Broadcast sends m to every registered connection, best effort. Individual
// failures are swallowed and do not abort the rest of the fan-out.
func (r *Registry) Broadcast(m *proto.Message) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(m); err != nil {
			log.Printf("RELAY: broadcast to %s failed: %v", c.UserID(), err)
		}
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
