package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-im/parley/internal/proto"
)

// wireConn is the slice of *websocket.Conn the relay needs. Tests substitute
// an in-memory implementation; production always passes the gorilla conn.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

var errConnClosed = errors.New("connection closed")

// Conn is one live transport session. Identity is bound exactly once, after
// the auth handshake succeeds; the zero identity means pre-auth.
type Conn struct {
	ws        wireConn
	createdAt time.Time

	mu     sync.Mutex // guards identity and serializes writes
	userID string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws wireConn) *Conn {
	return &Conn{
		ws:        ws,
		createdAt: time.Now(),
		closed:    make(chan struct{}),
	}
}

// UserID returns the authenticated identity, or "" before authentication.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authenticated reports whether the auth handshake has completed.
func (c *Conn) Authenticated() bool {
	return c.UserID() != ""
}

// bind sets the identity after a successful handshake.
func (c *Conn) bind(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Send writes one frame. Writes are serialized; a closed connection returns
// an error rather than panicking a concurrent writer.
func (c *Conn) Send(m *proto.Message) error {
	data, err := proto.Encode(m)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close tears the transport down. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// closePolicyViolation sends a close frame with the policy-violation code
// (used for every pre-auth failure) and then closes the transport.
func (c *Conn) closePolicyViolation(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	c.close()
}
