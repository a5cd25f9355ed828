// Package relay multiplexes authenticated websocket transports and routes
// typed signaling and delivery messages between them. The first frame on a
// new transport must be auth; everything before a successful handshake is a
// policy violation and closes the connection.
package relay

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-im/parley/internal/proto"
)

const (
	// How long a fresh transport gets to present its auth frame.
	authWindow = 10 * time.Second

	// Largest accepted frame. Session descriptions are a few KB; anything
	// bigger is not ours.
	maxFrameBytes = 64 * 1024
)

// TokenVerifier is the credential-service seam: it turns a bearer token into
// an authenticated user ID or fails.
type TokenVerifier interface {
	VerifyToken(token string) (userID string, err error)
}

// Relay owns the registry and the per-connection message loops.
type Relay struct {
	reg      *Registry
	tokens   TokenVerifier
	upgrader websocket.Upgrader
}

func New(reg *Registry, tokens TokenVerifier) *Relay {
	return &Relay{
		reg:    reg,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the registry to the REST collaborators that push
// deliveries and presence fan-out.
func (r *Relay) Registry() *Registry {
	return r.reg
}

// HandleWS upgrades the request and runs the connection's message loop. One
// goroutine per connection; within it, frames are handled strictly in
// arrival order.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed: %v", err)
		return
	}
	r.serve(newConn(ws))
}

func (r *Relay) serve(c *Conn) {
	defer c.close()

	c.ws.SetReadLimit(maxFrameBytes)

	userID, err := r.handshake(c)
	if err != nil {
		log.Printf("RELAY: handshake rejected: %v", err)
		c.closePolicyViolation(err.Error())
		return
	}

	c.bind(userID)
	r.reg.Register(userID, c)
	defer r.reg.Unregister(userID, c)

	if err := c.Send(&proto.Message{Type: proto.TypeAuthSuccess, UserID: userID}); err != nil {
		return
	}
	log.Printf("RELAY: %s connected", userID)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Printf("RELAY: %s disconnected: %v", userID, err)
			return
		}

		m, err := proto.Decode(data)
		if err != nil {
			// Malformed frames are logged and dropped, never fatal.
			log.Printf("RELAY: bad frame from %s: %v", userID, err)
			continue
		}

		r.dispatch(c, userID, m)
	}
}

// handshake reads exactly one frame and demands it be a valid auth message.
func (r *Relay) handshake(c *Conn) (string, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(authWindow)); err != nil {
		return "", fmt.Errorf("set auth deadline: %w", err)
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("no auth message: %w", err)
	}

	m, err := proto.Decode(data)
	if err != nil {
		return "", fmt.Errorf("bad auth frame: %w", err)
	}
	if m.Type != proto.TypeAuth {
		return "", fmt.Errorf("message before authentication: %q", m.Type)
	}

	userID, err := r.tokens.VerifyToken(m.Token)
	if err != nil {
		return "", fmt.Errorf("token rejected: %w", err)
	}

	// Authenticated: the connection now lives until the transport drops.
	if err := c.ws.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("clear auth deadline: %w", err)
	}
	return userID, nil
}

// dispatch routes one post-auth frame. Dispatch is fail-closed: tags the
// relay does not route are logged and ignored, never forwarded.
func (r *Relay) dispatch(c *Conn, from string, m *proto.Message) {
	switch m.Type {
	case proto.TypeCallOffer, proto.TypeCallAnswer, proto.TypeICECandidate:
		m.FromUserID = from
		if !r.reg.Send(m.TargetUserID, m) {
			_ = c.Send(&proto.Message{
				Type:   proto.TypeCallError,
				Reason: proto.ReasonUnavailable,
			})
		}

	case proto.TypeCallEnd:
		// End is advisory: if the target is gone there is nothing to tell
		// the sender — its local teardown proceeds regardless.
		m.FromUserID = from
		r.reg.Send(m.TargetUserID, m)

	case proto.TypeCheckAvailability:
		_ = c.Send(&proto.Message{
			Type:      proto.TypeAvailability,
			UserID:    m.TargetUserID,
			Available: r.reg.Lookup(m.TargetUserID) != nil,
		})

	default:
		log.Printf("RELAY: dropping unroutable %q from %s", m.Type, from)
	}
}

// PushMessage delivers a freshly persisted chat message to its recipient.
// Called by the REST send path after persistence succeeds.
func (r *Relay) PushMessage(msg *proto.ChatMessage) bool {
	return r.reg.Send(msg.RecipientID, &proto.Message{
		Type:    proto.TypeMessage,
		Message: msg,
	})
}

// PushMessageRead tells the original sender their message was read.
func (r *Relay) PushMessageRead(senderID, messageID string) bool {
	return r.reg.Send(senderID, &proto.Message{
		Type:      proto.TypeMessageRead,
		MessageID: messageID,
	})
}

// NotifyUserAdded fans a new profile out to everyone online.
func (r *Relay) NotifyUserAdded(u *proto.User) {
	r.reg.Broadcast(&proto.Message{Type: proto.TypeUserAdded, User: u})
}

// NotifyUserUpdated fans a profile change out to everyone online.
func (r *Relay) NotifyUserUpdated(u *proto.User) {
	r.reg.Broadcast(&proto.Message{Type: proto.TypeUserUpdated, User: u})
}
