// Package client is the user-side connection to a relay server: the
// websocket signaling link with subscription fan-out, plus a thin REST
// wrapper for the HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-im/parley/internal/proto"
	"github.com/parley-im/parley/internal/util"
)

// ErrClosed is returned by Send after the connection is gone.
var ErrClosed = errors.New("client: connection closed")

// Client is an authenticated websocket connection to the relay. Inbound
// frames fan out to subscribers; chat and roster frames additionally keep
// the local roster cache current.
type Client struct {
	conn   *websocket.Conn
	userID string

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[chan *proto.Message]struct{}
	roster    map[string]*proto.User
	closed    bool

	done chan struct{}
}

// Dial connects to the relay at serverURL (http/https base), authenticates
// with token and waits for the auth acknowledgement before returning.
func Dial(ctx context.Context, serverURL, token string) (*Client, error) {
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	c := &Client{
		conn:      conn,
		listeners: make(map[chan *proto.Message]struct{}),
		roster:    make(map[string]*proto.User),
		done:      make(chan struct{}),
	}
	if err := c.authenticate(token); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	log.Printf("CLIENT: connected to %s as %s", wsURL, c.userID)
	return c, nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// authenticate sends the auth frame and consumes the reply. The server
// closes the socket with a policy violation if the token is bad.
func (c *Client) authenticate(token string) error {
	data, err := proto.Encode(&proto.Message{Type: proto.TypeAuth, Token: token})
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(util.DefaultRequestTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("authentication rejected: %w", err)
	}
	m, err := proto.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding auth reply: %w", err)
	}
	if m.Type != proto.TypeAuthSuccess {
		return fmt.Errorf("unexpected auth reply %q", m.Type)
	}
	c.userID = m.UserID
	return nil
}

// UserID is the identity the server bound this connection to.
func (c *Client) UserID() string { return c.userID }

// Send writes one frame to the relay.
func (c *Client) Send(m *proto.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := proto.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe registers a listener for inbound frames. Slow listeners drop
// frames rather than stall the read loop. The cancel func must be called
// when done; the channel closes on cancel or connection loss.
func (c *Client) Subscribe() (chan *proto.Message, func()) {
	ch := make(chan *proto.Message, 32)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.listeners[ch]; ok {
				delete(c.listeners, ch)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
	return ch, cancel
}

// Done closes when the connection is lost.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears down the connection and all subscriptions.
func (c *Client) Close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(util.ShortTimeout))
	c.writeMu.Unlock()
	c.conn.Close()
	<-c.done
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for ch := range c.listeners {
			delete(c.listeners, ch)
			close(ch)
		}
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("CLIENT: read loop ended: %v", err)
			}
			return
		}
		m, err := proto.Decode(raw)
		if err != nil {
			log.Printf("CLIENT: dropping malformed frame: %v", err)
			continue
		}
		c.track(m)
		c.fanOut(m)
	}
}

// track keeps the roster cache current from server push frames.
func (c *Client) track(m *proto.Message) {
	switch m.Type {
	case proto.TypeUserAdded, proto.TypeUserUpdated:
		if m.User != nil && m.User.ID != "" {
			c.mu.Lock()
			c.roster[m.User.ID] = m.User
			c.mu.Unlock()
		}
	}
}

func (c *Client) fanOut(m *proto.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.listeners {
		select {
		case ch <- m:
		default:
			log.Printf("CLIENT: listener full, dropping %s frame", m.Type)
		}
	}
}

// SetRoster seeds the roster cache, typically from the users endpoint
// right after login.
func (c *Client) SetRoster(users []*proto.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		if u != nil && u.ID != "" {
			c.roster[u.ID] = u
		}
	}
}

// ResolveName maps a user id to its display label.
func (c *Client) ResolveName(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.roster[userID]
	if !ok {
		return "", false
	}
	return u.Label(), true
}

// Users returns a snapshot of the roster cache.
func (c *Client) Users() []*proto.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*proto.User, 0, len(c.roster))
	for _, u := range c.roster {
		out = append(out, u)
	}
	return out
}
