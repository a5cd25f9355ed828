// Package proto defines the wire message set exchanged over the relay's
// persistent websocket transport. Every frame is one JSON-encoded Message;
// the Type tag decides which fields are meaningful.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// Client → relay.
	TypeAuth              = "auth"
	TypeCallOffer         = "call_offer"
	TypeCallAnswer        = "call_answer"
	TypeICECandidate      = "ice_candidate"
	TypeCallEnd           = "call_end"
	TypeCheckAvailability = "check_user_availability"

	// Relay → client.
	TypeAuthSuccess  = "auth_success"
	TypeCallError    = "call_error"
	TypeAvailability = "user_availability"

	// Server-originated pushes (REST collaborators call into the relay).
	TypeMessage     = "message"
	TypeMessageRead = "message_read"
	TypeUserAdded   = "user_added"
	TypeUserUpdated = "user_updated"
)

// ReasonUnavailable is the call_error reason sent when a signaling target
// has no live connection.
const ReasonUnavailable = "unavailable"

// Message is the tagged union carried on the wire. FromUserID on forwarded
// messages is always stamped by the relay from the authenticated sender;
// anything a client puts there is overwritten.
type Message struct {
	Type string `json:"type"`

	Token        string `json:"token,omitempty"`
	FromUserID   string `json:"fromUserId,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`

	// Session negotiation payloads, opaque to the relay.
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Reason string `json:"reason,omitempty"`

	// user_availability reply.
	UserID    string `json:"userId,omitempty"`
	Available bool   `json:"available,omitempty"`

	// Delivery pushes.
	Message   *ChatMessage `json:"message,omitempty"`
	MessageID string       `json:"messageId,omitempty"`

	// Presence fan-out.
	User *User `json:"user,omitempty"`
}

// ChatMessage is a persisted direct message as pushed to its recipient.
type ChatMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Body        string `json:"body"`
	SentAt      int64  `json:"sentAt"` // unix millis
	ReadAt      int64  `json:"readAt,omitempty"`
}

// User is the public profile shape used in roster fan-out. It never carries
// credentials.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	CreatedAt   int64  `json:"createdAt"`
}

// Label returns the name to show for the user, falling back to the username.
func (u User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// Decode parses one wire frame. Unknown tags are the caller's problem —
// dispatch is fail-closed there, not here.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(m.Type) == "" {
		return nil, fmt.Errorf("frame has no type tag")
	}
	return &m, nil
}

// Encode serializes a frame for the wire.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}
