// Package message defines the chat message model shared by the history,
// stream, and delivery packages.
//
// A Message mirrors the JSON wire schema of the chat backend: a unique string
// ID, a type tag, the text content, an ISO-8601 timestamp, a delivery status,
// and an optional response_to field referencing the ID of the outbound
// message a reply correlates with.
//
// Example:
//
//	msg := message.New(gen.NextID(), message.TypeUser, "Hello!")
//	if err := msg.Transition(message.StatusSending); err != nil {
//	    log.Fatal(err)
//	}
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidTransition indicates a status change that moves backward or skips
// a state in the delivery lifecycle.
var ErrInvalidTransition = errors.New("invalid message status transition")

// ErrEmptyContent indicates an attempt to create a message with no content.
var ErrEmptyContent = errors.New("message content cannot be empty")

// Type identifies the kind of a chat message.
type Type string

const (
	// TypeUser is a message typed by the human user.
	TypeUser Type = "user"
	// TypeAI is a reply produced by an agent.
	TypeAI Type = "ai"
	// TypeSystem is an informational message from the backend.
	TypeSystem Type = "system"
	// TypeError is an error surfaced to the user.
	TypeError Type = "error"
	// TypeWarning is a non-fatal warning surfaced to the user.
	TypeWarning Type = "warning"
	// TypeCode is a code block produced by an agent.
	TypeCode Type = "code"
	// TypeStatus is a backend status push.
	TypeStatus Type = "status"
)

// Status represents the delivery state of a message.
type Status string

const (
	// StatusPending means the message is recorded but not yet sent.
	StatusPending Status = "pending"
	// StatusSending means a delivery attempt is in progress.
	StatusSending Status = "sending"
	// StatusSent means the message reached the backend but no correlated
	// reply has arrived yet.
	StatusSent Status = "sent"
	// StatusFailed means delivery was abandoned or the response timed out.
	StatusFailed Status = "failed"
	// StatusReceived means a correlated reply arrived for the message.
	StatusReceived Status = "received"
)

// Message represents a single chat message.
type Message struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status,omitempty"`
	ResponseTo string    `json:"response_to,omitempty"`
	// Thoughts carries the agent's reasoning trace. Only AI messages
	// populate it.
	Thoughts string `json:"thoughts,omitempty"`
}

// New creates a message with the given ID, type, and content, timestamped
// now and in the pending state.
func New(id string, typ Type, content string) *Message {
	return &Message{
		ID:        id,
		Type:      typ,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Status:    StatusPending,
	}
}

// CanTransition reports whether a status change from one state to another is
// allowed. The lifecycle only moves forward:
//
//	pending -> sending -> {sent, failed}
//	sent    -> {received, failed}
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSending
	case StatusSending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusReceived || to == StatusFailed
	default:
		// failed and received are terminal
		return false
	}
}

// Transition updates the message status, rejecting backward or skipped
// transitions with ErrInvalidTransition.
func (m *Message) Transition(to Status) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	return nil
}

// IsReply reports whether the message correlates with a previously sent
// outbound message.
func (m *Message) IsReply() bool {
	return m.ResponseTo != ""
}

// validTypes is the set of type tags the backend emits.
var validTypes = map[Type]bool{
	TypeUser:    true,
	TypeAI:      true,
	TypeSystem:  true,
	TypeError:   true,
	TypeWarning: true,
	TypeCode:    true,
	TypeStatus:  true,
}

// Parse decodes a JSON-encoded message from the wire. Decode failures are
// returned to the caller; an unknown type tag is downgraded to TypeSystem
// so that a newer backend cannot break an older client.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	if msg.Type == "" {
		msg.Type = TypeSystem
	} else if !validTypes[msg.Type] {
		logrus.WithFields(logrus.Fields{
			"function":     "Parse",
			"message_id":   msg.ID,
			"message_type": string(msg.Type),
		}).Warn("Unknown message type, treating as system message")
		msg.Type = TypeSystem
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	return &msg, nil
}

// Marshal encodes the message for the wire.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	return data, nil
}
