// Package events defines the tagged push-event variants consumed by the
// synchronization controller's dispatch loop, and the JSON envelope
// codec used by the push channel.
//
// The engine only requires at-least-once delivery from the push layer;
// every variant is designed to be safe under duplication and
// reordering, so decoding makes no ordering assumptions.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/chatsync/store"
)

// ErrUnknownEvent indicates an envelope whose event name has no mapped
// variant.
var ErrUnknownEvent = errors.New("unknown event kind")

// Kind names one push event variant.
type Kind string

const (
	// KindMessageSent announces a newly created message.
	KindMessageSent Kind = "message.sent"
	// KindMessageRead carries a read receipt.
	KindMessageRead Kind = "message.read"
	// KindTypingChanged signals a user starting or stopping typing.
	KindTypingChanged Kind = "typing"
	// KindPresenceChanged signals a user's online state in a conversation.
	KindPresenceChanged Kind = "presence.changed"
)

// Event is one decoded push event. The concrete type is one of
// MessageSent, MessageRead, TypingChanged or PresenceChanged.
type Event interface {
	Kind() Kind
}

// MessageSent announces a message created on the server, delivered on
// the recipient's user channel.
type MessageSent struct {
	ConversationID string         `json:"conversation_id"`
	Message        *store.Message `json:"message"`
}

// Kind returns KindMessageSent.
func (MessageSent) Kind() Kind { return KindMessageSent }

// MessageRead asserts that ReaderID has read every message of the
// conversation up to and including LastReadMessageID.
type MessageRead struct {
	ConversationID    string `json:"conversation_id"`
	ReaderID          string `json:"reader_id"`
	LastReadMessageID int64  `json:"last_read_message_id"`
}

// Kind returns KindMessageRead.
func (MessageRead) Kind() Kind { return KindMessageRead }

// TypingChanged signals a typing start or stop for one user in one
// conversation. At is the sender-side signal timestamp used for
// last-write-wins comparison.
type TypingChanged struct {
	ConversationID string        `json:"conversation_id"`
	User           store.UserRef `json:"user"`
	Typing         bool          `json:"typing"`
	At             time.Time     `json:"at"`
}

// Kind returns KindTypingChanged.
func (TypingChanged) Kind() Kind { return KindTypingChanged }

// PresenceChanged signals a user's online state in a conversation.
type PresenceChanged struct {
	ConversationID string        `json:"conversation_id"`
	User           store.UserRef `json:"user"`
	Online         bool          `json:"online"`
	At             time.Time     `json:"at"`
}

// Kind returns KindPresenceChanged.
func (PresenceChanged) Kind() Kind { return KindPresenceChanged }

// envelope is the wire frame of the push channel.
type envelope struct {
	Event   Kind            `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one push frame into its tagged variant. Frames naming
// an unmapped event return ErrUnknownEvent; the caller is expected to
// drop them.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	var ev Event
	switch env.Event {
	case KindMessageSent:
		var e MessageSent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", env.Event, err)
		}
		ev = e
	case KindMessageRead:
		var e MessageRead
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", env.Event, err)
		}
		ev = e
	case KindTypingChanged:
		var e TypingChanged
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", env.Event, err)
		}
		ev = e
	case KindPresenceChanged:
		var e PresenceChanged
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", env.Event, err)
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return ev, nil
}

// Encode wraps an event in its envelope frame. Used by tests and by
// local loopback emission.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Event: ev.Kind(), Payload: payload})
}
