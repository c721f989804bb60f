package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event kinds.
const (
	EventJoinRoom = "join-room"
	EventSignal   = "signal"
	EventChat     = "chat"
)

// Outbound message kinds.
const (
	TypeWelcome    = "welcome"
	TypeUserJoined = "user-joined"
	TypeSignal     = "signal"
	TypeChat       = "chat"
	TypeError      = "error"
)

var (
	errEmptyEvent       = errors.New("relay: empty event")
	errUnknownEventType = errors.New("relay: unknown event type")
	errMissingRoom      = errors.New("relay: missing room")
)

// Event is an inbound client event, validated at the transport boundary
// before it reaches the router.
//
// Data and Text are opaque to the relay; no schema is enforced on either.
type Event struct {
	Type   string          `json:"type"`
	Room   string          `json:"room,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Target string          `json:"target,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// DecodeEvent parses and validates a raw inbound frame.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("relay: decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Validate() error {
	if e.Type == "" {
		return errEmptyEvent
	}
	switch e.Type {
	case EventJoinRoom, EventSignal, EventChat:
	default:
		return fmt.Errorf("%w: %q", errUnknownEventType, e.Type)
	}
	// A directly targeted signal does not consult room membership, so the room
	// field may be empty in that one case.
	if e.Room == "" && !(e.Type == EventSignal && e.Target != "") {
		return fmt.Errorf("%w (event %q)", errMissingRoom, e.Type)
	}
	return nil
}

// Message is an outbound envelope delivered to a client.
type Message struct {
	Type string `json:"type"`

	// ID carries the receiver's own identity in welcome messages.
	ID string `json:"id,omitempty"`

	// From identifies the originator of user-joined and chat messages;
	// Sender does the same for signal messages. The split mirrors the wire
	// format expected by the client bundle.
	From   string `json:"from,omitempty"`
	Sender string `json:"sender,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
	Text string          `json:"text,omitempty"`

	// Code and Reason are only set on local error acknowledgements. Errors are
	// never forwarded to any connection other than the one that caused them.
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func welcome(id string) Message {
	return Message{Type: TypeWelcome, ID: id}
}

func userJoined(from string) Message {
	return Message{Type: TypeUserJoined, From: from}
}

func signalFrom(sender string, data json.RawMessage) Message {
	return Message{Type: TypeSignal, Sender: sender, Data: data}
}

func chatFrom(from, text string) Message {
	return Message{Type: TypeChat, From: from, Text: text}
}

// ErrorAck builds a local validation error for the offending connection.
func ErrorAck(code, reason string) Message {
	return Message{Type: TypeError, Code: code, Reason: reason}
}
