// Package transport implements the WebSocket connection layer: upgrade,
// per-connection read/write pumps, heartbeats, rooms, and the JSON message
// envelope with optional acknowledgements.
//
// The layer is protocol-agnostic: it routes envelopes by event name to
// registered handlers and leaves payload interpretation to the caller.
package transport

import (
	"encoding/json"
	"fmt"
)

// Message is the wire envelope. Payload is opaque JSON interpreted by the
// registered handler; ID, when set, requests an acknowledgement carrying the
// same ID back to the sender.
type Message struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventAck is the reserved event name for acknowledgements.
const EventAck = "ack"

// AckPayload is the payload of an acknowledgement. Error is set only on
// failure and carries a client-facing message.
type AckPayload struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope with a marshaled payload.
func NewMessage(event string, payload any) (Message, error) {
	msg := Message{Event: event}
	if payload == nil {
		return msg, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %q payload: %w", event, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the envelope payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("event %q has no payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %q payload: %w", m.Event, err)
	}
	return nil
}
