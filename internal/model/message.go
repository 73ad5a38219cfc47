package model

import (
	"encoding/json"
	"fmt"
)

// Standard response message types. Any handler may answer a request with
// one of these instead of a typed payload.
const (
	MessageAck       = "ack"
	MessageDecline   = "decline"
	MessageInvalid   = "invalid"
	MessageRedundant = "redundant"
	MessageCantReach = "cant_reach"
)

// Message is the wire envelope exchanged between peers. Payload carries
// the serialized request or response body for Type; LogicalTime carries
// the sender's clock at send time and is merged into the receiver's clock
// on arrival.
type Message struct {
	Type        string          `json:"type"`
	Sender      PeerId          `json:"sender"`
	LogicalTime uint64          `json:"logical_time"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope of the given type with a JSON-encoded
// payload.
func NewMessage(msgType string, sender PeerId, payload interface{}) (Message, error) {
	msg := Message{Type: msgType, Sender: sender}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Extract decodes the payload into out, verifying the envelope type.
func (m *Message) Extract(msgType string, out interface{}) error {
	if m.Type != msgType {
		return fmt.Errorf("message type mismatch: want %s, got %s", msgType, m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", msgType, err)
	}
	return nil
}

// Impose overwrites the message in place with a typed payload. Handlers
// use it to fill their response envelope.
func (m *Message) Impose(msgType string, payload interface{}) error {
	filled, err := NewMessage(msgType, m.Sender, payload)
	if err != nil {
		return err
	}
	m.Type = filled.Type
	m.Payload = filled.Payload
	return nil
}

// Ack marks the message as a plain acknowledgement.
func (m *Message) Ack() {
	m.Type = MessageAck
	m.Payload = nil
}

// Decline marks the message as declined. Used when a request is routed to
// a peer that does not hold the addressed chunk.
func (m *Message) Decline() {
	m.Type = MessageDecline
	m.Payload = nil
}

// IsType reports whether the message is of the given type.
func (m *Message) IsType(msgType string) bool {
	return m.Type == msgType
}

// IsOk reports whether the message is a plain acknowledgement.
func (m *Message) IsOk() bool {
	return m.Type == MessageAck
}
