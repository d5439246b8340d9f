package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies bus envelopes.
type MessageType string

const (
	MessageTask      MessageType = "task"
	MessageStatus    MessageType = "status"
	MessageResult    MessageType = "result"
	MessageHeartbeat MessageType = "heartbeat"
	MessageCommand   MessageType = "command"
	MessageResponse  MessageType = "response"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTask, MessageStatus, MessageResult, MessageHeartbeat, MessageCommand, MessageResponse:
		return true
	default:
		return false
	}
}

// Envelope is the wire shape of every message published on the bus.
// Delivery is fire-and-forget at the bus level; a reply is only guaranteed
// within an explicit request/response pairing keyed by ReplyTo.
type Envelope struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  int            `json:"priority,omitempty"`
}

// NewEnvelope creates an envelope with a fresh ID and timestamp.
func NewEnvelope(t MessageType, agentID string) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serializes the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedMessage)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEnvelope parses a raw bus payload. A payload that fails to parse or
// lacks the required fields yields ErrMalformedMessage; subscribers log and
// drop such messages rather than crashing their receive loop.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, e.Type)
	}
	return &e, nil
}
