package models

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of a live stream message
type MessageType string

const (
	// MessageTypeReading carries a freshly stored Reading
	MessageTypeReading MessageType = "reading"
	// MessageTypeSnapshot carries the current latest Reading, sent once on connect
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeError    MessageType = "error"
)

// Message is the envelope for all live stream communications
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent to stream clients
const (
	ErrorCodeSlowConsumer = "slow_consumer"
)

// NewErrorMessage builds an error envelope
func NewErrorMessage(code, message string) *Message {
	// Two plain strings always marshal
	payload, _ := json.Marshal(ErrorMessage{Code: code, Message: message})
	return &Message{
		Type:      MessageTypeError,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
