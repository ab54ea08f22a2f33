package hub

import (
	"encoding/json"
	"time"
)

// Message is the JSON envelope exchanged with dashboard clients over the
// WebSocket. Type identifies the frame; the remaining fields apply per type.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

const (
	messageTypeUpdate = "update"
	messageTypeError  = "error"
	messageTypePong   = "pong"

	commandSubscribe = "subscribe"
	commandPing      = "ping"
)

func updateMessage(topic string, data json.RawMessage, at time.Time) Message {
	return Message{Type: messageTypeUpdate, Topic: topic, Data: data, Timestamp: &at}
}

func errorMessage(detail string) Message {
	return Message{Type: messageTypeError, Message: detail}
}

func pongMessage(at time.Time) Message {
	return Message{Type: messageTypePong, Timestamp: &at}
}
