// Package events contains the event contract pushed to dashboards over
// the /events WebSocket.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Key lifecycle messages
	MessageTypeKeyActivated   MessageType = "key:activated"
	MessageTypeKeyDeactivated MessageType = "key:deactivated"
	MessageTypeKeySuspended   MessageType = "key:suspended"
	MessageTypeKeyResumed     MessageType = "key:resumed"

	// Connection messages
	MessageTypeConnect MessageType = "connection"
	MessageTypeError   MessageType = "error"
)

// KeyMessageTypes lists the lifecycle message types in transition order.
var KeyMessageTypes = []MessageType{
	MessageTypeKeyActivated,
	MessageTypeKeyDeactivated,
	MessageTypeKeySuspended,
	MessageTypeKeyResumed,
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// KeyEvent describes one committed key transition. Key is masked; the
// full key never leaves the server on this channel.
type KeyEvent struct {
	Type   MessageType `json:"-"`
	Key    string      `json:"key"`
	Status string      `json:"status"`
	Expiry string      `json:"expiry,omitempty"`
	Resume string      `json:"resume,omitempty"`
	At     time.Time   `json:"at"`
}

// ConnectionData is sent to a client right after it registers.
type ConnectionData struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}
