// Package websocket provides the WebSocket wire protocol shared by the
// clawdeck server and its dashboard clients.
package websocket

import (
	"encoding/json"
	"time"
)

// Envelope is the base frame for all server-to-client messages.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ControlMessage is the base frame for all client-to-server messages.
type ControlMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with the payload marshalled into Data.
func NewEnvelope(msgType, sessionID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Data:      data,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParseData parses the envelope payload into the given struct.
func (e *Envelope) ParseData(v any) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// ParseData parses the control message payload into the given struct.
func (m *ControlMessage) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// SubscribeRequest is the payload of a "subscribe" control message.
// Both lists accept the wildcard "*".
type SubscribeRequest struct {
	SessionIDs []string `json:"sessionIds"`
	Channels   []string `json:"channels"`
}

// ReconnectRequest is the payload of a "reconnect" control message.
type ReconnectRequest struct {
	LastEventTimestamp time.Time `json:"lastEventTimestamp"`
	RequestedSessions  []string  `json:"requestedSessions"`
}

// ConnectionPayload is the payload of the server's initial "connection" frame.
type ConnectionPayload struct {
	ClientID string `json:"clientId"`
}

// ErrorPayload is the payload of "session-error" frames.
type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}
