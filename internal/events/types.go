// Package events provides event subjects and utilities for the clawdeck event system.
package events

// Subjects for session lifecycle events.
const (
	SessionCreated       = "session.created"
	SessionTerminated    = "session.terminated"
	SessionStatusChanged = "session.status-changed"
	SessionListUpdate    = "session.list-update"
	SessionOutput        = "session.output"
	SessionError         = "session.error"
)

// Subjects for message lifecycle events.
const (
	MessageStatus = "message.status"
)

// Wildcard patterns used by consumers that fan events out.
const (
	AllSessionEvents = "session.>"
	AllMessageEvents = "message.>"
)
