package session

import (
	"time"

	"github.com/clawdeck/clawdeck/internal/session/queue"
)

// Status is a session's coarse lifecycle state.
type Status string

const (
	// StatusInitializing means the child spawn is in progress.
	StatusInitializing Status = "initializing"
	// StatusIdle means the child is ready and nothing is in flight.
	StatusIdle Status = "idle"
	// StatusBusy means exactly one message is being processed.
	StatusBusy Status = "busy"
	// StatusUnhealthy means a health sweep observed process death or a
	// stuck message. Terminal unless the caller recreates the session.
	StatusUnhealthy Status = "unhealthy"
	// StatusTerminated means stop completed.
	StatusTerminated Status = "terminated"
	// StatusRestored means the session was loaded from the registry at
	// boot but its child has not been respawned yet.
	StatusRestored Status = "restored"
	// StatusError means initialization failed.
	StatusError Status = "error"
)

// Active reports whether the status counts against the session cap and
// the reuse-by-directory check.
func (s Status) Active() bool {
	return s != StatusTerminated && s != StatusError
}

// Metrics accumulates per-session processing counters.
type Metrics struct {
	MessagesProcessed       int   `json:"messagesProcessed"`
	ErrorCount              int   `json:"errorCount"`
	TotalProcessingTimeMs   int64 `json:"totalProcessingTimeMs"`
	AverageProcessingTimeMs int64 `json:"averageProcessingTimeMs"`
}

// StatusSnapshot is the status summary of one session.
type StatusSnapshot struct {
	ID               string    `json:"sessionId"`
	WorkingDirectory string    `json:"workingDirectory"`
	Status           Status    `json:"status"`
	StartTime        time.Time `json:"startTime"`
	LastActivity     time.Time `json:"lastActivity"`
	CurrentTask      string    `json:"currentTask,omitempty"`
	QueueLength      int       `json:"queueLength"`
	ProcessingID     string    `json:"processingMessageId,omitempty"`
	Metrics          Metrics   `json:"metrics"`
}

// Details is the extended per-session view for the details endpoint.
type Details struct {
	StatusSnapshot
	Queue            []queue.Message `json:"queue"`
	ErrorRatePercent float64         `json:"errorRatePercent"`
}

// Stats aggregates counts across all registered sessions.
type Stats struct {
	Active                  int   `json:"activeSessions"`
	Healthy                 int   `json:"healthySessions"`
	TotalMessages           int   `json:"totalMessages"`
	TotalProcessingTimeMs   int64 `json:"totalProcessingTimeMs"`
	AverageProcessingTimeMs int64 `json:"averageProcessingTimeMs"`
	MemoryAllocBytes        uint64 `json:"memoryAllocBytes"`
	MemorySysBytes          uint64 `json:"memorySysBytes"`
	Goroutines              int   `json:"goroutines"`
}
