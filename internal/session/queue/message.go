package queue

import "time"

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Message is one queued prompt for a session.
type Message struct {
	ID                  string     `json:"id"`
	SessionID           string     `json:"sessionId,omitempty"`
	Payload             string     `json:"payload"`
	Status              Status     `json:"status"`
	Sequence            int        `json:"sequence"`
	CreatedAt           time.Time  `json:"createdAt"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	ErrorAt             *time.Time `json:"errorAt,omitempty"`
	Error               string     `json:"error,omitempty"`
	ProcessingTimeMs    int64      `json:"processingTimeMs,omitempty"`
}

// valid reports whether a decoded item carries the required fields.
// Items failing this are dropped on load rather than poisoning the queue.
func (m Message) valid() bool {
	return m.ID != "" && m.Payload != "" && m.Status != ""
}

// cloneMessages copies a slice so snapshots survive caller mutation.
func cloneMessages(items []Message) []Message {
	out := make([]Message, len(items))
	copy(out, items)
	return out
}
