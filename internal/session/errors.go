package session

import "errors"

// Error taxonomy surfaced at the REST boundary and in session-error
// events. Wrapped errors carry the detail; these sentinels carry the
// kind.
var (
	// ErrValidation covers invalid working directories, empty or
	// oversize payloads, and unknown session IDs in request bodies.
	ErrValidation = errors.New("validation error")

	// ErrCapacity means the session cap is exhausted. Reversible:
	// retry after a termination.
	ErrCapacity = errors.New("session capacity reached")

	// ErrNotFound means no session with the given ID is registered.
	ErrNotFound = errors.New("session not found")

	// ErrSpawn means the child failed to spawn or initialize after
	// retries. No registry entry is retained.
	ErrSpawn = errors.New("session spawn failed")

	// ErrProcessingTimeout means the prompt detector timed out, either
	// on initial readiness or on message completion.
	ErrProcessingTimeout = errors.New("processing timeout")

	// ErrStdin means the child's stdin became unwritable mid-write and
	// stayed that way through the retry budget.
	ErrStdin = errors.New("stdin not writable")

	// ErrMessageProcessing guards removal of an in-flight message.
	ErrMessageProcessing = errors.New("message is currently processing")

	// ErrMessageNotFound means no queued message matches the ID.
	ErrMessageNotFound = errors.New("message not found")

	// ErrSessionNotReady means an operation needs a running child.
	ErrSessionNotReady = errors.New("session not ready")
)

// ErrorKind maps an error to the wire-level kind string used in
// {error, code} responses and session-error events.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrMessageProcessing):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrCapacity):
		return "CAPACITY_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrSpawn):
		return "SPAWN_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
