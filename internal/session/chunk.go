package session

import "time"

// Payloads at or above this size use the large chunk plan.
const largePayloadThreshold = 10 * 1024

// chunkPlan picks the stdin chunk size and inter-chunk delay for a
// payload. The PTY layer can collapse a chunk and the terminating
// carriage return into one read, which the child TUI misinterprets as
// part of the text; pacing guarantees the submit character arrives as
// its own read.
func chunkPlan(payloadLen int) (chunkSize int, delay time.Duration) {
	if payloadLen < largePayloadThreshold {
		return 2 * 1024, 100 * time.Millisecond
	}
	return 4 * 1024, 150 * time.Millisecond
}

// splitChunks slices the payload into chunkSize pieces.
func splitChunks(payload string, chunkSize int) []string {
	if chunkSize <= 0 || len(payload) <= chunkSize {
		return []string{payload}
	}
	chunks := make([]string, 0, len(payload)/chunkSize+1)
	for start := 0; start < len(payload); start += chunkSize {
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}
