package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChunkPlanSmallPayload(t *testing.T) {
	size, delay := chunkPlan(500)
	assert.Equal(t, 2*1024, size)
	assert.Equal(t, 100*time.Millisecond, delay)
}

func TestChunkPlanLargePayload(t *testing.T) {
	size, delay := chunkPlan(20 * 1024)
	assert.Equal(t, 4*1024, size)
	assert.Equal(t, 150*time.Millisecond, delay)
}

func TestChunkPlanBoundary(t *testing.T) {
	size, _ := chunkPlan(10*1024 - 1)
	assert.Equal(t, 2*1024, size)
	size, _ = chunkPlan(10 * 1024)
	assert.Equal(t, 4*1024, size)
}

func TestSplitChunks(t *testing.T) {
	payload := strings.Repeat("a", 5000)
	chunks := splitChunks(payload, 2048)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2048)
	assert.Len(t, chunks[1], 2048)
	assert.Len(t, chunks[2], 904)
	assert.Equal(t, payload, strings.Join(chunks, ""))
}

func TestSplitChunksSmall(t *testing.T) {
	chunks := splitChunks("short", 2048)
	assert.Equal(t, []string{"short"}, chunks)
}

func TestTaskPreview(t *testing.T) {
	assert.Equal(t, "short prompt", taskPreview("short prompt"))
	assert.Equal(t, "first line", taskPreview("first line\nsecond line"))

	long := strings.Repeat("x", 200)
	preview := taskPreview(long)
	assert.Equal(t, 80, len(preview)-len("…"))
	assert.True(t, strings.HasSuffix(preview, "…"))
}
