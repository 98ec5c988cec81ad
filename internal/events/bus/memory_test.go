package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var got []*Event
	_, err := b.Subscribe("session.created", func(_ context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("session.created", "test", map[string]any{"k": "v"})
	require.NoError(t, b.Publish(context.Background(), "session.created", ev))
	require.NoError(t, b.Publish(context.Background(), "session.terminated", ev))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "session.created", got[0].Type)
}

func TestMemoryBusWildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"single token star", "session.*", "session.created", true},
		{"star does not cross dots", "session.*", "session.a.b", false},
		{"full wildcard tail", "session.>", "session.a.b", true},
		{"tail needs one token", "session.>", "session", false},
		{"exact", "message.status", "message.status", true},
		{"mismatch", "message.status", "session.status", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryEventBus(testLogger(t))
			defer b.Close()

			delivered := false
			_, err := b.Subscribe(tt.pattern, func(_ context.Context, _ *Event) error {
				delivered = true
				return nil
			})
			require.NoError(t, err)

			ev := NewEvent(tt.subject, "test", nil)
			require.NoError(t, b.Publish(context.Background(), tt.subject, ev))
			assert.Equal(t, tt.match, delivered)
		})
	}
}

func TestMemoryBusOrderedDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var got []int
	_, err := b.Subscribe("session.>", func(_ context.Context, ev *Event) error {
		got = append(got, ev.Data["n"].(int))
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		ev := NewEvent("session.output", "test", map[string]any{"n": i})
		require.NoError(t, b.Publish(context.Background(), "session.output", ev))
	}

	require.Len(t, got, 50)
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("session.*", func(_ context.Context, _ *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	ev := NewEvent("session.created", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "session.created", ev))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "session.created", ev))

	assert.Equal(t, 1, count)
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	first, second := 0, 0
	_, err := b.Subscribe("session.>", func(_ context.Context, _ *Event) error {
		first++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("session.output", func(_ context.Context, _ *Event) error {
		second++
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("session.output", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "session.output", ev))

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))

	count := 0
	_, err := b.Subscribe("session.>", func(_ context.Context, _ *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	ev := NewEvent("session.created", "test", nil)
	_ = b.Publish(context.Background(), "session.created", ev)
	assert.Equal(t, 0, count)
}
