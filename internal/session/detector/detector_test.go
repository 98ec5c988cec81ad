package detector

import (
	"context"
	"testing"
	"time"

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

func newTestDetector(t *testing.T) *PromptDetector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Debounce = 50 * time.Millisecond
	cfg.Stabilization = 100 * time.Millisecond
	cfg.LongStabilization = 200 * time.Millisecond
	cfg.Tick = 10 * time.Millisecond
	return New(cfg, testLogger(t))
}

func snap(screen string, silence time.Duration) Snapshot {
	return Snapshot{Screen: screen, LastOutputAt: time.Now().Add(-silence)}
}

func TestClassifyReadyPatterns(t *testing.T) {
	tests := []struct {
		name   string
		screen string
		method string
	}{
		{"shortcut hint", "some output\n? for shortcuts", "shortcut-hint"},
		{"prompt box", "│ > \n", "prompt-box"},
		{"bypassing permissions", "...Bypassing Permissions...", "bypassing-permissions"},
		{"welcome banner", "Welcome to Claude Code!", "welcome-banner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(t)
			res := d.Classify(snap(tt.screen, time.Second))
			assert.Equal(t, StateReady, res.State)
			assert.Equal(t, tt.method, res.Method)
		})
	}
}

func TestClassifyPatternPriority(t *testing.T) {
	d := newTestDetector(t)
	// Both the shortcut hint and a trailing prompt match; the primary
	// sentinel wins.
	res := d.Classify(snap("? for shortcuts\n│ > ", time.Second))
	assert.Equal(t, "shortcut-hint", res.Method)
}

func TestClassifyDebounceHoldsBusy(t *testing.T) {
	d := newTestDetector(t)
	// Pattern matches but output is too recent: still busy.
	res := d.Classify(snap("? for shortcuts", 0))
	assert.Equal(t, StateBusy, res.State)

	res = d.Classify(snap("? for shortcuts", time.Second))
	assert.Equal(t, StateReady, res.State)
}

func TestClassifyPermissionLatch(t *testing.T) {
	d := newTestDetector(t)

	res := d.Classify(snap("Do you want to apply this edit? [y/N]", time.Second))
	assert.Equal(t, StateAwaitingPermission, res.State)
	assert.Equal(t, "permission-pattern", res.Method)
	assert.True(t, d.AwaitingPermission())

	// Latched even when the prompt text scrolls away.
	res = d.Classify(snap("unrelated output", 5*time.Second))
	assert.Equal(t, StateAwaitingPermission, res.State)
	assert.Equal(t, "permission-latch", res.Method)

	// Released by the primary ready sentinel.
	res = d.Classify(snap("? for shortcuts", time.Second))
	assert.Equal(t, StateReady, res.State)
	assert.False(t, d.AwaitingPermission())
}

func TestClassifyPermissionReleaseOnCompletion(t *testing.T) {
	d := newTestDetector(t)
	d.Classify(snap("Proceed with the change? (y/n)", time.Second))
	require.True(t, d.AwaitingPermission())

	d.Classify(snap("changes applied", time.Second))
	assert.False(t, d.AwaitingPermission())
}

func TestClassifyStabilizationFallbacks(t *testing.T) {
	d := newTestDetector(t)
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	content := string(long)

	// Screen ending in a prompt char: the trailing-prompt rule fires
	// once the debounce has passed.
	res := d.Classify(snap(content+" $", 150*time.Millisecond))
	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, "trailing-prompt", res.Method)

	// Stable screen without a prompt char: long fallback only.
	d2 := newTestDetector(t)
	res = d2.Classify(snap(content+".", 150*time.Millisecond))
	assert.Equal(t, StateBusy, res.State)
	res = d2.Classify(snap(content+".", 250*time.Millisecond))
	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, "long-stabilization", res.Method)
}

func TestClassifyShortContentNoFallback(t *testing.T) {
	d := newTestDetector(t)
	// Below MinContentLength the fallbacks never fire.
	res := d.Classify(snap("tiny.", time.Minute))
	assert.Equal(t, StateBusy, res.State)
}

func TestWaitForPromptTimeout(t *testing.T) {
	d := newTestDetector(t)
	_, err := d.WaitForPrompt(context.Background(), func() Snapshot {
		return snap("still working...", 0)
	}, 60*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForPromptSucceeds(t *testing.T) {
	d := newTestDetector(t)
	res, err := d.WaitForPrompt(context.Background(), func() Snapshot {
		return snap("? for shortcuts", time.Second)
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateReady, res.State)
}

func TestWaitForPromptContextCancel(t *testing.T) {
	d := newTestDetector(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.WaitForPrompt(ctx, func() Snapshot {
		return snap("busy", 0)
	}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello > ", stripANSI("\x1b[31mhello\x1b[0m > "))
}

func TestEndsWithPrompt(t *testing.T) {
	assert.True(t, endsWithPrompt("output\n> "))
	assert.True(t, endsWithPrompt("output $ \n"))
	assert.False(t, endsWithPrompt("output."))
	assert.False(t, endsWithPrompt(""))
}

func TestVisibleLinesFromTerminal(t *testing.T) {
	d := newTestDetector(t)
	d.Write([]byte("│ > type here"))
	res := d.Classify(Snapshot{Screen: "", LastOutputAt: time.Now().Add(-time.Second)})
	// The prompt box is visible through the virtual terminal even when
	// the raw snapshot is empty.
	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, "prompt-box", res.Method)
}
