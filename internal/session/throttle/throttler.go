// Package throttle bounds and rate-limits the raw output of a PTY child.
//
// The child is a full-screen TUI: consumers want the current visible
// state, not a transcript. OutputThrottler collapses clear-screen
// sequences, trims the buffer to a cap, and emits throttled "current
// screen" snapshots through a trailing-window coalescer.
package throttle

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// Clear-screen escape sequences recognized in the output stream.
var clearSequences = []string{
	"\x1b[H\x1b[2J",
	"\x1b[2J\x1b[H",
	"\x1b[1;1H\x1b[2J",
	"\x1b[2J\x1b[1;1H",
	"\x1b[2J",
	"\x1b[3J",
}

const (
	// DefaultMaxBytes caps the retained screen buffer.
	DefaultMaxBytes = 100 * 1024
	// DefaultTrimRatio is the fraction of MaxBytes retained after a trim.
	DefaultTrimRatio = 0.75
	// DefaultWindow is the snapshot throttle window.
	DefaultWindow = 250 * time.Millisecond
)

// Config tunes an OutputThrottler.
type Config struct {
	Window    time.Duration // min spacing between output emits
	AutoClear time.Duration // clear buffer after this much silence (0 = off)
	MaxBytes  int
	TrimRatio float64
}

// Events receives throttler callbacks. Any field may be nil.
type Events struct {
	// Output delivers the current screen snapshot, at most once per window.
	Output func(screen string)
	// Trimmed reports a buffer overflow trim with old and new lengths.
	Trimmed func(oldLen, newLen int)
	// Cleared reports an auto-clear of an idle buffer.
	Cleared func()
}

// OutputThrottler accumulates raw child output and exposes the current
// screen. Safe for concurrent use.
type OutputThrottler struct {
	cfg    Config
	events Events
	logger *logger.Logger

	mu           sync.Mutex
	buffer       strings.Builder
	lastOutputAt time.Time
	autoClear    *time.Timer
	stopped      bool

	trailing *Trailing
}

// New creates an OutputThrottler with the given configuration.
func New(cfg Config, events Events, log *logger.Logger) *OutputThrottler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.TrimRatio <= 0 || cfg.TrimRatio >= 1 {
		cfg.TrimRatio = DefaultTrimRatio
	}

	t := &OutputThrottler{
		cfg:    cfg,
		events: events,
		logger: log.WithFields(zap.String("component", "output-throttler")),
	}
	t.trailing = NewTrailing(cfg.Window, t.emitSnapshot)
	return t
}

// Process appends raw child output to the buffer, collapsing any
// clear-screen sequence and trimming on overflow, then requests a
// throttled snapshot emit.
func (t *OutputThrottler) Process(data []byte) {
	if len(data) == 0 {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	t.buffer.Write(data)
	t.lastOutputAt = time.Now()

	content := t.buffer.String()
	if idx := lastClearIndex(content); idx > 0 {
		// Everything before the last clear is no longer on screen.
		content = content[idx:]
		t.buffer.Reset()
		t.buffer.WriteString(content)
	}

	if t.buffer.Len() > t.cfg.MaxBytes {
		oldLen := t.buffer.Len()
		keep := int(float64(t.cfg.MaxBytes) * t.cfg.TrimRatio)
		content = content[len(content)-keep:]
		t.buffer.Reset()
		t.buffer.WriteString(content)

		t.logger.Debug("screen buffer trimmed",
			zap.Int("old_len", oldLen),
			zap.Int("new_len", t.buffer.Len()))
		if t.events.Trimmed != nil {
			t.events.Trimmed(oldLen, t.buffer.Len())
		}
	}

	t.resetAutoClearLocked()
	t.mu.Unlock()

	t.trailing.Trigger()
}

// Screen returns the current screen snapshot.
func (t *OutputThrottler) Screen() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.String()
}

// LastOutputAt returns the time of the most recent Process call.
func (t *OutputThrottler) LastOutputAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastOutputAt
}

// ForceFlush emits the current screen immediately and resets the window.
func (t *OutputThrottler) ForceFlush() {
	t.trailing.Flush()
}

// Clear discards the buffer without emitting.
func (t *OutputThrottler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer.Reset()
}

// Stop cancels pending emits and timers.
func (t *OutputThrottler) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.autoClear != nil {
		t.autoClear.Stop()
		t.autoClear = nil
	}
	t.mu.Unlock()
	t.trailing.Stop()
}

func (t *OutputThrottler) emitSnapshot() {
	t.mu.Lock()
	screen := t.buffer.String()
	stopped := t.stopped
	t.mu.Unlock()

	if stopped {
		return
	}
	if t.events.Output != nil {
		t.events.Output(screen)
	}
}

// resetAutoClearLocked re-arms the idle auto-clear timer. Caller holds t.mu.
func (t *OutputThrottler) resetAutoClearLocked() {
	if t.cfg.AutoClear <= 0 {
		return
	}
	if t.autoClear != nil {
		t.autoClear.Stop()
	}
	t.autoClear = time.AfterFunc(t.cfg.AutoClear, t.fireAutoClear)
}

func (t *OutputThrottler) fireAutoClear() {
	t.mu.Lock()
	if t.stopped || t.buffer.Len() == 0 {
		t.mu.Unlock()
		return
	}
	t.buffer.Reset()
	t.mu.Unlock()

	t.logger.Debug("idle screen buffer auto-cleared")
	if t.events.Cleared != nil {
		t.events.Cleared()
	}
	if t.events.Output != nil {
		t.events.Output("")
	}
}

// lastClearIndex returns the byte index of the last clear-screen
// sequence in s, or -1 if none is present.
func lastClearIndex(s string) int {
	best := -1
	for _, seq := range clearSequences {
		if idx := strings.LastIndex(s, seq); idx > best {
			best = idx
		}
	}
	return best
}
