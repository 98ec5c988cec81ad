// Package detector classifies a session's terminal screen into ready,
// busy, or awaiting-permission states.
//
// The child CLI is an opaque TUI, so pure pattern matching is unreliable
// under partial redraws. The detector combines a virtual terminal
// (vt10x) fed with raw PTY bytes, prioritized sentinel patterns, and
// output-silence debouncing to avoid premature readiness.
package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// State is the coarse classification of the current screen.
type State string

const (
	StateBusy               State = "busy"
	StateReady              State = "ready"
	StateAwaitingPermission State = "awaiting-permission"
)

// ErrTimeout is returned by WaitForPrompt when the overall deadline
// passes without readiness. It is informational: the caller decides
// whether that is fatal.
var ErrTimeout = errors.New("prompt detection timed out")

// Result describes a classification outcome.
type Result struct {
	State   State
	Method  string // which rule fired, e.g. "shortcut-hint", "long-stabilization"
	Elapsed time.Duration
}

// Config tunes a PromptDetector.
type Config struct {
	Tick              time.Duration // classification cadence
	Debounce          time.Duration // output silence required with a matched pattern
	Stabilization     time.Duration // silence for the trailing-prompt fallback
	LongStabilization time.Duration // silence for the last-resort fallback
	MinContentLength  int           // snapshot length required for fallbacks
	Cols              int
	Rows              int
}

// DefaultConfig returns the standard detector tuning.
func DefaultConfig() Config {
	return Config{
		Tick:              500 * time.Millisecond,
		Debounce:          2 * time.Second,
		Stabilization:     4 * time.Second,
		LongStabilization: 8 * time.Second,
		MinContentLength:  100,
		Cols:              120,
		Rows:              40,
	}
}

// Snapshot supplies the detector's inputs for one tick: the current
// screen buffer and the time output was last observed.
type Snapshot struct {
	Screen       string
	LastOutputAt time.Time
}

// SnapshotFunc produces the current Snapshot.
type SnapshotFunc func() Snapshot

// PromptDetector tracks one session's screen state.
type PromptDetector struct {
	cfg    Config
	logger *logger.Logger

	mu                 sync.Mutex
	term               vt10x.Terminal
	awaitingPermission bool
}

// New creates a PromptDetector.
func New(cfg Config, log *logger.Logger) *PromptDetector {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 120
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 40
	}
	return &PromptDetector{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "prompt-detector")),
		term:   vt10x.New(vt10x.WithSize(cfg.Cols, cfg.Rows)),
	}
}

// Write feeds raw PTY output to the virtual terminal.
func (d *PromptDetector) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.term.Write(data)
}

// Resize updates the virtual terminal size.
func (d *PromptDetector) Resize(cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.term.Resize(cols, rows)
}

// AwaitingPermission reports whether the detector is latched on a
// permission prompt.
func (d *PromptDetector) AwaitingPermission() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.awaitingPermission
}

// Classify runs one classification step against the snapshot.
func (d *PromptDetector) Classify(snap Snapshot) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	lines := d.visibleLines()
	raw := snap.Screen
	silence := time.Since(snap.LastOutputAt)

	// A latched permission prompt holds until the primary sentinel
	// reappears or the guarded operation reports completion.
	if d.awaitingPermission {
		if containsFold(raw, "? for shortcuts") || matchCompletion(raw) {
			d.awaitingPermission = false
		} else {
			return Result{State: StateAwaitingPermission, Method: "permission-latch"}
		}
	}

	if matchPermission(lines, raw) {
		d.awaitingPermission = true
		d.logger.Debug("permission prompt detected")
		return Result{State: StateAwaitingPermission, Method: "permission-pattern"}
	}

	if name := matchReady(lines, raw); name != "" && silence >= d.cfg.Debounce {
		return Result{State: StateReady, Method: name}
	}

	// Fallbacks: a stable, non-trivial screen that looks like a prompt.
	if len(raw) > d.cfg.MinContentLength {
		if silence >= d.cfg.Stabilization && endsWithPrompt(raw) {
			return Result{State: StateReady, Method: "stabilization-with-prompt"}
		}
		if silence >= d.cfg.LongStabilization {
			return Result{State: StateReady, Method: "long-stabilization"}
		}
	}

	return Result{State: StateBusy}
}

// WaitForPrompt polls Classify on the configured tick until the screen
// is ready, the timeout passes, or ctx is cancelled. Permission prompts
// do not complete the wait; they hold it until resolved.
func (d *PromptDetector) WaitForPrompt(ctx context.Context, snapshot SnapshotFunc, timeout time.Duration) (Result, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{State: StateBusy, Elapsed: time.Since(start)}, ctx.Err()
		case <-ticker.C:
			res := d.Classify(snapshot())
			res.Elapsed = time.Since(start)

			if res.State == StateReady {
				d.logger.Debug("prompt ready",
					zap.String("method", res.Method),
					zap.Duration("elapsed", res.Elapsed))
				return res, nil
			}

			if time.Now().After(deadline) {
				d.logger.Warn("prompt wait timed out",
					zap.Duration("timeout", timeout),
					zap.String("last_state", string(res.State)))
				return res, ErrTimeout
			}
		}
	}
}

// visibleLines extracts the terminal's visible text. Caller holds d.mu.
func (d *PromptDetector) visibleLines() []string {
	rows := d.cfg.Rows
	cols := d.cfg.Cols

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, 0, cols)
		for col := 0; col < cols; col++ {
			g := d.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
	}
	return lines
}
