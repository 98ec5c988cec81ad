package throttle

import (
	"sync"
	"time"
)

// Trailing coalesces bursts of triggers into rate-limited emits.
//
// Trigger emits immediately when the window has elapsed since the last
// emit; otherwise it schedules a single trailing emit at window end,
// coalescing every trigger that arrives in between. Flush emits
// immediately and resets the window. The contract guarantees at most
// one emit per window and an eventual emit for every trigger.
type Trailing struct {
	window time.Duration
	emit   func()

	mu       sync.Mutex
	timer    *time.Timer
	lastEmit time.Time
	stopped  bool
}

// NewTrailing creates a trailing-window coalescer that calls emit.
func NewTrailing(window time.Duration, emit func()) *Trailing {
	return &Trailing{
		window: window,
		emit:   emit,
	}
}

// Trigger requests an emit, subject to the window.
func (t *Trailing) Trigger() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	elapsed := time.Since(t.lastEmit)
	if elapsed >= t.window {
		t.lastEmit = time.Now()
		t.mu.Unlock()
		t.emit()
		return
	}

	// Inside the window: arm (or keep) a single trailing emit.
	if t.timer == nil {
		t.timer = time.AfterFunc(t.window-elapsed, t.fire)
	}
	t.mu.Unlock()
}

// Flush emits immediately and resets the window.
func (t *Trailing) Flush() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.lastEmit = time.Now()
	t.mu.Unlock()
	t.emit()
}

// Stop cancels any pending trailing emit. Subsequent triggers are ignored.
func (t *Trailing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Trailing) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.lastEmit = time.Now()
	t.mu.Unlock()
	t.emit()
}
