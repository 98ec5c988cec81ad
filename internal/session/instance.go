// Package session implements interactive assistant sessions: one child
// CLI per working directory, a strictly serial message loop per
// session, and an orchestrator enforcing the capacity and
// reuse-by-directory policies.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/session/detector"
	"github.com/clawdeck/clawdeck/internal/session/process"
	"github.com/clawdeck/clawdeck/internal/session/queue"
	"github.com/clawdeck/clawdeck/internal/session/throttle"
)

const (
	eventSource = "session"

	// submitDelay separates the last payload chunk from the carriage
	// return so the TUI receives the submit as its own read.
	submitDelay = 300 * time.Millisecond

	// stdinRetries is the chunked-write retry budget.
	stdinRetries = 3
	// stdinBackoff is the base retry backoff, doubled per attempt.
	stdinBackoff = time.Second

	// messageSpacing separates consecutive loop passes.
	messageSpacing = time.Second

	// stuckThreshold marks a processing message as wedged.
	stuckThreshold = 10 * time.Minute
)

// StatusChangeFunc observes coarse status flips.
type StatusChangeFunc func(inst *Instance, oldStatus, newStatus Status)

// Options configures a new Instance.
type Options struct {
	ID         string
	WorkingDir string // canonicalized by the orchestrator
	Session    config.SessionConfig
	DataRoot   string
	Restored   bool // placeholder from registry restore: no spawn yet, queue loaded on first use
	Bus        bus.EventBus
	Logger     *logger.Logger

	// OnStatusChange is called outside the instance lock whenever the
	// coarse status flips.
	OnStatusChange StatusChangeFunc
}

// Instance is one interactive session. It exclusively owns its process
// handle, throttler, detector, and queue store.
type Instance struct {
	id         string
	workingDir string
	cfg        config.SessionConfig
	restored   bool

	bus            bus.EventBus
	logger         *logger.Logger
	onStatusChange StatusChangeFunc

	throttler *throttle.OutputThrottler
	detector  *detector.PromptDetector
	store     *queue.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	proc         *process.Manager
	status       Status
	startTime    time.Time
	lastActivity time.Time
	currentTask  string
	items        []queue.Message
	nextSeq      int
	processingID string
	scheduled    bool
	metrics      Metrics
	initDone     chan struct{}
	initErr      error
	autoSaveOn   bool
	stopped      bool
}

// NewInstance constructs an Instance. Fresh sessions start with an
// empty queue; persisted queues belong to previous lifecycles of the
// directory and are only loaded for restored placeholders.
func NewInstance(opts Options) (*Instance, error) {
	log := opts.Logger.WithSessionID(opts.ID)

	store, err := queue.NewStore(opts.DataRoot, opts.WorkingDir, opts.Session.BackupRetention, log)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()

	status := StatusInitializing
	if opts.Restored {
		status = StatusRestored
	}

	inst := &Instance{
		id:             opts.ID,
		workingDir:     opts.WorkingDir,
		cfg:            opts.Session,
		restored:       opts.Restored,
		bus:            opts.Bus,
		logger:         log,
		onStatusChange: opts.OnStatusChange,
		store:          store,
		ctx:            ctx,
		cancel:         cancel,
		status:         status,
		startTime:      now,
		lastActivity:   now,
		nextSeq:        1,
	}

	inst.throttler = throttle.New(throttle.Config{
		Window:    opts.Session.Throttle(),
		AutoClear: opts.Session.AutoClear(),
		MaxBytes:  opts.Session.BufferMaxBytes,
		TrimRatio: opts.Session.BufferTrimRatio,
	}, throttle.Events{
		Output: inst.publishOutput,
	}, log)

	inst.detector = detector.New(detector.DefaultConfig(), log)

	return inst, nil
}

// ID returns the session UUID.
func (s *Instance) ID() string { return s.id }

// WorkingDir returns the canonical working directory.
func (s *Instance) WorkingDir() string { return s.workingDir }

// Screen returns the current throttled screen snapshot.
func (s *Instance) Screen() string { return s.throttler.Screen() }

// Initialize spawns the child and waits for the initial ready prompt.
// Idempotent: an already-running session returns immediately, and
// concurrent callers share a single start attempt.
func (s *Instance) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusIdle, StatusBusy:
		s.mu.Unlock()
		return nil
	case StatusTerminated:
		s.mu.Unlock()
		return fmt.Errorf("%w: session terminated", ErrSessionNotReady)
	}
	if s.initDone != nil {
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		err := s.initErr
		s.mu.Unlock()
		return err
	}

	s.initDone = make(chan struct{})
	loadQueue := s.status == StatusRestored
	old := s.status
	s.status = StatusInitializing
	s.mu.Unlock()
	s.notifyStatusChange(old, StatusInitializing)

	err := s.start(ctx, loadQueue)

	s.mu.Lock()
	s.initErr = err
	done := s.initDone
	s.initDone = nil
	old = s.status
	if err != nil {
		s.status = StatusError
	} else {
		s.status = StatusIdle
		s.lastActivity = time.Now().UTC()
	}
	newStatus := s.status
	s.mu.Unlock()

	close(done)
	s.notifyStatusChange(old, newStatus)

	if err == nil {
		s.Schedule()
	}
	return err
}

// start spawns a fresh child and waits for readiness. Also used by the
// stdin retry path to replace a dead child.
func (s *Instance) start(ctx context.Context, loadQueue bool) error {
	if loadQueue {
		items, err := s.store.Load()
		if err != nil {
			s.logger.Warn("queue load failed, starting empty", zap.Error(err))
		} else if len(items) > 0 {
			s.mu.Lock()
			s.items = items
			for _, item := range items {
				if item.Sequence >= s.nextSeq {
					s.nextSeq = item.Sequence + 1
				}
			}
			s.mu.Unlock()
		}
	}

	procCfg := process.DefaultConfig()
	procCfg.Command = s.buildCommand()
	procCfg.HealthInterval = 0 // liveness is swept at the session level

	mgr := process.NewManager(procCfg, process.Events{
		Output: func(data []byte) {
			s.detector.Write(data)
			s.throttler.Process(data)
			s.touch()
		},
		Exit: func(exitCode int, signal string, err error) {
			s.onChildExit(exitCode, signal)
		},
		ForceKilled: func() {
			s.markUnhealthy("force_kill_timeout")
		},
	}, s.logger)

	if err := mgr.Spawn(ctx, s.workingDir); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	s.mu.Lock()
	s.proc = mgr
	s.mu.Unlock()

	res, err := s.detector.WaitForPrompt(ctx, s.snapshot, s.cfg.ReadyTimeout())
	if err != nil {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Terminate(termCtx)
		if err == detector.ErrTimeout {
			return fmt.Errorf("%w: not ready after %s", ErrProcessingTimeout, s.cfg.ReadyTimeout())
		}
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	s.logger.Info("session ready",
		zap.String("method", res.Method),
		zap.Duration("elapsed", res.Elapsed))

	s.mu.Lock()
	if !s.autoSaveOn {
		s.autoSaveOn = true
		s.store.StartAutoSave(s.cfg.AutoSaveInterval(), s.QueueSnapshot)
	}
	s.mu.Unlock()
	return nil
}

// buildCommand returns the child argv, appending the permission bypass
// flag when configured.
func (s *Instance) buildCommand() []string {
	cmd := append([]string{}, s.cfg.Command...)
	if s.cfg.SkipPermissions {
		for _, arg := range cmd {
			if arg == "--dangerously-skip-permissions" {
				return cmd
			}
		}
		cmd = append(cmd, "--dangerously-skip-permissions")
	}
	return cmd
}

// Enqueue validates and appends a message, persists the queue, and
// schedules a processing pass if the session is idle.
func (s *Instance) Enqueue(payload string) (queue.Message, error) {
	if strings.TrimSpace(payload) == "" {
		return queue.Message{}, fmt.Errorf("%w: empty message payload", ErrValidation)
	}
	if max := s.cfg.MaxMessageLength; max > 0 && len(payload) > max {
		return queue.Message{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrValidation, max)
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return queue.Message{}, fmt.Errorf("%w: session terminated", ErrValidation)
	}

	msg := queue.Message{
		ID:        uuid.New().String(),
		SessionID: s.id,
		Payload:   payload,
		Status:    queue.StatusPending,
		Sequence:  s.nextSeq,
		CreatedAt: time.Now().UTC(),
	}
	s.nextSeq++
	s.items = append(s.items, msg)
	s.lastActivity = msg.CreatedAt
	snapshot := s.queueSnapshotLocked()
	restored := s.status == StatusRestored
	s.mu.Unlock()

	s.persist(snapshot, false)
	s.publishMessageStatus("queued", msg)

	if restored {
		// Lazy promotion: respawn the child, then drain.
		go func() {
			if err := s.Initialize(s.ctx); err != nil {
				s.logger.Error("restored session promotion failed", zap.Error(err))
			}
		}()
	} else {
		s.Schedule()
	}
	return msg, nil
}

// RemoveMessage deletes a queued message unless it is in flight.
func (s *Instance) RemoveMessage(messageID string) error {
	s.mu.Lock()
	idx := -1
	for i, item := range s.items {
		if item.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if s.items[idx].Status == queue.StatusProcessing {
		s.mu.Unlock()
		return ErrMessageProcessing
	}
	removed := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	snapshot := s.queueSnapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot, false)
	s.publishMessageStatus("removed", removed)
	return nil
}

// Schedule requests one processing pass. Re-entrancy is guarded: at
// most one pass is pending or running at a time.
func (s *Instance) Schedule() {
	s.mu.Lock()
	if s.scheduled || s.stopped || s.status != StatusIdle {
		s.mu.Unlock()
		return
	}
	s.scheduled = true
	s.mu.Unlock()
	go s.processPass()
}

// processPass drains exactly one pending message, then reschedules
// itself after a spacing delay while work remains.
func (s *Instance) processPass() {
	s.mu.Lock()
	s.scheduled = false
	if s.stopped || s.status != StatusIdle || s.processingID != "" {
		s.mu.Unlock()
		return
	}

	idx := -1
	for i, item := range s.items {
		if item.Status == queue.StatusPending {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	s.items[idx].Status = queue.StatusProcessing
	s.items[idx].ProcessingStartedAt = &now
	msg := s.items[idx]
	s.processingID = msg.ID
	s.currentTask = taskPreview(msg.Payload)
	s.lastActivity = now
	old := s.status
	s.status = StatusBusy
	snapshot := s.queueSnapshotLocked()
	s.mu.Unlock()

	s.notifyStatusChange(old, StatusBusy)
	s.persist(snapshot, false)
	s.publishMessageStatus("started", msg)

	t0 := time.Now()
	err := s.deliver(msg.Payload)
	if err == nil {
		_, werr := s.detector.WaitForPrompt(s.ctx, s.snapshot, s.cfg.CompletionTimeout())
		if werr == detector.ErrTimeout {
			err = fmt.Errorf("%w: completion_timeout", ErrProcessingTimeout)
		} else if werr != nil {
			err = werr
		}
	}
	elapsed := time.Since(t0)

	s.finishMessage(msg.ID, elapsed, err)
}

// finishMessage records the outcome of one processed message and
// returns the session to idle. When Stop has already downgraded the
// in-flight message back to pending, the outcome is discarded: the
// message must survive the restart as pending, not as a phantom error.
func (s *Instance) finishMessage(messageID string, elapsed time.Duration, procErr error) {
	now := time.Now().UTC()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var finished queue.Message
	recorded := false
	for i := range s.items {
		if s.items[i].ID != messageID {
			continue
		}
		item := &s.items[i]
		if item.Status != queue.StatusProcessing {
			// Removed or already downgraded; nothing to record.
			break
		}
		recorded = true
		item.ProcessingTimeMs = elapsed.Milliseconds()
		if procErr != nil {
			item.Status = queue.StatusError
			item.ErrorAt = &now
			item.Error = procErr.Error()
			s.metrics.ErrorCount++
		} else {
			item.Status = queue.StatusCompleted
			item.CompletedAt = &now
			s.metrics.MessagesProcessed++
			s.metrics.TotalProcessingTimeMs += elapsed.Milliseconds()
			s.metrics.AverageProcessingTimeMs =
				s.metrics.TotalProcessingTimeMs / int64(s.metrics.MessagesProcessed)
		}
		finished = *item
		break
	}
	s.processingID = ""
	s.currentTask = ""
	s.lastActivity = now
	old := s.status
	if s.status == StatusBusy {
		s.status = StatusIdle
	}
	newStatus := s.status
	pendingLeft := false
	for _, item := range s.items {
		if item.Status == queue.StatusPending {
			pendingLeft = true
			break
		}
	}
	snapshot := s.queueSnapshotLocked()
	s.mu.Unlock()

	if old != newStatus {
		s.notifyStatusChange(old, newStatus)
	}
	if recorded {
		s.persist(snapshot, false)
		if procErr != nil {
			s.logger.Warn("message processing failed",
				zap.String("message_id", messageID),
				zap.Error(procErr))
			s.publishMessageStatus("error", finished)
			s.publishError("message", procErr)
		} else {
			s.publishMessageStatus("completed", finished)
		}
	}

	if pendingLeft {
		time.AfterFunc(messageSpacing, s.Schedule)
	}
}

// deliver writes the payload to the child's stdin in paced chunks and
// submits it with a lone carriage return. Retries with backoff when
// stdin is unwritable, re-initializing a dead child between attempts.
func (s *Instance) deliver(payload string) error {
	var lastErr error
	for attempt := 0; attempt < stdinRetries; attempt++ {
		if attempt > 0 {
			backoff := stdinBackoff * (1 << (attempt - 1))
			s.logger.Warn("stdin write failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			if err := s.sleep(backoff); err != nil {
				return err
			}
			if mgr := s.manager(); mgr == nil || !mgr.Alive() {
				if err := s.start(s.ctx, false); err != nil {
					lastErr = err
					continue
				}
			}
		}
		if lastErr = s.writeChunked(payload); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrStdin, lastErr)
}

func (s *Instance) writeChunked(payload string) error {
	mgr := s.manager()
	if mgr == nil {
		return fmt.Errorf("process not started")
	}

	size, delay := chunkPlan(len(payload))
	for _, chunk := range splitChunks(payload, size) {
		if err := mgr.Write([]byte(chunk)); err != nil {
			return err
		}
		if err := s.sleep(delay); err != nil {
			return err
		}
	}
	if err := s.sleep(submitDelay); err != nil {
		return err
	}
	return mgr.Write([]byte("\r"))
}

// CheckHealth is invoked by the orchestrator's sweep. A dead child or a
// message stuck in processing flips the session to unhealthy.
func (s *Instance) CheckHealth() {
	s.mu.Lock()
	status := s.status
	var stuck *queue.Message
	for i := range s.items {
		item := &s.items[i]
		if item.Status == queue.StatusProcessing && item.ProcessingStartedAt != nil &&
			time.Since(*item.ProcessingStartedAt) > stuckThreshold {
			stuck = item
			break
		}
	}
	mgr := s.proc
	s.mu.Unlock()

	if status != StatusIdle && status != StatusBusy {
		return
	}
	if mgr == nil || !mgr.Alive() {
		s.markUnhealthy("process_dead")
		return
	}
	if stuck != nil {
		s.logger.Warn("processing message stuck",
			zap.String("message_id", stuck.ID),
			zap.Time("started_at", *stuck.ProcessingStartedAt))
		s.markUnhealthy("processing_stuck")
	}
}

func (s *Instance) markUnhealthy(reason string) {
	s.mu.Lock()
	if s.status == StatusUnhealthy || s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	old := s.status
	s.status = StatusUnhealthy
	s.mu.Unlock()

	s.logger.Warn("session unhealthy", zap.String("reason", reason))
	s.notifyStatusChange(old, StatusUnhealthy)
	s.publishError(reason, fmt.Errorf("session unhealthy: %s", reason))
}

// onChildExit handles an exit the session did not request.
func (s *Instance) onChildExit(exitCode int, signal string) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.logger.Warn("child exited unexpectedly",
		zap.Int("exit_code", exitCode),
		zap.String("signal", signal))
	s.markUnhealthy("process_exited")
}

// Stop terminates the session: in-flight work is downgraded to pending,
// the queue gets a final persisted save, and the child is torn down.
// Idempotent.
func (s *Instance) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for i := range s.items {
		if s.items[i].Status == queue.StatusProcessing {
			s.items[i].Status = queue.StatusPending
			s.items[i].ProcessingStartedAt = nil
		}
	}
	s.processingID = ""
	s.currentTask = ""
	old := s.status
	s.status = StatusTerminated
	snapshot := s.queueSnapshotLocked()
	mgr := s.proc
	s.mu.Unlock()

	s.cancel()
	s.persist(snapshot, false)
	s.store.Stop()
	s.throttler.Stop()

	var termErr error
	if mgr != nil {
		termErr = mgr.Terminate(ctx)
	}

	s.notifyStatusChange(old, StatusTerminated)
	return termErr
}

// GetStatus returns a point-in-time status summary.
func (s *Instance) GetStatus() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, item := range s.items {
		if item.Status == queue.StatusPending || item.Status == queue.StatusProcessing {
			pending++
		}
	}
	return StatusSnapshot{
		ID:               s.id,
		WorkingDirectory: s.workingDir,
		Status:           s.status,
		StartTime:        s.startTime,
		LastActivity:     s.lastActivity,
		CurrentTask:      s.currentTask,
		QueueLength:      pending,
		ProcessingID:     s.processingID,
		Metrics:          s.metrics,
	}
}

// GetDetails returns the extended view with the full queue and derived
// performance numbers.
func (s *Instance) GetDetails() Details {
	snap := s.GetStatus()

	var errorRate float64
	total := snap.Metrics.MessagesProcessed + snap.Metrics.ErrorCount
	if total > 0 {
		errorRate = float64(snap.Metrics.ErrorCount) / float64(total) * 100
	}
	return Details{
		StatusSnapshot:   snap,
		Queue:            s.QueueSnapshot(),
		ErrorRatePercent: errorRate,
	}
}

// QueueSnapshot returns a copy of the current queue.
func (s *Instance) QueueSnapshot() []queue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueSnapshotLocked()
}

func (s *Instance) queueSnapshotLocked() []queue.Message {
	out := make([]queue.Message, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Instance) manager() *process.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *Instance) snapshot() detector.Snapshot {
	return detector.Snapshot{
		Screen:       s.throttler.Screen(),
		LastOutputAt: s.throttler.LastOutputAt(),
	}
}

func (s *Instance) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// persist saves the queue, surfacing failures as session-error events
// rather than interrupting the loop. The next auto-save retries.
func (s *Instance) persist(items []queue.Message, suppressBackup bool) {
	if err := s.store.Save(items, suppressBackup); err != nil {
		s.logger.Error("queue save failed", zap.Error(err))
		s.publishError("persistence", err)
	}
}

func (s *Instance) sleep(d time.Duration) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *Instance) notifyStatusChange(oldStatus, newStatus Status) {
	if oldStatus == newStatus || s.onStatusChange == nil {
		return
	}
	s.onStatusChange(s, oldStatus, newStatus)
}

func (s *Instance) publishOutput(screen string) {
	ev := bus.NewSessionEvent(events.SessionOutput, eventSource, s.id, map[string]any{
		"screen":    screen,
		"timestamp": time.Now().UTC(),
	})
	if err := s.bus.Publish(s.ctx, events.SessionOutput, ev); err != nil {
		s.logger.Debug("output publish failed", zap.Error(err))
	}
}

func (s *Instance) publishMessageStatus(action string, msg queue.Message) {
	ev := bus.NewSessionEvent(events.MessageStatus, eventSource, s.id, map[string]any{
		"action":  action,
		"message": msg,
	})
	if err := s.bus.Publish(s.ctx, events.MessageStatus, ev); err != nil {
		s.logger.Debug("message status publish failed", zap.Error(err))
	}
}

func (s *Instance) publishError(kind string, err error) {
	ev := bus.NewSessionEvent(events.SessionError, eventSource, s.id, map[string]any{
		"kind":    kind,
		"message": err.Error(),
	})
	if perr := s.bus.Publish(context.Background(), events.SessionError, ev); perr != nil {
		s.logger.Debug("error publish failed", zap.Error(perr))
	}
}

// taskPreview is the human-readable current-task label: the first line
// of the payload, truncated.
func taskPreview(payload string) string {
	if idx := strings.IndexByte(payload, '\n'); idx >= 0 {
		payload = payload[:idx]
	}
	const max = 50
	if len(payload) > max {
		return payload[:max] + "…"
	}
	return payload
}
