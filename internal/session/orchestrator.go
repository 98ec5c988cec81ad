package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/registry"
	"github.com/clawdeck/clawdeck/internal/session/queue"
)

const orchestratorSource = "orchestrator"

// CreateOptions carries per-create overrides on top of the global
// session config.
type CreateOptions struct {
	SkipPermissions *bool
	ThrottleMs      *int
	AutoClearMs     *int
}

// CreateResult reports the outcome of a create call.
type CreateResult struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
	Reused    bool   `json:"reused"`
}

// Orchestrator is the process-wide registry of live sessions. It
// serializes additions and removals so the capacity cap and the
// one-session-per-directory rule are observed atomically.
type Orchestrator struct {
	cfg    *config.Config
	bus    bus.EventBus
	store  *registry.Store
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Instance

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewOrchestrator creates an Orchestrator and starts its health sweep.
func NewOrchestrator(cfg *config.Config, eventBus bus.EventBus, store *registry.Store, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		bus:       eventBus,
		store:     store,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		sessions:  make(map[string]*Instance),
		sweepStop: make(chan struct{}),
	}
	go o.healthSweep()
	return o
}

// CanonicalDir resolves a working directory to its canonical absolute
// path, following symlinks, so two spellings of one directory share a
// session.
func CanonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs, nil
	}
	return resolved, nil
}

// Create validates the directory, enforces the capacity cap, reuses an
// active session targeting the same directory, and otherwise spawns a
// fresh session. Failed initialization unwinds the registration.
func (o *Orchestrator) Create(ctx context.Context, workingDir string, opts CreateOptions) (CreateResult, error) {
	info, err := os.Stat(workingDir)
	if err != nil || !info.IsDir() {
		return CreateResult{}, fmt.Errorf("%w: working directory %q does not exist", ErrValidation, workingDir)
	}
	canonical, err := CanonicalDir(workingDir)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sessionCfg := o.resolveConfig(opts)

	o.mu.Lock()
	for _, inst := range o.sessions {
		if inst.WorkingDir() == canonical && inst.GetStatus().Status.Active() {
			id := inst.ID()
			status := inst.GetStatus().Status
			o.mu.Unlock()
			o.logger.Info("reusing session for directory",
				zap.String("session_id", id),
				zap.String("working_dir", canonical))
			return CreateResult{SessionID: id, Status: status, Reused: true}, nil
		}
	}
	if o.activeCountLocked() >= sessionCfg.MaxSessions {
		o.mu.Unlock()
		return CreateResult{}, fmt.Errorf("%w: %d sessions active", ErrCapacity, sessionCfg.MaxSessions)
	}

	id := uuid.New().String()
	inst, err := NewInstance(Options{
		ID:             id,
		WorkingDir:     canonical,
		Session:        sessionCfg,
		DataRoot:       o.cfg.Data.Root,
		Bus:            o.bus,
		Logger:         o.logger,
		OnStatusChange: o.onStatusChange,
	})
	if err != nil {
		o.mu.Unlock()
		return CreateResult{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	o.sessions[id] = inst
	o.mu.Unlock()

	now := time.Now().UTC()
	row := &registry.Row{
		ID:               id,
		WorkingDirectory: canonical,
		Status:           string(StatusInitializing),
		CreatedAt:        now,
		LastActivity:     now,
	}
	if err := o.store.Create(ctx, row); err != nil {
		o.logger.Warn("registry create failed", zap.Error(err))
	}

	if err := inst.Initialize(ctx); err != nil {
		// Unwind: no registry entry retained for a failed spawn.
		o.mu.Lock()
		delete(o.sessions, id)
		o.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = inst.Stop(stopCtx)
		o.updateRegistry(id, registry.Patch{
			Status:       strPtr(string(StatusError)),
			TerminatedAt: timePtr(time.Now().UTC()),
		})
		return CreateResult{}, err
	}

	o.updateRegistry(id, registry.Patch{
		Status:    strPtr(string(StatusIdle)),
		StartedAt: timePtr(now),
	})

	o.publish(events.SessionCreated, id, map[string]any{
		"session": inst.GetStatus(),
	})
	o.publishListUpdate()

	o.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("working_dir", canonical))
	return CreateResult{SessionID: id, Status: StatusIdle}, nil
}

// Terminate stops and unregisters a session, archiving its metrics into
// the registry. Returns false when no such session exists.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID string) bool {
	o.mu.Lock()
	inst, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	if err := inst.Stop(ctx); err != nil {
		o.logger.Warn("session stop reported error",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	snap := inst.GetStatus()
	now := time.Now().UTC()
	o.updateRegistry(sessionID, registry.Patch{
		Status:                strPtr(string(StatusTerminated)),
		TerminatedAt:          timePtr(now),
		LastActivity:          timePtr(snap.LastActivity),
		MessageCount:          int64Ptr(int64(snap.Metrics.MessagesProcessed)),
		TotalProcessingTimeMs: int64Ptr(snap.Metrics.TotalProcessingTimeMs),
		ErrorCount:            int64Ptr(int64(snap.Metrics.ErrorCount)),
	})

	o.publish(events.SessionTerminated, sessionID, map[string]any{
		"sessionId": sessionID,
	})
	o.publishListUpdate()

	o.logger.Info("session terminated", zap.String("session_id", sessionID))
	return true
}

// Get returns a live session by ID.
func (o *Orchestrator) Get(sessionID string) (*Instance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

// ListActive returns status snapshots of all registered sessions,
// newest first.
func (o *Orchestrator) ListActive() []StatusSnapshot {
	o.mu.Lock()
	instances := make([]*Instance, 0, len(o.sessions))
	for _, inst := range o.sessions {
		instances = append(instances, inst)
	}
	o.mu.Unlock()

	snaps := make([]StatusSnapshot, 0, len(instances))
	for _, inst := range instances {
		snaps = append(snaps, inst.GetStatus())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartTime.After(snaps[j].StartTime)
	})
	return snaps
}

// Details returns the extended view for one session.
func (o *Orchestrator) Details(sessionID string) (Details, error) {
	inst, err := o.Get(sessionID)
	if err != nil {
		return Details{}, err
	}
	return inst.GetDetails(), nil
}

// Status returns the status summary for one session.
func (o *Orchestrator) Status(sessionID string) (StatusSnapshot, error) {
	inst, err := o.Get(sessionID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return inst.GetStatus(), nil
}

// Enqueue appends a message to a session's queue.
func (o *Orchestrator) Enqueue(sessionID, payload string) (queue.Message, error) {
	inst, err := o.Get(sessionID)
	if err != nil {
		return queue.Message{}, err
	}
	return inst.Enqueue(payload)
}

// Messages returns a session's current queue.
func (o *Orchestrator) Messages(sessionID string) ([]queue.Message, error) {
	inst, err := o.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return inst.QueueSnapshot(), nil
}

// RemoveMessage deletes a queued message unless it is in flight.
func (o *Orchestrator) RemoveMessage(sessionID, messageID string) error {
	inst, err := o.Get(sessionID)
	if err != nil {
		return err
	}
	return inst.RemoveMessage(messageID)
}

// Stats aggregates counters across all registered sessions plus
// process-level memory indicators.
func (o *Orchestrator) Stats() Stats {
	snaps := o.ListActive()

	var stats Stats
	for _, snap := range snaps {
		if snap.Status.Active() {
			stats.Active++
		}
		if snap.Status == StatusIdle || snap.Status == StatusBusy {
			stats.Healthy++
		}
		stats.TotalMessages += snap.Metrics.MessagesProcessed
		stats.TotalProcessingTimeMs += snap.Metrics.TotalProcessingTimeMs
	}
	if stats.TotalMessages > 0 {
		stats.AverageProcessingTimeMs = stats.TotalProcessingTimeMs / int64(stats.TotalMessages)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats.MemoryAllocBytes = mem.Alloc
	stats.MemorySysBytes = mem.Sys
	stats.Goroutines = runtime.NumGoroutine()
	return stats
}

// RestoreFromDatabase re-creates restored placeholders for sessions
// whose rows survived a restart. Directories that vanished are marked
// terminated and skipped. Children are not respawned until first use.
func (o *Orchestrator) RestoreFromDatabase(ctx context.Context) error {
	rows, err := o.store.GetActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("read active sessions: %w", err)
	}

	restored := 0
	for _, row := range rows {
		info, statErr := os.Stat(row.WorkingDirectory)
		if statErr != nil || !info.IsDir() {
			o.updateRegistry(row.ID, registry.Patch{
				Status:       strPtr(string(StatusTerminated)),
				TerminatedAt: timePtr(time.Now().UTC()),
			})
			continue
		}

		inst, instErr := NewInstance(Options{
			ID:             row.ID,
			WorkingDir:     row.WorkingDirectory,
			Session:        o.cfg.Session,
			DataRoot:       o.cfg.Data.Root,
			Restored:       true,
			Bus:            o.bus,
			Logger:         o.logger,
			OnStatusChange: o.onStatusChange,
		})
		if instErr != nil {
			o.logger.Warn("session restore failed",
				zap.String("session_id", row.ID),
				zap.Error(instErr))
			continue
		}

		o.mu.Lock()
		o.sessions[row.ID] = inst
		o.mu.Unlock()
		o.updateRegistry(row.ID, registry.Patch{Status: strPtr(string(StatusRestored))})
		restored++
	}

	if restored > 0 {
		o.logger.Info("sessions restored from registry", zap.Int("count", restored))
		o.publishListUpdate()
	}
	return nil
}

// TerminateAll stops every session, used on graceful shutdown.
func (o *Orchestrator) TerminateAll(ctx context.Context) {
	for _, snap := range o.ListActive() {
		o.Terminate(ctx, snap.ID)
	}
	o.sweepOnce.Do(func() { close(o.sweepStop) })
}

// healthSweep consults each session's liveness on a fixed cadence.
func (o *Orchestrator) healthSweep() {
	interval := o.cfg.Session.HealthInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.sweepStop:
			return
		case <-ticker.C:
			o.mu.Lock()
			instances := make([]*Instance, 0, len(o.sessions))
			for _, inst := range o.sessions {
				instances = append(instances, inst)
			}
			o.mu.Unlock()
			for _, inst := range instances {
				inst.CheckHealth()
			}
		}
	}
}

// onStatusChange publishes the status-changed event and the follow-up
// list update, and mirrors coarse status into the registry.
func (o *Orchestrator) onStatusChange(inst *Instance, oldStatus, newStatus Status) {
	snap := inst.GetStatus()
	o.publish(events.SessionStatusChanged, inst.ID(), map[string]any{
		"sessionId":   inst.ID(),
		"oldStatus":   oldStatus,
		"newStatus":   newStatus,
		"currentTask": snap.CurrentTask,
	})
	o.updateRegistry(inst.ID(), registry.Patch{
		Status:       strPtr(string(newStatus)),
		LastActivity: timePtr(snap.LastActivity),
	})
	o.publishListUpdate()
}

func (o *Orchestrator) resolveConfig(opts CreateOptions) config.SessionConfig {
	cfg := o.cfg.Session
	if opts.SkipPermissions != nil {
		cfg.SkipPermissions = *opts.SkipPermissions
	}
	if opts.ThrottleMs != nil && *opts.ThrottleMs > 0 {
		cfg.ThrottleMs = *opts.ThrottleMs
	}
	if opts.AutoClearMs != nil && *opts.AutoClearMs >= 0 {
		cfg.AutoClearMs = *opts.AutoClearMs
	}
	return cfg
}

// activeCountLocked counts cap-relevant sessions. Caller holds o.mu.
func (o *Orchestrator) activeCountLocked() int {
	count := 0
	for _, inst := range o.sessions {
		if inst.GetStatus().Status.Active() {
			count++
		}
	}
	return count
}

func (o *Orchestrator) publish(subject, sessionID string, data map[string]any) {
	ev := bus.NewSessionEvent(subject, orchestratorSource, sessionID, data)
	if err := o.bus.Publish(context.Background(), subject, ev); err != nil {
		o.logger.Debug("event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}

// publishListUpdate emits the consolidated session list. Emitted after
// every created/terminated/status-changed precursor so consumers see a
// monotonic aggregate view; the hub debounces delivery.
func (o *Orchestrator) publishListUpdate() {
	ev := bus.NewEvent(events.SessionListUpdate, orchestratorSource, map[string]any{
		"sessions": o.ListActive(),
		"stats":    o.Stats(),
	})
	if err := o.bus.Publish(context.Background(), events.SessionListUpdate, ev); err != nil {
		o.logger.Debug("list update publish failed", zap.Error(err))
	}
}

func (o *Orchestrator) updateRegistry(sessionID string, patch registry.Patch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Update(ctx, sessionID, patch); err != nil {
		o.logger.Warn("registry update failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func strPtr(s string) *string       { return &s }
func timePtr(t time.Time) *time.Time { return &t }
func int64Ptr(v int64) *int64        { return &v }
