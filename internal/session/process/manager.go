// Package process spawns and supervises the PTY-backed child CLI of a
// session. One Manager owns exactly one child: the serial message loop
// above it never runs two children for the same working directory.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// exitCommand asks the child CLI to shut down on its own terms before
// signals get involved.
const exitCommand = "{\"action\":\"exit\"}\n"

// Config tunes a Manager.
type Config struct {
	Command          []string          // argv of the child CLI
	Env              map[string]string // extra env on top of the allowlist
	Cols             int
	Rows             int
	SpawnRetries     int           // total spawn attempts
	SpawnBackoff     time.Duration // base backoff, doubled per attempt
	GracefulTimeout  time.Duration // grace between exit request and SIGKILL
	ForceKillTimeout time.Duration // SIGKILL-to-exit leak watchdog
	HealthInterval   time.Duration // liveness sweep cadence (0 = off)
}

// DefaultConfig returns the standard child supervision tuning.
func DefaultConfig() Config {
	return Config{
		Cols:             120,
		Rows:             40,
		SpawnRetries:     3,
		SpawnBackoff:     time.Second,
		GracefulTimeout:  2 * time.Second,
		ForceKillTimeout: 3 * time.Second,
		HealthInterval:   30 * time.Second,
	}
}

// Events receives Manager callbacks. Any field may be nil. Output is
// called from the read loop; it must not block.
type Events struct {
	// Output delivers a raw PTY output chunk.
	Output func(data []byte)
	// Exit reports child exit with shell-style exit code and, when
	// killed by signal, the signal name.
	Exit func(exitCode int, signal string, err error)
	// HealthCheckFailed reports a liveness sweep that found the child
	// dead without a Terminate having been requested.
	HealthCheckFailed func()
	// ForceKilled reports that the child survived SIGKILL past the
	// watchdog deadline. That indicates a kernel-level wedge; the
	// session should be marked unhealthy, not retried.
	ForceKilled func()
}

// Manager supervises one PTY child.
type Manager struct {
	cfg    Config
	events Events
	logger *logger.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	pty         PtyHandle
	workingDir  string
	pid         int
	startedAt   time.Time
	exitCode    *int
	exitSignal  string
	terminating bool

	stopOnce sync.Once
	waitDone chan struct{}

	healthStop chan struct{}
	healthOnce sync.Once
}

// NewManager creates a Manager. Spawn must be called before any other
// operation.
func NewManager(cfg Config, events Events, log *logger.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Cols <= 0 {
		cfg.Cols = def.Cols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	if cfg.SpawnRetries <= 0 {
		cfg.SpawnRetries = def.SpawnRetries
	}
	if cfg.SpawnBackoff <= 0 {
		cfg.SpawnBackoff = def.SpawnBackoff
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	if cfg.ForceKillTimeout <= 0 {
		cfg.ForceKillTimeout = def.ForceKillTimeout
	}
	return &Manager{
		cfg:        cfg,
		events:     events,
		logger:     log.WithFields(zap.String("component", "process-manager")),
		waitDone:   make(chan struct{}),
		healthStop: make(chan struct{}),
	}
}

// Spawn validates the working directory and starts the child in a PTY,
// retrying with exponential backoff on transient failures.
func (m *Manager) Spawn(ctx context.Context, workingDir string) error {
	if len(m.cfg.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	info, err := os.Stat(workingDir)
	if err != nil {
		return fmt.Errorf("working directory %q: %w", workingDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", workingDir)
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.SpawnRetries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.SpawnBackoff * (1 << (attempt - 1))
			m.logger.Warn("spawn failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if lastErr = m.spawnOnce(workingDir); lastErr == nil {
			m.startHealthSweep()
			return nil
		}
	}
	return fmt.Errorf("spawn failed after %d attempts: %w", m.cfg.SpawnRetries, lastErr)
}

func (m *Manager) spawnOnce(workingDir string) error {
	cmd := exec.Command(m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Dir = workingDir
	cmd.Env = buildEnv(workingDir, m.cfg.Env)

	ptmx, err := startPTYWithSize(cmd, m.cfg.Cols, m.cfg.Rows)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.pty = ptmx
	m.workingDir = workingDir
	m.startedAt = time.Now().UTC()
	if cmd.Process != nil {
		m.pid = cmd.Process.Pid
	}
	m.mu.Unlock()

	m.logger.Info("child process started",
		zap.Strings("command", m.cfg.Command),
		zap.String("working_dir", workingDir),
		zap.Int("pid", m.pid))

	go m.readLoop(ptmx)
	go m.wait(cmd, ptmx)
	return nil
}

// readLoop pumps PTY output into Events.Output until the PTY closes.
func (m *Manager) readLoop(ptmx PtyHandle) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 && m.events.Output != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.events.Output(chunk)
		}
		if err != nil {
			// EOF or EIO when the child exits and the slave side closes.
			return
		}
	}
}

// wait reaps the child. cmd.Wait is intentionally unbounded: stuck
// children are terminated via Terminate, and skipping Wait leaks a
// zombie.
func (m *Manager) wait(cmd *exec.Cmd, ptmx PtyHandle) {
	defer close(m.waitDone)

	exitCode, signalName, err := waitPtyProcess(cmd)

	m.mu.Lock()
	m.exitCode = &exitCode
	m.exitSignal = signalName
	terminating := m.terminating
	m.mu.Unlock()

	_ = ptmx.Close()
	m.stopHealthSweep()

	m.logger.Info("child process exited",
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName),
		zap.Bool("terminating", terminating),
		zap.Error(err))

	if m.events.Exit != nil {
		m.events.Exit(exitCode, signalName, err)
	}
}

// Write sends data to the child's stdin through the PTY.
func (m *Manager) Write(data []byte) error {
	m.mu.Lock()
	ptmx := m.pty
	m.mu.Unlock()

	if ptmx == nil {
		return fmt.Errorf("process not started")
	}
	if !m.Alive() {
		return fmt.Errorf("process not running")
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (m *Manager) Resize(cols, rows int) error {
	m.mu.Lock()
	ptmx := m.pty
	m.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("process not started")
	}
	return ptmx.Resize(uint16(cols), uint16(rows))
}

// Alive reports whether the child is still running. Non-blocking: the
// waitDone channel is closed exactly when cmd.Wait returns.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	started := m.cmd != nil
	m.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-m.waitDone:
		return false
	default:
		return true
	}
}

// Done is closed when the child has been reaped.
func (m *Manager) Done() <-chan struct{} { return m.waitDone }

// Pid returns the child PID, or 0 before Spawn.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// ExitCode returns the shell-style exit code and signal name once the
// child has exited.
func (m *Manager) ExitCode() (code int, signal string, exited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exitCode == nil {
		return 0, "", false
	}
	return *m.exitCode, m.exitSignal, true
}

// StartedAt returns when the child was spawned.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Terminate stops the child in two phases. Phase one asks the CLI to
// exit through its own action protocol (falling back to SIGTERM when
// the PTY write fails) and grants GracefulTimeout. Phase two sends
// SIGKILL and arms a leak watchdog that fires Events.ForceKilled if the
// child is still unreaped after ForceKillTimeout. The watchdog is
// cancelled the moment the exit is observed. Idempotent.
func (m *Manager) Terminate(ctx context.Context) error {
	m.mu.Lock()
	cmd := m.cmd
	ptmx := m.pty
	m.terminating = true
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if !m.Alive() {
		return nil
	}

	m.stopOnce.Do(func() {
		graceful := false
		if ptmx != nil {
			if _, err := ptmx.Write([]byte(exitCommand)); err == nil {
				graceful = true
			}
		}
		if !graceful {
			_ = terminateProcess(cmd.Process)
		}
	})

	select {
	case <-m.waitDone:
		return nil
	case <-ctx.Done():
	case <-time.After(m.cfg.GracefulTimeout):
	}

	m.logger.Warn("graceful shutdown timed out, sending SIGKILL",
		zap.Int("pid", m.Pid()))
	_ = killProcess(cmd.Process)

	watchdog := time.AfterFunc(m.cfg.ForceKillTimeout, func() {
		m.logger.Error("child survived SIGKILL past watchdog deadline",
			zap.Int("pid", m.Pid()))
		if m.events.ForceKilled != nil {
			m.events.ForceKilled()
		}
	})

	select {
	case <-m.waitDone:
		watchdog.Stop()
		return nil
	case <-ctx.Done():
		// Watchdog stays armed; the wedge still gets reported.
		return ctx.Err()
	}
}

// startHealthSweep begins the periodic liveness check.
func (m *Manager) startHealthSweep() {
	if m.cfg.HealthInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.healthStop:
				return
			case <-m.waitDone:
				return
			case <-ticker.C:
				m.mu.Lock()
				terminating := m.terminating
				m.mu.Unlock()
				if !m.Alive() && !terminating {
					m.logger.Warn("health sweep found child dead")
					if m.events.HealthCheckFailed != nil {
						m.events.HealthCheckFailed()
					}
					return
				}
			}
		}
	}()
}

func (m *Manager) stopHealthSweep() {
	m.healthOnce.Do(func() { close(m.healthStop) })
}
