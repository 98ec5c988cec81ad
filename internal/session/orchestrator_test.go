package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/registry"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Data:    config.DataConfig{Root: t.TempDir()},
		Session: testSessionConfig(),
	}
	orch := NewOrchestrator(cfg, bus.NewMemoryEventBus(testLogger(t)), store, testLogger(t))
	t.Cleanup(func() { orch.TerminateAll(context.Background()) })
	return orch
}

// readyChild stands in for the interactive CLI: it prints the readiness
// sentinel, then waits on stdin and exits once a line arrives, the way
// the real child reacts to the shutdown request.
const readyChild = `printf '? for shortcuts\n'; read _; exit 0`

func newLiveOrchestrator(t *testing.T, maxSessions int) *Orchestrator {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessionCfg := testSessionConfig()
	sessionCfg.MaxSessions = maxSessions
	sessionCfg.Command = []string{"/bin/sh", "-c", readyChild}

	cfg := &config.Config{
		Data:    config.DataConfig{Root: t.TempDir()},
		Session: sessionCfg,
	}
	orch := NewOrchestrator(cfg, bus.NewMemoryEventBus(testLogger(t)), store, testLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		orch.TerminateAll(ctx)
	})
	return orch
}

func TestCreateReusesSessionForSameDirectory(t *testing.T) {
	orch := newLiveOrchestrator(t, 10)
	dir := t.TempDir()

	first, err := orch.Create(context.Background(), dir, CreateOptions{})
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, StatusIdle, first.Status)

	// A different spelling of the same directory reuses the session.
	second, err := orch.Create(context.Background(), dir+"/.", CreateOptions{})
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.SessionID, second.SessionID)

	assert.Len(t, orch.ListActive(), 1)
}

func TestCapacityCapReleasedByTerminate(t *testing.T) {
	orch := newLiveOrchestrator(t, 2)

	first, err := orch.Create(context.Background(), t.TempDir(), CreateOptions{})
	require.NoError(t, err)
	_, err = orch.Create(context.Background(), t.TempDir(), CreateOptions{})
	require.NoError(t, err)

	// At capacity: the third create bounces with no side effects.
	_, err = orch.Create(context.Background(), t.TempDir(), CreateOptions{})
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Len(t, orch.ListActive(), 2)

	require.True(t, orch.Terminate(context.Background(), first.SessionID))

	third, err := orch.Create(context.Background(), t.TempDir(), CreateOptions{})
	require.NoError(t, err)

	snaps := orch.ListActive()
	require.Len(t, snaps, 2)
	assert.Equal(t, third.SessionID, snaps[0].ID, "newest session listed first")
}

func TestCreateRejectsMissingDirectory(t *testing.T) {
	orch := newTestOrchestrator(t)

	_, err := orch.Create(context.Background(), "/does/not/exist", CreateOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	// No registration left behind.
	assert.Empty(t, orch.ListActive())
}

func TestCreateRejectsFile(t *testing.T) {
	orch := newTestOrchestrator(t)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := orch.Create(context.Background(), file, CreateOptions{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTerminateUnknownSession(t *testing.T) {
	orch := newTestOrchestrator(t)
	assert.False(t, orch.Terminate(context.Background(), "no-such-session"))
}

func TestGetUnknownSession(t *testing.T) {
	orch := newTestOrchestrator(t)

	_, err := orch.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = orch.Details("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = orch.Status("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = orch.Enqueue("missing", "payload")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = orch.Messages("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, orch.RemoveMessage("missing", "m"), ErrNotFound)
}

func TestStatsEmpty(t *testing.T) {
	orch := newTestOrchestrator(t)

	stats := orch.Stats()
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.TotalMessages)
	assert.Greater(t, stats.Goroutines, 0)
}

func TestCanonicalDir(t *testing.T) {
	dir := t.TempDir()

	resolved, err := CanonicalDir(dir + "/./sub/..")
	require.NoError(t, err)

	direct, err := CanonicalDir(dir)
	require.NoError(t, err)
	assert.Equal(t, direct, resolved)
}

func TestCanonicalDirFollowsSymlinks(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(real, link))

	fromLink, err := CanonicalDir(link)
	require.NoError(t, err)
	fromReal, err := CanonicalDir(real)
	require.NoError(t, err)
	assert.Equal(t, fromReal, fromLink)
}

func TestRestoreSkipsVanishedDirectories(t *testing.T) {
	orch := newTestOrchestrator(t)

	gone := filepath.Join(t.TempDir(), "vanished")
	require.NoError(t, os.MkdirAll(gone, 0o755))
	require.NoError(t, orch.store.Create(context.Background(), &registry.Row{
		ID:               "restorable",
		WorkingDirectory: gone,
		Status:           string(StatusIdle),
	}))
	require.NoError(t, os.RemoveAll(gone))

	require.NoError(t, orch.RestoreFromDatabase(context.Background()))
	assert.Empty(t, orch.ListActive())

	row, err := orch.store.Get(context.Background(), "restorable")
	require.NoError(t, err)
	assert.Equal(t, string(StatusTerminated), row.Status)
}

func TestRestoreSkipsFailedCreations(t *testing.T) {
	orch := newTestOrchestrator(t)

	dir := t.TempDir()
	require.NoError(t, orch.store.Create(context.Background(), &registry.Row{
		ID:               "never-initialized",
		WorkingDirectory: dir,
		Status:           string(StatusError),
	}))

	require.NoError(t, orch.RestoreFromDatabase(context.Background()))
	assert.Empty(t, orch.ListActive())
}

func TestRestoreCreatesPlaceholders(t *testing.T) {
	orch := newTestOrchestrator(t)

	dir := t.TempDir()
	require.NoError(t, orch.store.Create(context.Background(), &registry.Row{
		ID:               "survivor",
		WorkingDirectory: dir,
		Status:           string(StatusIdle),
	}))

	require.NoError(t, orch.RestoreFromDatabase(context.Background()))

	snaps := orch.ListActive()
	require.Len(t, snaps, 1)
	assert.Equal(t, "survivor", snaps[0].ID)
	assert.Equal(t, StatusRestored, snaps[0].Status)
}

func TestResolveConfigOverrides(t *testing.T) {
	orch := newTestOrchestrator(t)

	skip := true
	throttleMs := 500
	cfg := orch.resolveConfig(CreateOptions{
		SkipPermissions: &skip,
		ThrottleMs:      &throttleMs,
	})
	assert.True(t, cfg.SkipPermissions)
	assert.Equal(t, 500, cfg.ThrottleMs)

	// Unset overrides leave the globals alone.
	base := orch.resolveConfig(CreateOptions{})
	assert.False(t, base.SkipPermissions)
	assert.Equal(t, 250, base.ThrottleMs)
}
