package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
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

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(root, "/some/project/dir", 3, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(store.Stop)
	return store, root
}

func msg(payload string, status Status, seq int) Message {
	return Message{
		ID:        uuid.New().String(),
		Payload:   payload,
		Status:    status,
		Sequence:  seq,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestDirNameStable(t *testing.T) {
	a := DirName("/some/project/dir")
	b := DirName("/some/project/../project/dir")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	items := []Message{
		msg("first", StatusPending, 1),
		msg("second", StatusCompleted, 2),
	}
	require.NoError(t, store.Save(items, false))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, items[0].ID, loaded[0].ID)
	assert.Equal(t, items[0].Payload, loaded[0].Payload)
	assert.Equal(t, StatusCompleted, loaded[1].Status)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	items, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProcessingCoercedToPending(t *testing.T) {
	store, _ := newTestStore(t)

	started := time.Now().UTC()
	item := msg("in flight", StatusProcessing, 1)
	item.ProcessingStartedAt = &started
	require.NoError(t, store.Save([]Message{item}, false))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, StatusPending, loaded[0].Status)
	assert.Nil(t, loaded[0].ProcessingStartedAt)
}

func TestDedupOnPayloadAndCreatedAt(t *testing.T) {
	store, _ := newTestStore(t)

	a := msg("same", StatusPending, 1)
	duplicate := a
	duplicate.ID = uuid.New().String()
	duplicate.Status = StatusCompleted // status differences do not matter

	// A deliberate repeat with a different creation time survives.
	repeat := msg("same", StatusPending, 2)
	repeat.CreatedAt = a.CreatedAt.Add(time.Second)

	require.NoError(t, store.Save([]Message{a, duplicate, repeat}, false))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, a.ID, loaded[0].ID)
	assert.Equal(t, repeat.ID, loaded[1].ID)
}

func TestLoadDropsMalformedItems(t *testing.T) {
	store, _ := newTestStore(t)

	raw := `[
		{"id":"a","payload":"good","status":"pending","sequence":1,"createdAt":"2026-01-01T00:00:00Z"},
		{"id":"","payload":"no id","status":"pending"},
		{"id":"b","payload":"","status":"pending"},
		{"id":"c","payload":"no status"}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "queue.json"), []byte(raw), 0o644))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a", loaded[0].ID)
}

func TestBackupRotation(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 6; i++ {
		require.NoError(t, store.Save([]Message{msg("payload", StatusPending, i+1)}, false))
		time.Sleep(2 * time.Millisecond) // distinct backup timestamps
	}

	backups, err := filepath.Glob(filepath.Join(store.Dir(), "queue.json.backup-*"))
	require.NoError(t, err)
	// Retention 3: the first save has no prior file to back up, the
	// following five produce backups, two get pruned.
	assert.Len(t, backups, 3)

	// Sidecar never survives a successful save.
	_, statErr := os.Stat(filepath.Join(store.Dir(), "queue.json.backup"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSuppressedBackup(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Save([]Message{msg("a", StatusPending, 1)}, false))
	require.NoError(t, store.Save([]Message{msg("b", StatusPending, 2)}, true))

	backups, err := filepath.Glob(filepath.Join(store.Dir(), "queue.json.backup-*"))
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestLegacyMigration(t *testing.T) {
	root := t.TempDir()
	legacy := []Message{msg("legacy item", StatusPending, 1)}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "queue.json"), data, 0o644))

	store, err := NewStore(root, "/legacy/dir", 3, testLogger(t))
	require.NoError(t, err)
	defer store.Stop()

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, legacy[0].ID, loaded[0].ID)

	// The root-level file is gone after migration.
	_, statErr := os.Stat(filepath.Join(root, "queue.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestConcurrentSavesCoalesce(t *testing.T) {
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			items := []Message{msg("payload", StatusPending, n)}
			assert.NoError(t, store.Save(items, true))
		}(i)
	}
	wg.Wait()

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestAutoSavePersistsNonEmptyQueue(t *testing.T) {
	store, _ := newTestStore(t)

	var mu sync.Mutex
	items := []Message{msg("auto", StatusPending, 1)}
	store.StartAutoSave(20*time.Millisecond, func() []Message {
		mu.Lock()
		defer mu.Unlock()
		return cloneMessages(items)
	})

	require.Eventually(t, func() bool {
		loaded, err := store.Load()
		return err == nil && len(loaded) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCorruptFileRestoredFromSidecar(t *testing.T) {
	store, _ := newTestStore(t)

	good := []Message{msg("good", StatusPending, 1)}
	data, err := json.Marshal(good)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "queue.json.backup"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "queue.json"), []byte("{not json"), 0o644))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, good[0].ID, loaded[0].ID)
}
