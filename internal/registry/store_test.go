package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRow(id, status string, createdAt time.Time) *Row {
	return &Row{
		ID:               id,
		WorkingDirectory: "/work/" + id,
		Status:           status,
		CreatedAt:        createdAt,
		LastActivity:     createdAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Create(context.Background(), newRow("s1", "idle", now)))

	row, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "s1", row.ID)
	assert.Equal(t, "/work/s1", row.WorkingDirectory)
	assert.Equal(t, "idle", row.Status)
	assert.False(t, row.StartedAt.Valid)
	assert.False(t, row.TerminatedAt.Valid)
	assert.Zero(t, row.MessageCount)
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	row, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCreateDuplicateIDFails(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Create(context.Background(), newRow("dup", "idle", now)))
	assert.Error(t, store.Create(context.Background(), newRow("dup", "idle", now)))
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Create(context.Background(), newRow("s1", "initializing", now)))

	status := "busy"
	messages := int64(7)
	started := now.Add(time.Second)
	require.NoError(t, store.Update(context.Background(), "s1", Patch{
		Status:       &status,
		MessageCount: &messages,
		StartedAt:    &started,
	}))

	row, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "busy", row.Status)
	assert.EqualValues(t, 7, row.MessageCount)
	assert.True(t, row.StartedAt.Valid)
	// Untouched fields keep their values.
	assert.Equal(t, "/work/s1", row.WorkingDirectory)
	assert.Zero(t, row.ErrorCount)
	assert.False(t, row.TerminatedAt.Valid)
}

func TestUpdateEmptyPatchIsNoop(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(context.Background(), newRow("s1", "idle", time.Now().UTC())))

	require.NoError(t, store.Update(context.Background(), "s1", Patch{}))
}

func TestUpdateMissingRowFails(t *testing.T) {
	store := newTestStore(t)

	status := "idle"
	err := store.Update(context.Background(), "ghost", Patch{Status: &status})
	assert.Error(t, err)
}

func TestGetActiveSessionsOrderingAndFilter(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Create(context.Background(), newRow("old", "idle", base.Add(-2*time.Hour))))
	require.NoError(t, store.Create(context.Background(), newRow("new", "busy", base)))
	require.NoError(t, store.Create(context.Background(), newRow("done", "terminated", base.Add(-time.Hour))))
	require.NoError(t, store.Create(context.Background(), newRow("failed", "error", base.Add(-30*time.Minute))))

	rows, err := store.GetActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first; terminated and failed creations excluded.
	assert.Equal(t, "new", rows[0].ID)
	assert.Equal(t, "old", rows[1].ID)
}

func TestGetSessionStats(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	active := newRow("a", "idle", now)
	active.MessageCount = 5
	active.TotalProcessingTimeMs = 1200
	active.ErrorCount = 1
	require.NoError(t, store.Create(context.Background(), active))

	finished := newRow("b", "terminated", now)
	finished.MessageCount = 3
	finished.TotalProcessingTimeMs = 800
	require.NoError(t, store.Create(context.Background(), finished))

	stats, err := store.GetSessionStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalSessions)
	assert.EqualValues(t, 1, stats.ActiveSessions)
	assert.EqualValues(t, 8, stats.TotalMessages)
	assert.EqualValues(t, 2000, stats.TotalProcessingTimeMs)
	assert.EqualValues(t, 1, stats.TotalErrors)
}

func TestStatsEmptyDatabase(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.GetSessionStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSessions)
	assert.Zero(t, stats.ActiveSessions)
	assert.Zero(t, stats.TotalMessages)
}
