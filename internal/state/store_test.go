package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadAbsentReturnsNil(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	st, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), ".smile", "state.json"))

	st := New("run-1", "fp")
	require.NoError(t, st.StartIteration())
	require.NoError(t, st.AwaitStudent())
	require.NoError(t, store.Save(st))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, StatusAwaitingStudent, loaded.Status)
	assert.Equal(t, 1, loaded.Iteration)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, "fp", loaded.WorkspaceFingerprint)
}

func TestStore_SaveOverwritesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "state.json"))

	st := New("run-1", "fp")
	require.NoError(t, store.Save(st))
	require.NoError(t, st.StartIteration())
	require.NoError(t, store.Save(st))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Iteration)

	// No temp files survive a save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestStore_CorruptStateSurfaced(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{ not json"), 0o644))

	_, err := NewStore(path).Load()
	require.ErrorIs(t, err, ErrCorruptState)
	assert.Contains(t, err.Error(), "remove the state file")
}

func TestStore_VersionMismatchIsCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "status": "starting"}`), 0o644))

	_, err := NewStore(path).Load()
	require.ErrorIs(t, err, ErrCorruptState)
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, store.Save(New("run-1", "fp")))
	require.NoError(t, store.Clear())

	st, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, st)

	// Clearing an absent file is not an error.
	require.NoError(t, store.Clear())
}

func TestAcquireLock_Exclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.lock")

	lock, err := AcquireLock(path, "run-1")
	require.NoError(t, err)

	_, err = AcquireLock(path, "run-2")
	require.ErrorIs(t, err, ErrAlreadyHeld)

	require.NoError(t, lock.Release())

	lock2, err := AcquireLock(path, "run-3")
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireLock_WritesIdentity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.lock")
	lock, err := AcquireLock(path, "run-42")
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id": "run-42"`)
	assert.Contains(t, string(data), `"pid"`)
}
