package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(store, filepath.Join(dir, "workspace"))
	require.NoError(t, err)
	return m
}

func TestCreateMakesWorkspaceDir(t *testing.T) {
	m := newTestManager(t)

	meta, err := m.Create("fifo_design", "model-x")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(m.WorkspaceRoot(), meta.ID))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSanitizeID(t *testing.T) {
	id, err := SanitizeID("my design!?")
	require.NoError(t, err)
	assert.Equal(t, "mydesign", id)

	_, err = SanitizeID("!!!")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDeleteRefusesActiveSession(t *testing.T) {
	m := newTestManager(t)
	meta, err := m.Create("busy", "m")
	require.NoError(t, err)

	require.NoError(t, m.SetActive("web", meta.ID))
	assert.ErrorIs(t, m.Delete(meta.ID), ErrConflict)

	m.ClearActive("web")
	require.NoError(t, m.Delete(meta.ID))

	_, err = os.Stat(filepath.Join(m.WorkspaceRoot(), meta.ID))
	assert.True(t, os.IsNotExist(err), "workspace directory must be removed")
}

func TestActiveSessionPerTransport(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Create("a", "m")
	require.NoError(t, err)
	b, err := m.Create("b", "m")
	require.NoError(t, err)

	require.NoError(t, m.SetActive("web", a.ID))
	require.NoError(t, m.SetActive("mcp", b.ID))

	assert.Equal(t, a.ID, m.CurrentOf("web"))
	assert.Equal(t, b.ID, m.CurrentOf("mcp"))
	assert.Empty(t, m.CurrentOf("chat"))

	// The same session may be current in many transports.
	require.NoError(t, m.SetActive("chat", a.ID))
	assert.Equal(t, a.ID, m.CurrentOf("chat"))
}

func TestSetActiveUnknownSession(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.SetActive("web", "ghost"), ErrNotFound)
}

func TestWorkspaceMutationBumpsUpdatedAt(t *testing.T) {
	m := newTestManager(t)
	meta, err := m.Create("ws", "m")
	require.NoError(t, err)

	before, err := m.Open(meta.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	ws, err := m.Workspace(meta.ID)
	require.NoError(t, err)
	_, err = ws.Write("a.v", []byte("x"), 0)
	require.NoError(t, err)

	after, err := m.Open(meta.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt), "mutation must bump updated_at")
}

func TestWithWriteLockSerializes(t *testing.T) {
	m := newTestManager(t)
	meta, err := m.Create("serial", "m")
	require.NoError(t, err)

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithWriteLock(meta.ID, func() error {
				mu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				inCritical--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "writes to one session must be serialized")
}
