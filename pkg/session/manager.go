package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

// Manager coordinates session lifecycle, workspace directories and the
// per-transport notion of "current session". Writes to a given session are
// serialized; different sessions are independent.
type Manager struct {
	store         *Store
	workspaceRoot string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // per-session writer locks
	active map[string]string      // transport tag -> session id
}

// NewManager creates a manager over the given store, with workspaces under
// workspaceRoot (one subdirectory per session id).
func NewManager(store *Store, workspaceRoot string) (*Manager, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{
		store:         store,
		workspaceRoot: abs,
		locks:         make(map[string]*sync.Mutex),
		active:        make(map[string]string),
	}, nil
}

// Store exposes the underlying store for read paths.
func (m *Manager) Store() *Store { return m.store }

// WorkspaceRoot returns the root directory holding all session workspaces.
func (m *Manager) WorkspaceRoot() string { return m.workspaceRoot }

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// WithWriteLock runs fn while holding the session's writer lock. One user
// message is fully processed before the next begins for that session.
func (m *Manager) WithWriteLock(id string, fn func() error) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// SanitizeID reduces a human-chosen name to a safe session id.
func SanitizeID(name string) (string, error) {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		}
	}
	id := b.String()
	if id == "" {
		return "", fmt.Errorf("%w: invalid session name %q", ErrConflict, name)
	}
	return id, nil
}

// Create creates a session and its workspace directory.
func (m *Manager) Create(name, model string) (*Meta, error) {
	id, err := SanitizeID(name)
	if err != nil {
		return nil, err
	}

	meta, err := m.store.CreateSession(id, name, model)
	if err != nil {
		return nil, err
	}
	if _, err := workspace.NewStore(filepath.Join(m.workspaceRoot, id)); err != nil {
		return nil, err
	}
	return meta, nil
}

// Open returns metadata for an existing session.
func (m *Manager) Open(id string) (*Meta, error) {
	return m.store.GetSession(id)
}

// List returns all sessions.
func (m *Manager) List() ([]Meta, error) {
	return m.store.ListSessions()
}

// Delete removes a session. It refuses if the session is current in any
// transport, and removes the workspace directory only after the metadata row
// is gone.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	for transport, cur := range m.active {
		if cur == id {
			m.mu.Unlock()
			return fmt.Errorf("%w: session %q is active in transport %q", ErrConflict, id, transport)
		}
	}
	m.mu.Unlock()

	if err := m.store.DeleteSession(id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.workspaceRoot, id)); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}

	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
	return nil
}

// Workspace returns the session's workspace store. Mutations bump the
// session's last-updated timestamp.
func (m *Manager) Workspace(id string) (*workspace.Store, error) {
	if _, err := m.store.GetSession(id); err != nil {
		return nil, err
	}
	ws, err := workspace.NewStore(filepath.Join(m.workspaceRoot, id))
	if err != nil {
		return nil, err
	}
	ws.OnMutate(func() { _ = m.store.TouchSession(id) })
	return ws, nil
}

// SetActive marks the session current for a transport. A session may be
// current in many transports at once.
func (m *Manager) SetActive(transport, id string) error {
	if _, err := m.store.GetSession(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.active[transport] = id
	m.mu.Unlock()
	return nil
}

// ClearActive drops a transport's current-session pointer.
func (m *Manager) ClearActive(transport string) {
	m.mu.Lock()
	delete(m.active, transport)
	m.mu.Unlock()
}

// CurrentOf returns the transport's current session id, or "" when unset.
func (m *Manager) CurrentOf(transport string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[transport]
}

// AppendTurns persists turns plus a usage delta atomically.
func (m *Manager) AppendTurns(id string, turns []Turn, inTok, outTok int, cost float64) error {
	return m.store.AppendTurns(id, turns, inTok, outTok, cost)
}

// Turns returns the session's conversation history.
func (m *Manager) Turns(id string) ([]Turn, error) {
	return m.store.Turns(id)
}

// SaveCheckpoint persists a transport-scoped checkpoint blob.
func (m *Manager) SaveCheckpoint(id, transport string, blob []byte) error {
	return m.store.SaveCheckpoint(id, transport, blob)
}

// LoadCheckpoint loads a checkpoint; nil means no usable checkpoint.
func (m *Manager) LoadCheckpoint(id, transport string) []byte {
	return m.store.LoadCheckpoint(id, transport)
}
