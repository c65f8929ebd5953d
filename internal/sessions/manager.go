package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Manager maps conversation keys to agent session IDs, backed by a single
// JSON file. Reads return copy-on-write snapshots; every mutation rewrites
// the whole file atomically under the manager's lock.
type Manager struct {
	mu       sync.Mutex
	bindings map[string]string // {channel}:{chatId} → agent session ID
	path     string
}

// NewManager creates a Manager backed by the given JSON file.
// A missing file starts empty; an unreadable file is logged and treated
// as empty (the next write replaces it).
func NewManager(path string) *Manager {
	m := &Manager{
		bindings: make(map[string]string),
		path:     path,
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to read session map", "path", m.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &m.bindings); err != nil {
		slog.Error("corrupt session map, starting empty", "path", m.path, "error", err)
		m.bindings = make(map[string]string)
	}
}

// Get returns the agent session ID bound to key, or "" if none.
func (m *Manager) Get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[key]
}

// Set binds key to sessionID and persists the map.
func (m *Manager) Set(key, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[key] = sessionID
	return m.save()
}

// Clear removes the binding for key and persists the map.
// Returns the previous session ID ("" if there was none).
func (m *Manager) Clear(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.bindings[key]
	if !ok {
		return "", nil
	}
	delete(m.bindings, key)
	return prev, m.save()
}

// Snapshot returns a copy of all current bindings.
func (m *Manager) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.bindings))
	for k, v := range m.bindings {
		out[k] = v
	}
	return out
}

// Len returns the number of active bindings.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}

// save rewrites the whole map file atomically (temp file → rename).
// Caller must hold m.mu.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.bindings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session map: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, m.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
