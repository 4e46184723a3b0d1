// Package chatws carries practice chat turns over a WebSocket.
package chatws

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnectionManager tracks the live connection of each session. A session
// has at most one connection; a newer one replaces the older.
type ConnectionManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{active: make(map[string]*websocket.Conn)}
}

// Register attaches conn to sessionID, closing any previous connection.
func (m *ConnectionManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "session opened elsewhere")
	}
	m.active[sessionID] = conn
	slog.Info("Chat connection registered", "session_id", sessionID)
}

// Unregister detaches conn if it is still the session's current connection.
func (m *ConnectionManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		slog.Info("Chat connection unregistered", "session_id", sessionID)
	}
}

// Len returns the number of attached sessions.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
