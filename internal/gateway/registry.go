package gateway

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// connRegistry tracks the live socket per (user, tab) so a reconnecting tab
// replaces its previous connection instead of running two sessions.
type connRegistry struct {
	mu     sync.Mutex
	active map[string]map[string]*websocket.Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{active: make(map[string]map[string]*websocket.Conn)}
}

// register adds conn and closes any connection it replaces. The close
// handshake runs in the background so it never holds the registry lock.
func (m *connRegistry) register(userID, tabID string, conn *websocket.Conn) {
	m.mu.Lock()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	existing, replaced := m.active[userID][tabID]
	m.active[userID][tabID] = conn
	m.mu.Unlock()

	if replaced && existing != conn {
		slog.Info("Coaching connection replaced", "user_id", userID, "tab_id", tabID)
		go func() { _ = existing.Close(websocket.StatusNormalClosure, "session replaced") }()
	}
}

// unregister removes conn if it is still the current one for the tab.
func (m *connRegistry) unregister(userID, tabID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	if current, exists := sessions[tabID]; exists && current == conn {
		delete(sessions, tabID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
}

func (m *connRegistry) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
