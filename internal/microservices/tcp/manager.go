package tcp

import (
	"log/slog"
	"net"
	"slices"
	"sync"
)

// ConnectionManager is the registry of connected clients. One lock covers
// every mutation. Iteration works on a snapshot, so a client marked for
// removal stays registered until the pass that is currently running has
// finished and Purge is called.
type ConnectionManager struct {
	clients []*ClientConnection // insertion order is broadcast order
	mu      sync.RWMutex        // broadcasts share the read lock, mutations take the write lock
	logger  *slog.Logger
	next    uint16 // last client number handed out
}

// constructor for ConnectionManager
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{logger: logger}
}

// Add registers a freshly accepted socket at the legacy protocol version.
func (m *ConnectionManager) Add(conn net.Conn) *ClientConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	if m.next == 0 { // zero is never handed out
		m.next = 1
	}
	client := NewClientConnection(conn, m.next)
	m.clients = append(m.clients, client)
	m.logger.Info("client_added",
		"client_id", client.ID,
		"remote_addr", client.RemoteAddr(),
		"clients", len(m.clients),
	)
	return client
}

// MarkForRemoval flags client; the socket stays open until the next Purge.
func (m *ConnectionManager) MarkForRemoval(client *ClientConnection) {
	client.MarkForRemoval()
}

// Purge closes and drops every flagged client and returns how many went.
func (m *ConnectionManager) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.clients[:0]
	removed := 0
	for _, c := range m.clients {
		if !c.MarkedForRemoval() {
			kept = append(kept, c)
			continue
		}
		c.Close()
		removed++
		m.logger.Info("client_removed",
			"client_id", c.ID,
		)
	}
	clear(m.clients[len(kept):]) // drop references for the GC
	m.clients = kept
	return removed
}

// CloseAll closes every socket and empties the registry in one step.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		c.Close()
		m.logger.Info("client_connection_closed",
			"client_id", c.ID,
		)
	}
	m.clients = nil
}

// ForEach calls fn for every client registered when it was called. The
// lock only covers taking the snapshot, so fn may block on a socket.
func (m *ConnectionManager) ForEach(fn func(*ClientConnection)) {
	for _, c := range m.list() {
		fn(c)
	}
}

func (m *ConnectionManager) list() []*ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.clients)
}

func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Snapshot lists the registered clients for status reporting.
func (m *ConnectionManager) Snapshot() []ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c.Info())
	}
	return out
}
