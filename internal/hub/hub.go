package hub

import (
	"context"
	"sync"

	"podforge/internal/notify"
	"podforge/pkg/logger"

	"go.uber.org/zap"
)

// Conn is one live client connection. The hub only needs to push JSON
// and tear the connection down; the transport (WebSocket) lives in the
// API layer.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// userEntry guards one user's connection list. The per-user lock keeps
// fan-out to one user from blocking register/unregister for another.
type userEntry struct {
	mu    sync.Mutex
	conns []Conn
}

// Hub is the per-process registry of live connections, keyed by user.
// A user may hold any number of concurrent connections (tabs, devices).
type Hub struct {
	mu    sync.RWMutex
	users map[string]*userEntry
	conns map[Conn]string
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[string]*userEntry),
		conns: make(map[Conn]string),
	}
}

// Register adds a connection for a user. The entry lookup and the
// append happen under one h.mu hold: a concurrent Unregister that
// empties the user must not delete the entry between the two, or the
// new connection would land in an orphaned entry SendToUser can no
// longer reach.
func (h *Hub) Register(conn Conn, userID string) {
	h.mu.Lock()
	entry, ok := h.users[userID]
	if !ok {
		entry = &userEntry{}
		h.users[userID] = entry
	}
	h.conns[conn] = userID

	entry.mu.Lock()
	entry.conns = append(entry.conns, conn)
	count := len(entry.conns)
	entry.mu.Unlock()
	h.mu.Unlock()

	logger.Info("Connection registered",
		zap.String("user_id", userID),
		zap.Int("active_connections", count))
}

// Unregister removes a connection. Unknown connections are ignored.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	userID, ok := h.conns[conn]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn)

	entry := h.users[userID]
	if entry == nil {
		h.mu.Unlock()
		return
	}
	entry.mu.Lock()
	for i, c := range entry.conns {
		if c == conn {
			entry.conns = append(entry.conns[:i], entry.conns[i+1:]...)
			break
		}
	}
	empty := len(entry.conns) == 0
	entry.mu.Unlock()

	if empty {
		delete(h.users, userID)
	}
	h.mu.Unlock()

	logger.Info("Connection unregistered", zap.String("user_id", userID))
}

// SendToUser pushes a message to every open connection of a user.
// Best-effort: a user with zero connections is a silent no-op, and a
// write failure tears down only the failing connection.
func (h *Hub) SendToUser(userID string, message interface{}) {
	h.mu.RLock()
	entry, ok := h.users[userID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	var failed []Conn

	entry.mu.Lock()
	for _, conn := range entry.conns {
		if err := conn.WriteJSON(message); err != nil {
			logger.Error("Failed to send to connection",
				zap.String("user_id", userID),
				zap.Error(err))
			failed = append(failed, conn)
		}
	}
	entry.mu.Unlock()

	for _, conn := range failed {
		conn.Close()
		h.Unregister(conn)
	}
}

// Run consumes the bridge subscription and fans every event out to its
// owning user. This is the only place a hub learns about work done in
// another process. Returns when the stream closes or ctx is cancelled.
func (h *Hub) Run(ctx context.Context, events <-chan notify.ProgressEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.SendToUser(event.UserID, event)
		}
	}
}

// ActiveConnections returns the total number of open connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnectedUsers returns the number of users with at least one
// connection.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// IsUserConnected reports whether a user has any open connection.
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}
