// Package stream delivers push events to browser clients over WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/ashureev/reqplan/internal/push"
	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// ErrNoConnection is returned by Publish when no client of the session is
// connected.
var ErrNoConnection = errors.New("no active connection for session")

// Hub tracks the open connections of every session. A session may have
// several connections, one per browser tab.
type Hub struct {
	mu      sync.RWMutex
	active  map[string]map[*websocket.Conn]struct{}
	metrics *metrics.Metrics
}

var _ push.Publisher = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		active:  make(map[string]map[*websocket.Conn]struct{}),
		metrics: m,
	}
}

// Register adds conn to sessionID.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[sessionID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		h.active[sessionID] = conns
	}
	if _, dup := conns[conn]; dup {
		return
	}
	conns[conn] = struct{}{}
	h.metrics.ConnectionOpened()
	slog.Info("Stream connection registered", "session_id", sessionID, "connections", len(conns))
}

// Unregister removes conn from sessionID.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[sessionID]
	if !ok {
		return
	}
	if _, exists := conns[conn]; !exists {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.active, sessionID)
	}
	h.metrics.ConnectionClosed()
	slog.Info("Stream connection unregistered", "session_id", sessionID)
}

// Connections returns the connections of sessionID.
func (h *Hub) Connections(sessionID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.active[sessionID]))
	for c := range h.active[sessionID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of open connections across sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.active {
		n += len(conns)
	}
	return n
}

// CloseSession closes every connection of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	conns := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		h.metrics.ConnectionClosed()
	}
	if len(conns) > 0 {
		slog.Info("Stream session closed", "session_id", sessionID, "connections", len(conns))
	}
}

// Publish writes ev to every connection of its session.
func (h *Hub) Publish(ctx context.Context, ev push.Event) error {
	conns := h.Connections(ev.SessionID)
	if len(conns) == 0 {
		return ErrNoConnection
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var errs []error
	for _, conn := range conns {
		if err := write(ctx, conn, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
