// Package bus implements the broadcast hub that fans internal state-change
// events out to connected dashboard sessions, and the reconnecting client
// used by in-process consumers.
package bus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/pkg/metrics"
)

// Hub owns the set of connected dashboard sessions and fans published events
// out to all of them. It holds no durable state: a restarted hub simply
// starts with an empty session set.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	closed   bool

	cfg      config.WSConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub creates a Hub with the given websocket configuration.
func NewHub(cfg config.WSConfig, logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register adds a session to the active set. Registering a session that is
// already present is a no-op.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.sessions[s]; ok {
		return
	}
	h.sessions[s] = struct{}{}
	metrics.ActiveSessions.Inc()
	h.logger.Debug("Session registered",
		zap.String("session_id", s.id),
		zap.Int("active", len(h.sessions)))
}

// Unregister removes a session from the active set and closes it. Safe to
// call multiple times or for a session that was never registered.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		metrics.ActiveSessions.Dec()
	}
	active := len(h.sessions)
	h.mu.Unlock()

	s.close()
	if ok {
		h.logger.Debug("Session unregistered",
			zap.String("session_id", s.id),
			zap.Int("active", active))
	}
}

// Publish delivers the event to every session registered at call time.
// Delivery is independent per session: a dead or stalled session is dropped
// and never stalls the bus or surfaces an error to the producer. Events are
// not persisted; sessions connecting later never receive them.
func (h *Hub) Publish(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("kind", string(evt.Type)), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()

	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	for _, s := range snapshot {
		if err := s.enqueue(payload, h.cfg.SendTimeout); err != nil {
			// Backpressure policy is drop-and-disconnect: a session whose
			// outbound buffer stays full past the send timeout is dead.
			metrics.SessionsDropped.Inc()
			h.logger.Warn("Dropping unresponsive session",
				zap.String("session_id", s.id),
				zap.String("kind", string(evt.Type)),
				zap.Error(err))
			h.Unregister(s)
		}
	}
}

// SessionCount returns the number of currently registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeWS upgrades an HTTP request to a websocket session and registers it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s := newSession(uuid.NewString(), conn, h)
	h.Register(s)
	go s.writePump()
	go s.readPump()
}

// Shutdown closes every session and rejects further registrations.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	snapshot := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.sessions = make(map[*Session]struct{})
	h.mu.Unlock()

	for _, s := range snapshot {
		s.close()
		metrics.ActiveSessions.Dec()
	}
	h.logger.Info("Broadcast hub shut down", zap.Int("sessions_closed", len(snapshot)))
}
