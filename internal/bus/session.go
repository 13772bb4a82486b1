package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errSessionClosed = errors.New("session closed")
var errSendTimeout = errors.New("outbound buffer full past send timeout")

// Session is one open duplex channel to a single dashboard instance. It is
// owned exclusively by the hub for its connected lifetime; destruction is
// idempotent.
type Session struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(id string, conn *websocket.Conn, h *Hub) *Session {
	return &Session{
		id:   id,
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue hands a serialized event to the session's write pump. The attempt
// is bounded: when the outbound buffer stays full past the timeout the
// session is reported dead so the hub can drop it.
func (s *Session) enqueue(payload []byte, timeout time.Duration) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	if timeout <= 0 {
		select {
		case s.send <- payload:
			return nil
		case <-s.done:
			return errSessionClosed
		default:
			return errSendTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-timer.C:
		return errSendTimeout
	}
}

// close tears the session down. Safe to call any number of times.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// readPump consumes inbound frames for liveness only; the dashboard sends no
// application messages. A read error means the peer is gone.
func (s *Session) readPump() {
	defer s.hub.Unregister(s)

	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongTimeout))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("Session read error",
					zap.String("session_id", s.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump drains the outbound buffer and keeps the connection alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.hub.Unregister(s)
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
