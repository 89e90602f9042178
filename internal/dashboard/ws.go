package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/swarm/internal/store"
)

const (
	wsPingInterval  = 30 * time.Second
	wsPongTimeout   = 10 * time.Second
	wsWriteTimeout  = 5 * time.Second
	wsInitialEvents = 50
)

// session is one connected dashboard client.
type session struct {
	ID        string
	Conn      *websocket.Conn
	CreatedAt time.Time
}

type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager() *sessionManager {
	return &sessionManager{sessions: make(map[string]*session)}
}

func (m *sessionManager) add(conn *websocket.Conn) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := &session{
		ID:        uuid.New().String(),
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	m.sessions[sess.ID] = sess
	return sess
}

func (m *sessionManager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// eventMessage is the wire form of one agent event on the live feed.
type eventMessage struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agent_id"`
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

func toMessage(e *store.Event) eventMessage {
	return eventMessage{
		ID:        e.ID,
		AgentID:   e.AgentID,
		Type:      e.Type,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
}

// handleWebSocket streams agent events in real time: a backlog of recent
// events on connect, then every event as it is appended. The feed is
// read-only; client messages are drained only to detect disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := s.sessions.add(conn)
	defer s.sessions.remove(sess.ID)
	s.log.Info("dashboard client connected",
		"session_id", sess.ID, "remote", r.RemoteAddr)

	// Subscribe before sending the backlog so no event falls in the gap.
	sub := s.store.SubscribeEvents()
	defer s.store.UnsubscribeEvents(sub)

	if err := s.sendBacklog(conn); err != nil {
		s.log.Warn("initial event send failed", "session_id", sess.ID, "error", err)
		_ = conn.Close()
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(toMessage(e)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// sendBacklog sends the newest stored events in chronological order.
func (s *Server) sendBacklog(conn *websocket.Conn) error {
	events, err := s.store.RecentEvents(wsInitialEvents)
	if err != nil {
		return err
	}
	// RecentEvents returns id-descending; reverse for display order.
	msgs := make([]eventMessage, len(events))
	for i, e := range events {
		msgs[len(events)-1-i] = toMessage(e)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msgs)
}
