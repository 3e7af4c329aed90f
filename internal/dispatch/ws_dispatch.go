package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/toll-recovery/internal/models"
)

// WSSession is one connected operator dashboard.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(d models.Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(d)
}

// WSRegistry broadcasts dispositions to all subscribed operator sessions.
// Sessions whose writes fail are dropped.
type WSRegistry struct {
	mu       sync.RWMutex
	nextID   int
	sessions map[int]*WSSession
	log      *slog.Logger
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &WSRegistry{sessions: make(map[int]*WSSession), log: log}
}

// Add registers a session and returns a remove func for connection teardown.
func (r *WSRegistry) Add(conn *websocket.Conn) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.sessions[id] = &WSSession{conn: conn}
	r.mu.Unlock()
	return func() { r.remove(id) }
}

func (r *WSRegistry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *WSRegistry) Dispatch(_ context.Context, d models.Disposition) error {
	r.mu.RLock()
	sessions := make(map[int]*WSSession, len(r.sessions))
	for id, s := range r.sessions {
		sessions[id] = s
	}
	r.mu.RUnlock()

	for id, s := range sessions {
		if err := s.Send(d); err != nil {
			r.log.Warn("ws send error, dropping session", "error", err)
			r.remove(id)
		}
	}
	return nil
}
