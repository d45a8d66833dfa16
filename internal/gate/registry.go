package gate

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rpggio/outpost/internal/transport"
)

const writeTimeout = 5 * time.Second

// Session is one connected gate client.
type Session struct {
	id        string
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(conn net.Conn) *Session {
	return &Session{id: transport.NewID(), conn: conn}
}

// ID returns the session's uuid.
func (s *Session) ID() string {
	return s.id
}

// Send writes one message frame. Concurrent sends do not interleave.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return transport.GateFramer.WriteJSON(s.conn, v)
}

// Close closes the connection once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// Registry tracks connected sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{sessions: map[string]*Session{}, logger: logger}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
	activeSessions.Set(float64(len(r.sessions)))
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
	activeSessions.Set(float64(len(r.sessions)))
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends a NOTIFY for event to every connected session.
func (r *Registry) Broadcast(event string, data any) {
	n, err := transport.NewNotification(event, data)
	if err != nil {
		r.logger.Error("encoding notification", "event", event, "error", err)
		return
	}
	for _, s := range r.snapshot() {
		if err := s.Send(n); err != nil {
			notificationsDropped.Inc()
			r.logger.Debug("notification not delivered", "session_id", s.id, "event", event, "error", err)
		}
	}
}

// CloseAll disconnects every session.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.Close()
	}
}
