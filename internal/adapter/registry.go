// Package adapter implements the session kinds a server can open: byte
// stream consoles (SSH, PTY helpers), graphical display transports (RDP,
// VNC, SPICE) and SFTP file access. It also tracks every live session per
// connection so an unload can tear them all down.
package adapter

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vmgate/vmgate/internal/connection"
)

const defaultIdleTimeout = 30 * time.Minute

// Registry tracks active sessions and enforces idle timeouts. The WebSocket
// route handler calls Touch on each message received; the background janitor
// closes sessions that have been idle too long.
type Registry struct {
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*tracked
}

type tracked struct {
	id           string
	connectionID string
	session      connection.Session
	lastMsg      time.Time
	done         chan struct{} // closed on removal to stop the idle goroutine
}

var _ connection.SessionTracker = (*Registry)(nil)

func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Registry{
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*tracked),
	}
}

// Track registers a session under its connection and starts idle
// monitoring. The returned ID addresses the session in Touch/Close.
func (r *Registry) Track(connectionID string, s connection.Session) string {
	t := &tracked{
		id:           uuid.NewString(),
		connectionID: connectionID,
		session:      s,
		lastMsg:      time.Now(),
		done:         make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[t.id] = t
	r.mu.Unlock()

	go r.watchIdle(t)
	log.Debug().Str("session_id", t.id).Str("connection_id", connectionID).Msg("session tracked")
	return t.id
}

func (r *Registry) watchIdle(t *tracked) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			cur, ok := r.sessions[t.id]
			if !ok {
				r.mu.Unlock()
				return
			}
			if time.Since(cur.lastMsg) >= r.idleTimeout {
				delete(r.sessions, t.id)
				close(cur.done)
				r.mu.Unlock()
				_ = t.session.Close()
				log.Info().Str("session_id", t.id).Msg("session closed after idle timeout")
				return
			}
			r.mu.Unlock()
		}
	}
}

// Touch resets the idle timer for a session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if t, ok := r.sessions[id]; ok {
		t.lastMsg = time.Now()
	}
	r.mu.Unlock()
}

// Get returns the tracked session, if still live.
func (r *Registry) Get(id string) (connection.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return t.session, true
}

// Close removes a session and closes it.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	t, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		close(t.done)
	}
	r.mu.Unlock()
	if ok {
		_ = t.session.Close()
	}
}

// CloseAll closes every session opened through the given connection. Called
// when the connection unloads.
func (r *Registry) CloseAll(connectionID string) {
	r.mu.Lock()
	var victims []*tracked
	for id, t := range r.sessions {
		if t.connectionID == connectionID {
			delete(r.sessions, id)
			close(t.done)
			victims = append(victims, t)
		}
	}
	r.mu.Unlock()
	for _, t := range victims {
		_ = t.session.Close()
	}
	if len(victims) > 0 {
		log.Debug().Str("connection_id", connectionID).Int("count", len(victims)).Msg("sessions closed on unload")
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
