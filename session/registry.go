package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry is the in-memory table of live sessions, keyed by the hex
// encoding of the server-assigned UUID. All mutation happens on the caller
// that owns the connection, including the stale-session sweep, which runs
// synchronously in CleanupStale; the mutex guards the map.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      logrus.FieldLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Register adds a session built around a server-assigned UUID.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.Key()] = s
	r.mu.Unlock()
}

// Get looks a session up by its key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	r.mu.Unlock()
	return s, ok
}

// Remove drops a session from the registry. A session still inside a
// transaction is logged; the server will abort it when the session expires.
func (r *Registry) Remove(key string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if ok && s.TransactionRunning() {
		r.log.WithField("lsid", key).Warn("ending session with a transaction still in progress")
	}

	return s, ok
}

// All returns every live session.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return n
}

// CleanupStale drops sessions unused for longer than maxIdle and returns
// how many were removed.
func (r *Registry) CleanupStale(maxIdle time.Duration) int {
	r.mu.Lock()
	var removed int
	for key, s := range r.sessions {
		if s.expired(maxIdle) {
			delete(r.sessions, key)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.log.WithField("count", removed).Debug("garbage collected stale sessions")
	}

	return removed
}
