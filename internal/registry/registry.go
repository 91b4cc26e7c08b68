// Package registry tracks which transport connection currently serves a user.
// It is the single piece of cross-connection shared mutable state in the relay,
// so every operation runs under one mutex.
package registry

import (
	"sync"
	"time"

	"parley/internal/models"
)

// Session binds a user handle to one live connection.
type Session struct {
	Handle      string
	ConnID      string
	ConnectedAt time.Time

	// Events is the outbound queue for this connection. Write via Send, not
	// directly: a session may be closed concurrently by a disconnect.
	Events chan models.ServerEvent

	mu     sync.Mutex
	closed bool
}

// Send enqueues an event without blocking. Returns false if the session is
// closed or its queue is full; delivery is best-effort either way.
func (s *Session) Send(ev models.ServerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.Events <- ev:
		return true
	default:
		return false
	}
}

// Close closes the event queue exactly once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.Events)
}

type Registry struct {
	mu       sync.Mutex
	byHandle map[string]*Session
	byConn   map[string]string // connID -> handle
}

func New() *Registry {
	return &Registry{
		byHandle: make(map[string]*Session),
		byConn:   make(map[string]string),
	}
}

// Register maps handle to a new session, superseding any prior one
// (last-connect-wins). The superseded session, if any, is returned so the
// caller can force-close it.
func (r *Registry) Register(handle, connID string, events chan models.ServerEvent) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.byHandle[handle]
	if old != nil {
		delete(r.byConn, old.ConnID)
	}

	s := &Session{
		Handle:      handle,
		ConnID:      connID,
		ConnectedAt: time.Now(),
		Events:      events,
	}
	r.byHandle[handle] = s
	r.byConn[connID] = handle
	return old
}

// Resolve returns the live session for handle, or false if offline.
func (r *Registry) Resolve(handle string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHandle[handle]
	return s, ok
}

// Unregister removes the session owning connID. The mapping is removed only if
// it still points at that exact connection, so a late disconnect from a
// superseded session cannot evict the replacement.
func (r *Registry) Unregister(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	s := r.byHandle[handle]
	if s == nil || s.ConnID != connID {
		// Stale reverse entry, should not happen. Drop it either way.
		delete(r.byConn, connID)
		return nil, false
	}
	delete(r.byHandle, handle)
	delete(r.byConn, connID)
	return s, true
}

// Snapshot returns all live sessions. Used for presence broadcast.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}
