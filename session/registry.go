package session

import "sync"

// Registry holds the live sessions of one Handler, keyed by stream SID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Add registers s. It reports false if the stream SID is taken.
func (r *Registry) Add(s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.StreamSID]; ok {
		return false
	}
	r.sessions[s.StreamSID] = s
	return true
}

// Get returns the session for streamSID.
func (r *Registry) Get(streamSID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[streamSID]
	return s, ok
}

// Remove unregisters and returns the session for streamSID, or nil.
func (r *Registry) Remove(streamSID string) *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[streamSID]
	if !ok {
		return nil
	}
	delete(r.sessions, streamSID)
	return s
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Drain removes and returns every session.
func (r *Registry) Drain() []*CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*CallSession, 0, len(r.sessions))
	for sid, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, sid)
	}
	return out
}
