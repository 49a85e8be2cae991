package session

import "time"

// Session is the metadata recorded for a live connection.
type Session struct {
	ConnID      string
	DeviceID    string
	OriginAddr  string
	ConnectedAt time.Time
}

// Registry maps connection IDs to sessions. It is not safe for concurrent
// use; the lifecycle manager serialises all access.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a session for connID, replacing any previous entry.
func (r *Registry) Create(connID, deviceID, originAddr string, now time.Time) *Session {
	s := &Session{
		ConnID:      connID,
		DeviceID:    deviceID,
		OriginAddr:  originAddr,
		ConnectedAt: now,
	}
	r.sessions[connID] = s
	return s
}

// Get returns the session for connID, or nil if none exists.
func (r *Registry) Get(connID string) *Session {
	return r.sessions[connID]
}

// Delete removes the session for connID. It reports whether one existed.
func (r *Registry) Delete(connID string) bool {
	if _, ok := r.sessions[connID]; !ok {
		return false
	}
	delete(r.sessions, connID)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}
