package service

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// ConnInfo describes a connection served by a HubService.
type ConnInfo struct {
	ID          string
	ConnectedAt time.Time

	// Devices are the devices the connection drives.
	Devices []string

	// Watching reports whether the connection watches anything.
	Watching bool
}

// connTracker tracks the sessions of a HubService by connection ID.
type connTracker struct {
	mu       sync.Mutex
	sessions map[string]*hubSession
}

// newConnTracker creates a new connection tracker.
func newConnTracker() *connTracker {
	return &connTracker{
		sessions: make(map[string]*hubSession),
	}
}

// Add registers a session.
func (ct *connTracker) Add(s *hubSession) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.sessions[s.id] = s
}

// Remove deregisters a session. Safe to call on absent sessions.
func (ct *connTracker) Remove(s *hubSession) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.sessions, s.id)
}

// Get returns the session with the given connection ID.
func (ct *connTracker) Get(id string) (*hubSession, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	s, ok := ct.sessions[id]
	return s, ok
}

// Sessions returns the tracked sessions in no particular order.
func (ct *connTracker) Sessions() []*hubSession {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	list := make([]*hubSession, 0, len(ct.sessions))
	for _, s := range ct.sessions {
		list = append(list, s)
	}
	return list
}

// CloseStale closes sessions older than maxAge that neither drive a device
// nor watch anything. Returns the number of sessions closed.
func (ct *connTracker) CloseStale(maxAge time.Duration) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	closed := 0
	for id, s := range ct.sessions {
		if s.connectedAt.Before(cutoff) && s.idle() {
			_ = s.conn.Close()
			delete(ct.sessions, id)
			closed++
		}
	}
	return closed
}

// CloseAll closes and removes all tracked sessions.
func (ct *connTracker) CloseAll() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	closed := 0
	for id, s := range ct.sessions {
		_ = s.conn.Close()
		delete(ct.sessions, id)
		closed++
	}
	return closed
}

// Len returns the number of tracked sessions.
func (ct *connTracker) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.sessions)
}

// Infos returns a description of every session, oldest first.
func (ct *connTracker) Infos() []ConnInfo {
	list := ct.Sessions()
	infos := make([]ConnInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.info())
	}
	slices.SortFunc(infos, func(a, b ConnInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}
