package service

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockSessionConn implements sessionConn for tracker tests.
// Only Close() is meaningful; Send discards.
type mockSessionConn struct {
	id     string
	closed bool
	mu     sync.Mutex
}

func (c *mockSessionConn) ID() string {
	return c.id
}

func (c *mockSessionConn) Send([]byte, []int) error {
	return nil
}

func (c *mockSessionConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockSessionConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestSession(id string, connectedAt time.Time) (*hubSession, *mockSessionConn) {
	conn := &mockSessionConn{id: id}
	return &hubSession{
		conn:        conn,
		id:          id,
		connectedAt: connectedAt,
		owned:       make(map[string]struct{}),
		watches:     make(map[watchKey]struct{}),
	}, conn
}

func TestConnTracker_AddAndRemove(t *testing.T) {
	ct := newConnTracker()
	s, _ := newTestSession("conn-1", time.Now())

	ct.Add(s)
	if ct.Len() != 1 {
		t.Errorf("Len after Add: expected 1, got %d", ct.Len())
	}
	if got, ok := ct.Get("conn-1"); !ok || got != s {
		t.Errorf("Get: expected tracked session")
	}

	ct.Remove(s)
	if ct.Len() != 0 {
		t.Errorf("Len after Remove: expected 0, got %d", ct.Len())
	}
	if _, ok := ct.Get("conn-1"); ok {
		t.Errorf("Get after Remove: expected no session")
	}
}

func TestConnTracker_CloseStale_ClosesIdleOldSessions(t *testing.T) {
	ct := newConnTracker()

	stale, staleConn := newTestSession("stale", time.Now().Add(-time.Minute))
	fresh, freshConn := newTestSession("fresh", time.Now())
	ct.Add(stale)
	ct.Add(fresh)

	closed := ct.CloseStale(10 * time.Second)
	if closed != 1 {
		t.Errorf("CloseStale: expected 1 closed, got %d", closed)
	}
	if !staleConn.isClosed() {
		t.Error("stale session should be closed")
	}
	if freshConn.isClosed() {
		t.Error("fresh session should not be closed")
	}
	if ct.Len() != 1 {
		t.Errorf("Len after CloseStale: expected 1, got %d", ct.Len())
	}
}

func TestConnTracker_CloseStale_KeepsActiveSessions(t *testing.T) {
	ct := newConnTracker()
	old := time.Now().Add(-time.Minute)

	driving, drivingConn := newTestSession("driving", old)
	driving.owned["Dome"] = struct{}{}
	watching, watchingConn := newTestSession("watching", old)
	watching.watches[watchKey{device: "Dome"}] = struct{}{}
	ct.Add(driving)
	ct.Add(watching)

	if closed := ct.CloseStale(time.Second); closed != 0 {
		t.Errorf("CloseStale: expected 0 closed, got %d", closed)
	}
	if drivingConn.isClosed() || watchingConn.isClosed() {
		t.Error("active sessions should not be closed")
	}
}

func TestConnTracker_CloseAll(t *testing.T) {
	ct := newConnTracker()
	var conns []*mockSessionConn
	for i := range 3 {
		s, c := newTestSession(fmt.Sprintf("conn-%d", i), time.Now())
		s.owned["Dev"] = struct{}{}
		ct.Add(s)
		conns = append(conns, c)
	}

	if closed := ct.CloseAll(); closed != 3 {
		t.Errorf("CloseAll: expected 3 closed, got %d", closed)
	}
	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("conn %d should be closed", i)
		}
	}
	if ct.Len() != 0 {
		t.Errorf("Len after CloseAll: expected 0, got %d", ct.Len())
	}
}

func TestConnTracker_RemoveIdempotent(t *testing.T) {
	ct := newConnTracker()
	s, _ := newTestSession("conn-1", time.Now())

	ct.Add(s)
	ct.Remove(s)
	ct.Remove(s)

	if ct.Len() != 0 {
		t.Errorf("Len: expected 0, got %d", ct.Len())
	}
}

func TestConnTracker_Infos(t *testing.T) {
	ct := newConnTracker()
	now := time.Now()

	late, _ := newTestSession("b", now)
	early, _ := newTestSession("a", now.Add(-time.Second))
	early.owned["Rain Detector"] = struct{}{}
	early.owned["Dome"] = struct{}{}
	late.watches[watchKey{}] = struct{}{}
	ct.Add(late)
	ct.Add(early)

	infos := ct.Infos()
	if len(infos) != 2 {
		t.Fatalf("Infos: expected 2, got %d", len(infos))
	}
	if infos[0].ID != "a" || infos[1].ID != "b" {
		t.Errorf("Infos order: got %s, %s", infos[0].ID, infos[1].ID)
	}
	if len(infos[0].Devices) != 2 || infos[0].Devices[0] != "Dome" {
		t.Errorf("Devices: expected sorted [Dome Rain Detector], got %v", infos[0].Devices)
	}
	if infos[0].Watching {
		t.Error("a should not be watching")
	}
	if !infos[1].Watching {
		t.Error("b should be watching")
	}
}

func TestConnTracker_ConcurrentAccess(t *testing.T) {
	ct := newConnTracker()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _ := newTestSession(fmt.Sprintf("conn-%d", i), time.Now())
			ct.Add(s)
			_ = ct.Len()
			_ = ct.Infos()
			ct.Remove(s)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 10 {
			ct.CloseStale(time.Hour)
		}
	}()

	wg.Wait()

	if ct.Len() != 0 {
		t.Errorf("Len after concurrent ops: expected 0, got %d", ct.Len())
	}
}
