package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id     string
	closes atomic.Int32
	dead   atomic.Bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) Active() bool       { return !c.dead.Load() }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:5000" }
func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.dead.Store(true)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type event struct {
	user   string
	opened bool
	reason CloseReason
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) SessionOpened(userID string, _ Conn) {
	r.mu.Lock()
	r.events = append(r.events, event{user: userID, opened: true})
	r.mu.Unlock()
}

func (r *recorder) SessionClosed(userID string, reason CloseReason) {
	r.mu.Lock()
	r.events = append(r.events, event{user: userID, reason: reason})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func TestRegister_LookupAndIsOnline(t *testing.T) {
	r := NewRegistry(WithShards(4))
	c := newConn("c1")
	if err := r.Register("u1", c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Lookup("u1")
	if !ok || got.ID() != "c1" {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
	if !r.IsOnline("u1") {
		t.Fatalf("u1 should be online")
	}
	if r.IsOnline("u2") {
		t.Fatalf("u2 should be offline")
	}

	// handle still registered but transport says closed
	c.dead.Store(true)
	if r.IsOnline("u1") {
		t.Fatalf("inactive connection must not count as online")
	}
	if _, ok := r.Lookup("u1"); !ok {
		t.Fatalf("Lookup should still return the stale handle")
	}
}

func TestRegister_SupersedesAndClosesPrevious(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(WithObserver(rec))
	c1, c2 := newConn("c1"), newConn("c2")

	_ = r.Register("u1", c1)
	_ = r.Register("u1", c2)

	if c1.closes.Load() != 1 {
		t.Fatalf("c1 closed %d times; want 1", c1.closes.Load())
	}
	if c2.closes.Load() != 0 {
		t.Fatalf("c2 must stay open")
	}
	got, _ := r.Lookup("u1")
	if got.ID() != "c2" {
		t.Fatalf("lookup routed to %s; want c2", got.ID())
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d; want 1", r.Count())
	}
	if _, ok := r.UserForConnection("c1"); ok {
		t.Fatalf("reverse index still holds superseded connection")
	}

	ev := rec.snapshot()
	want := []event{{user: "u1", opened: true}, {user: "u1", reason: ReasonSuperseded}, {user: "u1", opened: true}}
	if len(ev) != len(want) {
		t.Fatalf("events = %+v", ev)
	}
	for i := range want {
		if ev[i] != want[i] {
			t.Fatalf("event %d = %+v; want %+v", i, ev[i], want[i])
		}
	}
}

func TestRegister_SameConnectionTwiceKeepsItOpen(t *testing.T) {
	r := NewRegistry()
	c := newConn("c1")
	_ = r.Register("u1", c)
	_ = r.Register("u1", c)
	if c.closes.Load() != 0 {
		t.Fatalf("re-login on the same connection closed it")
	}
	if !r.IsOnline("u1") || r.Count() != 1 {
		t.Fatalf("expected one live session")
	}
	if u, ok := r.UserForConnection("c1"); !ok || u != "u1" {
		t.Fatalf("reverse index lost: %q %v", u, ok)
	}
}

func TestRegister_ConnectionBoundToAnotherUser(t *testing.T) {
	r := NewRegistry()
	c := newConn("c1")
	_ = r.Register("u1", c)
	if err := r.Register("u2", c); !errors.Is(err, ErrConnectionBound) {
		t.Fatalf("expected ErrConnectionBound, got %v", err)
	}
	if r.IsOnline("u2") {
		t.Fatalf("u2 must not be registered")
	}
	if u, _ := r.UserForConnection("c1"); u != "u1" {
		t.Fatalf("connection rebound to %q", u)
	}
}

func TestUnregister_IdempotentAndClosesOnce(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(WithObserver(rec))
	c := newConn("c1")
	_ = r.Register("u1", c)

	if !r.Unregister("u1") {
		t.Fatalf("first Unregister should remove")
	}
	if r.Unregister("u1") {
		t.Fatalf("second Unregister should be a no-op")
	}
	if c.closes.Load() != 1 {
		t.Fatalf("closed %d times; want 1", c.closes.Load())
	}
	if _, ok := r.UserForConnection("c1"); ok {
		t.Fatalf("reverse index not cleaned")
	}
	ev := rec.snapshot()
	if len(ev) != 2 || ev[1].reason != ReasonLogout {
		t.Fatalf("events = %+v", ev)
	}
}

func TestUnregister_AlreadyClosedConnectionIsNotClosedAgain(t *testing.T) {
	r := NewRegistry()
	c := newConn("c1")
	_ = r.Register("u1", c)
	c.dead.Store(true)
	r.Unregister("u1")
	if c.closes.Load() != 0 {
		t.Fatalf("closed an inactive connection")
	}
}

func TestUnregisterByConnection(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(WithObserver(rec))
	c := newConn("c1")
	_ = r.Register("u1", c)

	if !r.UnregisterByConnection(c) {
		t.Fatalf("expected removal")
	}
	if r.IsOnline("u1") || r.Count() != 0 {
		t.Fatalf("session survived disconnect")
	}
	if r.UnregisterByConnection(c) {
		t.Fatalf("unknown connection must be a no-op")
	}
	ev := rec.snapshot()
	if ev[len(ev)-1].reason != ReasonDisconnect {
		t.Fatalf("last event = %+v", ev[len(ev)-1])
	}
}

func TestUnregisterByConnection_StaleDisconnectIsNoop(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newConn("c1"), newConn("c2")
	_ = r.Register("u1", c1)
	_ = r.Register("u1", c2)

	// late disconnect for the superseded connection
	if r.UnregisterByConnection(c1) {
		t.Fatalf("stale disconnect evicted the newer session")
	}
	got, ok := r.Lookup("u1")
	if !ok || got.ID() != "c2" || c2.closes.Load() != 0 {
		t.Fatalf("newer session disturbed: %v %v", got, ok)
	}
}

func TestEndSession_OnlyForCurrentConnection(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(WithObserver(rec))
	c1, c2 := newConn("c1"), newConn("c2")
	_ = r.Register("u1", c1)
	_ = r.Register("u1", c2)

	if r.EndSession("u1", c1, ReasonLogout) {
		t.Fatalf("logout on superseded connection ended the newer session")
	}
	if !r.EndSession("u1", c2, ReasonLogout) {
		t.Fatalf("logout on current connection should end the session")
	}
	if c2.closes.Load() != 1 || r.IsOnline("u1") {
		t.Fatalf("session still alive after logout")
	}
	ev := rec.snapshot()
	if ev[len(ev)-1].reason != ReasonLogout {
		t.Fatalf("last event = %+v", ev[len(ev)-1])
	}
}

func TestKick_ClosesAndRemoves(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(WithObserver(rec))
	c := newConn("c1")
	_ = r.Register("u1", c)

	if !r.Kick("u1", "admin request") {
		t.Fatalf("Kick should remove")
	}
	if c.closes.Load() != 1 || r.IsOnline("u1") {
		t.Fatalf("kicked session still alive")
	}
	if r.Kick("u1", "again") {
		t.Fatalf("Kick of absent user should be false")
	}
	ev := rec.snapshot()
	if ev[len(ev)-1].reason != ReasonKicked {
		t.Fatalf("last event = %+v", ev[len(ev)-1])
	}
}

func TestCountListAndStats(t *testing.T) {
	r := NewRegistry(WithShards(3))
	conns := map[string]*fakeConn{}
	for i := 0; i < 10; i++ {
		u := fmt.Sprintf("u%d", i)
		conns[u] = newConn("c-" + u)
		_ = r.Register(u, conns[u])
	}
	conns["u3"].dead.Store(true)
	conns["u7"].dead.Store(true)

	if r.Count() != 10 {
		t.Fatalf("Count = %d", r.Count())
	}
	ids := r.ListOnlineUserIDs()
	sort.Strings(ids)
	if len(ids) != 10 || ids[0] != "u0" || ids[9] != "u9" {
		t.Fatalf("ListOnlineUserIDs = %v", ids)
	}
	st := r.Stats()
	if st.Total != 10 || st.Active != 8 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestSessionCopy(t *testing.T) {
	clk := newClock()
	r := NewRegistry(WithClock(clk.Now))
	_ = r.Register("u1", newConn("c1"))
	s, ok := r.Session("u1")
	if !ok || !s.ConnectedAt.Equal(clk.Now()) || !s.LastHeartbeatAt.Equal(clk.Now()) {
		t.Fatalf("Session = %+v, %v", s, ok)
	}
	if _, ok := r.Session("nobody"); ok {
		t.Fatalf("unexpected session")
	}
}

func TestSessionCopy_IsDetachedFromRegistry(t *testing.T) {
	clk := newClock()
	r := NewRegistry(WithClock(clk.Now))
	c1 := newConn("c1")
	_ = r.Register("u1", c1)

	held, _ := r.Session("u1")
	again := held
	again.LastHeartbeatAt = again.LastHeartbeatAt.Add(time.Hour)
	if cur, _ := r.Session("u1"); !cur.LastHeartbeatAt.Equal(clk.Now()) {
		t.Fatalf("editing a copy changed the registry: %+v", cur)
	}

	c2 := newConn("c2")
	_ = r.Register("u1", c2)
	r.Unregister("u1")
	r.Unregister("u1")
	if c1.closes.Load() != 1 || c2.closes.Load() != 1 {
		t.Fatalf("closes c1=%d c2=%d; want 1 each", c1.closes.Load(), c2.closes.Load())
	}
	if held.Conn.ID() != "c1" || held.UserID != "u1" {
		t.Fatalf("held copy changed: %+v", held)
	}
}

func TestConcurrentRegisterStorm_OneSessionPerUser(t *testing.T) {
	r := NewRegistry(WithShards(8))
	const users, perUser = 8, 40

	all := make([][]*fakeConn, users)
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		all[u] = make([]*fakeConn, perUser)
		for i := 0; i < perUser; i++ {
			all[u][i] = newConn(fmt.Sprintf("c-%d-%d", u, i))
		}
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(uid string, c *fakeConn, drop bool) {
				defer wg.Done()
				_ = r.Register(uid, c)
				if drop {
					r.UnregisterByConnection(c)
				}
			}(fmt.Sprintf("u%d", u), all[u][i], i%5 == 0)
		}
	}
	wg.Wait()

	if r.Count() > users {
		t.Fatalf("leaked sessions: %d", r.Count())
	}
	for u := 0; u < users; u++ {
		uid := fmt.Sprintf("u%d", u)
		live := 0
		for _, c := range all[u] {
			if owner, ok := r.UserForConnection(c.ID()); ok {
				if owner != uid {
					t.Fatalf("connection %s mapped to %s", c.ID(), owner)
				}
				live++
			}
			if c.closes.Load() > 1 {
				t.Fatalf("connection %s closed %d times", c.ID(), c.closes.Load())
			}
		}
		cur, ok := r.Lookup(uid)
		switch {
		case ok && live != 1:
			t.Fatalf("%s: %d indexed connections for one session", uid, live)
		case ok && cur.(*fakeConn).closes.Load() != 0:
			t.Fatalf("%s: current connection was closed", uid)
		case !ok && live != 0:
			t.Fatalf("%s: reverse index leaked %d entries", uid, live)
		}
	}
}
