// Package presence tracks which users currently hold a live transport
// connection and how recently each of them was heard from.
//
// The Registry is the single owner of live Session state. It is sharded by
// an FNV hash of the user ID so unrelated users never contend on the same
// lock, and it keeps a second sharded index from connection ID back to user
// ID. Both indexes change together inside one critical section, always
// acquiring the user shard before the connection shard.
//
// Closing connections and notifying observers happen after every lock has
// been released, so a slow transport or observer cannot stall presence for
// other users.
package presence

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

// ErrConnectionBound is returned by Register when the connection is already
// bound to a different user.
var ErrConnectionBound = errors.New("presence: connection bound to another user")

// Conn is the opaque transport channel a Session tracks. The registry never
// owns the connection beyond closing it on teardown.
type Conn interface {
	// ID uniquely identifies the connection for the lifetime of the process.
	ID() string
	// Active reports whether the transport still considers the channel open.
	Active() bool
	Close() error
	RemoteAddr() string
}

// CloseReason says why a Session was torn down.
type CloseReason string

const (
	ReasonSuperseded CloseReason = "superseded"
	ReasonLogout     CloseReason = "logout"
	ReasonDisconnect CloseReason = "disconnect"
	ReasonExpired    CloseReason = "expired"
	ReasonKicked     CloseReason = "kicked"
)

// Session is the live binding between one user and one connection.
// Registry.Session hands out copies.
type Session struct {
	UserID          string
	Conn            Conn
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// liveSession is the registry's own record of a Session.
type liveSession struct {
	Session
	closeOnce sync.Once
}

// close releases the underlying connection at most once.
func (s *liveSession) close() {
	s.closeOnce.Do(func() {
		if s.Conn == nil || !s.Conn.Active() {
			return
		}
		if err := s.Conn.Close(); err != nil {
			log.Debug().Err(err).Str("user_id", s.UserID).Str("conn_id", s.Conn.ID()).Msg("close connection")
		}
	})
}

// Observer receives session lifecycle notifications. Callbacks run outside
// registry locks and must be safe for concurrent use.
type Observer interface {
	SessionOpened(userID string, conn Conn)
	SessionClosed(userID string, reason CloseReason)
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

type userShard struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
}

type connShard struct {
	mu    sync.Mutex
	users map[string]string // conn ID -> user ID
}

// Registry maps users to their single live Session. All methods are safe for
// concurrent use.
type Registry struct {
	users     []*userShard
	conns     []*connShard
	now       func() time.Time
	observers []Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithShards sets the shard count. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.users = make([]*userShard, n)
			r.conns = make([]*connShard, n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		users: make([]*userShard, DefaultShards),
		conns: make([]*connShard, DefaultShards),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	for i := range r.users {
		r.users[i] = &userShard{sessions: make(map[string]*liveSession)}
	}
	for i := range r.conns {
		r.conns[i] = &connShard{users: make(map[string]string)}
	}
	return r
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) userShard(userID string) *userShard {
	return r.users[shardIndex(userID, len(r.users))]
}

func (r *Registry) connShard(connID string) *connShard {
	return r.conns[shardIndex(connID, len(r.conns))]
}

// Register binds conn to userID. An existing Session for the user is torn
// down first and its connection closed, unless it is the very same
// connection, in which case the Session is simply refreshed.
func (r *Registry) Register(userID string, conn Conn) error {
	us := r.userShard(userID)
	cs := r.connShard(conn.ID())
	now := r.now()

	us.mu.Lock()
	cs.mu.Lock()
	if owner, ok := cs.users[conn.ID()]; ok && owner != userID {
		cs.mu.Unlock()
		us.mu.Unlock()
		return ErrConnectionBound
	}
	cs.users[conn.ID()] = userID
	cs.mu.Unlock()

	old := us.sessions[userID]
	if old != nil && old.Conn.ID() != conn.ID() {
		r.unindex(old.Conn.ID())
	}
	us.sessions[userID] = &liveSession{Session: Session{UserID: userID, Conn: conn, ConnectedAt: now, LastHeartbeatAt: now}}
	us.mu.Unlock()

	if old != nil {
		if old.Conn.ID() != conn.ID() {
			old.close()
		}
		r.notifyClosed(userID, ReasonSuperseded)
	}
	r.notifyOpened(userID, conn)
	return nil
}

// Unregister removes the Session for userID, closing its connection. It is
// a no-op when no Session exists.
func (r *Registry) Unregister(userID string) bool {
	return r.remove(userID, "", ReasonLogout, nil)
}

// UnregisterByConnection resolves conn back to its user and removes that
// Session, but only while conn is still the user's current connection. A
// disconnect for a connection that was already superseded is a no-op.
func (r *Registry) UnregisterByConnection(conn Conn) bool {
	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	userID, ok := cs.users[conn.ID()]
	cs.mu.Unlock()
	if !ok {
		return false
	}
	return r.remove(userID, conn.ID(), ReasonDisconnect, nil)
}

// EndSession removes the Session for userID only while conn is still its
// current connection, recording reason. A logout arriving on a connection
// that was already superseded leaves the newer Session alone.
func (r *Registry) EndSession(userID string, conn Conn, reason CloseReason) bool {
	return r.remove(userID, conn.ID(), reason, nil)
}

// Kick forcibly removes the Session for userID.
func (r *Registry) Kick(userID, reason string) bool {
	removed := r.remove(userID, "", ReasonKicked, nil)
	if removed {
		log.Info().Str("component", "presence").Str("user_id", userID).Str("reason", reason).Msg("session kicked")
	}
	return removed
}

// remove tears a Session down in one critical section. When connID is set
// the current Session must still own that connection; when keep is set it
// is consulted under the lock and may veto the removal.
func (r *Registry) remove(userID, connID string, reason CloseReason, keep func(*Session) bool) bool {
	us := r.userShard(userID)

	us.mu.Lock()
	s, ok := us.sessions[userID]
	if !ok || (connID != "" && s.Conn.ID() != connID) || (keep != nil && keep(&s.Session)) {
		us.mu.Unlock()
		return false
	}
	delete(us.sessions, userID)
	r.unindex(s.Conn.ID())
	us.mu.Unlock()

	s.close()
	r.notifyClosed(userID, reason)
	return true
}

// unindex drops a connection from the reverse index. Callers hold the owning
// user shard lock.
func (r *Registry) unindex(connID string) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	delete(cs.users, connID)
	cs.mu.Unlock()
}

// Lookup returns the live connection for userID, if any. The handle can be
// stale; callers that need reachability should use IsOnline.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	us := r.userShard(userID)
	us.mu.RLock()
	s, ok := us.sessions[userID]
	us.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Conn, true
}

// IsOnline reports whether userID has a Session whose connection the
// transport still reports open.
func (r *Registry) IsOnline(userID string) bool {
	conn, ok := r.Lookup(userID)
	return ok && conn.Active()
}

// Session returns a copy of the Session for userID.
func (r *Registry) Session(userID string) (Session, bool) {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	s, ok := us.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// UserForConnection returns the user currently bound to connID.
func (r *Registry) UserForConnection(connID string) (string, bool) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	u, ok := cs.users[connID]
	return u, ok
}

// Count returns the number of Sessions. Shards are read one at a time, so
// the result is weakly consistent under concurrent mutation.
func (r *Registry) Count() int {
	n := 0
	for _, us := range r.users {
		us.mu.RLock()
		n += len(us.sessions)
		us.mu.RUnlock()
	}
	return n
}

// ListOnlineUserIDs returns a snapshot of every user holding a Session.
func (r *Registry) ListOnlineUserIDs() []string {
	out := make([]string, 0, r.Count())
	for _, us := range r.users {
		us.mu.RLock()
		out = append(out, lo.Keys(us.sessions)...)
		us.mu.RUnlock()
	}
	return out
}

// Stats reports the number of Sessions and how many of them the transport
// still considers open.
func (r *Registry) Stats() Stats {
	var conns []Conn
	for _, us := range r.users {
		us.mu.RLock()
		for _, s := range us.sessions {
			conns = append(conns, s.Conn)
		}
		us.mu.RUnlock()
	}
	return Stats{
		Total:  len(conns),
		Active: lo.CountBy(conns, func(c Conn) bool { return c.Active() }),
	}
}

// touch refreshes the heartbeat timestamp of an existing Session.
func (r *Registry) touch(userID string) bool {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	s, ok := us.sessions[userID]
	if !ok {
		return false
	}
	s.LastHeartbeatAt = r.now()
	return true
}

// staleBefore lists users whose last heartbeat predates cutoff. The result is
// only a candidate list; eviction re-checks each entry under its lock.
func (r *Registry) staleBefore(cutoff time.Time) []string {
	var out []string
	for _, us := range r.users {
		us.mu.RLock()
		for id, s := range us.sessions {
			if s.LastHeartbeatAt.Before(cutoff) {
				out = append(out, id)
			}
		}
		us.mu.RUnlock()
	}
	return out
}

func (r *Registry) notifyOpened(userID string, conn Conn) {
	for _, o := range r.observers {
		o.SessionOpened(userID, conn)
	}
}

func (r *Registry) notifyClosed(userID string, reason CloseReason) {
	for _, o := range r.observers {
		o.SessionClosed(userID, reason)
	}
}
