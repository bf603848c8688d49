package im

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/events"
	"github.com/tbourn/telemsg-backend/internal/presence"
	"github.com/tbourn/telemsg-backend/internal/repo"
	"github.com/tbourn/telemsg-backend/internal/services"
)

var testSecret = []byte("test-secret")

type stubConn struct {
	id     string
	remote string
	closed atomic.Bool
}

func (c *stubConn) ID() string         { return c.id }
func (c *stubConn) Active() bool       { return !c.closed.Load() }
func (c *stubConn) RemoteAddr() string { return c.remote }
func (c *stubConn) Close() error {
	c.closed.Store(true)
	return nil
}

type captureSink struct {
	mu      sync.Mutex
	reports []events.LossReport
	calls   int
}

func (s *captureSink) PublishLosses(_ context.Context, r []events.LossReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.reports = append(s.reports, r...)
	return nil
}

func (s *captureSink) snapshot() (int, []events.LossReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]events.LossReport(nil), s.reports...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type brokenDirectory struct{}

func (brokenDirectory) Exists(context.Context, string) (bool, error) {
	return false, errors.New("directory offline")
}

func (brokenDirectory) RecordLogin(context.Context, string, string, time.Time) error { return nil }

type imFixture struct {
	db      *gorm.DB
	clock   *clock
	reg     *presence.Registry
	fps     *services.Fingerprints
	router  *services.DeliveryRouter
	msgs    *services.MessageService
	sink    *captureSink
	adapter *Adapter
}

func newIMFixture(t *testing.T) *imFixture {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "im.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	clk := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	reg := presence.NewRegistry(presence.WithShards(4), presence.WithClock(clk.Now))
	tracker := presence.NewTracker(reg, 0, 0)
	t.Cleanup(tracker.Stop)

	fps := services.NewFingerprints(clk.Now)
	users := repo.UserDirectory{DB: db}
	store := repo.MessageStore{DB: db}
	groups := repo.GroupMembership{DB: db}
	router := &services.DeliveryRouter{
		Users:        users,
		Groups:       groups,
		Store:        store,
		Presence:     reg,
		Fingerprints: fps,
	}
	msgs := &services.MessageService{
		Store:        store,
		History:      store,
		Groups:       groups,
		Fingerprints: fps,
	}
	sink := &captureSink{}
	return &imFixture{
		db:     db,
		clock:  clk,
		reg:    reg,
		fps:    fps,
		router: router,
		msgs:   msgs,
		sink:   sink,
		adapter: &Adapter{
			Registry: reg,
			Tracker:  tracker,
			Users:    users,
			Router:   router,
			Messages: msgs,
			Logouts:  users,
			Losses:   sink,
			Now:      clk.Now,
		},
	}
}

func (f *imFixture) seedUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := repo.CreateUser(context.Background(), f.db, id, "name-"+id); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
}

func (f *imFixture) user(t *testing.T, id string) *domain.User {
	t.Helper()
	u, err := repo.GetUser(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

func signToken(t *testing.T, userID string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
	})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
