package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/repo"
)

// ---------- test helpers ----------

func newMsgDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:msgsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := repo.CreateUser(context.Background(), db, id, "name-"+id); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
}

func countMessages(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Unscoped().Model(&domain.Message{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

type push struct {
	userID      string
	fingerprint string
	payload     []byte
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []push
	err    error
	onPush func(userID, fingerprint string)
}

func (p *fakePusher) Push(_ context.Context, userID, fingerprint string, payload []byte) error {
	if p.onPush != nil {
		p.onPush(userID, fingerprint)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{userID: userID, fingerprint: fingerprint, payload: payload})
	return p.err
}

func (p *fakePusher) all() []push {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]push(nil), p.pushes...)
}

type fakePresence map[string]bool

func (f fakePresence) IsOnline(userID string) bool { return f[userID] }

type broadcast struct {
	groupID, senderID string
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcast
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, groupID, senderID string, _ []byte) {
	b.mu.Lock()
	b.calls = append(b.calls, broadcast{groupID, senderID})
	b.mu.Unlock()
}

type failingUsers struct{}

func (failingUsers) Exists(context.Context, string) (bool, error) {
	return false, errors.New("directory down")
}

func (failingUsers) RecordLogin(context.Context, string, string, time.Time) error { return nil }

type fixture struct {
	db      *gorm.DB
	fps     *Fingerprints
	pusher  *fakePusher
	online  fakePresence
	router  *DeliveryRouter
	msgs    *MessageService
	clock   time.Time
	clockMu sync.Mutex
}

func (f *fixture) now() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.clock
}

func (f *fixture) setNow(t time.Time) {
	f.clockMu.Lock()
	f.clock = t
	f.clockMu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newMsgDB(t)
	f := &fixture{
		db:     db,
		fps:    NewFingerprints(nil),
		pusher: &fakePusher{},
		online: fakePresence{},
		clock:  time.Now().UTC(),
	}
	store := repo.MessageStore{DB: db}
	groups := repo.GroupMembership{DB: db}
	f.router = &DeliveryRouter{
		Users:        repo.UserDirectory{DB: db},
		Groups:       groups,
		Store:        store,
		Presence:     f.online,
		Pusher:       f.pusher,
		Fingerprints: f.fps,
	}
	f.msgs = &MessageService{
		Store:        store,
		History:      store,
		Groups:       groups,
		Fingerprints: f.fps,
		Now:          f.now,
	}
	return f
}
