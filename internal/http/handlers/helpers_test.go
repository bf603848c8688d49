package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/http/middleware"
	"github.com/tbourn/telemsg-backend/internal/presence"
	"github.com/tbourn/telemsg-backend/internal/repo"
)

// ---------- stubs ----------

type sendCall struct {
	sender, target string
	typ            domain.MessageType
	content        string
	media          domain.Media
}

type stubMessenger struct {
	mu    sync.Mutex
	sends []sendCall
	err   error

	markRead   func(senderID, receiverID string) (int64, error)
	recall     func(messageID, operatorID string) (*domain.Message, error)
	softDelete func(messageID, operatorID string) error
}

func (s *stubMessenger) record(sender, target string, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sendCall{sender, target, typ, content, media})
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Message{MessageID: "m-" + target, SenderID: sender, Type: typ, Content: content, Status: domain.StatusSent}, nil
}

func (s *stubMessenger) SendPrivate(_ context.Context, senderID, receiverID string, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	m, err := s.record(senderID, receiverID, typ, content, media)
	if m != nil {
		m.ReceiverID = &receiverID
	}
	return m, err
}

func (s *stubMessenger) SendGroup(_ context.Context, senderID, groupID string, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	m, err := s.record(senderID, groupID, typ, content, media)
	if m != nil {
		m.GroupID = &groupID
	}
	return m, err
}

func (s *stubMessenger) MarkRead(_ context.Context, senderID, receiverID string) (int64, error) {
	return s.markRead(senderID, receiverID)
}

func (s *stubMessenger) Recall(_ context.Context, messageID, operatorID string) (*domain.Message, error) {
	return s.recall(messageID, operatorID)
}

func (s *stubMessenger) SoftDelete(_ context.Context, messageID, operatorID string) error {
	return s.softDelete(messageID, operatorID)
}

func (s *stubMessenger) sent() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.sends...)
}

type stubHistory struct {
	private func(userID, peerID string, page, size int) ([]domain.Message, int64, error)
	group   func(userID, groupID string, page, size int) ([]domain.Message, int64, error)
	search  func(userID, keyword string) ([]domain.Message, error)
	unread  func(userID string) (int64, error)
	gunread func(userID, groupID string, since time.Time) (int64, error)
	recent  func(userID string, limit int) ([]domain.ChatSummary, error)
}

func (s stubHistory) PrivateHistory(_ context.Context, userID, peerID string, page, size int) ([]domain.Message, int64, error) {
	return s.private(userID, peerID, page, size)
}

func (s stubHistory) GroupHistory(_ context.Context, userID, groupID string, page, size int) ([]domain.Message, int64, error) {
	return s.group(userID, groupID, page, size)
}

func (s stubHistory) Search(_ context.Context, userID, keyword string) ([]domain.Message, error) {
	return s.search(userID, keyword)
}

func (s stubHistory) UnreadCount(_ context.Context, userID string) (int64, error) {
	return s.unread(userID)
}

func (s stubHistory) GroupUnreadCount(_ context.Context, userID, groupID string, since time.Time) (int64, error) {
	return s.gunread(userID, groupID, since)
}

func (s stubHistory) RecentChats(_ context.Context, userID string, limit int) ([]domain.ChatSummary, error) {
	return s.recent(userID, limit)
}

type stubPresence struct {
	online map[string]bool
	kicked []string
}

func (p *stubPresence) GetOnlineCount() int         { return len(p.online) }
func (p *stubPresence) IsOnline(userID string) bool { return p.online[userID] }
func (p *stubPresence) SessionStats() presence.Stats {
	return presence.Stats{Total: len(p.online), Active: len(p.online)}
}
func (p *stubPresence) Kick(userID, reason string) bool {
	if !p.online[userID] {
		return false
	}
	delete(p.online, userID)
	p.kicked = append(p.kicked, userID+":"+reason)
	return true
}

// ---------- plumbing ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Identity(middleware.IdentityOptions{TrustHeader: true}))
	idem := middleware.IdempotencyValidator(middleware.IdempotencyOptions{Scope: IdempotencyScope}, nil)

	r.POST("/messages/private", idem, h.SendPrivate)
	r.POST("/groups/:id/messages", idem, h.SendGroup)
	r.GET("/groups/:id/messages", h.GroupHistory)
	r.GET("/conversations/:peer/messages", h.PrivateHistory)
	r.POST("/conversations/:peer/read", h.MarkRead)
	r.GET("/messages/search", h.Search)
	r.GET("/messages/unread", h.Unread)
	r.GET("/conversations", h.RecentChats)
	r.GET("/groups/:id/unread", h.GroupUnread)
	r.POST("/messages/:id/recall", h.Recall)
	r.DELETE("/messages/:id", h.Delete)
	r.GET("/presence/count", h.OnlineCount)
	r.GET("/presence/users/:id", h.UserPresence)
	r.POST("/presence/users/:id/kick", h.Kick)
	return r
}

type reqOpt func(*http.Request)

func asUser(id string) reqOpt {
	return func(r *http.Request) { r.Header.Set(middleware.HeaderUserID, id) }
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func do(t *testing.T, r http.Handler, method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func strPtr(s string) *string { return &s }

func seedMessage(t *testing.T, db *gorm.DB, id, from, to string, at time.Time) {
	t.Helper()
	m := &domain.Message{MessageID: id, SenderID: from, ReceiverID: strPtr(to), Type: domain.TypeText, Content: "c-" + id, CreatedAt: at}
	if _, err := repo.SaveMessage(context.Background(), db, m); err != nil {
		t.Fatalf("seed: %v", err)
	}
}
