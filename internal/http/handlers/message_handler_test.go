package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/http/middleware"
	"github.com/tbourn/telemsg-backend/internal/services"
)

func TestSendPrivate_CreatesAndDefaultsType(t *testing.T) {
	msg := &stubMessenger{}
	r := newTestRouter(New(msg, stubHistory{}, &stubPresence{}))

	w := do(t, r, http.MethodPost, "/messages/private", SendMessageRequest{ReceiverID: " bob ", Content: "hi", MediaURL: "u", FileSize: 3}, asUser("alice"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	resp := decode[MessageResponse](t, w)
	if resp.Message == nil || *resp.Message.ReceiverID != "bob" {
		t.Fatalf("resp = %+v", resp.Message)
	}
	calls := msg.sent()
	if len(calls) != 1 || calls[0] != (sendCall{"alice", "bob", domain.TypeText, "hi", domain.Media{URL: "u", FileSize: 3}}) {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestSendPrivate_RequestErrors(t *testing.T) {
	msg := &stubMessenger{}
	r := newTestRouter(New(msg, stubHistory{}, &stubPresence{}))

	if w := do(t, r, http.MethodPost, "/messages/private", SendMessageRequest{ReceiverID: "bob", Content: "x"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/messages/private", SendMessageRequest{Content: "x"}, asUser("alice")); w.Code != http.StatusBadRequest {
		t.Fatalf("missing receiver = %d", w.Code)
	}
	if len(msg.sent()) != 0 {
		t.Fatalf("service called on bad request")
	}
}

func TestSendPrivate_ServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrEmptyContent, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrInvalidType, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrTooLong, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrReceiverNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrNotMember, http.StatusForbidden, ErrCodeForbidden},
		{services.ErrRecallExpired, http.StatusConflict, ErrCodeRecallExpired},
		{services.ErrAlreadyRecalled, http.StatusConflict, ErrCodeConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeSendFailed},
	}
	for _, c := range cases {
		t.Run(c.err.Error(), func(t *testing.T) {
			r := newTestRouter(New(&stubMessenger{err: c.err}, stubHistory{}, &stubPresence{}))
			w := do(t, r, http.MethodPost, "/messages/private", SendMessageRequest{ReceiverID: "bob", Content: "x"}, asUser("alice"))
			if w.Code != c.status {
				t.Fatalf("status = %d; want %d", w.Code, c.status)
			}
			if got := decode[ErrorResponse](t, w); got.Code != c.code || got.RequestID == "" {
				t.Fatalf("body = %+v", got)
			}
		})
	}
}

func TestSendGroup_UsesPathGroup(t *testing.T) {
	msg := &stubMessenger{}
	r := newTestRouter(New(msg, stubHistory{}, &stubPresence{}))
	w := do(t, r, http.MethodPost, "/groups/g1/messages", SendMessageRequest{Type: domain.TypeImage, MediaURL: "https://cdn/x.png"}, asUser("alice"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	calls := msg.sent()
	if len(calls) != 1 || calls[0].target != "g1" || calls[0].typ != domain.TypeImage {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestSend_IdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	seedMessage(t, db, "m-bob", "alice", "bob", time.Now().UTC())

	msg := &stubMessenger{}
	h := New(msg, stubHistory{}, &stubPresence{})
	h.DB = db
	r := newTestRouter(h)

	body := SendMessageRequest{ReceiverID: "bob", Content: "once"}
	first := do(t, r, http.MethodPost, "/messages/private", body, asUser("alice"), withHeader(middleware.HeaderIdempotencyKey, "k-1"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first = %d %s", first.Code, first.Body.String())
	}
	second := do(t, r, http.MethodPost, "/messages/private", body, asUser("alice"), withHeader(middleware.HeaderIdempotencyKey, "k-1"))
	if second.Code != http.StatusOK || second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay = %d headers=%v", second.Code, second.Header())
	}
	if got := decode[MessageResponse](t, second); got.Message.MessageID != "m-bob" {
		t.Fatalf("replayed %+v", got.Message)
	}
	if n := len(msg.sent()); n != 1 {
		t.Fatalf("service called %d times", n)
	}

	// same key from another user, or in a group scope, is a fresh send
	do(t, r, http.MethodPost, "/messages/private", body, asUser("carol"), withHeader(middleware.HeaderIdempotencyKey, "k-1"))
	do(t, r, http.MethodPost, "/groups/g1/messages", body, asUser("alice"), withHeader(middleware.HeaderIdempotencyKey, "k-1"))
	if n := len(msg.sent()); n != 3 {
		t.Fatalf("service called %d times; want 3", n)
	}
}

func TestPrivateHistory_PaginatesAndETag(t *testing.T) {
	db := newTestDB(t)
	seedMessage(t, db, "m1", "alice", "bob", time.Now().UTC())

	var gotPage, gotSize int
	hist := stubHistory{private: func(userID, peerID string, page, size int) ([]domain.Message, int64, error) {
		gotPage, gotSize = page, size
		if userID != "alice" || peerID != "bob" {
			t.Errorf("history for %s/%s", userID, peerID)
		}
		return []domain.Message{{MessageID: "m1"}}, 41, nil
	}}
	h := New(&stubMessenger{}, hist, &stubPresence{})
	h.DB = db
	r := newTestRouter(h)

	w := do(t, r, http.MethodGet, "/conversations/bob/messages?page=2&page_size=20", nil, asUser("alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[ListMessagesResponse](t, w)
	if gotPage != 2 || gotSize != 20 || resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("pagination = %+v (page=%d size=%d)", resp.Pagination, gotPage, gotSize)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}

	w = do(t, r, http.MethodGet, "/conversations/bob/messages?page=2&page_size=20", nil, asUser("alice"), withHeader("If-None-Match", etag))
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional GET = %d", w.Code)
	}
	w = do(t, r, http.MethodGet, "/conversations/bob/messages?page=1&page_size=20", nil, asUser("alice"), withHeader("If-None-Match", etag))
	if w.Code != http.StatusOK {
		t.Fatalf("other page matched the ETag: %d", w.Code)
	}
}

func TestGroupHistory_MembershipBeforeETag(t *testing.T) {
	hist := stubHistory{group: func(userID, groupID string, _, _ int) ([]domain.Message, int64, error) {
		if userID != "member" {
			return nil, 0, services.ErrNotMember
		}
		return []domain.Message{}, 0, nil
	}}
	h := New(&stubMessenger{}, hist, &stubPresence{})
	h.DB = newTestDB(t)
	r := newTestRouter(h)

	w := do(t, r, http.MethodGet, "/groups/g1/messages", nil, asUser("member"))
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("member = %d etag=%q", w.Code, w.Header().Get("ETag"))
	}
	etag := w.Header().Get("ETag")
	w = do(t, r, http.MethodGet, "/groups/g1/messages", nil, asUser("stranger"), withHeader("If-None-Match", etag))
	if w.Code != http.StatusForbidden || w.Header().Get("ETag") != "" {
		t.Fatalf("stranger = %d etag=%q", w.Code, w.Header().Get("ETag"))
	}
}

func TestMarkRead_PeerIsSender(t *testing.T) {
	msg := &stubMessenger{markRead: func(senderID, receiverID string) (int64, error) {
		if senderID != "bob" || receiverID != "alice" {
			t.Errorf("MarkRead(%s, %s)", senderID, receiverID)
		}
		return 2, nil
	}}
	r := newTestRouter(New(msg, stubHistory{}, &stubPresence{}))
	w := do(t, r, http.MethodPost, "/conversations/bob/read", nil, asUser("alice"))
	if w.Code != http.StatusOK || decode[MarkReadResponse](t, w).Updated != 2 {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestSearchAndUnread(t *testing.T) {
	hist := stubHistory{
		search: func(userID, keyword string) ([]domain.Message, error) {
			if keyword != "lunch" {
				return []domain.Message{}, nil
			}
			return []domain.Message{{MessageID: "m9"}}, nil
		},
		unread: func(userID string) (int64, error) { return 7, nil },
	}
	r := newTestRouter(New(&stubMessenger{}, hist, &stubPresence{}))

	w := do(t, r, http.MethodGet, "/messages/search?q=lunch", nil, asUser("alice"))
	if got := decode[SearchResponse](t, w); len(got.Messages) != 1 || got.Messages[0].MessageID != "m9" {
		t.Fatalf("search = %s", w.Body.String())
	}
	w = do(t, r, http.MethodGet, "/messages/unread", nil, asUser("alice"))
	if decode[UnreadResponse](t, w).Unread != 7 {
		t.Fatalf("unread = %s", w.Body.String())
	}
}

func TestRecentChats(t *testing.T) {
	var gotLimit int
	hist := stubHistory{
		recent: func(userID string, limit int) ([]domain.ChatSummary, error) {
			gotLimit = limit
			if userID != "alice" {
				return []domain.ChatSummary{}, nil
			}
			return []domain.ChatSummary{
				{GroupID: "g1", Last: domain.Message{MessageID: "m3"}},
				{PeerID: "bob", Last: domain.Message{MessageID: "m2"}},
			}, nil
		},
	}
	r := newTestRouter(New(&stubMessenger{}, hist, &stubPresence{}))

	w := do(t, r, http.MethodGet, "/conversations?limit=5", nil, asUser("alice"))
	got := decode[RecentChatsResponse](t, w)
	if w.Code != http.StatusOK || len(got.Chats) != 2 || got.Chats[0].GroupID != "g1" || got.Chats[1].PeerID != "bob" {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	if gotLimit != 5 {
		t.Fatalf("limit = %d", gotLimit)
	}

	w = do(t, r, http.MethodGet, "/conversations?limit=abc", nil, asUser("alice"))
	if w.Code != http.StatusOK || gotLimit != 0 {
		t.Fatalf("bad limit: %d limit=%d", w.Code, gotLimit)
	}
}

func TestGroupUnread(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hist := stubHistory{
		gunread: func(userID, groupID string, s time.Time) (int64, error) {
			if userID != "alice" {
				return 0, services.ErrNotMember
			}
			if s.IsZero() {
				return 9, nil
			}
			if !s.Equal(since) {
				return 0, errors.New("unexpected since")
			}
			return 2, nil
		},
	}
	r := newTestRouter(New(&stubMessenger{}, hist, &stubPresence{}))

	cases := []struct {
		name   string
		path   string
		user   string
		status int
		unread int64
	}{
		{"no since", "/groups/g1/unread", "alice", http.StatusOK, 9},
		{"with since", "/groups/g1/unread?since=2026-03-01T12:00:00Z", "alice", http.StatusOK, 2},
		{"bad since", "/groups/g1/unread?since=yesterday", "alice", http.StatusBadRequest, 0},
		{"not member", "/groups/g1/unread", "mallory", http.StatusForbidden, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, r, http.MethodGet, tc.path, nil, asUser(tc.user))
			if w.Code != tc.status {
				t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
			}
			if tc.status == http.StatusOK && decode[UnreadResponse](t, w).Unread != tc.unread {
				t.Fatalf("unread = %s", w.Body.String())
			}
		})
	}
}

func TestRecallAndDelete(t *testing.T) {
	msg := &stubMessenger{
		recall: func(messageID, operatorID string) (*domain.Message, error) {
			if operatorID != "alice" {
				return nil, services.ErrNotSender
			}
			return &domain.Message{MessageID: messageID, Type: domain.TypeSystem, Content: services.RecalledPlaceholder}, nil
		},
		softDelete: func(messageID, _ string) error {
			if messageID == "gone" {
				return services.ErrMessageNotFound
			}
			return nil
		},
	}
	r := newTestRouter(New(msg, stubHistory{}, &stubPresence{}))

	w := do(t, r, http.MethodPost, "/messages/m1/recall", nil, asUser("alice"))
	if w.Code != http.StatusOK || decode[MessageResponse](t, w).Message.Content != services.RecalledPlaceholder {
		t.Fatalf("recall = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodPost, "/messages/m1/recall", nil, asUser("bob")); w.Code != http.StatusForbidden {
		t.Fatalf("foreign recall = %d", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/messages/m1", nil, asUser("alice")); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/messages/gone", nil, asUser("alice")); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing = %d", w.Code)
	}
}
