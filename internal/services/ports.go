package services

import (
	"context"
	"time"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

// UserDirectory answers identity questions about users.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	RecordLogin(ctx context.Context, userID, ip string, at time.Time) error
}

// GroupMembership answers membership questions about groups.
type GroupMembership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	HasAdminRights(ctx context.Context, groupID, userID string) (bool, error)
}

// MessageStore is the durable message store. UpdateStatus only transitions
// rows whose current status is one of from, and reports how many rows moved.
type MessageStore interface {
	Save(ctx context.Context, m *domain.Message) (*domain.Message, error)
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	UpdateStatus(ctx context.Context, id string, to domain.MessageStatus, from ...domain.MessageStatus) (int64, error)
	MarkRead(ctx context.Context, senderID, receiverID string) (int64, error)
	Recall(ctx context.Context, id, placeholder string) error
	SoftDelete(ctx context.Context, id string) error
}

// HistoryStore serves the read paths over persisted messages.
type HistoryStore interface {
	PrivatePage(ctx context.Context, a, b string, offset, limit int) ([]domain.Message, int64, error)
	GroupPage(ctx context.Context, groupID string, offset, limit int) ([]domain.Message, int64, error)
	Search(ctx context.Context, userID, keyword string, limit int) ([]domain.Message, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	CountUnreadGroup(ctx context.Context, groupID, userID string, since time.Time) (int64, error)
	RecentChats(ctx context.Context, userID string, limit int) ([]domain.Message, error)
}

// Presence reports live reachability of a user.
type Presence interface {
	IsOnline(userID string) bool
}

// Pusher is the live-delivery primitive of the transport. The fingerprint
// travels with the payload so the client can acknowledge it.
type Pusher interface {
	Push(ctx context.Context, userID, fingerprint string, payload []byte) error
}

// GroupBroadcaster fans a group message out to online members. Broadcast
// must not block on slow recipients.
type GroupBroadcaster interface {
	Broadcast(ctx context.Context, groupID, senderID string, payload []byte)
}
