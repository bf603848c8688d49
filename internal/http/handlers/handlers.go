package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/http/middleware"
	"github.com/tbourn/telemsg-backend/internal/presence"
	"github.com/tbourn/telemsg-backend/internal/services"
)

// Messenger performs the write side of messaging.
type Messenger interface {
	SendPrivate(ctx context.Context, senderID, receiverID string, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error)
	SendGroup(ctx context.Context, senderID, groupID string, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error)
	MarkRead(ctx context.Context, senderID, receiverID string) (int64, error)
	Recall(ctx context.Context, messageID, operatorID string) (*domain.Message, error)
	SoftDelete(ctx context.Context, messageID, operatorID string) error
}

// History serves conversation reads on behalf of a user.
type History interface {
	PrivateHistory(ctx context.Context, userID, peerID string, page, pageSize int) ([]domain.Message, int64, error)
	GroupHistory(ctx context.Context, userID, groupID string, page, pageSize int) ([]domain.Message, int64, error)
	Search(ctx context.Context, userID, keyword string) ([]domain.Message, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	GroupUnreadCount(ctx context.Context, userID, groupID string, since time.Time) (int64, error)
	RecentChats(ctx context.Context, userID string, limit int) ([]domain.ChatSummary, error)
}

// PresenceAdmin answers presence queries and forces sessions closed.
type PresenceAdmin interface {
	GetOnlineCount() int
	IsOnline(userID string) bool
	Kick(userID, reason string) bool
	SessionStats() presence.Stats
}

// DefaultIdempotencyTTL is how long a send result can be replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// Handlers groups the HTTP endpoints. DB is optional; without it the
// ETag and idempotency-replay paths are skipped.
type Handlers struct {
	msg      Messenger
	hist     History
	presence PresenceAdmin

	DB             *gorm.DB
	IdempotencyTTL time.Duration
}

func New(msg Messenger, hist History, presence PresenceAdmin) *Handlers {
	return &Handlers{msg: msg, hist: hist, presence: presence, IdempotencyTTL: DefaultIdempotencyTTL}
}

// Pagination carries paging metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// caller returns the authenticated user or writes a 401.
func caller(c *gin.Context) (string, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	}
	return uid, ok
}

// writeServiceError maps service errors onto status codes. Validation
// failures are 400, other state conflicts 409.
func writeServiceError(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrInvalidTarget),
		errors.Is(err, services.ErrInvalidType),
		errors.Is(err, services.ErrEmptyContent),
		errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrRecallExpired):
		fail(c, http.StatusConflict, ErrCodeRecallExpired, err.Error())
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrPermissionDenied):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidState):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "request cancelled")
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}
