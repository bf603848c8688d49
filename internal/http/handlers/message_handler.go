package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/http/middleware"
	"github.com/tbourn/telemsg-backend/internal/repo"
	"github.com/tbourn/telemsg-backend/internal/utils"
)

// SendMessageRequest is the body of both send endpoints. ReceiverID is only
// read by the private route; the group route takes the group from the path.
type SendMessageRequest struct {
	ReceiverID string             `json:"receiver_id,omitempty" example:"u-bob"`
	Type       domain.MessageType `json:"type" example:"text"`
	Content    string             `json:"content" example:"see you at 6"`
	MediaURL   string             `json:"media_url,omitempty" example:"https://cdn.example.com/a.png"`
	FileName   string             `json:"file_name,omitempty" example:"a.png"`
	FileSize   int64              `json:"file_size,omitempty" example:"20480"`
}

func (r SendMessageRequest) typ() domain.MessageType {
	if r.Type == "" {
		return domain.TypeText
	}
	return r.Type
}

func (r SendMessageRequest) media() domain.Media {
	return domain.Media{URL: r.MediaURL, FileName: r.FileName, FileSize: r.FileSize}
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse is a page of conversation history.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// SearchResponse lists keyword matches, newest first.
type SearchResponse struct {
	Messages []domain.Message `json:"messages"`
}

// UnreadResponse carries the caller's unread private message count.
type UnreadResponse struct {
	Unread int64 `json:"unread"`
}

// RecentChatsResponse is the caller's conversation list.
type RecentChatsResponse struct {
	Chats []domain.ChatSummary `json:"chats"`
}

// MarkReadResponse reports how many messages moved to read.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

// IdempotencyScope names the conversation an Idempotency-Key applies to.
func IdempotencyScope(c *gin.Context) string {
	if strings.Contains(c.FullPath(), "/groups/:id") {
		return "group:" + c.Param("id")
	}
	return "private"
}

// replay serves a stored result for the request's Idempotency-Key, if any.
func (h *Handlers) replay(c *gin.Context, userID string) bool {
	key, scope, found := middleware.GetIdempotencyKey(c)
	if !found || h.DB == nil {
		return false
	}
	prev, err := repo.ReplayedMessage(c.Request.Context(), h.DB, userID, scope, key, time.Now().UTC())
	if err != nil {
		return false
	}
	c.Header("Idempotency-Replayed", "true")
	ok(c, http.StatusOK, MessageResponse{Message: prev})
	return true
}

// remember stores the send result under the request's Idempotency-Key.
// A concurrent duplicate loses the insert and is ignored.
func (h *Handlers) remember(c *gin.Context, userID string, m *domain.Message) {
	key, scope, found := middleware.GetIdempotencyKey(c)
	if !found || h.DB == nil {
		return
	}
	err := repo.SaveReceipt(c.Request.Context(), h.DB, userID, scope, key, m.MessageID, time.Now().UTC(), h.IdempotencyTTL)
	if err != nil && !errors.Is(err, repo.ErrDuplicate) {
		middleware.LoggerFrom(c).Warn().Err(err).Str("message_id", m.MessageID).Msg("store idempotency key")
	}
}

// notModified sets a weak ETag and answers 304 when the client already has it.
// The tag covers the page window so different pages never share one.
func notModified(c *gin.Context, kind, id string, page, size int, f repo.Freshness) bool {
	var ts int64
	if !f.Latest.IsZero() {
		ts = f.Latest.UnixMilli()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d:%d:%d"`, kind, id, page, size, f.Count, ts)
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func pageOf(page, size int, total int64) Pagination {
	pages := utils.TotalPages(total, size)
	return Pagination{Page: page, PageSize: size, Total: total, TotalPages: pages, HasNext: page < pages}
}

// SendPrivate godoc
// @ID          sendPrivateMessage
// @Summary     Send a private message
// @Description Persists the message and pushes it to the receiver when online.
// @Description An Idempotency-Key makes retries return the original message.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  false "Caller (when not using a bearer token)"
// @Param       Idempotency-Key  header  string  false "Key for safe retries"
// @Param       body             body    handlers.SendMessageRequest  true  "Message"
// @Success     201  {object}  handlers.MessageResponse
// @Success     200  {object}  handlers.MessageResponse  "Replayed result"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Sender or receiver not found"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /messages/private [post]
func (h *Handlers) SendPrivate(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ReceiverID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "receiver_id required")
		return
	}
	if h.replay(c, uid) {
		return
	}
	m, err := h.msg.SendPrivate(c.Request.Context(), uid, strings.TrimSpace(req.ReceiverID), req.typ(), req.Content, req.media())
	if err != nil {
		writeServiceError(c, err, ErrCodeSendFailed)
		return
	}
	h.remember(c, uid, m)
	ok(c, http.StatusCreated, MessageResponse{Message: m})
}

// SendGroup godoc
// @ID          sendGroupMessage
// @Summary     Send a group message
// @Description Persists the message and fans it out to online members except the sender.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       id               path    string  true  "Group ID"
// @Param       Idempotency-Key  header  string  false "Key for safe retries"
// @Param       body             body    handlers.SendMessageRequest  true  "Message"
// @Success     201  {object}  handlers.MessageResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /groups/{id}/messages [post]
func (h *Handlers) SendGroup(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid body")
		return
	}
	if h.replay(c, uid) {
		return
	}
	m, err := h.msg.SendGroup(c.Request.Context(), uid, c.Param("id"), req.typ(), req.Content, req.media())
	if err != nil {
		writeServiceError(c, err, ErrCodeSendFailed)
		return
	}
	h.remember(c, uid, m)
	ok(c, http.StatusCreated, MessageResponse{Message: m})
}

// PrivateHistory godoc
// @ID          listPrivateMessages
// @Summary     Conversation history with a peer
// @Description Newest first. Supports If-None-Match.
// @Tags        History
// @Produce     json
// @Param       peer       path   string  true  "Peer user ID"
// @Param       page       query  int     false "Page"            minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  "Not modified"
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations/{peer}/messages [get]
func (h *Handlers) PrivateHistory(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	peer := c.Param("peer")
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))

	if h.DB != nil {
		if f, err := repo.ConversationFreshness(ctx, h.DB, uid, peer); err == nil {
			if notModified(c, "conv", uid+":"+peer, page, size, f) {
				return
			}
		}
	}

	items, total, err := h.hist.PrivateHistory(ctx, uid, peer, page, size)
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: pageOf(page, size, total)})
}

// GroupHistory godoc
// @ID          listGroupMessages
// @Summary     Group history
// @Description Newest first, members only. Supports If-None-Match.
// @Tags        History
// @Produce     json
// @Param       id         path   string  true  "Group ID"
// @Param       page       query  int     false "Page"            minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  "Not modified"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /groups/{id}/messages [get]
func (h *Handlers) GroupHistory(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	groupID := c.Param("id")

	// membership is checked by the service before any ETag is revealed
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	items, total, err := h.hist.GroupHistory(ctx, uid, groupID, page, size)
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}
	if h.DB != nil {
		if f, err := repo.GroupFreshness(ctx, h.DB, groupID); err == nil {
			if notModified(c, "group", groupID, page, size, f) {
				return
			}
		}
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: pageOf(page, size, total)})
}

// MarkRead godoc
// @ID          markConversationRead
// @Summary     Mark a peer's messages as read
// @Tags        Messages
// @Produce     json
// @Param       peer  path  string  true  "Peer user ID (the sender)"
// @Success     200  {object}  handlers.MarkReadResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations/{peer}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	n, err := h.msg.MarkRead(c.Request.Context(), c.Param("peer"), uid)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, MarkReadResponse{Updated: n})
}

// Search godoc
// @ID          searchMessages
// @Summary     Search the caller's messages
// @Tags        History
// @Produce     json
// @Param       q  query  string  true  "Keyword"
// @Success     200  {object}  handlers.SearchResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /messages/search [get]
func (h *Handlers) Search(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	items, err := h.hist.Search(c.Request.Context(), uid, c.Query("q"))
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, SearchResponse{Messages: items})
}

// Unread godoc
// @ID          unreadCount
// @Summary     Unread private message count
// @Tags        History
// @Produce     json
// @Success     200  {object}  handlers.UnreadResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /messages/unread [get]
func (h *Handlers) Unread(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	n, err := h.hist.UnreadCount(c.Request.Context(), uid)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, UnreadResponse{Unread: n})
}

// GroupUnread godoc
// @ID          groupUnreadCount
// @Summary     Unread count for a group
// @Description Messages other members posted after `since` (RFC 3339). Without it every message counts.
// @Tags        History
// @Produce     json
// @Param       id     path   string  true   "Group ID"
// @Param       since  query  string  false  "Last read time"  format(date-time)
// @Success     200  {object}  handlers.UnreadResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member"
// @Router      /groups/{id}/unread [get]
func (h *Handlers) GroupUnread(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}
	n, err := h.hist.GroupUnreadCount(c.Request.Context(), uid, c.Param("id"), since)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, UnreadResponse{Unread: n})
}

// RecentChats godoc
// @ID          listConversations
// @Summary     The caller's conversations
// @Description One row per private peer and per group, newest activity first, with the latest message.
// @Tags        History
// @Produce     json
// @Param       limit  query  int  false  "Maximum rows"  minimum(1) maximum(100) default(50)
// @Success     200  {object}  handlers.RecentChatsResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /conversations [get]
func (h *Handlers) RecentChats(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	chats, err := h.hist.RecentChats(c.Request.Context(), uid, utils.AtoiDefault(c.Query("limit"), 0))
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, RecentChatsResponse{Chats: chats})
}

// Recall godoc
// @ID          recallMessage
// @Summary     Recall a message
// @Description Only the sender, within the recall window. Content becomes a placeholder.
// @Tags        Messages
// @Produce     json
// @Param       id  path  string  true  "Message ID"
// @Success     200  {object}  handlers.MessageResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not the sender"
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Window expired or already recalled"
// @Router      /messages/{id}/recall [post]
func (h *Handlers) Recall(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	m, err := h.msg.Recall(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: m})
}

// Delete godoc
// @ID          deleteMessage
// @Summary     Soft-delete a message
// @Description Allowed for the sender, or a group owner/admin for group messages.
// @Tags        Messages
// @Param       id  path  string  true  "Message ID"
// @Success     204
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /messages/{id} [delete]
func (h *Handlers) Delete(c *gin.Context) {
	uid, okUser := caller(c)
	if !okUser {
		return
	}
	if err := h.msg.SoftDelete(c.Request.Context(), c.Param("id"), uid); err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
