package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/telemsg-backend/internal/http/middleware"
)

// OnlineCountResponse summarizes the session registry.
type OnlineCountResponse struct {
	Online int `json:"online"`
	Total  int `json:"total"`
	Active int `json:"active"`
}

// UserPresenceResponse reports whether one user has a live session.
type UserPresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// KickRequest is the optional body of the kick endpoint.
type KickRequest struct {
	Reason string `json:"reason" example:"maintenance"`
}

// OnlineCount godoc
// @ID          onlineCount
// @Summary     Number of users online
// @Tags        Presence
// @Produce     json
// @Success     200  {object}  handlers.OnlineCountResponse
// @Router      /presence/count [get]
func (h *Handlers) OnlineCount(c *gin.Context) {
	st := h.presence.SessionStats()
	ok(c, http.StatusOK, OnlineCountResponse{Online: h.presence.GetOnlineCount(), Total: st.Total, Active: st.Active})
}

// UserPresence godoc
// @ID          userPresence
// @Summary     Whether a user is online
// @Tags        Presence
// @Produce     json
// @Param       id  path  string  true  "User ID"
// @Success     200  {object}  handlers.UserPresenceResponse
// @Router      /presence/users/{id} [get]
func (h *Handlers) UserPresence(c *gin.Context) {
	id := c.Param("id")
	ok(c, http.StatusOK, UserPresenceResponse{UserID: id, Online: h.presence.IsOnline(id)})
}

// Kick godoc
// @ID          kickUser
// @Summary     Close a user's session
// @Tags        Presence
// @Accept      json
// @Produce     json
// @Param       id    path  string               true   "User ID"
// @Param       body  body  handlers.KickRequest  false  "Reason"
// @Success     204
// @Failure     404  {object}  handlers.ErrorResponse  "User not online"
// @Router      /presence/users/{id}/kick [post]
func (h *Handlers) Kick(c *gin.Context) {
	var req KickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid body")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "kicked by operator"
	}
	id := c.Param("id")
	if !h.presence.Kick(id, reason) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "user not online")
		return
	}
	op, _ := middleware.UserID(c)
	middleware.LoggerFrom(c).Info().Str("target", id).Str("operator", op).Str("reason", reason).Msg("session kicked")
	noContent(c)
}
