// Package handlers implements the HTTP API over the messaging coordinator:
// sending, history, read receipts, recall, deletion and presence queries.
//
// Every failure is written as an ErrorResponse with a stable code from
// errors.go. Handlers stay thin: bind, call a service, map the error.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/telemsg-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint. Clients
// branch on Code; Message is for people; RequestID matches the server log.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"5b7e1c1e-3f0a-4d3e-9c55-0f1a2b3c4d5e"`
	Code      string `json:"code" example:"forbidden"`
	Message   string `json:"message" example:"not allowed to recall this message"`
}

// fail aborts with an ErrorResponse. 5xx responses are also logged through
// the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail lets the router write the same envelope for NoRoute and NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
