package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the caller's user ID when the deployment sits behind
// a trusted gateway that has already authenticated the request.
const HeaderUserID = "X-User-ID"

const ctxKeyUserID = "userID"

// SubjectFunc resolves a bearer token to the user it was issued to.
type SubjectFunc func(token string) (string, error)

// IdentityOptions configures how Identity finds the caller.
type IdentityOptions struct {
	// Subject validates bearer tokens. Nil disables token authentication.
	Subject SubjectFunc
	// TrustHeader accepts X-User-ID when no bearer token is present.
	TrustHeader bool
}

// Identity resolves the caller and stores the user ID in the context. A
// bearer token that fails validation is rejected with 401; a request with no
// credentials passes through anonymous.
func Identity(opts IdentityOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok, ok := bearer(c.GetHeader("Authorization")); ok && opts.Subject != nil {
			uid, err := opts.Subject(tok)
			if err != nil || uid == "" {
				abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
			c.Set(ctxKeyUserID, uid)
			c.Next()
			return
		}
		if opts.TrustHeader {
			if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
				c.Set(ctxKeyUserID, uid)
			}
		}
		c.Next()
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserID(c); !ok {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		c.Next()
	}
}

// UserID returns the caller resolved by Identity.
func UserID(c *gin.Context) (string, bool) {
	uid := asString(c.Value(ctxKeyUserID))
	return uid, uid != ""
}

func bearer(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
