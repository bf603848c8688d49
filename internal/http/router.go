// Package httpapi wires the Gin engine: cross-cutting middleware, the REST
// API over the messaging coordinator, the WebSocket transport endpoint, and
// the operational routes (/health, /metrics, /swagger).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/telemsg-backend/docs"
	"github.com/tbourn/telemsg-backend/internal/config"
	"github.com/tbourn/telemsg-backend/internal/http/handlers"
	"github.com/tbourn/telemsg-backend/internal/http/middleware"
	"github.com/tbourn/telemsg-backend/internal/repo"
)

// Coordinator is the write and presence side the API needs.
type Coordinator interface {
	handlers.Messenger
	handlers.PresenceAdmin
}

// Deps are the collaborators RegisterRoutes mounts.
type Deps struct {
	DB          *gorm.DB
	Coordinator Coordinator
	History     handlers.History
	// Gateway serves the WebSocket upgrade at cfg.Transport.Path.
	Gateway http.Handler
	// Subject validates bearer tokens. Nil means the X-User-ID header is
	// trusted instead, which is only suitable behind an authenticating proxy.
	Subject middleware.SubjectFunc
}

var corsMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}

var corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderUserID, middleware.HeaderIdempotencyKey, "If-None-Match"}

// RegisterRoutes attaches middleware and routes to r.
//
// Order:
//  1. OpenTelemetry
//  2. RequestID, Identity, RedactingLogger, Recovery
//  3. body limit, gzip (not for the WebSocket path), metrics
//  4. rate limiter, CORS, security headers
//
// Idempotency validation runs per route on the send endpoints only.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	wsPath := cfg.Transport.Path

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	r.Use(middleware.RequestID())
	r.Use(middleware.Identity(middleware.IdentityOptions{
		Subject:     deps.Subject,
		TrustHeader: deps.Subject == nil,
	}))
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())

	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{wsPath, "/metrics"})))
	r.Use(middleware.Metrics())

	rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
		RPS:    cfg.RateRPS,
		Burst:  cfg.RateBurst,
		Exempt: []string{"/health", "/metrics", wsPath},
	})
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": deps.Coordinator.GetOnlineCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if deps.Gateway != nil {
		r.GET(wsPath, gin.WrapH(deps.Gateway))
	}

	h := handlers.New(deps.Coordinator, deps.History, deps.Coordinator)
	h.DB = deps.DB
	if cfg.IdempotencyTTL > 0 {
		h.IdempotencyTTL = cfg.IdempotencyTTL
	}
	idem := middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200, Scope: handlers.IdempotencyScope},
		idempotencyLookup(deps.DB),
	)

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(middleware.RequireUser())
	{
		api.POST("/messages/private", idem, h.SendPrivate)
		api.GET("/messages/search", h.Search)
		api.GET("/messages/unread", h.Unread)
		api.POST("/messages/:id/recall", h.Recall)
		api.DELETE("/messages/:id", h.Delete)

		api.GET("/conversations", h.RecentChats)
		api.GET("/conversations/:peer/messages", h.PrivateHistory)
		api.POST("/conversations/:peer/read", h.MarkRead)

		api.POST("/groups/:id/messages", idem, h.SendGroup)
		api.GET("/groups/:id/messages", h.GroupHistory)
		api.GET("/groups/:id/unread", h.GroupUnread)

		api.GET("/presence/count", h.OnlineCount)
		api.GET("/presence/users/:id", h.UserPresence)
		api.POST("/presence/users/:id/kick", h.Kick)
	}
}

func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
		_, err := repo.ReplayedMessage(ctx, db, userID, scope, key, now)
		return err == nil, nil
	}
}

// corsMiddleware allows every origin when none are configured, without
// credentials; otherwise only the listed origins.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     corsMethods,
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "ETag", "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// OriginChecker returns the WebSocket upgrade origin policy matching the
// CORS allow-list: any origin when the list is empty, else exact matches.
// Requests without an Origin header (non-browser clients) are accepted.
func OriginChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || lo.Contains(origins, o)
	}
}

// limitBody caps request bodies; reads past maxBytes fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
