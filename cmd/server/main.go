// Command server runs the messaging backend: the REST API, the WebSocket
// transport, the presence liveness sweep and the delivery ack monitor.
//
//	@title			TeleMsg Backend API
//	@version		0.1.0
//	@description	Private and group messaging with presence, delivery acknowledgement, recall and history.
//	@BasePath		/api/v1
//	@schemes		http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/config"
	"github.com/tbourn/telemsg-backend/internal/events"
	httpapi "github.com/tbourn/telemsg-backend/internal/http"
	"github.com/tbourn/telemsg-backend/internal/http/middleware"
	"github.com/tbourn/telemsg-backend/internal/im"
	"github.com/tbourn/telemsg-backend/internal/observability"
	"github.com/tbourn/telemsg-backend/internal/presence"
	"github.com/tbourn/telemsg-backend/internal/repo"
	"github.com/tbourn/telemsg-backend/internal/services"
	"github.com/tbourn/telemsg-backend/internal/sysutil"
)

var version = "dev"

const (
	shutdownGrace     = 15 * time.Second
	receiptPurgeEvery = time.Hour
)

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	instance := sysutil.InstanceID()
	sysutil.SetLogLevel(cfg.LogLevel)
	log.Logger = sysutil.NewLogger(os.Stdout, cfg.LogPretty, instance)

	if err := run(cfg, instance); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config, instance string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.Setup(ctx, cfg.OTEL, observability.Identity{Version: version, InstanceID: instance})
	if err != nil {
		return err
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	// presence
	regOpts := []presence.Option{
		presence.WithShards(cfg.Presence.Shards),
		presence.WithObserver(presence.MetricsObserver{}),
	}
	var mirror *presence.RedisMirror
	if cfg.Presence.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr})
		defer rdb.Close()
		mirror = presence.NewRedisMirror(rdb, cfg.Presence.RedisKey, 0)
		if err := mirror.Reset(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Presence.RedisAddr).Msg("presence mirror reset failed")
		}
		regOpts = append(regOpts, presence.WithObserver(mirror))
	}
	registry := presence.NewRegistry(regOpts...)
	tracker := presence.NewTracker(registry, cfg.Presence.SweepInterval, cfg.Presence.HeartbeatTimeout)

	// delivery
	var losses events.Sink = events.LogSink{}
	if len(cfg.Delivery.KafkaBrokers) > 0 {
		ks := events.NewKafkaSink(cfg.Delivery.KafkaBrokers, cfg.Delivery.KafkaLossTopic)
		defer func() {
			if err := ks.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka sink close")
			}
		}()
		losses = ks
	}

	fps := services.NewFingerprints(nil)

	users := repo.UserDirectory{DB: db}
	groups := repo.GroupMembership{DB: db}
	store := repo.MessageStore{DB: db}
	router := &services.DeliveryRouter{
		Users:           users,
		Groups:          groups,
		Store:           store,
		Presence:        registry,
		Fingerprints:    fps,
		MaxContentRunes: cfg.Delivery.MaxContentRunes,
	}
	messages := &services.MessageService{
		Store:        store,
		History:      store,
		Groups:       groups,
		Fingerprints: fps,
		RecallWindow: cfg.Delivery.RecallWindow,
	}

	// transport
	adapter := &im.Adapter{
		Registry: registry,
		Tracker:  tracker,
		Users:    users,
		Router:   router,
		Messages: messages,
		Logouts:  users,
		Losses:   losses,
	}
	var subject middleware.SubjectFunc
	if cfg.Transport.JWTSecret != "" {
		v := im.JWTVerifier{Secret: []byte(cfg.Transport.JWTSecret)}
		adapter.Verifier = v
		subject = v.Subject
	} else {
		log.Warn().Msg("JWT_SECRET unset: logins are not verified and X-User-ID is trusted")
	}
	gateway := im.NewGateway(adapter, groups, im.GatewayConfig{
		SendBuffer:  cfg.Transport.SendBuffer,
		AckTimeout:  cfg.Transport.AckTimeout,
		CheckOrigin: httpapi.OriginChecker(cfg.CORS.AllowedOrigins),
	})
	router.Pusher = gateway
	router.Broadcaster = gateway

	// background workers
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	tracker.SetOnEvicted(func(userIDs []string) { adapter.OnSessionsExpired(bg, userIDs) })
	if mirror != nil {
		mirror.SetSource(registry.ListOnlineUserIDs, 0)
		mirror.Start(bg)
	}
	tracker.Start(bg)
	go gateway.RunAckMonitor(bg)
	go purgeReceipts(bg, db, receiptPurgeEvery)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		DB:          db,
		Coordinator: &services.Coordinator{Router: router, Messages: messages, Sessions: registry},
		History:     messages,
		Gateway:     gateway,
		Subject:     subject,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("ws_path", cfg.Transport.Path).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	// hijacked WebSocket connections outlive srv.Shutdown
	for _, uid := range registry.ListOnlineUserIDs() {
		registry.Kick(uid, "server shutdown")
	}
	tracker.Stop()
	cancelBG()
	gateway.Wait()
	if mirror != nil {
		mirror.Wait()
	}

	if err := otelShutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("server stopped")
	return nil
}

// purgeReceipts drops expired send receipts every interval until ctx ends.
func purgeReceipts(ctx context.Context, db *gorm.DB, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := repo.PurgeExpiredReceipts(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge send receipts")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired send receipts purged")
			}
		}
	}
}
