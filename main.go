package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apirest "github.com/questboard/server/api/rest"
	"github.com/questboard/server/api/sse"
	apiws "github.com/questboard/server/api/ws"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/config"
	dbadapter "github.com/questboard/server/db"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/notify"
	"github.com/questboard/server/game/progression"
	"github.com/questboard/server/game/quest"
	"github.com/questboard/server/game/rating"
	"github.com/questboard/server/mailer"
	mw "github.com/questboard/server/middleware"
	"github.com/questboard/server/model"
	"github.com/questboard/server/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	cfgPath := os.Getenv("QUESTBOARD_CONFIG")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Security.JWTSecret == "" {
		logger.Fatal("security.jwt_secret is required")
	}
	if cfg.Security.DevTokens {
		logger.Warn("security.dev_tokens is on; anyone can mint tokens at POST /api/dev/token")
	}

	// ---- Database ----
	db, err := dbadapter.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	if err := model.AutoMigrate(db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Cache / PubSub ----
	backend, err := cache.Open(context.Background(), cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		RedisPrefix:     cfg.Cache.RedisPrefix,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	})
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	defer backend.Close()
	c, pubsub := backend.Cache, backend.PubSub
	logger.Info("Cache initialized", zap.Bool("redis", backend.Redis))

	// ---- Engine ----
	m := mailer.NewSMTP(cfg.Mail, cfg.Notify.MailTimeout, logger)
	if m == nil {
		logger.Info("mail delivery disabled")
	}
	dispatcher := notify.NewDispatcher(db, pubsub, m, notify.Options{
		QueueSize:     cfg.Notify.QueueSize,
		PushTimeout:   cfg.Notify.PushTimeout,
		MailTimeout:   cfg.Notify.MailTimeout,
		SideWorkers:   cfg.Notify.SideWorkers,
		SideQueueSize: cfg.Notify.SideQueueSize,
		BatchSize:     cfg.Notify.BatchSize,
	}, logger)

	ledger := history.New(db, logger)
	prog := progression.NewService(db, c, logger)
	quests := quest.NewService(db, ledger, prog, dispatcher, logger)
	ratings := rating.NewService(db, ledger, c, cfg.Quest.StatsCacheTTL, logger)
	inbox := notify.NewInbox(db, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	scheduler.RegisterQuestTasks(sched, quests, prog, cfg.Quest, logger)

	// ---- WS ----
	hub := apiws.NewHub(logger)
	wsRouter := apiws.NewRouter(logger)
	apiws.RegisterInboxHandlers(wsRouter, inbox)
	wsH := apiws.NewHandler(pubsub, cfg.Security, hub, wsRouter, logger)
	sseH := sse.NewHandler(pubsub, logger)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger, "/health", "/metrics"), mw.Recovery(logger), mw.Metrics())

	r.GET("/health", func(ctx *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx.Request.Context())
		}
		if err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "ws_sessions": hub.Count()})
	})
	r.GET("/metrics", mw.IPAllowlist(cfg.Security.MetricsAllowlist, logger), gin.WrapH(promhttp.Handler()))

	authMW := mw.Auth(cfg.Security, c, prog, logger)

	// Public routes are limited per IP, authenticated ones per user.
	limiter := mw.NewRateLimiter(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst)
	scheduler.RegisterRateLimitSweep(sched, limiter, 5*time.Minute, 10*time.Minute)

	api := r.Group("/api")
	apirest.NewAuthHandler(cfg.Security, logger).Register(api.Group("", limiter.Middleware()))
	{
		authed := api.Group("", authMW, limiter.Middleware())
		apirest.NewQuestHandler(quests, ledger, logger).Register(authed)
		apirest.NewRatingHandler(ratings, logger).Register(authed)
		apirest.NewProfileHandler(prog, ledger, logger).Register(authed)
		apirest.NewNotificationHandler(inbox, logger).Register(authed)
		apirest.NewAdminHandler(sched, hub, quests, logger).Register(authed)
		authed.GET("/notifications/stream", sseH.ServeSSE)
		authed.POST("/announce", sseH.PostAnnounce)
	}
	r.GET("/ws", authMW, wsH.ServeWS)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sched.Stop()
	hub.CloseAll(5 * time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Events emitted by in-flight requests are still delivered.
	dispatcher.Stop(shutdownCtx)
	logger.Info("bye")
}
