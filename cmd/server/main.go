// Package main runs the BBB monitor HTTP server: webhook intake, dashboard API, live push and metrics.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/bbb-monitor/config"
	"github.com/aura-webinar/bbb-monitor/internal/alerts"
	"github.com/aura-webinar/bbb-monitor/internal/auth"
	"github.com/aura-webinar/bbb-monitor/internal/bbb"
	"github.com/aura-webinar/bbb-monitor/internal/dashboard"
	"github.com/aura-webinar/bbb-monitor/internal/events"
	"github.com/aura-webinar/bbb-monitor/internal/live"
	"github.com/aura-webinar/bbb-monitor/internal/middleware"
	"github.com/aura-webinar/bbb-monitor/internal/poller"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
	"github.com/aura-webinar/bbb-monitor/internal/stats"
	"github.com/aura-webinar/bbb-monitor/internal/webhook"
	"github.com/aura-webinar/bbb-monitor/pkg/database"
	"github.com/aura-webinar/bbb-monitor/pkg/queue"
	"github.com/aura-webinar/bbb-monitor/pkg/redis"
	"github.com/aura-webinar/bbb-monitor/pkg/response"
	"github.com/aura-webinar/bbb-monitor/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("timezone", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	sessions := registry.NewRepository(pool)
	eventStore := events.NewRepository(pool)
	rec := reconciler.New(sessions, logger)

	// Live push: with Redis every instance (and the worker) publishes to one channel.
	hub := live.NewHub(logger)
	var bus live.Bus
	if rdb != nil {
		bus = live.NewRedisBus(rdb.Client, logger)
		if err := hub.Run(ctx, bus); err != nil {
			logger.Fatal("live subscribe", zap.Error(err))
		}
	}
	notifier := live.NewNotifier(hub, bus, logger)
	rec.AddObserver(notifier)

	var mail alerts.Enqueuer
	if rdb != nil {
		mail = queue.NewQueue(rdb.Client, logger)
	}
	rec.AddObserver(alerts.NewObserver(alerts.Config{
		Enabled:    cfg.Alerts.Enabled,
		Threshold:  cfg.Alerts.Threshold,
		Recipients: cfg.Alerts.Recipients,
	}, mail, notifier, logger))

	// BBB API for on-demand refresh; the poll cycle itself runs in the worker.
	var source poller.MeetingSource
	bbbClient, err := bbb.NewClient(bbbClientConfig(cfg), logger)
	switch {
	case err == nil:
		source = bbbClient
	case errors.Is(err, bbb.ErrNotConfigured):
		logger.Warn("BBB API not configured; session refresh disabled")
	default:
		logger.Fatal("bbb client", zap.Error(err))
	}
	refresher := poller.New(pollerConfig(cfg), source, sessions, rec, logger)

	var uploader dashboard.ExportUploader
	if cfg.AWS.ExportsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Endpoint:             cfg.AWS.Endpoint,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			uploader = s3Client
		}
	}

	verifier, err := webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.AllowedIPs, cfg.Server.TrustedProxies)
	if err != nil {
		logger.Fatal("webhook verifier", zap.Error(err))
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn("WEBHOOK_SECRET not set; webhook signatures are not checked")
	}
	intake := events.NewIntake(eventStore, rec, logger)
	webhookHandler := webhook.NewHandler(intake, verifier, cfg.Webhook.SignatureHeader, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	dashboardHandler := dashboard.NewHandler(sessions, stats.NewEngine(sessions, loc), refresher, uploader, loc, logger)

	router := gin.New()
	// Without trusted proxies ClientIP is the peer address, so forwarded headers cannot pass the webhook allow-list.
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Fatal("trusted proxies", zap.Error(err))
	}
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "live_clients": hub.Count()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Webhooks (no JWT; IP allow-list and HMAC signature checked in handler)
	router.POST("/webhooks/bbb", webhookHandler.Receive)

	// Dashboard API (JWT issued by the LMS)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole(auth.RoleAdmin, auth.RoleTeacher))
	dashboardHandler.Register(api, middleware.RequireRole(auth.RoleAdmin))

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", live.ServeWs(hub, jwtService, cfg.Server.CORSAllowedOrigins, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func bbbClientConfig(cfg *config.Config) bbb.ClientConfig {
	return bbb.ClientConfig{
		URL:               cfg.BBB.URL,
		Secret:            cfg.BBB.Secret,
		ChecksumAlgorithm: cfg.BBB.ChecksumAlgorithm,
		Timeout:           cfg.BBB.RequestTimeout,
		RequestsPerSecond: cfg.BBB.RequestsPerSecond,
		Burst:             cfg.BBB.Burst,
	}
}

func pollerConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		Enabled:     cfg.Polling.Enabled,
		Interval:    cfg.Polling.Interval,
		CallTimeout: cfg.Polling.CallTimeout,
		Concurrency: cfg.Polling.Concurrency,
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
