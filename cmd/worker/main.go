// Package main runs the background worker: BBB polling, webhook replay, retention cleanup and alert mail.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/bbb-monitor/config"
	"github.com/aura-webinar/bbb-monitor/internal/alerts"
	"github.com/aura-webinar/bbb-monitor/internal/bbb"
	"github.com/aura-webinar/bbb-monitor/internal/events"
	"github.com/aura-webinar/bbb-monitor/internal/live"
	"github.com/aura-webinar/bbb-monitor/internal/poller"
	"github.com/aura-webinar/bbb-monitor/internal/reconciler"
	"github.com/aura-webinar/bbb-monitor/internal/registry"
	"github.com/aura-webinar/bbb-monitor/internal/retention"
	"github.com/aura-webinar/bbb-monitor/internal/worker"
	"github.com/aura-webinar/bbb-monitor/pkg/database"
	"github.com/aura-webinar/bbb-monitor/pkg/queue"
	"github.com/aura-webinar/bbb-monitor/pkg/redis"
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

	ctx := context.Background()
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

	// The worker has no WebSocket clients; live updates reach the servers over Redis.
	var push alerts.Pusher
	var jobQueue *queue.Queue
	if rdb != nil {
		notifier := live.NewNotifier(nil, live.NewRedisBus(rdb.Client, logger), logger)
		rec.AddObserver(notifier)
		push = notifier
		jobQueue = queue.NewQueue(rdb.Client, logger)
	}
	var mail alerts.Enqueuer
	if jobQueue != nil {
		mail = jobQueue
	}
	rec.AddObserver(alerts.NewObserver(alerts.Config{
		Enabled:    cfg.Alerts.Enabled,
		Threshold:  cfg.Alerts.Threshold,
		Recipients: cfg.Alerts.Recipients,
	}, mail, push, logger))

	var source poller.MeetingSource
	bbbClient, err := bbb.NewClient(bbb.ClientConfig{
		URL:               cfg.BBB.URL,
		Secret:            cfg.BBB.Secret,
		ChecksumAlgorithm: cfg.BBB.ChecksumAlgorithm,
		Timeout:           cfg.BBB.RequestTimeout,
		RequestsPerSecond: cfg.BBB.RequestsPerSecond,
		Burst:             cfg.BBB.Burst,
	}, logger)
	switch {
	case err == nil:
		source = bbbClient
	case errors.Is(err, bbb.ErrNotConfigured):
		logger.Warn("BBB API not configured; polling disabled")
	default:
		logger.Fatal("bbb client", zap.Error(err))
	}
	poll := poller.New(poller.Config{
		Enabled:     cfg.Polling.Enabled,
		Interval:    cfg.Polling.Interval,
		CallTimeout: cfg.Polling.CallTimeout,
		Concurrency: cfg.Polling.Concurrency,
	}, source, sessions, rec, logger)

	intake := events.NewIntake(eventStore, rec, logger)
	cleaner := retention.NewCleaner(retention.Config{
		SessionDays: cfg.Retention.SessionDays,
		EventDays:   cfg.Retention.EventDays,
		Interval:    cfg.Retention.Interval,
	}, sessions, eventStore, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(workerCtx)

	poll.Start(gctx)
	g.Go(func() error {
		runReplay(gctx, intake, cfg.Replay, logger)
		return nil
	})
	g.Go(func() error {
		cleaner.Run(gctx)
		return nil
	})

	if jobQueue != nil && cfg.Email.SMTPHost != "" {
		mailer, err := worker.NewSMTPMailer(worker.SMTPConfig{
			Host:        cfg.Email.SMTPHost,
			Port:        cfg.Email.SMTPPort,
			User:        cfg.Email.SMTPUser,
			Password:    cfg.Email.SMTPPass,
			FromAddress: cfg.Email.FromAddress,
			FromName:    cfg.Email.FromName,
			StartTLS:    cfg.Email.StartTLS,
		})
		if err != nil {
			logger.Fatal("smtp", zap.Error(err))
		}
		processor := worker.NewAlertProcessor(jobQueue, mailer, loc, logger)
		g.Go(func() error {
			processor.Run(gctx)
			return nil
		})
	} else {
		logger.Info("alert mail delivery disabled (needs Redis and SMTP_HOST)")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Server.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("worker started", zap.String("metrics_port", cfg.Server.WorkerMetricsPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	poll.Stop()
	_ = g.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	logger.Info("worker stopped")
}

// runReplay re-applies webhook events left unprocessed by a crash, once at start and then on every tick.
func runReplay(ctx context.Context, intake *events.Intake, cfg config.ReplayConfig, logger *zap.Logger) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	replay := func() {
		if _, err := intake.Replay(ctx, cfg.BatchSize); err != nil && ctx.Err() == nil {
			logger.Error("replay webhook events", zap.Error(err))
		}
	}
	replay()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replay()
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
