package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cagiotech/cagiotech/internal/app"
	"github.com/cagiotech/cagiotech/internal/auth"
	jobmetrics "github.com/cagiotech/cagiotech/internal/jobs"
	"github.com/cagiotech/cagiotech/internal/observability"
	"github.com/cagiotech/cagiotech/internal/platform/cache"
	"github.com/cagiotech/cagiotech/internal/platform/db"
	"github.com/cagiotech/cagiotech/internal/provisioning"
	"github.com/cagiotech/cagiotech/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns), db.WithApplicationName("cagio-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	var transport jobs.Transport
	if cfg.SMTPHost != "" {
		transport = jobs.NewSMTPTransport(jobs.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     strconv.Itoa(cfg.SMTPPort),
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Insecure: cfg.SMTPInsecure,
			Timeout:  cfg.SMTPTimeout,
		}, logger)
	} else {
		logger.Warn("SMTP_HOST not set, e-mails are only logged")
		transport = jobs.LogTransport{Logger: logger}
	}

	// Only PurgeExpiredSessions is used here; the worker never issues tokens.
	authService := auth.NewService(
		auth.NewRepository(pool),
		auth.NewTokenMaker(cfg.JWTSecret, cfg.JWTTTL),
		auth.NewNotifier(redisClient, logger),
		logger,
		auth.Options{SessionTTL: cfg.SessionTTL},
	)

	mailJob := jobs.NewMailJob(transport, logger, jobMetrics)
	cleanupJob := jobs.NewCleanupJob(provisioning.NewStore(pool), authService, logger, jobMetrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts.AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    append(mailJob.Handlers(), cleanupJob.Handlers()...),
		Cron:        cleanupJob.Cron(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
