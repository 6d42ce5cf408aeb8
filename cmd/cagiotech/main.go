package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/app"
	"github.com/cagiotech/cagiotech/internal/auth"
	"github.com/cagiotech/cagiotech/internal/companies"
	"github.com/cagiotech/cagiotech/internal/identity"
	"github.com/cagiotech/cagiotech/internal/observability"
	"github.com/cagiotech/cagiotech/internal/platform/cache"
	"github.com/cagiotech/cagiotech/internal/platform/db"
	"github.com/cagiotech/cagiotech/internal/provisioning"
	"github.com/cagiotech/cagiotech/internal/shared"
	"github.com/cagiotech/cagiotech/internal/staffroles"
	"github.com/cagiotech/cagiotech/internal/view"
	"github.com/cagiotech/cagiotech/jobs"
)

const sessionCookie = "cagio_session"

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns), db.WithApplicationName("cagiotech"))
	if err != nil {
		return err
	}
	defer dbpool.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(dbpool, logger); err != nil {
			return err
		}
	}

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	sessionManager := shared.NewSessionManager(redisClient, sessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)

	templates, err := view.NewEngine()
	if err != nil {
		return err
	}

	authService := auth.NewService(
		auth.NewRepository(dbpool),
		auth.NewTokenMaker(cfg.JWTSecret, cfg.JWTTTL),
		auth.NewNotifier(redisClient, logger),
		logger,
		auth.Options{SessionTTL: cfg.SessionTTL, RequireEmailConfirmation: cfg.AuthRequireEmailConfirmation},
	)
	accessService := access.NewService(
		access.NewRepository(dbpool, logger),
		access.NewPreferenceStore(redisClient),
		logger,
		metrics.Registerer(),
	)
	identityContext := identity.NewContext(
		authService,
		accessService,
		identity.NewStateStore(redisClient, cfg.IdentityStateTTL),
		logger,
		identity.Options{ResolveWait: cfg.IdentityResolveWait, ResolveTimeout: cfg.IdentityResolveTimeout},
	)
	if err := identityContext.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := identityContext.Close(); err != nil {
			logger.Warn("identity close", slog.Any("error", err))
		}
	}()
	guard := identity.NewGuard(identityContext, templates, csrfManager, logger, metrics.Registerer())

	jobClient, err := jobs.NewClient(redisOpts.AsynqOpt())
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts.AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	staffRoleService := staffroles.NewService(staffroles.NewRepository(dbpool, logger), authService, auditLogger, logger)
	provisioningService := provisioning.NewService(
		provisioning.NewStore(dbpool),
		authService,
		companies.NewService(companies.NewRepository(dbpool), cfg.TrialPeriod),
		jobClient,
		auditLogger,
		logger,
		provisioning.Config{BaseURL: cfg.AppBaseURL, CodeTTL: cfg.VerificationCodeTTL},
	)
	provisioningHandler, err := provisioning.NewHandler(logger, provisioningService, guard, provisioning.HandlerOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		PublicLimit:    cfg.RegistrationRateLimit,
		PublicWindow:   cfg.RegistrationRateWindow,
	})
	if err != nil {
		return err
	}

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Templates:           templates,
		SessionManager:      sessionManager,
		CSRFManager:         csrfManager,
		Guard:               guard,
		AuthHandler:         auth.NewHandler(logger, identityContext, templates, sessionManager, csrfManager),
		IdentityHandler:     identity.NewHandler(logger, identityContext, guard, templates, csrfManager, auditLogger),
		StaffRolesHandler:   staffroles.NewHandler(logger, staffRoleService, guard),
		ProvisioningHandler: provisioningHandler,
		JobHandler:          jobs.NewHandler(inspector, logger),
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
