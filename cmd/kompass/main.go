package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kompasshq/kompass/cmd/kompass/cli"
	"github.com/kompasshq/kompass/internal/app"
	"github.com/kompasshq/kompass/internal/audit"
	"github.com/kompasshq/kompass/internal/auth"
	"github.com/kompasshq/kompass/internal/entitlements"
	"github.com/kompasshq/kompass/internal/membership"
	"github.com/kompasshq/kompass/internal/observability"
	"github.com/kompasshq/kompass/internal/platform/cache"
	"github.com/kompasshq/kompass/internal/platform/db"
	"github.com/kompasshq/kompass/internal/shared"
	"github.com/kompasshq/kompass/internal/users"
	"github.com/kompasshq/kompass/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobsCommand(os.Args[2:]); err != nil {
			slog.Default().Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "kompass_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	recorder := audit.NewAsyncRecorder(queueClient, logger)

	membershipRepo := membership.NewRepository(dbpool)
	membershipService := membership.NewService(membershipRepo, recorder, membership.CascadePolicy(cfg.CascadePolicy))
	membershipHandler := membership.NewHandler(logger, membershipService)

	entitlementsRepo := entitlements.NewRepository(dbpool)
	entitlementsService := entitlements.NewService(entitlementsRepo, membershipRepo, recorder)
	entitlementsHandler := entitlements.NewHandler(logger, entitlementsService)
	moduleGate := &entitlements.Middleware{Service: entitlementsService, Logger: logger}

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo, membershipRepo, recorder)
	usersHandler := users.NewHandler(logger, usersService)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, usersRepo, recorder)

	auditRepo := audit.NewRepository(dbpool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService, membershipRepo)

	metrics := observability.NewMetrics()
	membershipService.WithObserver(metrics)
	entitlementsService.WithObserver(metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		SessionManager:      sessionManager,
		AuthHandler:         authHandler,
		MembershipHandler:   membershipHandler,
		EntitlementsHandler: entitlementsHandler,
		UsersHandler:        usersHandler,
		AuditHandler:        auditHandler,
		ModuleGate:          moduleGate,
		JobsHandler:         jobsHandler,
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles `kompass jobs <trigger|stats>` without starting the
// HTTP server.
func runJobsCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kompass jobs <trigger|stats> [task] [tenant-id]")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "trigger":
		task := jobs.TaskIntegrityScan
		if len(args) > 1 {
			task = args[1]
		}
		var tenantID int64
		if len(args) > 2 {
			tenantID, err = strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid tenant id %q: %w", args[2], err)
			}
		}
		info, err := jobsCLI.Trigger(ctx, task, tenantID)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return fmt.Errorf("unknown jobs subcommand %q", args[0])
	}
}
