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

	"github.com/arbor-portal/arbor-portal/internal/app"
	"github.com/arbor-portal/arbor-portal/internal/audit"
	"github.com/arbor-portal/arbor-portal/internal/billing"
	"github.com/arbor-portal/arbor-portal/internal/imports"
	"github.com/arbor-portal/arbor-portal/internal/observability"
	"github.com/arbor-portal/arbor-portal/internal/periods"
	"github.com/arbor-portal/arbor-portal/internal/platform/cache"
	"github.com/arbor-portal/arbor-portal/internal/platform/db"
	"github.com/arbor-portal/arbor-portal/internal/registry"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The engine works without Redis; reads just skip the cache.
		logger.Warn("redis unavailable, reconciliation cache disabled", slog.Any("error", err))
		redisClient = nil
	}

	auditLogger := audit.NewLogger(pool)
	periodRepo := periods.NewRepository(pool)
	periodService := periods.NewService(periodRepo, auditLogger)
	plotDirectory := registry.NewRepository(pool)

	reconCache := billing.NewCache(redisClient, cfg.CacheTTL)
	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(logger, billingRepo, periodService, plotDirectory, auditLogger, reconCache)

	metrics := observability.NewMetrics()
	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billing.NewHandler(logger, billingService, reconCache, metrics, imports.ParseStatement),
		PeriodsHandler: periods.NewHandler(logger, periodService),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("arbor billing engine listening", slog.String("addr", cfg.AppAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
