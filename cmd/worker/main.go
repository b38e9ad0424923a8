package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/arbor-portal/arbor-portal/internal/app"
	"github.com/arbor-portal/arbor-portal/internal/audit"
	"github.com/arbor-portal/arbor-portal/internal/billing"
	"github.com/arbor-portal/arbor-portal/internal/periods"
	"github.com/arbor-portal/arbor-portal/internal/platform/db"
	"github.com/arbor-portal/arbor-portal/internal/registry"
	"github.com/arbor-portal/arbor-portal/jobs"
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

	auditLogger := audit.NewLogger(pool)
	periodService := periods.NewService(periods.NewRepository(pool), auditLogger)
	billingService := billing.NewService(
		logger,
		billing.NewRepository(pool),
		periodService,
		registry.NewRepository(pool),
		auditLogger,
		nil,
	)

	worker := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  jobs.Handlers{Logger: logger, Billing: billingService},
	})

	logger.Info("arbor billing worker starting")
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
