package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cron-dispatch/internal/app"
	"cron-dispatch/internal/config"
	"cron-dispatch/internal/logging"
	"cron-dispatch/internal/telemetry"
	"cron-dispatch/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.EventBusEnabled {
		logger.Fatal("worker requires EVENT_BUS_ENABLED=true")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	processor := worker.NewProcessor(cfg, a.Bus, a.Runner, logger)
	for _, t := range a.Bodies.All() {
		processor.RegisterTask(t)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Int("function_concurrency", cfg.FunctionConcurrency),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
