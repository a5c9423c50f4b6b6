package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"cron-dispatch/internal/api"
	"cron-dispatch/internal/app"
	"cron-dispatch/internal/config"
	"cron-dispatch/internal/lock"
	"cron-dispatch/internal/logging"
	"cron-dispatch/internal/replay"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	// Advisory locks are session-scoped, so the coordinator needs database/sql
	// connections it can pin rather than the pgx pool.
	lockDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open lock database", zap.Error(err))
	}
	defer lockDB.Close()

	archive, err := replay.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init replay archive", zap.Error(err))
	}

	deps := api.Deps{
		Locker:  lock.NewCoordinator(lockDB, logger),
		Runner:  a.Runner,
		Archive: archive,
		Status:  a.Recorder,
		Runs:    a.Store,
		DB:      a.Store,
	}
	if a.Bus != nil {
		deps.Bus = a.Bus
	}
	server := api.New(cfg, api.Routes(cfg, a.Bodies), deps, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening",
		zap.String("port", cfg.HTTPPort),
		zap.Bool("event_bus", a.Bus != nil),
		zap.Bool("background_jobs_dispatch", cfg.BackgroundJobsDispatch),
		zap.Bool("sync_integrations_dispatch", cfg.SyncIntegrationsDispatch),
	)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.InlineTimeout+5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
