// Package app assembles the collaborators shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cron-dispatch/internal/config"
	"cron-dispatch/internal/jobs"
	"cron-dispatch/internal/provider"
	"cron-dispatch/internal/queue"
	"cron-dispatch/internal/ratelimit"
	"cron-dispatch/internal/status"
	"cron-dispatch/internal/store"
	"cron-dispatch/internal/tasks"
	"cron-dispatch/internal/worker"
)

// App holds process-wide clients. Bus is nil when the event bus is disabled.
type App struct {
	Store    *store.Store
	Redis    *redis.Client
	Bus      *queue.RedisBus
	Recorder *status.Recorder
	Runner   *jobs.Runner
	Bodies   tasks.Bodies
}

// Build connects to Postgres and Redis, applies migrations and wires the job bodies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	a := &App{Store: st, Redis: rdb}
	a.Recorder = status.NewRecorder(status.NewRedisCache(rdb), st, cfg.JobStatusTTL, logger)

	var rescheduler jobs.Rescheduler
	var dlq tasks.DeadLetterCounter
	if cfg.EventBusEnabled {
		a.Bus = queue.NewRedisBus(rdb, queue.Options{
			VisibilityTimeout: cfg.VisibilityTimeout,
			DedupeTTL:         cfg.DedupeTTL,
		})
		rescheduler = worker.NewRescheduler(a.Bus)
		dlq = a.Bus
	}
	a.Runner = jobs.NewRunner(a.Recorder, rescheduler, logger)

	loc, err := time.LoadLocation(cfg.SendWindowTZ)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("send window timezone %q: %w", cfg.SendWindowTZ, err)
	}
	limiter := ratelimit.NewTokenBucket(rdb, "ratelimit:send", cfg.SendRateCapacity, cfg.SendRateRefill, time.Hour)

	a.Bodies = tasks.Bodies{
		ScheduledMessages: tasks.NewScheduledMessages(
			st,
			limiter,
			provider.NewWebhook("sender", cfg.SenderURL, cfg.ProviderToken, cfg.ProviderTimeout),
			tasks.SendWindow{StartHour: cfg.SendWindowStartHour, EndHour: cfg.SendWindowEndHour, Location: loc},
			cfg.ScheduledBatchSize,
			logger,
		),
		Maintenance: tasks.NewMaintenance(st, dlq, logger),
		Sync: tasks.NewSyncIntegrations(logger,
			provider.NewWebhook("ghl", cfg.GHLSyncURL, cfg.ProviderToken, cfg.ProviderTimeout),
			provider.NewWebhook("calendar", cfg.CalendarSyncURL, cfg.ProviderToken, cfg.ProviderTimeout),
		),
	}
	return a, nil
}

// Close releases the Redis client and the Postgres pool.
func (a *App) Close() error {
	var err error
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.Store != nil {
		a.Store.Close()
	}
	return err
}
