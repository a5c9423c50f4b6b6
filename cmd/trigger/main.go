package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cron-dispatch/internal/config"
	"cron-dispatch/internal/logging"
	"cron-dispatch/internal/trigger"
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

	schedules, err := config.ParseTriggerSchedules(cfg.TriggerSchedules)
	if err != nil {
		logger.Fatal("parse trigger schedules", zap.Error(err))
	}
	client := trigger.NewClient(cfg.TriggerBaseURL, cfg.CronSecret, cfg.InlineTimeout+5*time.Second, logger)
	runner, err := trigger.Schedule(client, schedules)
	if err != nil {
		logger.Fatal("schedule triggers", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Start()
	logger.Info("trigger started", zap.String("base_url", cfg.TriggerBaseURL), zap.Int("schedules", len(schedules)))
	<-ctx.Done()
	<-runner.Stop().Done()
}
