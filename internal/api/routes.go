package api

import (
	"fmt"

	"cron-dispatch/internal/config"
	"cron-dispatch/internal/lock"
	"cron-dispatch/internal/tasks"
)

// Cron route names.
const (
	RouteBackgroundJobs   = "background-jobs"
	RouteSyncIntegrations = "sync-integrations"
)

// Routes builds the cron routes with their per-route dispatch flags.
func Routes(cfg config.Config, bodies tasks.Bodies) []Route {
	return []Route{
		{
			Name:            RouteBackgroundJobs,
			LockKey:         lockKey(RouteBackgroundJobs),
			DispatchEnabled: cfg.BackgroundJobsDispatch,
			Tasks:           bodies.BackgroundJobs(),
		},
		{
			Name:            RouteSyncIntegrations,
			LockKey:         lockKey(RouteSyncIntegrations),
			DispatchEnabled: cfg.SyncIntegrationsDispatch,
			AllowedParams:   []string{"clientId"},
			Tasks:           bodies.SyncIntegrationTasks(),
		},
	}
}

func lockKey(route string) int64 {
	key, ok := lock.KeyFor(route)
	if !ok {
		panic(fmt.Sprintf("no advisory lock key registered for %q", route))
	}
	return key
}
