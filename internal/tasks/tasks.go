// Package tasks holds the job bodies driven by the cron routes.
package tasks

import (
	"context"

	"cron-dispatch/internal/dispatch"
	"cron-dispatch/internal/jobs"
)

// Function names, used for status keys and the run ledger.
const (
	FunctionProcessScheduledMessages = "process-scheduled-messages"
	FunctionMaintenance              = "maintenance"
	FunctionSyncIntegrations         = "sync-integrations"
)

// Task binds a job body to the bus event that carries it.
type Task struct {
	Function string
	Event    string
	// Prefix namespaces the event id derived from a dispatch key.
	Prefix string
	Run    jobs.Func
}

// Poster is an outbound provider call.
type Poster interface {
	Name() string
	Post(ctx context.Context, body any, out any) error
}

// Bodies groups the job implementations for route wiring.
type Bodies struct {
	ScheduledMessages *ScheduledMessages
	Maintenance       *Maintenance
	Sync              *SyncIntegrations
}

// BackgroundJobs are the tasks fanned out by the background-jobs route.
func (b Bodies) BackgroundJobs() []Task {
	return []Task{
		{Function: FunctionProcessScheduledMessages, Event: dispatch.EventProcessScheduledMessages, Prefix: dispatch.PrefixProcess, Run: b.ScheduledMessages.Run},
		{Function: FunctionMaintenance, Event: dispatch.EventMaintenance, Prefix: dispatch.PrefixMaintenance, Run: b.Maintenance.Run},
	}
}

// SyncIntegrationTasks are the tasks behind the sync-integrations route.
func (b Bodies) SyncIntegrationTasks() []Task {
	return []Task{
		{Function: FunctionSyncIntegrations, Event: dispatch.EventSyncIntegrations, Prefix: dispatch.PrefixSync, Run: b.Sync.Run},
	}
}

// All lists every task, for worker registration.
func (b Bodies) All() []Task {
	return append(b.BackgroundJobs(), b.SyncIntegrationTasks()...)
}
