package models

import (
	"time"
)

// RunStatus enumerates the lifecycle states persisted for a function attempt.
type RunStatus string

const (
	StatusRunning     RunStatus = "RUNNING"
	StatusSucceeded   RunStatus = "SUCCEEDED"
	StatusFailed      RunStatus = "FAILED"
	StatusRescheduled RunStatus = "RESCHEDULED"
)

// CacheValue is the lowercase spelling used in the ephemeral status payload.
func (s RunStatus) CacheValue() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusRescheduled:
		return "rescheduled"
	default:
		return "failed"
	}
}

// FunctionRun is one row of the durable run ledger, unique on RunKey.
type FunctionRun struct {
	RunKey        string     `json:"run_key"`
	FunctionName  string     `json:"function_name"`
	Status        RunStatus  `json:"status"`
	Attempt       int        `json:"attempt"`
	RunID         *string    `json:"run_id,omitempty"`
	Source        *string    `json:"source,omitempty"`
	ClientID      *string    `json:"client_id,omitempty"`
	DispatchKey   *string    `json:"dispatch_key,omitempty"`
	CorrelationID *string    `json:"correlation_id,omitempty"`
	RequestedAt   *time.Time `json:"requested_at,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
