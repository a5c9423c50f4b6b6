// Package status records job attempt lifecycles into two independent sinks:
// a TTL-bounded cache of the latest status per (scope, job) and the durable
// run ledger.
package status

import (
	"fmt"
	"time"

	"cron-dispatch/internal/models"
)

const (
	// GlobalScope keys statuses that do not belong to a single client.
	GlobalScope = "global"

	DefaultTTL = 24 * time.Hour
	MinTTL     = 60 * time.Second
)

// Update is one status transition reported by the runner.
type Update struct {
	Scope   string
	JobName string
	Status  models.RunStatus
	Attempt int
	// StartedAt travels as an ISO-8601 string, the same way it is cached and
	// carried in bus payloads. The ledger sink rejects values it cannot parse.
	StartedAt     string
	FinishedAt    *time.Time
	DurationMs    *int64
	LastError     string
	Source        string
	RunID         string
	ClientID      string
	DispatchKey   string
	CorrelationID string
	RequestedAt   string
}

// Snapshot is the cached JobRunStatus payload.
type Snapshot struct {
	Status        string `json:"status"`
	StartedAt     string `json:"startedAt"`
	FinishedAt    string `json:"finishedAt,omitempty"`
	DurationMs    *int64 `json:"durationMs,omitempty"`
	Attempt       int    `json:"attempt"`
	LastError     string `json:"lastError,omitempty"`
	Source        string `json:"source,omitempty"`
	RunID         string `json:"runId,omitempty"`
	DispatchKey   string `json:"dispatchKey,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	RequestedAt   string `json:"requestedAt,omitempty"`
	UpdatedAt     string `json:"updatedAt"`
}

// CacheKey is "job:v1:{scope}:{jobName}"; an empty scope means global.
func CacheKey(scope, jobName string) string {
	if scope == "" {
		scope = GlobalScope
	}
	return fmt.Sprintf("job:v1:%s:%s", scope, jobName)
}

// RunKey identifies one attempt in the ledger. A bus-provided run id is
// preferred; without one the start timestamp disambiguates attempts.
func RunKey(jobName, runID string, attempt int, startedAt string) string {
	if runID != "" {
		return fmt.Sprintf("%s:%s:%d", jobName, runID, attempt)
	}
	return fmt.Sprintf("%s:%d:%s", jobName, attempt, startedAt)
}

// EffectiveTTL applies the 24h default and the 60s floor.
func EffectiveTTL(configured time.Duration) time.Duration {
	if configured <= 0 {
		configured = DefaultTTL
	}
	if configured < MinTTL {
		return MinTTL
	}
	return configured
}
