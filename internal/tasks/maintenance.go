package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cron-dispatch/internal/jobs"
)

// StaleClaimAge is how long a message may sit in "sending" before it is flagged.
const StaleClaimAge = 15 * time.Minute

// ClaimSweeper flags abandoned outbox claims.
type ClaimSweeper interface {
	MarkStaleClaimsStuck(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterCounter reports the bus DLQ depth.
type DeadLetterCounter interface {
	DLQDepth(ctx context.Context) (int64, error)
}

// MaintenanceResult is returned to inline callers and logged.
type MaintenanceResult struct {
	StuckMarked int64  `json:"stuckMarked"`
	DLQDepth    *int64 `json:"dlqDepth,omitempty"`
}

// Maintenance sweeps stale claims and reports dead letters.
type Maintenance struct {
	sweeper ClaimSweeper
	dlq     DeadLetterCounter
	logger  *zap.Logger
	now     func() time.Time
}

// NewMaintenance wires the maintenance job. dlq may be nil when no bus is configured.
func NewMaintenance(sweeper ClaimSweeper, dlq DeadLetterCounter, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{sweeper: sweeper, dlq: dlq, logger: logger.Named("maintenance"), now: time.Now}
}

func (j *Maintenance) Run(ctx context.Context, inv jobs.Invocation) jobs.Outcome {
	n, err := j.sweeper.MarkStaleClaimsStuck(ctx, j.now().UTC().Add(-StaleClaimAge))
	if err != nil {
		return jobs.Fail(err)
	}
	if n > 0 {
		j.logger.Warn("outbox claims marked stuck", zap.Int64("count", n))
	}

	res := MaintenanceResult{StuckMarked: n}
	if j.dlq != nil {
		depth, err := j.dlq.DLQDepth(ctx)
		if err != nil {
			j.logger.Warn("read dlq depth failed", zap.Error(err))
		} else {
			res.DLQDepth = &depth
			if depth > 0 {
				j.logger.Warn("dead-lettered events awaiting review", zap.Int64("dlq_depth", depth))
			}
		}
	}
	return jobs.Success(res)
}
