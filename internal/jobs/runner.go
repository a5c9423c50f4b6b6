package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cron-dispatch/internal/dispatch"
	"cron-dispatch/internal/models"
	"cron-dispatch/internal/status"
	"cron-dispatch/internal/telemetry"
)

// StatusWriter records status transitions. Writes never fail the attempt.
type StatusWriter interface {
	Write(ctx context.Context, u status.Update)
}

// Rescheduler re-enqueues an invocation for a later time.
type Rescheduler interface {
	Reschedule(ctx context.Context, inv Invocation, at time.Time) error
}

// Report summarizes one attempt for the caller.
type Report struct {
	Function   string     `json:"function"`
	Outcome    string     `json:"outcome"`
	Attempt    int        `json:"attempt"`
	RunID      string     `json:"runId,omitempty"`
	DurationMs int64      `json:"durationMs"`
	Result     any        `json:"result,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	NextRunAt  *time.Time `json:"nextRunAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Runner executes job bodies and records their lifecycle.
type Runner struct {
	status       StatusWriter
	rescheduler  Rescheduler
	logger       *zap.Logger
	now          func() time.Time
	finalTimeout time.Duration
}

// NewRunner builds a runner. rescheduler may be nil, in which case a
// reschedule is recorded and the next trigger picks the work up.
func NewRunner(sw StatusWriter, rescheduler Rescheduler, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		status:       sw,
		rescheduler:  rescheduler,
		logger:       logger,
		now:          time.Now,
		finalTimeout: 5 * time.Second,
	}
}

// Run executes fn once. The returned error is non-nil only for retryable
// failures, which the caller hands to its retry mechanism. Terminal failures,
// skips and reschedules are reported but not returned as errors.
func (r *Runner) Run(ctx context.Context, inv Invocation, fn Func) (Report, error) {
	if inv.Attempt <= 0 {
		inv.Attempt = 1
	}
	log := r.logger.With(
		zap.String("job", inv.Function),
		zap.String("run_id", inv.RunID),
		zap.Int("attempt", inv.Attempt),
		zap.String("dispatch_key", inv.DispatchKey),
		zap.String("correlation_id", inv.CorrelationID),
	)

	started := r.now().UTC()
	base := status.Update{
		Scope:         inv.Scope,
		JobName:       inv.Function,
		Attempt:       inv.Attempt,
		StartedAt:     started.Format(dispatch.ISOMillis),
		Source:        inv.Source,
		RunID:         inv.RunID,
		ClientID:      inv.ClientID,
		DispatchKey:   inv.DispatchKey,
		CorrelationID: inv.CorrelationID,
		RequestedAt:   inv.RequestedAt,
	}
	running := base
	running.Status = models.StatusRunning
	r.write(ctx, running)

	out := invoke(ctx, inv, fn)

	finished := r.now().UTC()
	durationMs := finished.Sub(started).Milliseconds()
	final := base
	final.FinishedAt = &finished
	final.DurationMs = &durationMs
	report := Report{Function: inv.Function, Attempt: inv.Attempt, RunID: inv.RunID, DurationMs: durationMs}

	var retErr error
	switch out.kind {
	case KindSucceeded:
		final.Status = models.StatusSucceeded
		report.Outcome = KindSucceeded.String()
		report.Result = out.result
		log.Info("job succeeded", zap.Int64("duration_ms", durationMs))

	case KindSkipped:
		final.Status = models.StatusSucceeded
		report.Outcome = KindSkipped.String()
		report.Reason = out.reason
		log.Info("job skipped", zap.String("reason", out.reason))

	case KindRescheduled:
		// Handled before classification: a reschedule is never an error.
		at := out.at.UTC()
		if r.rescheduler != nil {
			if err := r.rescheduler.Reschedule(ctx, inv, at); err != nil {
				retErr = fmt.Errorf("reschedule to %s: %w", at.Format(dispatch.ISOMillis), err)
				final.Status = models.StatusFailed
				final.LastError = retErr.Error()
				report.Outcome = KindRetryable.String()
				report.Error = retErr.Error()
				log.Warn("job reschedule failed", zap.Error(err))
				break
			}
		}
		final.Status = models.StatusRescheduled
		report.Outcome = KindRescheduled.String()
		report.Reason = out.reason
		report.NextRunAt = &at
		log.Info("job rescheduled", zap.Time("next_run_at", at), zap.String("reason", out.reason))

	default:
		class := Terminal
		switch out.kind {
		case KindRetryable:
			class = Retryable
		case KindFailed:
			class = Classify(out.err)
		}
		err := out.err
		if err == nil {
			err = fmt.Errorf("job reported %s failure without an error", out.kind)
		}
		final.Status = models.StatusFailed
		final.LastError = err.Error()
		report.Error = err.Error()
		if class == Retryable {
			report.Outcome = KindRetryable.String()
			retErr = err
			log.Warn("job failed, will retry", zap.Error(err))
		} else {
			report.Outcome = KindTerminal.String()
			log.Warn("job failed terminally, not retrying", zap.Error(err))
		}
	}

	// The attempt context may already be past its deadline; the terminal
	// write still gets a short budget of its own.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finalTimeout)
	defer cancel()
	r.write(wctx, final)

	telemetry.JobOutcomes.WithLabelValues(inv.Function, report.Outcome).Inc()
	telemetry.JobDuration.WithLabelValues(inv.Function).Observe(float64(durationMs) / 1000)
	return report, retErr
}

func (r *Runner) write(ctx context.Context, u status.Update) {
	if r.status == nil {
		return
	}
	r.status.Write(ctx, u)
}

func invoke(ctx context.Context, inv Invocation, fn Func) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Fail(fmt.Errorf("job panicked: %v", rec))
		}
	}()
	return fn(ctx, inv)
}
