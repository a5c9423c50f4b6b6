package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cron-dispatch/internal/dispatch"
	"cron-dispatch/internal/models"
	"cron-dispatch/internal/telemetry"
)

const (
	targetCache  = "cache"
	targetLedger = "durable-ledger"
)

// Cache is the ephemeral status sink.
type Cache interface {
	Put(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error
	Get(ctx context.Context, key string) (Snapshot, bool, error)
}

// Ledger is the durable run sink, upserting by FunctionRun.RunKey.
type Ledger interface {
	UpsertFunctionRun(ctx context.Context, run models.FunctionRun) error
}

// Recorder dual-writes status transitions. Recording is observability: sink
// failures are logged and counted, never returned.
type Recorder struct {
	cache  Cache
	ledger Ledger
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder builds a recorder. Either sink may be nil to disable it.
func NewRecorder(cache Cache, ledger Ledger, ttl time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		cache:  cache,
		ledger: ledger,
		ttl:    EffectiveTTL(ttl),
		logger: logger,
		now:    time.Now,
	}
}

// Write attempts both sinks concurrently and waits for both to settle.
func (r *Recorder) Write(ctx context.Context, u Update) {
	var wg sync.WaitGroup
	if r.cache != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.settle(targetCache, u, r.writeCache(ctx, u))
		}()
	}
	if r.ledger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.settle(targetLedger, u, r.writeLedger(ctx, u))
		}()
	}
	wg.Wait()
}

// Latest returns the cached status for (scope, jobName).
func (r *Recorder) Latest(ctx context.Context, scope, jobName string) (Snapshot, bool, error) {
	if r.cache == nil {
		return Snapshot{}, false, nil
	}
	return r.cache.Get(ctx, CacheKey(scope, jobName))
}

func (r *Recorder) settle(target string, u Update, err error) {
	if err == nil {
		return
	}
	telemetry.StatusWriteFailures.WithLabelValues(target).Inc()
	r.logger.Warn("job status write failed",
		zap.String("target", target),
		zap.String("job", u.JobName),
		zap.String("status", string(u.Status)),
		zap.Int("attempt", u.Attempt),
		zap.String("run_id", u.RunID),
		zap.Error(err),
	)
}

func (r *Recorder) writeCache(ctx context.Context, u Update) (err error) {
	defer recoverInto(&err)
	snap := Snapshot{
		Status:        u.Status.CacheValue(),
		StartedAt:     u.StartedAt,
		DurationMs:    u.DurationMs,
		Attempt:       u.Attempt,
		LastError:     u.LastError,
		Source:        u.Source,
		RunID:         u.RunID,
		DispatchKey:   u.DispatchKey,
		CorrelationID: u.CorrelationID,
		RequestedAt:   u.RequestedAt,
		UpdatedAt:     r.now().UTC().Format(dispatch.ISOMillis),
	}
	if u.FinishedAt != nil {
		snap.FinishedAt = u.FinishedAt.UTC().Format(dispatch.ISOMillis)
	}
	return r.cache.Put(ctx, CacheKey(u.Scope, u.JobName), snap, r.ttl)
}

func (r *Recorder) writeLedger(ctx context.Context, u Update) (err error) {
	defer recoverInto(&err)
	run, err := toFunctionRun(u)
	if err != nil {
		return err
	}
	return r.ledger.UpsertFunctionRun(ctx, run)
}

// toFunctionRun maps an update onto a ledger row. Create and update paths of
// the upsert carry exactly these fields, so replaying an update is idempotent.
func toFunctionRun(u Update) (models.FunctionRun, error) {
	startedAt, err := time.Parse(time.RFC3339Nano, u.StartedAt)
	if err != nil {
		return models.FunctionRun{}, fmt.Errorf("invalid startedAt %q: %w", u.StartedAt, err)
	}
	run := models.FunctionRun{
		RunKey:        RunKey(u.JobName, u.RunID, u.Attempt, u.StartedAt),
		FunctionName:  u.JobName,
		Status:        u.Status,
		Attempt:       u.Attempt,
		RunID:         optional(u.RunID),
		Source:        optional(u.Source),
		ClientID:      optional(u.ClientID),
		DispatchKey:   optional(u.DispatchKey),
		CorrelationID: optional(u.CorrelationID),
		StartedAt:     startedAt.UTC(),
		FinishedAt:    u.FinishedAt,
		DurationMs:    u.DurationMs,
		LastError:     optional(u.LastError),
	}
	if u.RequestedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, u.RequestedAt); err == nil {
			t = t.UTC()
			run.RequestedAt = &t
		}
	}
	return run, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func recoverInto(err *error) {
	if rec := recover(); rec != nil {
		*err = fmt.Errorf("panic in status sink: %v", rec)
	}
}
