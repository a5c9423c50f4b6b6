package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cron-dispatch/internal/config"
	"cron-dispatch/internal/dispatch"
	"cron-dispatch/internal/jobs"
	"cron-dispatch/internal/queue"
	"cron-dispatch/internal/tasks"
	"cron-dispatch/internal/telemetry"
)

// Bus is the slice of the event bus the worker consumes.
type Bus interface {
	DequeueWithLease(ctx context.Context, name string) (*queue.Envelope, error)
	ExtendLease(ctx context.Context, env *queue.Envelope, extension time.Duration) error
	Ack(ctx context.Context, env *queue.Envelope) error
	Retry(ctx context.Context, env *queue.Envelope, runAt time.Time) error
	DeadLetter(ctx context.Context, env *queue.Envelope, reason string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	ReadyDepth(ctx context.Context, names ...string) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// JobRunner executes one attempt of a job body.
type JobRunner interface {
	Run(ctx context.Context, inv jobs.Invocation, fn jobs.Func) (jobs.Report, error)
}

// Processor consumes bus events and runs the registered task for each.
type Processor struct {
	cfg    config.Config
	bus    Bus
	runner JobRunner
	tasks  map[string]tasks.Task
	logger *zap.Logger
	now    func() time.Time
}

// NewProcessor wires a consumer over bus.
func NewProcessor(cfg config.Config, bus Bus, runner JobRunner, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:    cfg,
		bus:    bus,
		runner: runner,
		tasks:  make(map[string]tasks.Task),
		logger: logger.Named("worker"),
		now:    time.Now,
	}
}

// RegisterTask binds a task to the event name it consumes.
func (p *Processor) RegisterTask(t tasks.Task) {
	if t.Event == "" || t.Run == nil {
		return
	}
	p.tasks[t.Event] = t
}

// Run consumes until ctx is canceled. Each event name gets
// FunctionConcurrency consumers; one housekeeping loop moves delayed and
// expired events back to their ready lists.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.housekeep(ctx) })

	n := p.cfg.FunctionConcurrency
	if n <= 0 {
		n = 1
	}
	for _, t := range p.tasks {
		t := t
		for i := 0; i < n; i++ {
			g.Go(func() error { return p.consume(ctx, t) })
		}
	}
	return g.Wait()
}

func (p *Processor) housekeep(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()
	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep promotes due delayed events, reclaims expired leases and refreshes gauges.
func (p *Processor) sweep(ctx context.Context) {
	now := p.now()
	if _, err := p.bus.PromoteScheduled(ctx, now, int64(p.batch())); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled events failed", zap.Error(err))
	}
	if n, err := p.bus.RequeueExpired(ctx, now, int64(p.batch())); err != nil && ctx.Err() == nil {
		p.logger.Warn("requeue expired leases failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("reclaimed expired leases", zap.Int("count", n))
	}

	names := make([]string, 0, len(p.tasks))
	for name := range p.tasks {
		names = append(names, name)
	}
	if depth, err := p.bus.ReadyDepth(ctx, names...); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := p.bus.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

func (p *Processor) consume(ctx context.Context, t tasks.Task) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handled, err := p.processNext(ctx, t)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dequeue failed", zap.String("event", t.Event), zap.Error(err))
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval()):
		}
	}
}

// processNext leases one event for t and settles it. It reports whether an
// event was handled.
func (p *Processor) processNext(ctx context.Context, t tasks.Task) (bool, error) {
	env, err := p.bus.DequeueWithLease(ctx, t.Event)
	if err != nil {
		return false, err
	}
	if env == nil {
		return false, nil
	}

	inv := invocationFor(t, env)
	log := p.logger.With(
		zap.String("event_id", env.ID),
		zap.String("job", t.Function),
		zap.String("run_id", env.RunID),
		zap.Int("attempt", env.Attempt),
	)

	release := p.keepLease(ctx, env, log)
	_, runErr := p.runner.Run(ctx, inv, t.Run)
	release()

	// Settling must survive shutdown so the lease is not left to expire.
	sctx := context.WithoutCancel(ctx)
	if runErr == nil {
		if err := p.bus.Ack(sctx, env); err != nil {
			logSettleError(log, "ack failed", err)
		}
		return true, nil
	}

	if env.Attempt >= p.maxAttempts() {
		if err := p.bus.DeadLetter(sctx, env, runErr.Error()); err != nil {
			logSettleError(log, "dead letter failed", err)
			return true, nil
		}
		log.Error("event exhausted its attempts", zap.Error(runErr))
		return true, nil
	}

	wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, env.Attempt)
	next := p.now().Add(wait)
	if err := p.bus.Retry(sctx, env, next); err != nil {
		logSettleError(log, "schedule retry failed", err)
		return true, nil
	}
	log.Info("retry scheduled", zap.Time("next_run_at", next), zap.Duration("backoff", wait))
	return true, nil
}

// keepLease extends the lease every half visibility timeout while the body
// runs. The returned func stops the heartbeat and waits for it to exit.
func (p *Processor) keepLease(ctx context.Context, env *queue.Envelope, log *zap.Logger) func() {
	ttl := p.visibility()
	hctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(ttl/2, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				err := p.bus.ExtendLease(hctx, env, ttl)
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Warn("lease lost while running, event may be redelivered")
					return
				}
				if err != nil && hctx.Err() == nil {
					log.Warn("extend lease failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func logSettleError(log *zap.Logger, msg string, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn(msg+": lease already reclaimed", zap.Error(err))
		return
	}
	log.Error(msg, zap.Error(err))
}

func invocationFor(t tasks.Task, env *queue.Envelope) jobs.Invocation {
	var d dispatch.Data
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &d)
	}
	inv := jobs.FromDispatch(t.Function, d)
	inv.EventID = env.ID
	inv.EventName = env.Name
	inv.RunID = env.RunID
	inv.Attempt = env.Attempt
	inv.Data = env.Data
	return inv
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval <= 0 {
		return time.Second
	}
	return p.cfg.WorkerPollInterval
}

func (p *Processor) visibility() time.Duration {
	if p.cfg.VisibilityTimeout <= 0 {
		return time.Minute
	}
	return p.cfg.VisibilityTimeout
}

func (p *Processor) batch() int {
	if p.cfg.ScheduledBatchSize <= 0 {
		return 100
	}
	return p.cfg.ScheduledBatchSize
}

func (p *Processor) maxAttempts() int {
	if p.cfg.MaxAttempts <= 0 {
		return 1
	}
	return p.cfg.MaxAttempts
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// Rescheduler re-enqueues an invocation on the bus as a delayed follow-up event.
type Rescheduler struct {
	bus interface {
		Reschedule(ctx context.Context, env *queue.Envelope, scope string, runAt time.Time) (string, error)
	}
}

// NewRescheduler adapts a bus for jobs.Runner.
func NewRescheduler(bus *queue.RedisBus) *Rescheduler {
	return &Rescheduler{bus: bus}
}

// Reschedule implements jobs.Rescheduler. Follow-ups are keyed by event
// name, instant and params hash so overlapping windows share one delayed run.
func (r *Rescheduler) Reschedule(ctx context.Context, inv jobs.Invocation, at time.Time) error {
	if inv.EventID == "" || inv.EventName == "" {
		return fmt.Errorf("reschedule %s: invocation has no event identity", inv.Function)
	}
	_, err := r.bus.Reschedule(ctx, &queue.Envelope{ID: inv.EventID, Name: inv.EventName, Data: inv.Data}, rescheduleScope(inv.Data), at)
	return err
}

func rescheduleScope(data json.RawMessage) string {
	var d dispatch.Data
	if len(data) == 0 || json.Unmarshal(data, &d) != nil || len(d.Params) == 0 {
		return ""
	}
	return dispatch.ParamsHash(d.Params)
}
