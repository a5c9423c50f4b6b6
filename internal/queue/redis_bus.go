package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cron-dispatch/internal/telemetry"
)

// Event is a caller-identified bus message. ID is the idempotency key: the
// bus admits each ID at most once per dedupe window.
type Event struct {
	ID    string
	Name  string
	Data  any
	RunAt time.Time
}

// ErrLeaseLost is returned when a consumer settles or extends an envelope
// whose lease expired and was handed to someone else.
var ErrLeaseLost = errors.New("bus: lease no longer held")

// Envelope is the stored form of an admitted event as seen by consumers.
type Envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	RunID      string          `json:"run_id"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// LeaseToken identifies this delivery. Only the holder of the current
	// token can extend, ack, retry or dead-letter the envelope.
	LeaseToken string `json:"-"`
}

// DeadLetter is the DLQ record for an envelope that exhausted its attempts.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Options tunes lease and dedupe behavior.
type Options struct {
	VisibilityTimeout time.Duration
	DedupeTTL         time.Duration
}

// RedisBus is an at-least-once event bus with per-ID admission dedupe, per
// function ready lists, a delayed-delivery ZSET, and visibility leases.
type RedisBus struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	namesKey      string
	leasesKey     string
	dlqKey        string
	visibilityTTL time.Duration
	dedupeTTL     time.Duration
	now           func() time.Time
}

// NewRedisBus wraps an existing client.
func NewRedisBus(client *redis.Client, opts Options) *RedisBus {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	return &RedisBus{
		client:        client,
		inflightKey:   "bus:inflight",
		scheduledKey:  "bus:scheduled",
		namesKey:      "bus:names",
		leasesKey:     "bus:leases",
		dlqKey:        "bus:dlq",
		visibilityTTL: opts.VisibilityTimeout,
		dedupeTTL:     opts.DedupeTTL,
		now:           time.Now,
	}
}

const (
	readyPrefix    = "bus:ready:"
	envelopePrefix = "bus:env:"
	dedupePrefix   = "bus:dedupe:"
)

func readyKey(name string) string { return readyPrefix + name }

func envelopeKey(id string) string { return envelopePrefix + id }

func dedupeKey(id string) string { return dedupePrefix + id }

// Send admits events and returns their IDs in order. An ID already admitted
// within the dedupe window is returned without being enqueued again.
func (b *RedisBus) Send(ctx context.Context, events ...Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" || ev.Name == "" {
			return ids, errors.New("event id and name are required")
		}
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return ids, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		now := b.now().UTC()
		env, err := json.Marshal(Envelope{
			ID:         ev.ID,
			Name:       ev.Name,
			Data:       data,
			RunID:      uuid.NewString(),
			Attempt:    1,
			EnqueuedAt: now,
		})
		if err != nil {
			return ids, fmt.Errorf("marshal envelope %s: %w", ev.ID, err)
		}
		var runAt int64
		if ev.RunAt.After(now) {
			runAt = ev.RunAt.UnixMilli()
		}
		admitted, err := sendScript.Run(ctx, b.client,
			[]string{dedupeKey(ev.ID), envelopeKey(ev.ID), readyKey(ev.Name), b.scheduledKey, b.namesKey},
			ev.ID, env, b.dedupeTTL.Milliseconds(), runAt, ev.Name,
		).Int()
		if err != nil {
			return ids, fmt.Errorf("send %s: %w", ev.ID, err)
		}
		if admitted == 1 {
			telemetry.BusEnqueued.Inc()
		} else {
			telemetry.BusDuplicates.Inc()
		}
		ids = append(ids, ev.ID)
	}
	return ids, nil
}

// DequeueWithLease pops the next ready envelope for a function and leases it
// for the visibility timeout. It returns nil when nothing is ready.
func (b *RedisBus) DequeueWithLease(ctx context.Context, name string) (*Envelope, error) {
	deadline := b.now().Add(b.visibilityTTL).UnixMilli()
	token := uuid.NewString()
	raw, err := dequeueScript.Run(ctx, b.client, []string{readyKey(name), b.inflightKey, b.leasesKey}, deadline, envelopePrefix, token).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", name, err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env.LeaseToken = token
	return &env, nil
}

// ExtendLease pushes the visibility deadline of a held lease forward.
func (b *RedisBus) ExtendLease(ctx context.Context, env *Envelope, extension time.Duration) error {
	deadline := b.now().Add(extension).UnixMilli()
	return b.owned(extendScript.Run(ctx, b.client,
		[]string{b.leasesKey, b.inflightKey},
		env.ID, env.LeaseToken, deadline,
	).Int())
}

// Ack completes an envelope and forgets it. The dedupe marker stays until it expires.
func (b *RedisBus) Ack(ctx context.Context, env *Envelope) error {
	return b.owned(ackScript.Run(ctx, b.client,
		[]string{b.leasesKey, b.inflightKey, envelopeKey(env.ID), b.namesKey},
		env.ID, env.LeaseToken,
	).Int())
}

func (b *RedisBus) owned(n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Retry re-delivers the same event at runAt with the attempt counter bumped.
// The run id is kept so ledger rows for one event group by run.
func (b *RedisBus) Retry(ctx context.Context, env *Envelope, runAt time.Time) error {
	next := *env
	next.Attempt++
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	err = b.owned(retryScript.Run(ctx, b.client,
		[]string{b.leasesKey, b.inflightKey, envelopeKey(env.ID), b.scheduledKey},
		env.ID, env.LeaseToken, raw, runAt.UnixMilli(),
	).Int())
	if err != nil {
		return fmt.Errorf("retry %s: %w", env.ID, err)
	}
	telemetry.BusRetries.Inc()
	*env = next
	return nil
}

// Reschedule admits a follow-up event for the same function at runAt. The
// follow-up id is built from the event name, scope and instant, never from
// the originating event, so every event asking for the same instant collapses
// onto one delayed run. scope separates parameterized runs, e.g. per client.
func (b *RedisBus) Reschedule(ctx context.Context, env *Envelope, scope string, runAt time.Time) (string, error) {
	ids, err := b.Send(ctx, Event{
		ID:    RescheduleID(env.Name, scope, runAt),
		Name:  env.Name,
		Data:  env.Data,
		RunAt: runAt,
	})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// RescheduleID is "{name}:resched:{unixSeconds}[:{scope}]".
func RescheduleID(name, scope string, runAt time.Time) string {
	id := fmt.Sprintf("%s:resched:%d", name, runAt.Unix())
	if scope != "" {
		id += ":" + scope
	}
	return id
}

// DeadLetter removes an envelope from circulation and records it in the DLQ.
func (b *RedisBus) DeadLetter(ctx context.Context, env *Envelope, reason string) error {
	raw, err := json.Marshal(DeadLetter{Envelope: *env, Reason: reason, At: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	err = b.owned(deadLetterScript.Run(ctx, b.client,
		[]string{b.leasesKey, b.inflightKey, envelopeKey(env.ID), b.namesKey, b.dlqKey},
		env.ID, env.LeaseToken, raw,
	).Int())
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", env.ID, err)
	}
	telemetry.BusDeadLetter.Inc()
	return nil
}

// PromoteScheduled moves due delayed events into their ready lists. It returns how many were promoted.
func (b *RedisBus) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, b.client, []string{b.scheduledKey, b.namesKey}, now.UnixMilli(), limit, readyPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// RequeueExpired reclaims leases that timed out and makes them ready again.
// The previous holder's token is revoked, so its late settle is a no-op.
func (b *RedisBus) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := requeueScript.Run(ctx, b.client, []string{b.inflightKey, b.namesKey, b.leasesKey}, now.UnixMilli(), limit, readyPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

// ReadyDepth returns the total length of the ready lists for the given functions.
func (b *RedisBus) ReadyDepth(ctx context.Context, names ...string) (int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(names))
	for _, n := range names {
		cmds = append(cmds, pipe.LLen(ctx, readyKey(n)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns how many envelopes are currently leased.
func (b *RedisBus) InFlight(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, b.inflightKey).Result()
}

// DLQDepth returns the number of dead-lettered envelopes.
func (b *RedisBus) DLQDepth(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.dlqKey).Result()
}

// DLQPeek reads the oldest dead-lettered records.
func (b *RedisBus) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raws, err := b.client.LRange(ctx, b.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, r := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

var sendScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[3]) then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[5])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

var dequeueScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return nil
  end
  local env = redis.call('GET', ARGV[2] .. id)
  if env then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HSET', KEYS[3], id, ARGV[3])
    return env
  end
end
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local name = redis.call('HGET', KEYS[2], id)
  if name then
    redis.call('RPUSH', ARGV[3] .. name, id)
  end
end
return #ids
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[3], id)
  local name = redis.call('HGET', KEYS[2], id)
  if name then
    redis.call('RPUSH', ARGV[3] .. name, id)
  end
end
return #ids
`)

// The settle scripts share a guard: KEYS[1] is the lease hash, ARGV[1] the
// id and ARGV[2] the caller's token. A stale token changes nothing.
const leaseGuard = `
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
`

var extendScript = redis.NewScript(leaseGuard + `
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[1])
return 1
`)

var ackScript = redis.NewScript(leaseGuard + `
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

var retryScript = redis.NewScript(leaseGuard + `
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

var deadLetterScript = redis.NewScript(leaseGuard + `
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('RPUSH', KEYS[5], ARGV[3])
return 1
`)
