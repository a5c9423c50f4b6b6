package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisBus(client, Options{VisibilityTimeout: 30 * time.Second, DedupeTTL: time.Hour}), mr
}

func TestSend_DedupesByID(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	ev := Event{ID: "process:abc", Name: "background-jobs/process.scheduled-messages", Data: map[string]string{"source": "cron"}}
	ids, err := bus.Send(ctx, ev)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ids) != 1 || ids[0] != "process:abc" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	again, err := bus.Send(ctx, ev)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if again[0] != "process:abc" {
		t.Fatalf("duplicate send should still report the id, got %v", again)
	}
	if n, _ := mr.List(readyKey(ev.Name)); len(n) != 1 {
		t.Fatalf("expected a single ready entry, got %v", n)
	}
}

func TestSend_RequiresIDAndName(t *testing.T) {
	bus, _ := newTestBus(t)
	if _, err := bus.Send(context.Background(), Event{Name: "x"}); err == nil {
		t.Fatalf("expected error for missing id")
	}
}

func TestDequeueAckFlow(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	if _, err := bus.Send(ctx, Event{ID: "sync:1", Name: "integrations/sync", Data: map[string]string{"clientId": "c1"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, err := bus.DequeueWithLease(ctx, "integrations/sync")
	if err != nil || env == nil {
		t.Fatalf("dequeue: env=%v err=%v", env, err)
	}
	if env.Attempt != 1 || env.RunID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil || data["clientId"] != "c1" {
		t.Fatalf("payload lost: %s", env.Data)
	}
	if in, _ := bus.InFlight(ctx); in != 1 {
		t.Fatalf("expected one inflight lease, got %d", in)
	}
	if err := bus.Ack(ctx, env); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if in, _ := bus.InFlight(ctx); in != 0 {
		t.Fatalf("expected lease cleared, got %d", in)
	}
	if mr.Exists(envelopeKey("sync:1")) {
		t.Fatalf("envelope should be removed after ack")
	}

	next, err := bus.DequeueWithLease(ctx, "integrations/sync")
	if err != nil || next != nil {
		t.Fatalf("expected empty queue, got %v err=%v", next, err)
	}
}

func TestRetry_GoesThroughScheduledSet(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 19, 31, 0, 0, time.UTC)
	bus.now = func() time.Time { return now }

	if _, err := bus.Send(ctx, Event{ID: "maintenance:1", Name: "background-jobs/maintenance"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, _ := bus.DequeueWithLease(ctx, "background-jobs/maintenance")
	runID := env.RunID
	if err := bus.Retry(ctx, env, now.Add(10*time.Second)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.Attempt != 2 {
		t.Fatalf("attempt not bumped: %d", env.Attempt)
	}

	if n, _ := bus.PromoteScheduled(ctx, now.Add(5*time.Second), 100); n != 0 {
		t.Fatalf("promoted too early: %d", n)
	}
	if n, _ := bus.PromoteScheduled(ctx, now.Add(10*time.Second), 100); n != 1 {
		t.Fatalf("expected promotion, got %d", n)
	}
	again, err := bus.DequeueWithLease(ctx, "background-jobs/maintenance")
	if err != nil || again == nil {
		t.Fatalf("dequeue after retry: %v %v", again, err)
	}
	if again.Attempt != 2 || again.RunID != runID {
		t.Fatalf("retry should keep run id and bump attempt: %+v", again)
	}
}

func TestReschedule_NewIDDelayed(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 22, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return now }

	if _, err := bus.Send(ctx, Event{ID: "process:1", Name: "background-jobs/process.scheduled-messages"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, _ := bus.DequeueWithLease(ctx, "background-jobs/process.scheduled-messages")
	at := now.Add(10 * time.Hour)
	id, err := bus.Reschedule(ctx, env, "", at)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if want := fmt.Sprintf("background-jobs/process.scheduled-messages:resched:%d", at.Unix()); id != want {
		t.Fatalf("reschedule id = %q, want %q", id, want)
	}
	if err := bus.Ack(ctx, env); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got, _ := bus.DequeueWithLease(ctx, "background-jobs/process.scheduled-messages"); got != nil {
		t.Fatalf("rescheduled event must not be ready immediately")
	}
	if n, _ := bus.PromoteScheduled(ctx, at, 10); n != 1 {
		t.Fatalf("expected rescheduled event to promote at its time, got %d", n)
	}
	got, _ := bus.DequeueWithLease(ctx, "background-jobs/process.scheduled-messages")
	if got == nil || got.ID != id || got.Attempt != 1 {
		t.Fatalf("unexpected rescheduled envelope: %+v", got)
	}
}

func TestRequeueExpired(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 19, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return now }

	if _, err := bus.Send(ctx, Event{ID: "sync:x", Name: "integrations/sync"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env, _ := bus.DequeueWithLease(ctx, "integrations/sync"); env == nil {
		t.Fatalf("expected lease")
	}
	if n, _ := bus.RequeueExpired(ctx, now.Add(10*time.Second), 10); n != 0 {
		t.Fatalf("lease not yet expired, requeued %d", n)
	}
	if n, _ := bus.RequeueExpired(ctx, now.Add(31*time.Second), 10); n != 1 {
		t.Fatalf("expected expired lease requeued, got %d", n)
	}
	if depth, _ := bus.ReadyDepth(ctx, "integrations/sync"); depth != 1 {
		t.Fatalf("ready depth = %d", depth)
	}
}

func TestDeadLetter(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := bus.Send(ctx, Event{ID: "sync:dead", Name: "integrations/sync"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, _ := bus.DequeueWithLease(ctx, "integrations/sync")
	if err := bus.DeadLetter(ctx, env, "ETIMEDOUT"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if depth, _ := bus.DLQDepth(ctx); depth != 1 {
		t.Fatalf("dlq depth = %d", depth)
	}
	records, err := bus.DLQPeek(ctx, 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("peek: %v %v", records, err)
	}
	if records[0].Envelope.ID != "sync:dead" || records[0].Reason != "ETIMEDOUT" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if in, _ := bus.InFlight(ctx); in != 0 {
		t.Fatalf("dead-lettered envelope still leased")
	}
}

func TestReschedule_OverlappingWindowsShareOneFollowUp(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()
	const name = "background-jobs/process.scheduled-messages"
	at := time.Date(2026, 2, 18, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("process:window-%d", i)
		if _, err := bus.Send(ctx, Event{ID: id, Name: name}); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
		env, _ := bus.DequeueWithLease(ctx, name)
		if _, err := bus.Reschedule(ctx, env, "", at); err != nil {
			t.Fatalf("reschedule %s: %v", id, err)
		}
		if err := bus.Ack(ctx, env); err != nil {
			t.Fatalf("ack %s: %v", id, err)
		}
	}
	if n, _ := bus.PromoteScheduled(ctx, at, 100); n != 1 {
		t.Fatalf("expected one delayed follow-up, promoted %d", n)
	}
	if got, _ := mr.List(readyKey(name)); len(got) != 1 {
		t.Fatalf("ready = %v", got)
	}

	// Different params at the same instant stay separate.
	if _, err := bus.Send(ctx, Event{ID: "process:scoped", Name: name}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, _ := bus.DequeueWithLease(ctx, name)
	id, err := bus.Reschedule(ctx, env, "a1b2c3d4e5f60718", at)
	if err != nil {
		t.Fatalf("reschedule scoped: %v", err)
	}
	if id != RescheduleID(name, "a1b2c3d4e5f60718", at) || id == RescheduleID(name, "", at) {
		t.Fatalf("scoped id = %q", id)
	}
}

func TestLease_StaleHolderCannotSettle(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 19, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return now }

	if _, err := bus.Send(ctx, Event{ID: "sync:slow", Name: "integrations/sync"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	first, _ := bus.DequeueWithLease(ctx, "integrations/sync")
	if first == nil || first.LeaseToken == "" {
		t.Fatalf("expected a leased envelope, got %+v", first)
	}
	if n, _ := bus.RequeueExpired(ctx, now.Add(31*time.Second), 10); n != 1 {
		t.Fatalf("expected expired lease requeued, got %d", n)
	}
	second, _ := bus.DequeueWithLease(ctx, "integrations/sync")
	if second == nil || second.LeaseToken == first.LeaseToken {
		t.Fatalf("redelivery should carry a fresh lease: %+v", second)
	}

	if err := bus.Ack(ctx, first); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale ack err = %v", err)
	}
	if err := bus.Retry(ctx, first, now.Add(time.Minute)); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale retry err = %v", err)
	}
	if err := bus.DeadLetter(ctx, first, "late"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale dead letter err = %v", err)
	}
	if err := bus.ExtendLease(ctx, first, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale extend err = %v", err)
	}
	if in, _ := bus.InFlight(ctx); in != 1 {
		t.Fatalf("current holder's lease was disturbed: inflight=%d", in)
	}
	if depth, _ := bus.DLQDepth(ctx); depth != 0 {
		t.Fatalf("stale dead letter reached the dlq")
	}
	if err := bus.Ack(ctx, second); err != nil {
		t.Fatalf("current holder ack: %v", err)
	}
}

func TestExtendLease_KeepsEnvelopeLeased(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 17, 19, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return now }

	if _, err := bus.Send(ctx, Event{ID: "sync:long", Name: "integrations/sync"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, _ := bus.DequeueWithLease(ctx, "integrations/sync")

	now = now.Add(20 * time.Second)
	if err := bus.ExtendLease(ctx, env, 30*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if n, _ := bus.RequeueExpired(ctx, now.Add(15*time.Second), 10); n != 0 {
		t.Fatalf("extended lease was requeued")
	}
	if n, _ := bus.RequeueExpired(ctx, now.Add(31*time.Second), 10); n != 1 {
		t.Fatalf("expected requeue once the extension lapsed, got %d", n)
	}
}
