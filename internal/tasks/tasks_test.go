package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cron-dispatch/internal/jobs"
	"cron-dispatch/internal/models"
	"cron-dispatch/internal/provider"
	"cron-dispatch/internal/ratelimit"
	"cron-dispatch/internal/status"
)

type fakeOutbox struct {
	mu       sync.Mutex
	due      []models.ScheduledMessage
	state    map[string]string
	claimErr error
}

func newOutbox(msgs ...models.ScheduledMessage) *fakeOutbox {
	o := &fakeOutbox{state: map[string]string{}}
	for _, m := range msgs {
		o.due = append(o.due, m)
		o.state[m.ID] = models.MessagePending
	}
	return o
}

func (o *fakeOutbox) ClaimDueMessages(_ context.Context, _ time.Time, limit int) ([]models.ScheduledMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.claimErr != nil {
		return nil, o.claimErr
	}
	var out []models.ScheduledMessage
	for _, m := range o.due {
		if o.state[m.ID] == models.MessagePending && len(out) < limit {
			o.state[m.ID] = models.MessageSending
			out = append(out, m)
		}
	}
	return out, nil
}

func (o *fakeOutbox) set(id, from, to string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state[id] != from {
		return errors.New("claim lost")
	}
	o.state[id] = to
	return nil
}

func (o *fakeOutbox) MarkMessageSent(_ context.Context, id string, _ time.Time) error {
	return o.set(id, models.MessageSending, models.MessageSent)
}

func (o *fakeOutbox) ReleaseMessage(_ context.Context, id, _ string) error {
	return o.set(id, models.MessageSending, models.MessagePending)
}

func (o *fakeOutbox) MarkMessageFailed(_ context.Context, id, _ string) error {
	return o.set(id, models.MessageSending, models.MessageFailed)
}

func (o *fakeOutbox) stateOf(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state[id]
}

type fakePoster struct {
	name string
	mu   sync.Mutex
	errs map[string]error
	err  error
	sent []string
}

func (p *fakePoster) Name() string { return p.name }

func (p *fakePoster) Post(_ context.Context, body any, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok := body.(sendPayload); ok {
		if err := p.errs[sp.MessageID]; err != nil {
			return err
		}
		p.sent = append(p.sent, sp.MessageID)
	}
	return p.err
}

type fakeLimiter struct {
	allow int
}

func (l *fakeLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	if l.allow <= 0 {
		return ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}, nil
	}
	l.allow--
	return ratelimit.Decision{Allowed: true}, nil
}

func msg(id string) models.ScheduledMessage {
	return models.ScheduledMessage{ID: id, ClientID: "client-1", Channel: "sms", Recipient: "+15550100", Body: "hello"}
}

var dayWindow = SendWindow{StartHour: 8, EndHour: 20, Location: time.UTC}

func newJob(o Outbox, l Limiter, p Poster, at time.Time) *ScheduledMessages {
	j := NewScheduledMessages(o, l, p, dayWindow, 10, zap.NewNop())
	j.now = func() time.Time { return at }
	return j
}

func TestSendWindow(t *testing.T) {
	at := time.Date(2026, 2, 17, 22, 0, 0, 0, time.UTC)
	assert.False(t, dayWindow.Contains(at))
	assert.Equal(t, time.Date(2026, 2, 18, 8, 0, 0, 0, time.UTC), dayWindow.NextStart(at))

	early := time.Date(2026, 2, 17, 6, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC), dayWindow.NextStart(early))
	assert.True(t, dayWindow.Contains(time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC)))
	assert.False(t, dayWindow.Contains(time.Date(2026, 2, 17, 20, 0, 0, 0, time.UTC)))

	overnight := SendWindow{StartHour: 20, EndHour: 6}
	assert.True(t, overnight.Contains(time.Date(2026, 2, 17, 23, 0, 0, 0, time.UTC)))
	assert.True(t, overnight.Contains(time.Date(2026, 2, 17, 2, 0, 0, 0, time.UTC)))
	assert.False(t, overnight.Contains(time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)))

	ny, err := time.LoadLocation("America/New_York")
	if err == nil {
		w := SendWindow{StartHour: 9, EndHour: 17, Location: ny}
		// 13:00 UTC is 08:00 in New York during standard time.
		next := w.NextStart(time.Date(2026, 2, 17, 13, 0, 0, 0, time.UTC))
		assert.Equal(t, time.Date(2026, 2, 17, 14, 0, 0, 0, time.UTC), next)
	}
}

type recordingStatus struct {
	updates []status.Update
}

func (r *recordingStatus) Write(_ context.Context, u status.Update) { r.updates = append(r.updates, u) }

type recordingRescheduler struct{ at []time.Time }

func (r *recordingRescheduler) Reschedule(_ context.Context, _ jobs.Invocation, at time.Time) error {
	r.at = append(r.at, at)
	return nil
}

func TestScheduledMessages_OutsideWindowReschedules(t *testing.T) {
	outbox := newOutbox(msg("m1"))
	sender := &fakePoster{name: "sender"}
	late := time.Date(2026, 2, 17, 22, 0, 0, 0, time.UTC)
	job := newJob(outbox, nil, sender, late)

	sw := &recordingStatus{}
	rs := &recordingRescheduler{}
	runner := jobs.NewRunner(sw, rs, zap.NewNop())

	report, err := runner.Run(context.Background(), jobs.Invocation{Function: FunctionProcessScheduledMessages, RunID: "r1"}, job.Run)
	require.NoError(t, err)
	assert.Equal(t, "rescheduled", report.Outcome)

	nextWindow := time.Date(2026, 2, 18, 8, 0, 0, 0, time.UTC)
	require.Len(t, rs.at, 1)
	assert.Equal(t, nextWindow, rs.at[0])
	require.Len(t, sw.updates, 2)
	assert.Equal(t, models.StatusRescheduled, sw.updates[1].Status)
	assert.Empty(t, sender.sent, "nothing may be sent outside the window")
	assert.Equal(t, models.MessagePending, outbox.stateOf("m1"))
}

func TestScheduledMessages_SendsOnce(t *testing.T) {
	outbox := newOutbox(msg("m1"), msg("m2"))
	sender := &fakePoster{name: "sender"}
	job := newJob(outbox, nil, sender, time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC))

	out := job.Run(context.Background(), jobs.Invocation{})
	require.Equal(t, jobs.KindSucceeded, out.Kind())
	assert.Equal(t, SendResult{Claimed: 2, Sent: 2}, out.Result())

	out = job.Run(context.Background(), jobs.Invocation{})
	assert.Equal(t, jobs.KindSkipped, out.Kind())
	assert.Equal(t, []string{"m1", "m2"}, sender.sent)
	assert.Equal(t, models.MessageSent, outbox.stateOf("m1"))
}

func TestScheduledMessages_FailureHandling(t *testing.T) {
	outbox := newOutbox(msg("terminal"), msg("rejected"), msg("ambiguous"), msg("ok"))
	sender := &fakePoster{name: "sender", errs: map[string]error{
		"terminal":  &provider.Error{Provider: "sender", StatusCode: 400, Message: "invalid recipient"},
		"rejected":  &provider.Error{Provider: "sender", StatusCode: 429, Message: "slow down"},
		"ambiguous": errors.New("sender: read tcp: connection reset by peer"),
	}}
	job := newJob(outbox, nil, sender, time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC))

	out := job.Run(context.Background(), jobs.Invocation{})
	require.Equal(t, jobs.KindRetryable, out.Kind())
	assert.Contains(t, out.Err().Error(), "rejected")
	assert.Contains(t, out.Err().Error(), "ambiguous")
	assert.NotContains(t, out.Err().Error(), "invalid recipient")

	assert.Equal(t, models.MessageFailed, outbox.stateOf("terminal"))
	assert.Equal(t, models.MessagePending, outbox.stateOf("rejected"))
	assert.Equal(t, models.MessageSending, outbox.stateOf("ambiguous"), "an ambiguous send must never be re-queued automatically")
	assert.Equal(t, models.MessageSent, outbox.stateOf("ok"))
}

func TestScheduledMessages_UnconfiguredSenderClaimsNothing(t *testing.T) {
	outbox := newOutbox(msg("m1"), msg("m2"))
	sender := provider.NewWebhook("sender", "", "", time.Second)
	job := newJob(outbox, nil, sender, time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC))

	out := job.Run(context.Background(), jobs.Invocation{})
	require.Equal(t, jobs.KindTerminal, out.Kind())
	assert.ErrorIs(t, out.Err(), provider.ErrNotConfigured)
	assert.Contains(t, out.Err().Error(), "missing sender configuration")
	assert.Equal(t, models.MessagePending, outbox.stateOf("m1"))
	assert.Equal(t, models.MessagePending, outbox.stateOf("m2"))
}

func TestScheduledMessages_NotConfiguredAfterClaimReleases(t *testing.T) {
	outbox := newOutbox(msg("m1"), msg("m2"), msg("m3"))
	sender := &fakePoster{name: "sender", errs: map[string]error{
		"m2": fmt.Errorf("missing sender configuration: %w", provider.ErrNotConfigured),
	}}
	job := newJob(outbox, nil, sender, time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC))

	out := job.Run(context.Background(), jobs.Invocation{})
	require.Equal(t, jobs.KindTerminal, out.Kind())
	assert.ErrorIs(t, out.Err(), provider.ErrNotConfigured)
	assert.Equal(t, models.MessageSent, outbox.stateOf("m1"))
	assert.Equal(t, models.MessagePending, outbox.stateOf("m2"))
	assert.Equal(t, models.MessagePending, outbox.stateOf("m3"))
}

func TestScheduledMessages_RateLimitedReleasesRest(t *testing.T) {
	outbox := newOutbox(msg("m1"), msg("m2"), msg("m3"))
	sender := &fakePoster{name: "sender"}
	at := time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)
	job := newJob(outbox, &fakeLimiter{allow: 1}, sender, at)

	out := job.Run(context.Background(), jobs.Invocation{})
	require.Equal(t, jobs.KindRescheduled, out.Kind())
	assert.Equal(t, at.Add(30*time.Second), out.At())
	assert.Equal(t, models.MessageSent, outbox.stateOf("m1"))
	assert.Equal(t, models.MessagePending, outbox.stateOf("m2"))
	assert.Equal(t, models.MessagePending, outbox.stateOf("m3"))
}

func TestScheduledMessages_ClaimErrorClassified(t *testing.T) {
	outbox := newOutbox()
	outbox.claimErr = errors.New("dial tcp: connection refused")
	job := newJob(outbox, nil, &fakePoster{name: "sender"}, time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC))
	out := job.Run(context.Background(), jobs.Invocation{})
	assert.Equal(t, jobs.KindFailed, out.Kind())
}

func TestSyncIntegrations_SubOperations(t *testing.T) {
	ghl := &fakePoster{name: "ghl", err: errors.New("connect ETIMEDOUT 10.0.0.5:443")}
	calendar := &fakePoster{name: "calendar"}
	job := NewSyncIntegrations(zap.NewNop(), ghl, calendar)
	runner := jobs.NewRunner(nil, nil, zap.NewNop())

	_, err := runner.Run(context.Background(), jobs.Invocation{Function: FunctionSyncIntegrations}, job.Run)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ETIMEDOUT"))

	ghl.err = errors.New("missing ghl configuration")
	report, err := runner.Run(context.Background(), jobs.Invocation{Function: FunctionSyncIntegrations}, job.Run)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", report.Outcome)
	res := report.Result.(SyncResult)
	assert.Equal(t, []string{"calendar"}, res.Succeeded)
	assert.Contains(t, res.Skipped["ghl"], "missing ghl configuration")
}

func TestSyncIntegrations_UsesClientScope(t *testing.T) {
	var got []any
	p := &capturePoster{name: "ghl", bodies: &got}
	job := NewSyncIntegrations(zap.NewNop(), p)
	out := job.Run(context.Background(), jobs.Invocation{ClientID: "client-7", DispatchKey: "k"})
	require.Equal(t, jobs.KindSucceeded, out.Kind())
	require.Len(t, got, 1)
	assert.Equal(t, syncRequest{ClientID: "client-7", DispatchKey: "k"}, got[0])
}

type capturePoster struct {
	name   string
	bodies *[]any
}

func (c *capturePoster) Name() string { return c.name }

func (c *capturePoster) Post(_ context.Context, body any, _ any) error {
	*c.bodies = append(*c.bodies, body)
	return nil
}

type fakeSweeper struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakeSweeper) MarkStaleClaimsStuck(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

type fakeDLQ struct{ depth int64 }

func (f fakeDLQ) DLQDepth(context.Context) (int64, error) { return f.depth, nil }

func TestMaintenance(t *testing.T) {
	now := time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)
	sweeper := &fakeSweeper{n: 2}
	job := NewMaintenance(sweeper, fakeDLQ{depth: 3}, zap.NewNop())
	job.now = func() time.Time { return now }

	out := job.Run(context.Background(), jobs.Invocation{})
	require.Equal(t, jobs.KindSucceeded, out.Kind())
	assert.Equal(t, now.Add(-StaleClaimAge), sweeper.cutoff)
	res := out.Result().(MaintenanceResult)
	assert.Equal(t, int64(2), res.StuckMarked)
	require.NotNil(t, res.DLQDepth)
	assert.Equal(t, int64(3), *res.DLQDepth)

	sweeper.err = errors.New("timeout")
	assert.Equal(t, jobs.KindFailed, job.Run(context.Background(), jobs.Invocation{}).Kind())
}
