package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cron-dispatch/internal/jobs"
	"cron-dispatch/internal/models"
	"cron-dispatch/internal/provider"
	"cron-dispatch/internal/ratelimit"
)

// Outbox is the durable queue of delayed messages.
type Outbox interface {
	ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error)
	MarkMessageSent(ctx context.Context, id string, sentAt time.Time) error
	ReleaseMessage(ctx context.Context, id, lastError string) error
	MarkMessageFailed(ctx context.Context, id, lastError string) error
}

// Limiter throttles sends per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// SendResult is returned to inline callers and logged.
type SendResult struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Released int `json:"released"`
	// Held messages had an ambiguous send failure and stay claimed until
	// maintenance flags them for review.
	Held int `json:"held"`
}

// ScheduledMessages delivers due outbox messages inside the send window.
type ScheduledMessages struct {
	outbox  Outbox
	limiter Limiter
	sender  Poster
	window  SendWindow
	batch   int
	logger  *zap.Logger
	now     func() time.Time
}

// NewScheduledMessages wires the delayed-send job. limiter may be nil.
func NewScheduledMessages(outbox Outbox, limiter Limiter, sender Poster, window SendWindow, batch int, logger *zap.Logger) *ScheduledMessages {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduledMessages{
		outbox:  outbox,
		limiter: limiter,
		sender:  sender,
		window:  window,
		batch:   batch,
		logger:  logger.Named("scheduled-messages"),
		now:     time.Now,
	}
}

type sendPayload struct {
	MessageID string `json:"messageId"`
	ClientID  string `json:"clientId"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

// Run claims due messages and sends each at most once.
func (j *ScheduledMessages) Run(ctx context.Context, inv jobs.Invocation) jobs.Outcome {
	now := j.now().UTC()
	if !j.window.Contains(now) {
		return jobs.RescheduleAt(j.window.NextStart(now), "outside send window")
	}

	// Claiming with no sender would strand or fail every message in the batch.
	if err := senderMissing(j.sender); err != nil {
		return jobs.TerminalFailure(err)
	}

	claimed, err := j.outbox.ClaimDueMessages(ctx, now, j.batch)
	if err != nil {
		return jobs.Fail(err)
	}
	if len(claimed) == 0 {
		return jobs.Skip("no due messages")
	}

	res := SendResult{Claimed: len(claimed)}
	var retryable error
	for i, msg := range claimed {
		if j.limiter != nil {
			d, err := j.limiter.Allow(ctx, msg.ClientID)
			if err != nil {
				res.Released += j.release(ctx, claimed[i:], "rate limiter unavailable")
				return jobs.Fail(multierr.Append(retryable, fmt.Errorf("rate limiter: %w", err)))
			}
			if !d.Allowed {
				res.Released += j.release(ctx, claimed[i:], "rate limited")
				j.logger.Info("send rate limited, rescheduling",
					zap.String("client_id", msg.ClientID),
					zap.Duration("retry_after", d.RetryAfter),
					zap.Any("result", res),
				)
				if retryable != nil {
					return jobs.Retry(retryable)
				}
				return jobs.RescheduleAt(j.now().UTC().Add(d.RetryAfter), "send rate limited")
			}
		}

		err := j.sender.Post(ctx, sendPayload{
			MessageID: msg.ID,
			ClientID:  msg.ClientID,
			Channel:   msg.Channel,
			Recipient: msg.Recipient,
			Body:      msg.Body,
		}, nil)
		switch {
		case errors.Is(err, provider.ErrNotConfigured):
			res.Released += j.release(ctx, claimed[i:], err.Error())
			j.logger.Error("sender not configured, claims released", zap.Any("result", res), zap.Error(err))
			return jobs.TerminalFailure(multierr.Append(err, retryable))
		case err == nil:
			res.Sent++
			if err := j.outbox.MarkMessageSent(ctx, msg.ID, j.now().UTC()); err != nil {
				// Delivered but unrecorded: leave it claimed rather than risk a resend.
				j.logger.Error("mark message sent failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
		case jobs.Classify(err) == jobs.Terminal:
			res.Failed++
			if err := j.outbox.MarkMessageFailed(ctx, msg.ID, err.Error()); err != nil {
				j.logger.Warn("mark message failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
			j.logger.Warn("message send failed terminally", zap.String("message_id", msg.ID), zap.Error(err))
		case definitelyRejected(err):
			res.Released += j.release(ctx, []models.ScheduledMessage{msg}, err.Error())
			retryable = multierr.Append(retryable, fmt.Errorf("message %s: %w", msg.ID, err))
		default:
			res.Held++
			retryable = multierr.Append(retryable, fmt.Errorf("message %s: %w", msg.ID, err))
			j.logger.Warn("message send outcome unknown, holding claim", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	if retryable != nil {
		j.logger.Warn("scheduled message batch had retryable failures", zap.Any("result", res))
		return jobs.Retry(retryable)
	}
	return jobs.Success(res)
}

// release returns claims to pending and reports how many were released.
func (j *ScheduledMessages) release(ctx context.Context, msgs []models.ScheduledMessage, reason string) int {
	n := 0
	for _, m := range msgs {
		if err := j.outbox.ReleaseMessage(ctx, m.ID, reason); err != nil {
			j.logger.Warn("release message claim failed", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func senderMissing(p Poster) error {
	c, ok := p.(interface{ Configured() bool })
	if !ok || c.Configured() {
		return nil
	}
	return fmt.Errorf("missing %s configuration: %w", p.Name(), provider.ErrNotConfigured)
}

// definitelyRejected is true when the provider answered and refused the
// message, so sending it again cannot duplicate a delivery.
func definitelyRejected(err error) bool {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return false
	}
	return perr.StatusCode == http.StatusTooManyRequests || perr.StatusCode == http.StatusServiceUnavailable
}
