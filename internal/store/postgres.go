package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"cron-dispatch/internal/models"
)

// ErrClaimLost means the message was no longer in the sending state.
var ErrClaimLost = errors.New("message claim no longer held")

// Store wraps pgxpool for the run ledger and the message outbox.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity; /healthz reports it.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertFunctionRun creates or overwrites the ledger row for run.RunKey.
// Insert and update carry the same columns so replays converge.
func (s *Store) UpsertFunctionRun(ctx context.Context, run models.FunctionRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO background_function_runs (
			run_key, function_name, status, attempt, run_id, source, client_id,
			dispatch_key, correlation_id, requested_at, started_at, finished_at,
			duration_ms, last_error, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (run_key) DO UPDATE SET
			function_name  = EXCLUDED.function_name,
			status         = EXCLUDED.status,
			attempt        = EXCLUDED.attempt,
			run_id         = EXCLUDED.run_id,
			source         = EXCLUDED.source,
			client_id      = EXCLUDED.client_id,
			dispatch_key   = EXCLUDED.dispatch_key,
			correlation_id = EXCLUDED.correlation_id,
			requested_at   = EXCLUDED.requested_at,
			started_at     = EXCLUDED.started_at,
			finished_at    = EXCLUDED.finished_at,
			duration_ms    = EXCLUDED.duration_ms,
			last_error     = EXCLUDED.last_error,
			updated_at     = NOW()
	`, run.RunKey, run.FunctionName, string(run.Status), run.Attempt, run.RunID, run.Source, run.ClientID,
		run.DispatchKey, run.CorrelationID, run.RequestedAt, run.StartedAt, run.FinishedAt,
		run.DurationMs, run.LastError)
	if err != nil {
		return fmt.Errorf("upsert function run %s: %w", run.RunKey, err)
	}
	return nil
}

// ListFunctionRuns returns the most recent ledger rows for a function.
func (s *Store) ListFunctionRuns(ctx context.Context, functionName string, limit int) ([]models.FunctionRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_key, function_name, status, attempt, run_id, source, client_id, dispatch_key,
		       correlation_id, requested_at, started_at, finished_at, duration_ms, last_error,
		       created_at, updated_at
		FROM background_function_runs
		WHERE function_name = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, functionName, limit)
	if err != nil {
		return nil, fmt.Errorf("query function runs: %w", err)
	}
	defer rows.Close()

	var out []models.FunctionRun
	for rows.Next() {
		var (
			run                                          models.FunctionRun
			status                                       string
			runID, source, clientID, dispatchKey, corrID pgtype.Text
			lastErr                                      pgtype.Text
			requestedAt, finishedAt                      pgtype.Timestamptz
			durationMs                                   pgtype.Int8
		)
		if err := rows.Scan(&run.RunKey, &run.FunctionName, &status, &run.Attempt, &runID, &source, &clientID,
			&dispatchKey, &corrID, &requestedAt, &run.StartedAt, &finishedAt, &durationMs, &lastErr,
			&run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan function run: %w", err)
		}
		run.Status = models.RunStatus(status)
		run.RunID = textPtr(runID)
		run.Source = textPtr(source)
		run.ClientID = textPtr(clientID)
		run.DispatchKey = textPtr(dispatchKey)
		run.CorrelationID = textPtr(corrID)
		run.LastError = textPtr(lastErr)
		run.RequestedAt = timePtr(requestedAt)
		run.FinishedAt = timePtr(finishedAt)
		if durationMs.Valid {
			v := durationMs.Int64
			run.DurationMs = &v
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimDueMessages moves up to limit due pending messages to "sending" and
// returns them. Concurrent claimers skip each other's rows.
func (s *Store) ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_messages
		SET status = $1, claimed_at = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_messages
			WHERE status = $2 AND send_at <= $3
			ORDER BY send_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, client_id, channel, recipient, body, send_at, status, claimed_at, sent_at, last_error, created_at, updated_at
	`, models.MessageSending, models.MessagePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due messages: %w", err)
	}
	return pgx.CollectRows(rows, scanMessage)
}

// MarkMessageSent resolves a claim as delivered.
func (s *Store) MarkMessageSent(ctx context.Context, id string, sentAt time.Time) error {
	return s.resolveClaim(ctx, `
		UPDATE scheduled_messages SET status = $2, sent_at = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.MessageSent, sentAt, models.MessageSending)
}

// ReleaseMessage returns a claimed message to pending so a later run can send it.
// Only used when the provider definitely did not accept the message.
func (s *Store) ReleaseMessage(ctx context.Context, id, lastError string) error {
	return s.resolveClaim(ctx, `
		UPDATE scheduled_messages SET status = $2, claimed_at = NULL, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.MessagePending, lastError, models.MessageSending)
}

// MarkMessageFailed resolves a claim as permanently failed.
func (s *Store) MarkMessageFailed(ctx context.Context, id, lastError string) error {
	return s.resolveClaim(ctx, `
		UPDATE scheduled_messages SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.MessageFailed, lastError, models.MessageSending)
}

// MarkStaleClaimsStuck flags claims older than cutoff for operator review.
func (s *Store) MarkStaleClaimsStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = $1, last_error = COALESCE(last_error, 'claim expired without resolution'), updated_at = NOW()
		WHERE status = $2 AND claimed_at < $3
	`, models.MessageStuck, models.MessageSending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) resolveClaim(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("resolve claim %v: %w", args[0], err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve claim %v: %w", args[0], ErrClaimLost)
	}
	return nil
}

func scanMessage(row pgx.CollectableRow) (models.ScheduledMessage, error) {
	var (
		m         models.ScheduledMessage
		claimedAt pgtype.Timestamptz
		sentAt    pgtype.Timestamptz
		lastErr   pgtype.Text
	)
	if err := row.Scan(&m.ID, &m.ClientID, &m.Channel, &m.Recipient, &m.Body, &m.SendAt, &m.Status,
		&claimedAt, &sentAt, &lastErr, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return models.ScheduledMessage{}, fmt.Errorf("scan scheduled message: %w", err)
	}
	m.ClaimedAt = timePtr(claimedAt)
	m.SentAt = timePtr(sentAt)
	m.LastError = textPtr(lastErr)
	return m, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
