package tasks

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cron-dispatch/internal/jobs"
)

// SyncResult is returned to inline callers and logged.
type SyncResult struct {
	ClientID  string            `json:"clientId,omitempty"`
	Succeeded []string          `json:"succeeded"`
	Skipped   map[string]string `json:"skipped,omitempty"`
}

// SyncIntegrations runs the CRM and calendar syncs independently.
type SyncIntegrations struct {
	providers []Poster
	logger    *zap.Logger
}

// NewSyncIntegrations wires the sync job over its sub-operation providers.
func NewSyncIntegrations(logger *zap.Logger, providers ...Poster) *SyncIntegrations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncIntegrations{providers: providers, logger: logger.Named("sync-integrations")}
}

type syncRequest struct {
	ClientID      string `json:"clientId,omitempty"`
	DispatchKey   string `json:"dispatchKey,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Run fans out to every provider. Only retryable sub-failures fail the run.
func (j *SyncIntegrations) Run(ctx context.Context, inv jobs.Invocation) jobs.Outcome {
	req := syncRequest{ClientID: inv.ClientID, DispatchKey: inv.DispatchKey, CorrelationID: inv.CorrelationID}

	results := make([]jobs.SubResult, len(j.providers))
	var g errgroup.Group
	for i, p := range j.providers {
		i, p := i, p
		g.Go(func() error {
			results[i] = jobs.SubResult{Name: p.Name(), Err: p.Post(ctx, req, nil)}
			return nil
		})
	}
	_ = g.Wait()

	c := jobs.Combine(results...)
	skipped := map[string]string{}
	for _, t := range c.Terminal {
		skipped[t.Name] = t.Err.Error()
		j.logger.Warn("integration sync failed terminally",
			zap.String("provider", t.Name),
			zap.String("client_id", inv.ClientID),
			zap.Error(t.Err),
		)
	}
	if c.Retryable != nil {
		return jobs.Retry(c.Retryable)
	}
	res := SyncResult{ClientID: inv.ClientID, Succeeded: c.Succeeded}
	if len(skipped) > 0 {
		res.Skipped = skipped
	}
	return jobs.Success(res)
}
