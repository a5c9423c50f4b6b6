// Package trigger drives the cron routes on a local schedule, standing in for
// the external scheduler during development.
package trigger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"cron-dispatch/internal/config"
)

// Client fires authenticated trigger calls.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient targets baseURL, e.g. http://localhost:8080.
func NewClient(baseURL, secret string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fire calls POST /api/cron/{job} and returns the response status code.
func (c *Client) Fire(ctx context.Context, job string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/cron/"+job, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("X-Cron-Source", "local-trigger")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("trigger %s: %w", job, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	log := c.logger.With(zap.String("job", job), zap.Int("status", resp.StatusCode))
	if resp.StatusCode >= 400 {
		log.Warn("trigger rejected", zap.ByteString("body", body))
		return resp.StatusCode, nil
	}
	log.Info("trigger fired", zap.ByteString("body", body))
	return resp.StatusCode, nil
}

// Schedule registers one cron entry per schedule on a new cron runner. The
// caller starts and stops it.
func Schedule(c *Client, schedules []config.TriggerSchedule) (*cron.Cron, error) {
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, s := range schedules {
		job := s.Job
		if _, err := runner.AddFunc(s.Spec, func() {
			if _, err := c.Fire(context.Background(), job); err != nil {
				c.logger.Warn("trigger failed", zap.String("job", job), zap.Error(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", s.Job, s.Spec, err)
		}
	}
	return runner, nil
}
