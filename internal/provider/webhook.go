// Package provider holds the outbound clients job bodies call: message
// delivery and the two integration syncs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured marks a provider whose endpoint was never set.
var ErrNotConfigured = errors.New("provider not configured")

// Error is a non-2xx response from a provider.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Webhook posts JSON to a configured endpoint.
type Webhook struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// NewWebhook builds a client. An empty url is allowed; every call then fails
// with "missing {name} configuration".
func NewWebhook(name, url, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		name:   name,
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Name is the provider label used in errors and logs.
func (w *Webhook) Name() string { return w.name }

// Configured reports whether an endpoint was set.
func (w *Webhook) Configured() bool { return w.url != "" }

// Post sends body and decodes a JSON response into out when out is non-nil.
func (w *Webhook) Post(ctx context.Context, body any, out any) error {
	if !w.Configured() {
		return fmt.Errorf("missing %s configuration: %w", w.name, ErrNotConfigured)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", w.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%s: new request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", w.name, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Provider: w.name, StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", w.name, err)
		}
	}
	return nil
}
