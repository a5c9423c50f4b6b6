package dispatch

import (
	"time"
)

// Bus event names carried by the cron routes.
const (
	EventProcessScheduledMessages = "background-jobs/process.scheduled-messages"
	EventMaintenance              = "background-jobs/maintenance"
	EventSyncIntegrations         = "integrations/sync"
)

// Data is the payload published for one dispatch. DispatchKey dedupes; the
// CorrelationID is fresh per trigger call and only links logs.
type Data struct {
	Source                string            `json:"source"`
	RequestedAt           string            `json:"requestedAt"`
	DispatchKey           string            `json:"dispatchKey"`
	CorrelationID         string            `json:"correlationId"`
	DispatchWindowStart   string            `json:"dispatchWindowStart"`
	DispatchWindowSeconds int               `json:"dispatchWindowSeconds"`
	Params                map[string]string `json:"params,omitempty"`
}

// NewData builds the dispatch payload for a trigger received at requestedAt.
func NewData(namespace, source, correlationID string, requestedAt time.Time, windowSeconds int, params map[string]string) Data {
	w := ComputeWindow(namespace, requestedAt, windowSeconds, params)
	d := Data{
		Source:                source,
		RequestedAt:           requestedAt.UTC().Format(ISOMillis),
		DispatchKey:           w.DispatchKey,
		CorrelationID:         correlationID,
		DispatchWindowStart:   w.StartISO(),
		DispatchWindowSeconds: w.Seconds,
	}
	if len(params) > 0 {
		d.Params = params
	}
	return d
}
