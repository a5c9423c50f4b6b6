package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchPublished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cron_dispatch_published_total", Help: "Cron triggers published to the event bus"}, []string{"job"})
	DispatchFailed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cron_dispatch_failed_total", Help: "Cron triggers whose publish failed"}, []string{"job"})
	TriggerRejected     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cron_trigger_rejected_total", Help: "Cron triggers rejected before any work"}, []string{"job", "reason"})
	InlineRuns          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cron_inline_runs_total", Help: "Inline executions that acquired the advisory lock"}, []string{"job"})
	InlineLockSkips     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cron_inline_lock_skips_total", Help: "Inline triggers skipped because the lock was held"}, []string{"job"})
	JobOutcomes         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_outcomes_total", Help: "Worker attempt outcomes"}, []string{"function", "outcome"})
	JobDuration         = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Worker attempt duration", Buckets: prometheus.DefBuckets}, []string{"function"})
	StatusWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_status_write_failures_total", Help: "Failed status writes by sink"}, []string{"target"})
	BusEnqueued         = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_events_enqueued_total", Help: "Events admitted by the bus"})
	BusDuplicates       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_events_duplicate_total", Help: "Events suppressed by id dedupe"})
	BusRetries          = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_events_retried_total", Help: "Events rescheduled after a retryable failure"})
	BusDeadLetter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_events_dead_letter_total", Help: "Events moved to the DLQ"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bus_ready_depth", Help: "Ready events across functions"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bus_inflight", Help: "Events currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchPublished,
			DispatchFailed,
			TriggerRejected,
			InlineRuns,
			InlineLockSkips,
			JobOutcomes,
			JobDuration,
			StatusWriteFailures,
			BusEnqueued,
			BusDuplicates,
			BusRetries,
			BusDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
