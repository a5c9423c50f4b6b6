package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cron-dispatch/internal/dispatch"
	"cron-dispatch/internal/jobs"
	"cron-dispatch/internal/queue"
	"cron-dispatch/internal/replay"
	"cron-dispatch/internal/tasks"
	"cron-dispatch/internal/telemetry"
)

// LegacySecretHeader is accepted alongside "Authorization: Bearer".
const LegacySecretHeader = "X-Cron-Secret"

const (
	modeDispatch      = "dispatch-only"
	modeMisconfigured = "dispatch-misconfigured"
	modeFailed        = "dispatch-failed"
	modeInline        = "inline"
)

// Route is one cron trigger endpoint.
type Route struct {
	Name            string
	LockKey         int64
	DispatchEnabled bool
	// AllowedParams are the query parameters forwarded into the dispatch
	// payload and its key; anything else is dropped.
	AllowedParams []string
	Tasks         []tasks.Task
}

type eventRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		job := chi.URLParam(r, "job")
		if s.cfg.CronSecret == "" {
			telemetry.TriggerRejected.WithLabelValues(job, "not-configured").Inc()
			s.logger.Error("cron secret not configured, refusing trigger", zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "cron secret not configured"})
			return
		}
		if !secretMatches(providedSecret(r), s.cfg.CronSecret) {
			telemetry.TriggerRejected.WithLabelValues(job, "unauthorized").Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func providedSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get(LegacySecretHeader)
}

func secretMatches(got, want string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	route, ok := s.routes[chi.URLParam(r, "job")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "unknown cron job"})
		return
	}

	requestedAt := s.now().UTC()
	data := dispatch.NewData(
		route.Name,
		sourceOf(r),
		uuid.NewString(),
		requestedAt,
		dispatch.GetWindowSeconds(s.cfg.DispatchWindowRaw),
		allowedParams(r, route.AllowedParams),
	)

	if route.DispatchEnabled {
		s.dispatch(w, r, route, data)
		return
	}
	s.runInline(w, r, route, data)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, route Route, data dispatch.Data) {
	log := s.logger.With(
		zap.String("job", route.Name),
		zap.String("dispatch_key", data.DispatchKey),
		zap.String("correlation_id", data.CorrelationID),
	)
	if !s.cfg.EventBusEnabled || s.deps.Bus == nil {
		telemetry.TriggerRejected.WithLabelValues(route.Name, "dispatch-misconfigured").Inc()
		log.Error("dispatch enabled but event bus is not configured")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"mode":    modeMisconfigured,
			"error":   "dispatch is enabled for " + route.Name + " but the event bus is not configured",
		})
		return
	}

	events := make([]queue.Event, 0, len(route.Tasks))
	refs := make([]eventRef, 0, len(route.Tasks))
	for _, t := range route.Tasks {
		id := dispatch.EventID(t.Prefix, data.DispatchKey)
		events = append(events, queue.Event{ID: id, Name: t.Event, Data: data})
		refs = append(refs, eventRef{Name: t.Event, ID: id})
	}
	var primary eventRef
	if len(refs) > 0 {
		primary = refs[0]
	}

	ids, err := s.deps.Bus.Send(r.Context(), events...)
	if err != nil {
		telemetry.DispatchFailed.WithLabelValues(route.Name).Inc()
		log.Error("dispatch publish failed", zap.Error(err))
		s.archive(r.Context(), route, data, refs, err, log)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success":      false,
			"mode":         modeFailed,
			"enqueueError": err.Error(),
			"dispatch":     data,
			"event":        primary,
			"events":       refs,
			"timestamp":    s.timestamp(),
		})
		return
	}

	telemetry.DispatchPublished.WithLabelValues(route.Name).Inc()
	log.Info("dispatch published", zap.Strings("event_ids", ids))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":           true,
		"mode":              modeDispatch,
		"dispatch":          data,
		"event":             primary,
		"publishedEventIds": ids,
		"timestamp":         s.timestamp(),
	})
}

func (s *Server) archive(ctx context.Context, route Route, data dispatch.Data, refs []eventRef, cause error, log *zap.Logger) {
	if s.deps.Archive == nil {
		return
	}
	loc, err := s.deps.Archive.Save(context.WithoutCancel(ctx), data.DispatchKey, replay.Record{
		Job:          route.Name,
		EnqueueError: cause.Error(),
		Dispatch:     data,
		Event:        refs,
	})
	if err != nil {
		log.Warn("archive failed dispatch", zap.Error(err))
		return
	}
	log.Info("failed dispatch archived for replay", zap.String("location", loc))
}

func (s *Server) runInline(w http.ResponseWriter, r *http.Request, route Route, data dispatch.Data) {
	log := s.logger.With(
		zap.String("job", route.Name),
		zap.String("dispatch_key", data.DispatchKey),
		zap.String("correlation_id", data.CorrelationID),
	)
	timeout := s.cfg.InlineTimeout
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make(map[string]jobs.Report, len(route.Tasks))
	ran, err := s.deps.Locker.WithLock(ctx, route.LockKey, func(ctx context.Context) error {
		telemetry.InlineRuns.WithLabelValues(route.Name).Inc()
		var retryable error
		for _, t := range route.Tasks {
			inv := jobs.FromDispatch(t.Function, data)
			inv.EventName = t.Event
			inv.EventID = dispatch.EventID(t.Prefix, data.DispatchKey)
			report, err := s.deps.Runner.Run(ctx, inv, t.Run)
			results[t.Function] = report
			retryable = multierr.Append(retryable, err)
		}
		return retryable
	})
	if !ran {
		if err != nil {
			log.Error("advisory lock unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success":   false,
				"mode":      modeInline,
				"error":     "lock unavailable",
				"timestamp": s.timestamp(),
			})
			return
		}
		telemetry.InlineLockSkips.WithLabelValues(route.Name).Inc()
		log.Info("inline run skipped, lock held")
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"skipped":   true,
			"reason":    "locked",
			"mode":      modeInline,
			"timestamp": s.timestamp(),
		})
		return
	}
	if err != nil {
		// Retryable failures surface so the scheduler's next call tries again.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":   false,
			"mode":      modeInline,
			"error":     err.Error(),
			"dispatch":  data,
			"results":   results,
			"timestamp": s.timestamp(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"mode":      modeInline,
		"dispatch":  data,
		"results":   results,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(dispatch.ISOMillis)
}

func sourceOf(r *http.Request) string {
	if v := r.URL.Query().Get("source"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Cron-Source"); v != "" {
		return v
	}
	return "cron"
}

func allowedParams(r *http.Request, allowed []string) map[string]string {
	q := r.URL.Query()
	var out map[string]string
	for _, name := range allowed {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			if out == nil {
				out = map[string]string{}
			}
			out[name] = v
		}
	}
	return out
}
