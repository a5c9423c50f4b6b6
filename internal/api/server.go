package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cron-dispatch/internal/config"
	"cron-dispatch/internal/jobs"
	"cron-dispatch/internal/models"
	"cron-dispatch/internal/queue"
	"cron-dispatch/internal/replay"
	"cron-dispatch/internal/status"
	"cron-dispatch/internal/telemetry"
)

// Publisher sends events to the bus.
type Publisher interface {
	Send(ctx context.Context, events ...queue.Event) ([]string, error)
}

// Locker runs fn under a non-blocking advisory lock.
type Locker interface {
	WithLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error)
}

// JobRunner executes one attempt of a job body.
type JobRunner interface {
	Run(ctx context.Context, inv jobs.Invocation, fn jobs.Func) (jobs.Report, error)
}

// Archiver keeps failed dispatches for manual replay.
type Archiver interface {
	Save(ctx context.Context, dispatchKey string, rec replay.Record) (string, error)
}

// StatusReader serves cached job statuses.
type StatusReader interface {
	Latest(ctx context.Context, scope, jobName string) (status.Snapshot, bool, error)
}

// RunLister serves ledger rows.
type RunLister interface {
	ListFunctionRuns(ctx context.Context, functionName string, limit int) ([]models.FunctionRun, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface. Bus, Archive and DB may be nil.
type Deps struct {
	Bus     Publisher
	Locker  Locker
	Runner  JobRunner
	Archive Archiver
	Status  StatusReader
	Runs    RunLister
	DB      Pinger
}

// Server wires HTTP handlers for cron triggers and job status reads.
type Server struct {
	cfg    config.Config
	routes map[string]Route
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, routes []Route, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Route, len(routes))
	for _, r := range routes {
		byName[r.Name] = r
	}
	return &Server{
		cfg:    cfg,
		routes: byName,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireCronSecret)
		r.Get("/api/cron/{job}", s.handleCron)
		r.Post("/api/cron/{job}", s.handleCron)
		r.Get("/api/jobs/{scope}/{job}/status", s.handleStatus)
		r.Get("/api/jobs/{job}/runs", s.handleRuns)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "status cache not configured"})
		return
	}
	scope, job := chi.URLParam(r, "scope"), chi.URLParam(r, "job")
	snap, found, err := s.deps.Status.Latest(r.Context(), scope, job)
	if err != nil {
		s.logger.Warn("read job status failed", zap.String("job", job), zap.String("scope", scope), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "status read failed"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "no status recorded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scope": scope, "job": job, "status": snap})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "run ledger not configured"})
		return
	}
	job := chi.URLParam(r, "job")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.deps.Runs.ListFunctionRuns(r.Context(), job, limit)
	if err != nil {
		s.logger.Warn("list function runs failed", zap.String("job", job), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "ledger read failed"})
		return
	}
	if runs == nil {
		runs = []models.FunctionRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job, "runs": runs})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.Ping(ctx); err != nil {
			s.logger.Warn("health check: database unreachable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": "database unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
