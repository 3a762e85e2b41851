// Package api serves sessions over HTTP.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshharrison/taskloom/internal/metrics"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/session"
)

// HandleFactory returns the handle runs started over HTTP execute tasks
// with.
type HandleFactory func(s *session.Session) scheduler.Handle

// Config wires the router's dependencies. Metrics and Gatherer may be nil.
type Config struct {
	Sessions    *session.Manager
	Handles     HandleFactory
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
	MaxParallel int
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(cfg Config) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger, cfg.Metrics))
	r.Use(Recovery(logger))

	health := &HealthHandler{sessions: cfg.Sessions}
	sessH := &SessionHandler{sessions: cfg.Sessions}
	taskH := &TaskHandler{}
	runH := &RunHandler{handles: cfg.Handles, maxParallel: cfg.MaxParallel}
	cpH := &CheckpointHandler{}

	r.Get("/health", health.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", sessH.List)
		r.Post("/", sessH.Create)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Use(sessH.Load)
			r.Get("/", sessH.Get)
			r.Delete("/", sessH.Delete)
			r.Post("/archive", sessH.Archive)
			r.Get("/memory", sessH.Memory)
			r.Post("/memory", sessH.RecordMemory)

			r.Get("/ready", taskH.Ready)
			r.Get("/order", taskH.Order)
			r.Get("/progress", taskH.Progress)
			r.Get("/changes", taskH.Changes)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", taskH.List)
				r.Post("/", taskH.Create)
				r.Get("/{taskID}", taskH.Get)
				r.Patch("/{taskID}", taskH.Update)
				r.Get("/{taskID}/subtree", taskH.Subtree)
				r.Get("/{taskID}/eta", taskH.ETA)
				r.Post("/{taskID}/dependencies", taskH.AddDependency)
				r.Delete("/{taskID}/dependencies/{depID}", taskH.RemoveDependency)
				r.Post("/{taskID}/retry", runH.Retry)
				r.Post("/{taskID}/clear", runH.Clear)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", runH.Active)
				r.Post("/", runH.Start)
				r.Get("/events", runH.Events)
				r.Post("/cancel", runH.Cancel)
			})

			r.Route("/checkpoints", func(r chi.Router) {
				r.Get("/", cpH.List)
				r.Post("/", cpH.Capture)
				r.Post("/prune", cpH.Prune)
				r.Get("/{checkpointID}", cpH.Get)
				r.Delete("/{checkpointID}", cpH.Delete)
				r.Post("/{checkpointID}/restore", cpH.Restore)
				r.Get("/{checkpointID}/diff", cpH.Diff)
				r.Get("/{checkpointID}/changes", cpH.Changes)
			})
		})
	})

	return r
}
