package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joshharrison/taskloom/internal/scheduler"
)

// RunHandler starts, watches and cancels scheduler runs.
type RunHandler struct {
	handles     HandleFactory
	maxParallel int
}

type startRunRequest struct {
	RootID         string    `json:"root_id,omitempty"`
	MaxParallel    int       `json:"max_parallel,omitempty"`
	Deadline       time.Time `json:"deadline,omitempty"`
	TimeoutPerTask string    `json:"timeout_per_task,omitempty"`
}

type runResponse struct {
	RunID    string   `json:"run_id"`
	RootID   string   `json:"root_id,omitempty"`
	InFlight []string `json:"in_flight"`
}

// Start handles POST /sessions/{sessionID}/runs. The run is detached from
// the request and keeps going after the response is written.
func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	if h.handles == nil {
		writeError(w, http.StatusNotImplemented, "no task handle configured")
		return
	}
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	opts := scheduler.Options{MaxParallel: req.MaxParallel, Deadline: req.Deadline}
	if opts.MaxParallel == 0 {
		opts.MaxParallel = h.maxParallel
	}
	if req.TimeoutPerTask != "" {
		d, err := time.ParseDuration(req.TimeoutPerTask)
		if err != nil {
			writeErr(w, badRequest("timeout_per_task: %v", err))
			return
		}
		opts.TimeoutPerTask = d
	}

	s := sessionFrom(r)
	run, err := s.Run(context.Background(), req.RootID, opts, h.handles(s))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: run.ID, RootID: run.RootID, InFlight: run.InFlight()})
}

// Active handles GET /sessions/{sessionID}/runs
func (h *RunHandler) Active(w http.ResponseWriter, r *http.Request) {
	sched := sessionFrom(r).Scheduler()
	out := []runResponse{}
	for _, root := range sched.Active() {
		if run, ok := sched.Run(root); ok {
			out = append(out, runResponse{RunID: run.ID, RootID: run.RootID, InFlight: run.InFlight()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Events handles GET /sessions/{sessionID}/runs/events?root=, streaming the
// run's events as newline-delimited JSON until it finishes.
func (h *RunHandler) Events(w http.ResponseWriter, r *http.Request) {
	run, ok := sessionFrom(r).Scheduler().Run(r.URL.Query().Get("root"))
	if !ok {
		writeError(w, http.StatusNotFound, "no active run for root")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	events := run.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				go drain(events)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			go drain(events)
			return
		}
	}
}

func drain(events <-chan scheduler.Event) {
	for range events {
	}
}

// Cancel handles POST /sessions/{sessionID}/runs/cancel?root=
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("root")
	if !sessionFrom(r).Scheduler().Cancel(root) {
		writeError(w, http.StatusNotFound, "no active run for root")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Retry handles POST /sessions/{sessionID}/tasks/{taskID}/retry
func (h *RunHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.resume(w, r, (*scheduler.Scheduler).Retry)
}

// Clear handles POST /sessions/{sessionID}/tasks/{taskID}/clear
func (h *RunHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.resume(w, r, (*scheduler.Scheduler).Clear)
}

func (h *RunHandler) resume(w http.ResponseWriter, r *http.Request, fn func(*scheduler.Scheduler, string) error) {
	s := sessionFrom(r)
	id := chi.URLParam(r, "taskID")
	if err := fn(s.Scheduler(), id); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Flush(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	t, err := s.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
