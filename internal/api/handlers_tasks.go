package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joshharrison/taskloom/internal/graph"
)

// TaskHandler handles task graph requests.
type TaskHandler struct{}

type updateTaskRequest struct {
	Status   *graph.Status `json:"status,omitempty"`
	Progress *int          `json:"progress,omitempty"`
}

type dependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

// List handles GET /sessions/{sessionID}/tasks?status=&parent=&tag=
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks := sessionFrom(r).List(graph.Filter{
		Status:   graph.Status(q.Get("status")),
		ParentID: q.Get("parent"),
		Tag:      q.Get("tag"),
	})
	if tasks == nil {
		tasks = []*graph.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Create handles POST /sessions/{sessionID}/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec graph.TaskSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeErr(w, err)
		return
	}
	t, err := sessionFrom(r).CreateTask(r.Context(), spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// Get handles GET /sessions/{sessionID}/tasks/{taskID}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := sessionFrom(r).Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Update handles PATCH /sessions/{sessionID}/tasks/{taskID}. Status is
// applied before progress.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Status == nil && req.Progress == nil {
		writeError(w, http.StatusBadRequest, "status or progress is required")
		return
	}
	s := sessionFrom(r)
	id := chi.URLParam(r, "taskID")
	if req.Status != nil {
		if err := s.UpdateStatus(r.Context(), id, *req.Status); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Progress != nil {
		if err := s.UpdateProgress(r.Context(), id, *req.Progress); err != nil {
			writeErr(w, err)
			return
		}
	}
	t, err := s.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Subtree handles GET /sessions/{sessionID}/tasks/{taskID}/subtree
func (h *TaskHandler) Subtree(w http.ResponseWriter, r *http.Request) {
	tasks, err := sessionFrom(r).Subtree(chi.URLParam(r, "taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ETA handles GET /sessions/{sessionID}/tasks/{taskID}/eta
func (h *TaskHandler) ETA(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	id := chi.URLParam(r, "taskID")
	t, err := s.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"task_id": id, "progress": t.Progress}
	if eta, ok := s.Progress().ETA(id); ok {
		resp["eta_seconds"] = eta.Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddDependency handles POST /sessions/{sessionID}/tasks/{taskID}/dependencies
func (h *TaskHandler) AddDependency(w http.ResponseWriter, r *http.Request) {
	var req dependencyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.DependsOn == "" {
		writeError(w, http.StatusBadRequest, "depends_on is required")
		return
	}
	s := sessionFrom(r)
	id := chi.URLParam(r, "taskID")
	if err := s.AddDependency(r.Context(), id, req.DependsOn); err != nil {
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

// RemoveDependency handles DELETE /sessions/{sessionID}/tasks/{taskID}/dependencies/{depID}
func (h *TaskHandler) RemoveDependency(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r).RemoveDependency(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "depID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ready handles GET /sessions/{sessionID}/ready?root=
func (h *TaskHandler) Ready(w http.ResponseWriter, r *http.Request) {
	tasks, err := sessionFrom(r).Ready(r.URL.Query().Get("root"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*graph.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Order handles GET /sessions/{sessionID}/order?root=
func (h *TaskHandler) Order(w http.ResponseWriter, r *http.Request) {
	ids, err := sessionFrom(r).Order(r.URL.Query().Get("root"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": ids})
}

// Progress handles GET /sessions/{sessionID}/progress?root=
func (h *TaskHandler) Progress(w http.ResponseWriter, r *http.Request) {
	sum, err := sessionFrom(r).Summary(r.URL.Query().Get("root"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Changes handles GET /sessions/{sessionID}/changes?since=
func (h *TaskHandler) Changes(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = n
	}
	changes := sessionFrom(r).Graph().Changes(since)
	if changes == nil {
		changes = []graph.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}
