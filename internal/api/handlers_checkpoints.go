package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joshharrison/taskloom/internal/checkpoint"
	"github.com/joshharrison/taskloom/internal/graph"
)

// CheckpointHandler handles checkpoint requests.
type CheckpointHandler struct{}

type captureRequest struct {
	Level    checkpoint.Level  `json:"level"`
	TaskID   string            `json:"task_id,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type restoreRequest struct {
	Mode checkpoint.Mode `json:"mode,omitempty"`
}

type pruneRequest struct {
	Keep int `json:"keep"`
}

// List handles GET /sessions/{sessionID}/checkpoints?level=&task=&tag=&limit=
func (h *CheckpointHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := checkpoint.Filter{
		Level:  checkpoint.Level(q.Get("level")),
		TaskID: q.Get("task"),
		Tag:    q.Get("tag"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	cps, err := sessionFrom(r).Checkpoints().List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if cps == nil {
		cps = []*checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

// Capture handles POST /sessions/{sessionID}/checkpoints
func (h *CheckpointHandler) Capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Level == "" {
		req.Level = checkpoint.LevelOverall
	}
	cp, err := sessionFrom(r).Capture(r.Context(), checkpoint.CaptureRequest{
		Level:    req.Level,
		TaskID:   req.TaskID,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	cp.Payload = nil
	writeJSON(w, http.StatusCreated, cp)
}

// Get handles GET /sessions/{sessionID}/checkpoints/{checkpointID}
func (h *CheckpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	cp, err := sessionFrom(r).Checkpoints().Get(r.Context(), chi.URLParam(r, "checkpointID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// Delete handles DELETE /sessions/{sessionID}/checkpoints/{checkpointID}
func (h *CheckpointHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r).Checkpoints().Delete(r.Context(), chi.URLParam(r, "checkpointID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Restore handles POST /sessions/{sessionID}/checkpoints/{checkpointID}/restore
func (h *CheckpointHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Mode != "" && req.Mode != checkpoint.ModeFull && req.Mode != checkpoint.ModeMerge {
		writeError(w, http.StatusBadRequest, "mode must be full or merge")
		return
	}
	s := sessionFrom(r)
	if err := s.Restore(r.Context(), chi.URLParam(r, "checkpointID"), req.Mode); err != nil {
		writeErr(w, err)
		return
	}
	sum, _ := s.Summary("")
	writeJSON(w, http.StatusOK, sum)
}

// Diff handles GET /sessions/{sessionID}/checkpoints/{checkpointID}/diff?to=
// Without "to" the checkpoint is compared with the live graph.
func (h *CheckpointHandler) Diff(w http.ResponseWriter, r *http.Request) {
	mgr := sessionFrom(r).Checkpoints()
	from := chi.URLParam(r, "checkpointID")
	var (
		d   *checkpoint.Diff
		err error
	)
	if to := r.URL.Query().Get("to"); to != "" {
		d, err = mgr.Diff(r.Context(), from, to)
	} else {
		d, err = mgr.DiffLive(r.Context(), from)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Changes handles GET /sessions/{sessionID}/checkpoints/{checkpointID}/changes
func (h *CheckpointHandler) Changes(w http.ResponseWriter, r *http.Request) {
	changes, err := sessionFrom(r).Checkpoints().ChangesSince(r.Context(), chi.URLParam(r, "checkpointID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if changes == nil {
		changes = []graph.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// Prune handles POST /sessions/{sessionID}/checkpoints/prune
func (h *CheckpointHandler) Prune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Keep < 0 {
		writeError(w, http.StatusBadRequest, "keep must not be negative")
		return
	}
	n, err := sessionFrom(r).Checkpoints().Prune(r.Context(), req.Keep)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
