package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joshharrison/taskloom/internal/progress"
	"github.com/joshharrison/taskloom/internal/session"
	"github.com/joshharrison/taskloom/internal/store"
)

type HealthHandler struct {
	sessions *session.Manager
}

// Health handles GET /health. It reports degraded when the backend cannot
// list sessions.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	list, err := h.sessions.List(r.Context())
	if err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["sessions"] = len(list)
	writeJSON(w, http.StatusOK, resp)
}

// SessionHandler handles session lifecycle and memory requests.
type SessionHandler struct {
	sessions *session.Manager
}

type createSessionRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type sessionResponse struct {
	store.Session
	Archived bool             `json:"archived"`
	Progress progress.Summary `json:"progress"`
}

// Load resolves {sessionID} and stores the open session on the context.
func (h *SessionHandler) Load(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.sessions.Open(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), s)))
	})
}

// List handles GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Create handles POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s, err := h.sessions.Create(r.Context(), req.Name, req.Description, req.Metadata)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, describe(s))
}

// Get handles GET /sessions/{sessionID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, describe(sessionFrom(r)))
}

// Delete handles DELETE /sessions/{sessionID}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), sessionFrom(r).ID()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Archive handles POST /sessions/{sessionID}/archive
func (h *SessionHandler) Archive(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	if err := h.sessions.Archive(r.Context(), s.ID()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(s))
}

// Memory handles GET /sessions/{sessionID}/memory
func (h *SessionHandler) Memory(w http.ResponseWriter, r *http.Request) {
	recs, err := sessionFrom(r).Memory(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []*store.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// RecordMemory handles POST /sessions/{sessionID}/memory
func (h *SessionHandler) RecordMemory(w http.ResponseWriter, r *http.Request) {
	var req store.MemoryRecord
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	rec, err := sessionFrom(r).RecordMemory(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func describe(s *session.Session) sessionResponse {
	sum, _ := s.Summary("")
	return sessionResponse{Session: s.Info(), Archived: s.Archived(), Progress: sum}
}
