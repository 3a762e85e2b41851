package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/joshharrison/taskloom/internal/checkpoint"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/store"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string   `json:"error"`
	Cycle []string `json:"cycle,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var cyc *graph.CycleError
	if errors.As(err, &cyc) {
		resp.Cycle = cyc.Path
	}
	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrTaskNotFound),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrInvalidTask),
		errors.Is(err, graph.ErrInvalidParent),
		errors.Is(err, graph.ErrInvalidProgress),
		errors.Is(err, scheduler.ErrConcurrencyLimitInvalid),
		errors.Is(err, checkpoint.ErrInvalidLevel),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrCycleDetected),
		errors.Is(err, graph.ErrDependenciesUnmet),
		errors.Is(err, graph.ErrInvalidTransition),
		errors.Is(err, graph.ErrSessionArchived),
		errors.Is(err, scheduler.ErrRunActive),
		errors.Is(err, checkpoint.ErrIncompatibleCheckpoints):
		return http.StatusConflict
	case errors.Is(err, checkpoint.ErrCorruptCheckpoint):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrStorageClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("empty request body")
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
