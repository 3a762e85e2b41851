package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
)

var (
	// ErrConcurrencyLimitInvalid is returned when MaxParallel is not positive.
	ErrConcurrencyLimitInvalid = errors.New("max parallel must be positive")

	// ErrRunActive is returned when a run over an overlapping subtree is in progress.
	ErrRunActive = errors.New("run already active for this subtree")
)

// Handle executes one task. A nil error completes the task; any other error
// fails it. Handles must return promptly once ctx is cancelled.
type Handle func(ctx context.Context, task graph.Task) error

// Options bound a run.
type Options struct {
	MaxParallel    int
	Deadline       time.Time     // zero means none
	TimeoutPerTask time.Duration // zero means none
}

// EventKind classifies run events.
type EventKind string

const (
	EventDispatched EventKind = "dispatched"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
	EventStale      EventKind = "stale"
	EventDone       EventKind = "done"
)

// Event is emitted as tasks are dispatched and finish, in the order the run
// loop observed them.
type Event struct {
	Seq      int           `json:"seq"`
	Kind     EventKind     `json:"kind"`
	TaskID   string        `json:"task_id,omitempty"`
	Name     string        `json:"name,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

// Result summarises a finished run.
type Result struct {
	RunID            string    `json:"run_id"`
	RootID           string    `json:"root_id,omitempty"`
	Success          bool      `json:"success"`
	Completed        []string  `json:"completed,omitempty"`
	Failed           []string  `json:"failed,omitempty"`
	Blocked          []string  `json:"blocked,omitempty"`
	BlockedByFailure []string  `json:"blocked_by_failure,omitempty"`
	Pending          []string  `json:"pending,omitempty"`
	InFlight         []string  `json:"in_flight,omitempty"`
	Cancelled        bool      `json:"cancelled"`
	TimedOut         bool      `json:"timed_out"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// taskResult communicates task completion from worker goroutines to the run loop.
type taskResult struct {
	TaskID   string
	Err      error
	Duration time.Duration
}
