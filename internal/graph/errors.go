package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidParent is returned when a task references a parent that does not exist.
	ErrInvalidParent = errors.New("invalid parent")

	// ErrCycleDetected is returned when a dependency would close a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrDependenciesUnmet is returned when a task cannot run because a dependency is not completed.
	ErrDependenciesUnmet = errors.New("dependencies unmet")

	// ErrTaskNotFound is returned when a task id is unknown to the session.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidProgress is returned for progress values outside [0,100].
	ErrInvalidProgress = errors.New("invalid progress")

	// ErrInvalidTask is returned for malformed task specs or statuses.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidTransition is returned when a compare-and-set transition finds an unexpected status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSessionArchived is returned when mutating a read-only session graph.
	ErrSessionArchived = errors.New("session archived")
)

// CycleError carries the offending cycle, listed in dependency order
// (each task depends on the next one).
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap makes errors.Is(err, ErrCycleDetected) work.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
