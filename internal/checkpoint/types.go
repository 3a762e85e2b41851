package checkpoint

import (
	"errors"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/store"
)

var (
	// ErrIncompatibleCheckpoints is returned when checkpoints from different
	// sessions are compared or restored across sessions.
	ErrIncompatibleCheckpoints = errors.New("checkpoints belong to different sessions")

	// ErrCorruptCheckpoint is returned when a stored payload fails
	// validation. The live graph is never touched in that case.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	ErrInvalidLevel = errors.New("invalid checkpoint level")

	ErrCheckpointNotFound = store.ErrCheckpointNotFound
)

// Level is the scope a checkpoint captures.
type Level string

const (
	// LevelOverall captures the whole graph and the session's memory records.
	LevelOverall Level = "overall"
	// LevelSubtask captures the subtree under one task.
	LevelSubtask Level = "subtask"
	// LevelStage records status and progress only, for the whole graph or a
	// subtree. Restoring it never changes structure.
	LevelStage Level = "stage"
)

func (l Level) Valid() bool {
	switch l {
	case LevelOverall, LevelSubtask, LevelStage:
		return true
	}
	return false
}

// Mode selects how Restore applies a checkpoint.
type Mode string

const (
	// ModeFull replaces the checkpoint's scope: tasks created since are
	// removed.
	ModeFull Mode = "full"
	// ModeMerge overwrites only the tasks present in the checkpoint.
	ModeMerge Mode = "merge"
)

const payloadVersion = 1

// Payload is the serialized body of a checkpoint. Overall and subtask
// checkpoints carry full task records in Tasks; stage checkpoints carry
// only Stage entries.
type Payload struct {
	Version     int           `json:"version"`
	SessionID   string        `json:"session_id"`
	Level       Level         `json:"level"`
	ScopeTaskID string        `json:"scope_task_id,omitempty"`
	Seq         int64         `json:"seq"`
	Tasks       []*graph.Task `json:"tasks,omitempty"`
	Stage       []StageEntry  `json:"stage,omitempty"`

	// ExternalDeps holds, per task, the dependencies of a subtask checkpoint
	// that point outside its scope. They are references only: Restore does
	// not bring them back.
	ExternalDeps map[string][]string   `json:"external_deps,omitempty"`
	Memory       []*store.MemoryRecord `json:"memory,omitempty"`
}

// StageEntry is one task's state in a stage checkpoint.
type StageEntry struct {
	ID       string       `json:"id"`
	Status   graph.Status `json:"status"`
	Progress int          `json:"progress"`
}

// Len returns the number of tasks the payload covers.
func (p *Payload) Len() int {
	return len(p.Tasks) + len(p.Stage)
}

// index maps task ids to records. Stage entries become tasks with only
// id, status and progress set.
func (p *Payload) index() map[string]*graph.Task {
	m := make(map[string]*graph.Task, p.Len())
	for _, t := range p.Tasks {
		m[t.ID] = t
	}
	for _, e := range p.Stage {
		m[e.ID] = &graph.Task{ID: e.ID, Status: e.Status, Progress: e.Progress}
	}
	return m
}

// Checkpoint is a captured point-in-time copy of (part of) a session.
// Payload is nil on checkpoints returned by List.
type Checkpoint struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Level     Level             `json:"level"`
	TaskID    string            `json:"task_id,omitempty"`
	Seq       int64             `json:"seq"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Hash      string            `json:"hash"`
	Size      int               `json:"size"`
	CreatedAt time.Time         `json:"created_at"`
	Payload   *Payload          `json:"payload,omitempty"`
}

// CaptureRequest describes what to capture. TaskID is required for subtask
// checkpoints and optional for stage checkpoints.
type CaptureRequest struct {
	Level    Level
	TaskID   string
	Tags     []string
	Metadata map[string]string
}

// Filter narrows List.
type Filter struct {
	Level  Level
	TaskID string
	Tag    string
	Limit  int
}

// FieldChange is one differing field of a task present in both checkpoints.
type FieldChange struct {
	TaskID string `json:"task_id"`
	Field  string `json:"field"`
	Old    string `json:"old"`
	New    string `json:"new"`
}

// Diff lists what changed going from one checkpoint to another.
type Diff struct {
	From    string        `json:"from"`
	To      string        `json:"to"`
	Changes []FieldChange `json:"changes,omitempty"`
	Added   []string      `json:"added,omitempty"`
	Removed []string      `json:"removed,omitempty"`
}

// Empty reports whether the two checkpoints are equivalent.
func (d *Diff) Empty() bool {
	return len(d.Changes) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}
