package graph

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Active reports whether a task in this status may still make progress
// without caller intervention.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusReady || s == StatusRunning
}

// Task is a node in a session's task forest.
type Task struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	Priority    *int              `json:"priority,omitempty"` // lower runs first
	Weight      int               `json:"weight,omitempty"`   // effort estimate, 0 means 1
	Children    []string          `json:"children,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Priority != nil {
		p := *t.Priority
		c.Priority = &p
	}
	c.Children = slices.Clone(t.Children)
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Tags = slices.Clone(t.Tags)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// IsLeaf reports whether the task has no children.
func (t *Task) IsLeaf() bool {
	return len(t.Children) == 0
}

// EffectiveWeight returns the task weight, defaulting to 1.
func (t *Task) EffectiveWeight() int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	ParentID    string            `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Priority    *int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Weight      int               `json:"weight,omitempty" yaml:"weight,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status    Status
	ParentID  string
	RootsOnly bool
	Tag       string
}

func (f Filter) match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.RootsOnly && t.ParentID != "" {
		return false
	}
	if f.Tag != "" && !t.HasTag(f.Tag) {
		return false
	}
	return true
}

// Change is a single entry in the store's mutation log.
type Change struct {
	Seq    int64     `json:"seq"`
	At     time.Time `json:"at"`
	TaskID string    `json:"task_id"`
	Field  string    `json:"field"`
	Old    string    `json:"old,omitempty"`
	New    string    `json:"new,omitempty"`
}

// View is a read-only view of a task graph. Tasks returned by a View must
// not be mutated by the caller.
type View interface {
	SessionID() string
	Task(id string) (*Task, bool)
	TaskIDs() []string
	Roots() []string
	Dependents(id string) []string
}

// Compare orders tasks for dispatch: explicit priority ascending (tasks
// with a priority first), then creation time, then id.
func Compare(a, b *Task) int {
	switch {
	case a.Priority != nil && b.Priority == nil:
		return -1
	case a.Priority == nil && b.Priority != nil:
		return 1
	case a.Priority != nil && *a.Priority != *b.Priority:
		return cmp.Compare(*a.Priority, *b.Priority)
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
