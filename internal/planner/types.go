package planner

import (
	"errors"

	"github.com/joshharrison/taskloom/internal/graph"
)

// ErrInvalidPlan is returned for plan files that cannot be applied.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a decomposition of work into tasks, loaded from YAML or JSON.
type Plan struct {
	Version int        `yaml:"version,omitempty"`
	Tasks   []PlanTask `yaml:"tasks"`
}

// PlanTask describes one task and, optionally, its children. DependsOn
// entries name other plan keys or ids of tasks already in the session.
type PlanTask struct {
	Key         string            `yaml:"key,omitempty"` // defaults to Name
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Priority    *int              `yaml:"priority,omitempty"`
	Weight      int               `yaml:"weight,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Command     string            `yaml:"command,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
	Children    []PlanTask        `yaml:"children,omitempty"`
}

// Applied reports what Apply created.
type Applied struct {
	IDs   map[string]string `json:"ids"` // plan key -> task id
	Tasks []*graph.Task     `json:"tasks"`
}

// Schedule is the wave view of a subtree: leaf tasks grouped into sets that
// can run in parallel, with the critical path marked.
type Schedule struct {
	RootID        string         `json:"root_id,omitempty"`
	TotalTasks    int            `json:"total_tasks"`
	TotalDuration int            `json:"total_duration"`
	CriticalPath  []string       `json:"critical_path"`
	Waves         []ScheduleWave `json:"waves"`
}

// ScheduleWave is a group of leaves whose dependencies all sit in earlier waves.
type ScheduleWave struct {
	Index      int           `json:"index"`
	IsCritical bool          `json:"is_critical"`
	Tasks      []PlannedTask `json:"tasks"`
}

// PlannedTask is a single leaf in a wave.
type PlannedTask struct {
	TaskID     string       `json:"task_id"`
	Name       string       `json:"name"`
	Status     graph.Status `json:"status"`
	IsCritical bool         `json:"is_critical"`
	Slack      int          `json:"slack"`
	Start      int          `json:"start"`
	Finish     int          `json:"finish"`
}

// node is a flattened plan entry.
type node struct {
	key    string
	parent string // plan key, empty for top level
	task   *PlanTask
}
