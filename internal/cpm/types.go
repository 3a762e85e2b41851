package cpm

// Result holds the critical path analysis of a subtree's leaf tasks.
type Result struct {
	RootID        string
	Tasks         map[string]*TaskSchedule
	CriticalPath  []string // ordered task IDs on critical path
	TotalDuration int
	Waves         []Wave // parallelizable groups
	TopoOrder     []string
}

// TaskSchedule holds the scheduling info for a single leaf task.
type TaskSchedule struct {
	TaskID     string
	Duration   int
	ES, EF     int // earliest start/finish
	LS, LF     int // latest start/finish
	Slack      int
	IsCritical bool
	Wave       int // which parallel wave this belongs to
}

// Wave represents a group of tasks that can execute in parallel.
type Wave struct {
	Index      int
	TaskIDs    []string
	IsCritical bool // true if wave contains critical path tasks
}
