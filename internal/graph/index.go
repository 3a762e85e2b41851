package graph

import (
	"fmt"
	"slices"
	"sort"
)

// index is the arena backing both the live store and snapshots: tasks keyed
// by id plus the derived roots and reverse dependency edges.
type index struct {
	sessionID  string
	tasks      map[string]*Task
	roots      []string
	dependents map[string][]string
}

func (ix *index) SessionID() string { return ix.sessionID }

func (ix *index) Task(id string) (*Task, bool) {
	t, ok := ix.tasks[id]
	return t, ok
}

// TaskIDs returns every task id in creation order.
func (ix *index) TaskIDs() []string {
	ts := sortedTasks(ix.tasks)
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}

func (ix *index) Roots() []string { return ix.roots }

func (ix *index) Dependents(id string) []string { return ix.dependents[id] }

func (ix *index) clone() *index {
	c := &index{
		sessionID:  ix.sessionID,
		tasks:      make(map[string]*Task, len(ix.tasks)),
		roots:      slices.Clone(ix.roots),
		dependents: make(map[string][]string, len(ix.dependents)),
	}
	for id, t := range ix.tasks {
		c.tasks[id] = t.Clone()
	}
	for id, deps := range ix.dependents {
		c.dependents[id] = slices.Clone(deps)
	}
	return c
}

// newIndex takes ownership of tasks and derives children, roots and
// dependents from the ParentID and DependsOn fields. In strict mode the
// result must be a valid session graph: known statuses, progress in range
// and consistent with status, parents and dependencies present, acyclic.
// Lenient mode treats tasks with a missing parent as roots and ignores
// dangling dependencies, which is what partial checkpoint payloads need.
func newIndex(sessionID string, tasks map[string]*Task, strict bool) (*index, error) {
	ix := &index{
		sessionID:  sessionID,
		tasks:      tasks,
		dependents: make(map[string][]string),
	}

	ordered := sortedTasks(tasks)
	if strict {
		for _, t := range ordered {
			if err := validateTask(tasks, t); err != nil {
				return nil, err
			}
		}
	}

	kids := make(map[string][]string)
	for _, t := range ordered {
		t.SessionID = sessionID
		t.DependsOn = normalizeIDs(t.DependsOn)
		if _, ok := tasks[t.ParentID]; t.ParentID == "" || !ok {
			ix.roots = append(ix.roots, t.ID)
		} else {
			kids[t.ParentID] = append(kids[t.ParentID], t.ID)
		}
		for _, dep := range t.DependsOn {
			if _, ok := tasks[dep]; ok {
				ix.dependents[dep] = append(ix.dependents[dep], t.ID)
			}
		}
	}
	for _, t := range ordered {
		t.Children = mergeChildren(t.Children, kids[t.ID])
	}
	for id := range ix.dependents {
		sort.Strings(ix.dependents[id])
	}

	if strict {
		if cycle := FindCycle(ix); cycle != nil {
			return nil, &CycleError{Path: cycle}
		}
	}
	return ix, nil
}

func validateTask(tasks map[string]*Task, t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: task %s has status %q", ErrInvalidTask, t.ID, t.Status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("%w: task %s has progress %d", ErrInvalidProgress, t.ID, t.Progress)
	}
	if (t.Progress == 100) != (t.Status == StatusCompleted) {
		return fmt.Errorf("%w: task %s is %s at %d%%", ErrInvalidProgress, t.ID, t.Status, t.Progress)
	}
	if t.ParentID != "" {
		if t.ParentID == t.ID {
			return fmt.Errorf("%w: task %s is its own parent", ErrInvalidParent, t.ID)
		}
		if _, ok := tasks[t.ParentID]; !ok {
			return fmt.Errorf("%w: task %s references parent %s", ErrInvalidParent, t.ID, t.ParentID)
		}
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return &CycleError{Path: []string{t.ID, t.ID}}
		}
		if _, ok := tasks[dep]; !ok {
			return fmt.Errorf("%w: task %s depends on %s", ErrTaskNotFound, t.ID, dep)
		}
	}
	return nil
}

// mergeChildren keeps the recorded child order for children that still
// point at this parent and appends newcomers in creation order.
func mergeChildren(recorded, actual []string) []string {
	if len(actual) == 0 {
		return nil
	}
	out := make([]string, 0, len(actual))
	for _, id := range recorded {
		if slices.Contains(actual, id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, id := range actual {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func normalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func insertSorted(ids []string, id string) []string {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

func removeID(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}

func sortedTasks(tasks map[string]*Task) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot is an immutable deep copy of a graph, or of part of one.
type Snapshot struct {
	*index
	seq int64
}

// NewSnapshot builds a read-only view over copies of tasks. Tasks whose
// parent is not among them become roots; dependencies outside the set are
// kept on the task but do not appear in Dependents.
func NewSnapshot(sessionID string, tasks []*Task) *Snapshot {
	m := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t.Clone()
	}
	ix, _ := newIndex(sessionID, m, false)
	return &Snapshot{index: ix}
}

// Tasks returns copies of the snapshot's tasks in creation order.
func (s *Snapshot) Tasks() []*Task {
	ts := sortedTasks(s.tasks)
	for i, t := range ts {
		ts[i] = t.Clone()
	}
	return ts
}

// Seq is the change sequence the snapshot was taken at, zero for snapshots
// not taken from a Store.
func (s *Snapshot) Seq() int64 { return s.seq }

// Len returns the number of tasks in the snapshot.
func (s *Snapshot) Len() int { return len(s.tasks) }
