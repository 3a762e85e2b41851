// Package analyzer answers structural questions about a task graph: cycles,
// topological order, which tasks can run now and which can never run
// because something upstream failed.
package analyzer

import (
	"slices"

	"github.com/joshharrison/taskloom/internal/graph"
)

// DetectCycle returns a cycle in dependency order with the first task
// repeated at the end, or nil when the graph is acyclic.
func DetectCycle(v graph.View) []string {
	return graph.FindCycle(v)
}

// TopologicalOrder returns every task such that each task appears after all
// tasks it waits on: its dependencies and, for containers, its children.
// Ties are broken by dispatch order.
func TopologicalOrder(v graph.View) ([]string, error) {
	return order(v, SortByPriority(v, v.TaskIDs()))
}

// SubtreeOrder is TopologicalOrder restricted to rootID and its descendants.
func SubtreeOrder(v graph.View, rootID string) ([]string, error) {
	ids := graph.SubtreeIDs(v, rootID)
	if len(ids) == 0 {
		return nil, nil
	}
	full, err := TopologicalOrder(v)
	if err != nil {
		return nil, err
	}
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	return slices.DeleteFunc(full, func(id string) bool { return !in[id] }), nil
}

func order(v graph.View, ids []string) ([]string, error) {
	out, cycle := graph.Walk(ids, func(id string) []string {
		return SortByPriority(v, graph.Blocks(v, id))
	})
	if cycle != nil {
		return nil, &graph.CycleError{Path: cycle}
	}
	return out, nil
}

// IsReady reports whether t can be dispatched: it is a pending or ready leaf
// and every dependency gating it is completed.
func IsReady(v graph.View, t *graph.Task) bool {
	if !t.IsLeaf() {
		return false
	}
	if t.Status != graph.StatusPending && t.Status != graph.StatusReady {
		return false
	}
	return graph.DependenciesMet(v, t)
}

// ReadySet returns the dispatchable tasks under rootID (the whole graph when
// rootID is empty) in dispatch order.
func ReadySet(v graph.View, rootID string) []string {
	var out []string
	for _, id := range graph.SubtreeIDs(v, rootID) {
		if t, ok := v.Task(id); ok && IsReady(v, t) {
			out = append(out, id)
		}
	}
	return SortByPriority(v, out)
}

// AffectedDependents returns the tasks whose readiness or aggregate state
// may change when taskID changes status.
func AffectedDependents(v graph.View, taskID string) []string {
	return graph.Blocks(v, taskID)
}

// BlockedByFailure returns the pending or ready leaves under rootID that can
// never run because a task gating them, directly or transitively, failed or
// is blocked.
func BlockedByFailure(v graph.View, rootID string) []string {
	memo := make(map[string]bool)
	var doomed func(id string) bool
	doomed = func(id string) bool {
		if d, seen := memo[id]; seen {
			return d
		}
		memo[id] = false
		t, ok := v.Task(id)
		if !ok {
			return false
		}
		res := false
		switch t.Status {
		case graph.StatusFailed, graph.StatusBlocked:
			res = true
		case graph.StatusCompleted:
		default:
			for _, dep := range graph.EffectiveDeps(v, t) {
				if doomed(dep) {
					res = true
					break
				}
			}
			for _, c := range t.Children {
				if res {
					break
				}
				res = doomed(c)
			}
		}
		memo[id] = res
		return res
	}

	var out []string
	for _, id := range graph.SubtreeIDs(v, rootID) {
		t, _ := v.Task(id)
		if !t.IsLeaf() || (t.Status != graph.StatusPending && t.Status != graph.StatusReady) {
			continue
		}
		if doomed(id) {
			out = append(out, id)
		}
	}
	return SortByPriority(v, out)
}

// SortByPriority returns ids sorted by graph.Compare. Unknown ids sort last
// by id.
func SortByPriority(v graph.View, ids []string) []string {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b string) int {
		ta, okA := v.Task(a)
		tb, okB := v.Task(b)
		switch {
		case okA && okB:
			return graph.Compare(ta, tb)
		case okA:
			return -1
		case okB:
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return out
}
