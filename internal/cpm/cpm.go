// Package cpm runs critical path analysis over the leaf tasks of a subtree.
// Container tasks carry no work of their own: a dependency on a container
// is a dependency on every leaf beneath it, and a container's own
// dependencies apply to all of its leaves.
package cpm

import (
	"fmt"
	"sort"

	"github.com/joshharrison/taskloom/internal/graph"
)

// Analyze performs critical path method analysis on the leaves under rootID
// (every leaf when rootID is empty). A leaf's duration is its weight, or 0
// once completed, so the result describes the remaining work.
func Analyze(v graph.View, rootID string) (*Result, error) {
	if rootID != "" {
		if _, ok := v.Task(rootID); !ok {
			return nil, fmt.Errorf("%w: %s", graph.ErrTaskNotFound, rootID)
		}
	}

	durations := make(map[string]int)
	for _, id := range graph.SubtreeIDs(v, rootID) {
		t, _ := v.Task(id)
		if !t.IsLeaf() {
			continue
		}
		if t.Status == graph.StatusCompleted {
			durations[id] = 0
		} else {
			durations[id] = t.EffectiveWeight()
		}
	}

	pred, succ := leafEdges(v, durations)
	order, err := topoSort(durations, pred, succ)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RootID:    rootID,
		Tasks:     make(map[string]*TaskSchedule),
		TopoOrder: order,
	}
	for _, id := range order {
		result.Tasks[id] = &TaskSchedule{TaskID: id, Duration: durations[id]}
	}

	// Forward pass: ES = max(EF of all predecessors)
	for _, id := range order {
		ts := result.Tasks[id]
		es := 0
		for _, p := range pred[id] {
			if ef := result.Tasks[p].EF; ef > es {
				es = ef
			}
		}
		ts.ES = es
		ts.EF = es + durations[id]
		if ts.EF > result.TotalDuration {
			result.TotalDuration = ts.EF
		}
	}

	// Backward pass in reverse topological order; tasks with no successors
	// finish at the project end.
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		ts := result.Tasks[id]
		lf := result.TotalDuration
		for _, s := range succ[id] {
			if ls := result.Tasks[s].LS; ls < lf {
				lf = ls
			}
		}
		ts.LF = lf
		ts.LS = lf - durations[id]
		ts.Slack = ts.LS - ts.ES
		ts.IsCritical = ts.Slack == 0
	}

	for _, id := range order {
		if result.Tasks[id].IsCritical {
			result.CriticalPath = append(result.CriticalPath, id)
		}
	}

	result.Waves = computeWaves(result)
	return result, nil
}

// leafEdges expands every effective dependency of an in-scope leaf into the
// in-scope leaves beneath it.
func leafEdges(v graph.View, scope map[string]int) (pred, succ map[string][]string) {
	pred = make(map[string][]string)
	succ = make(map[string][]string)
	for id := range scope {
		t, _ := v.Task(id)
		seen := make(map[string]bool)
		for _, dep := range graph.EffectiveDeps(v, t) {
			for _, l := range graph.SubtreeIDs(v, dep) {
				if _, ok := scope[l]; !ok || seen[l] || l == id {
					continue
				}
				lt, _ := v.Task(l)
				if !lt.IsLeaf() {
					continue
				}
				seen[l] = true
				pred[id] = append(pred[id], l)
				succ[l] = append(succ[l], id)
			}
		}
	}
	for id := range pred {
		sort.Strings(pred[id])
	}
	for id := range succ {
		sort.Strings(succ[id])
	}
	return pred, succ
}

// topoSort performs Kahn's algorithm for topological sorting.
func topoSort(nodes map[string]int, pred, succ map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	var queue []string
	for id := range nodes {
		inDegree[id] = len(pred[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var newReady []string
		for _, s := range succ[node] {
			inDegree[s]--
			if inDegree[s] == 0 {
				newReady = append(newReady, s)
			}
		}
		sort.Strings(newReady)
		queue = append(queue, newReady...)
	}

	if len(order) != len(nodes) {
		return nil, fmt.Errorf("%w: %d of %d tasks sorted", graph.ErrCycleDetected, len(order), len(nodes))
	}
	return order, nil
}

// computeWaves groups tasks by their earliest start time.
func computeWaves(result *Result) []Wave {
	esGroups := make(map[int][]string)
	for _, id := range result.TopoOrder {
		es := result.Tasks[id].ES
		esGroups[es] = append(esGroups[es], id)
	}

	esValues := make([]int, 0, len(esGroups))
	for es := range esGroups {
		esValues = append(esValues, es)
	}
	sort.Ints(esValues)

	waves := make([]Wave, len(esValues))
	for i, es := range esValues {
		taskIDs := esGroups[es]
		sort.Strings(taskIDs)

		hasCritical := false
		for _, id := range taskIDs {
			result.Tasks[id].Wave = i
			if result.Tasks[id].IsCritical {
				hasCritical = true
			}
		}

		// Critical tasks first within a wave
		sort.SliceStable(taskIDs, func(a, b int) bool {
			return result.Tasks[taskIDs[a]].IsCritical && !result.Tasks[taskIDs[b]].IsCritical
		})

		waves[i] = Wave{
			Index:      i,
			TaskIDs:    taskIDs,
			IsCritical: hasCritical,
		}
	}
	return waves
}
