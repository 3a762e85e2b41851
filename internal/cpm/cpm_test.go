package cpm

import (
	"errors"
	"testing"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
)

type node struct {
	id, parent string
	weight     int
	deps       []string
	status     graph.Status
}

func buildTestView(t *testing.T, nodes []node) graph.View {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := make([]*graph.Task, len(nodes))
	for i, n := range nodes {
		st := n.status
		if st == "" {
			st = graph.StatusPending
		}
		tasks[i] = &graph.Task{
			ID:        n.id,
			Name:      n.id,
			ParentID:  n.parent,
			Weight:    n.weight,
			DependsOn: n.deps,
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return graph.NewSnapshot("s1", tasks)
}

func TestAnalyze_LinearChain(t *testing.T) {
	// A -> B -> C (each duration 1)
	v := buildTestView(t, []node{
		{id: "a"},
		{id: "b", deps: []string{"a"}},
		{id: "c", deps: []string{"b"}},
	})

	result, err := Analyze(v, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.TotalDuration != 3 {
		t.Errorf("expected total duration 3, got %d", result.TotalDuration)
	}
	if len(result.CriticalPath) != 3 {
		t.Errorf("expected 3 tasks on critical path, got %d: %v", len(result.CriticalPath), result.CriticalPath)
	}
	if len(result.Waves) != 3 {
		t.Errorf("expected 3 waves, got %d", len(result.Waves))
	}

	assertSchedule(t, result.Tasks["a"], 0, 1, 0, 1, 0, true)
	assertSchedule(t, result.Tasks["b"], 1, 2, 1, 2, 0, true)
	assertSchedule(t, result.Tasks["c"], 2, 3, 2, 3, 0, true)
}

func TestAnalyze_WithWeights(t *testing.T) {
	// A(5) -> B(1) -> D(1)
	// A(5) -> C(10) -> D(1)
	// Critical path should be A -> C -> D (total 16)
	v := buildTestView(t, []node{
		{id: "a", weight: 5},
		{id: "b", weight: 1, deps: []string{"a"}},
		{id: "c", weight: 10, deps: []string{"a"}},
		{id: "d", weight: 1, deps: []string{"b", "c"}},
	})

	result, err := Analyze(v, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.TotalDuration != 16 {
		t.Errorf("expected total duration 16, got %d", result.TotalDuration)
	}
	if result.Tasks["b"].IsCritical {
		t.Error("expected task B to NOT be critical")
	}
	if result.Tasks["b"].Slack != 9 {
		t.Errorf("expected B slack=9, got %d", result.Tasks["b"].Slack)
	}
	for _, id := range []string{"a", "c", "d"} {
		if !result.Tasks[id].IsCritical {
			t.Errorf("expected task %s to be critical", id)
		}
	}
}

func TestAnalyze_ParallelIndependent(t *testing.T) {
	v := buildTestView(t, []node{{id: "a"}, {id: "b"}, {id: "c"}})

	result, err := Analyze(v, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Waves) != 1 {
		t.Errorf("expected 1 wave, got %d", len(result.Waves))
	}
	if len(result.Waves[0].TaskIDs) != 3 {
		t.Errorf("expected 3 tasks in wave 0, got %d", len(result.Waves[0].TaskIDs))
	}
	if result.TotalDuration != 1 {
		t.Errorf("expected total duration 1, got %d", result.TotalDuration)
	}
}

func TestAnalyze_ContainersExpandToLeaves(t *testing.T) {
	//  build{compile, link->compile}  ship->build
	v := buildTestView(t, []node{
		{id: "build"},
		{id: "compile", parent: "build", weight: 2},
		{id: "link", parent: "build", weight: 1, deps: []string{"compile"}},
		{id: "ship", weight: 1, deps: []string{"build"}},
	})

	result, err := Analyze(v, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := result.Tasks["build"]; ok {
		t.Error("expected container to be excluded from the schedule")
	}
	if result.TotalDuration != 4 {
		t.Errorf("expected total duration 4, got %d", result.TotalDuration)
	}
	assertSchedule(t, result.Tasks["ship"], 3, 4, 3, 4, 0, true)
}

func TestAnalyze_CompletedWorkIsFree(t *testing.T) {
	v := buildTestView(t, []node{
		{id: "a", weight: 5, status: graph.StatusCompleted},
		{id: "b", weight: 2, deps: []string{"a"}},
	})

	result, err := Analyze(v, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalDuration != 2 {
		t.Errorf("expected remaining duration 2, got %d", result.TotalDuration)
	}
}

func TestAnalyze_SubtreeScope(t *testing.T) {
	v := buildTestView(t, []node{
		{id: "p"},
		{id: "x", parent: "p"},
		{id: "outside", weight: 7},
	})

	result, err := Analyze(v, "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Tasks) != 1 || result.Tasks["x"] == nil {
		t.Errorf("expected only x in scope, got %d tasks", len(result.Tasks))
	}

	if _, err := Analyze(v, "missing"); !errors.Is(err, graph.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestAnalyze_WideDAG(t *testing.T) {
	//     A
	//   / | \
	//  B  C  D
	//   \ | /
	//     E
	v := buildTestView(t, []node{
		{id: "a"},
		{id: "b", deps: []string{"a"}},
		{id: "c", deps: []string{"a"}},
		{id: "d", deps: []string{"a"}},
		{id: "e", deps: []string{"b", "c", "d"}},
	})

	result, err := Analyze(v, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Waves) != 3 {
		t.Errorf("expected 3 waves, got %d", len(result.Waves))
	}
	if len(result.Waves) >= 2 && len(result.Waves[1].TaskIDs) != 3 {
		t.Errorf("expected 3 tasks in wave 1, got %d", len(result.Waves[1].TaskIDs))
	}
}

func assertSchedule(t *testing.T, ts *TaskSchedule, es, ef, ls, lf, slack int, critical bool) {
	t.Helper()
	if ts == nil {
		t.Fatal("missing schedule")
	}
	if ts.ES != es {
		t.Errorf("task %s: expected ES=%d, got %d", ts.TaskID, es, ts.ES)
	}
	if ts.EF != ef {
		t.Errorf("task %s: expected EF=%d, got %d", ts.TaskID, ef, ts.EF)
	}
	if ts.LS != ls {
		t.Errorf("task %s: expected LS=%d, got %d", ts.TaskID, ls, ts.LS)
	}
	if ts.LF != lf {
		t.Errorf("task %s: expected LF=%d, got %d", ts.TaskID, lf, ts.LF)
	}
	if ts.Slack != slack {
		t.Errorf("task %s: expected slack=%d, got %d", ts.TaskID, slack, ts.Slack)
	}
	if ts.IsCritical != critical {
		t.Errorf("task %s: expected critical=%v, got %v", ts.TaskID, critical, ts.IsCritical)
	}
}
