package analyzer

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
)

func newStore() *graph.Store {
	n := 0
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return graph.NewStore("s1",
		graph.WithIDFunc(func() string {
			n++
			return fmt.Sprintf("T%d", n)
		}),
		graph.WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	)
}

func create(t *testing.T, s *graph.Store, spec graph.TaskSpec) string {
	t.Helper()
	task, err := s.CreateTask(spec)
	if err != nil {
		t.Fatalf("create %q: %v", spec.Name, err)
	}
	return task.ID
}

func prio(p int) *int { return &p }

func TestTopologicalOrder_RespectsEdges(t *testing.T) {
	s := newStore()
	root := create(t, s, graph.TaskSpec{Name: "root"})
	a := create(t, s, graph.TaskSpec{Name: "a", ParentID: root})
	b := create(t, s, graph.TaskSpec{Name: "b", ParentID: root, DependsOn: []string{a}})
	c := create(t, s, graph.TaskSpec{Name: "c", DependsOn: []string{a}})
	d := create(t, s, graph.TaskSpec{Name: "d", DependsOn: []string{b, c}})

	snap := s.Snapshot()
	order, err := TopologicalOrder(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 tasks in order, got %v", order)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range snap.TaskIDs() {
		task, _ := snap.Task(id)
		for _, dep := range task.DependsOn {
			if pos[dep] >= pos[id] {
				t.Errorf("%s depends on %s but comes first in %v", id, dep, order)
			}
		}
		for _, child := range task.Children {
			if pos[child] >= pos[id] {
				t.Errorf("child %s should precede parent %s in %v", child, id, order)
			}
		}
	}
	_ = d
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	now := time.Now()
	snap := graph.NewSnapshot("s1", []*graph.Task{
		{ID: "a", Status: graph.StatusPending, DependsOn: []string{"c"}, CreatedAt: now},
		{ID: "b", Status: graph.StatusPending, DependsOn: []string{"a"}, CreatedAt: now},
		{ID: "c", Status: graph.StatusPending, DependsOn: []string{"b"}, CreatedAt: now},
	})
	_, err := TopologicalOrder(snap)
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if cycle := DetectCycle(snap); len(cycle) != 4 {
		t.Errorf("expected 3-cycle plus closing node, got %v", cycle)
	}
}

func TestReadySet_Scenario(t *testing.T) {
	// T1 has children T2 and T3; T2 depends on T3.
	s := newStore()
	t1 := create(t, s, graph.TaskSpec{Name: "T1"})
	t3 := create(t, s, graph.TaskSpec{Name: "T3", ParentID: t1})
	t2 := create(t, s, graph.TaskSpec{Name: "T2", ParentID: t1, DependsOn: []string{t3}})

	if got := ReadySet(s.Snapshot(), ""); !slices.Equal(got, []string{t3}) {
		t.Fatalf("expected ready set [%s], got %v", t3, got)
	}

	if err := s.UpdateStatus(t3, graph.StatusCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ReadySet(s.Snapshot(), t1); !slices.Equal(got, []string{t2}) {
		t.Fatalf("expected ready set [%s], got %v", t2, got)
	}
}

func TestReadySet_TieBreak(t *testing.T) {
	s := newStore()
	late := create(t, s, graph.TaskSpec{Name: "no priority"})
	low := create(t, s, graph.TaskSpec{Name: "p3", Priority: prio(3)})
	high := create(t, s, graph.TaskSpec{Name: "p0", Priority: prio(0)})
	tie := create(t, s, graph.TaskSpec{Name: "p0 later", Priority: prio(0)})

	got := ReadySet(s.Snapshot(), "")
	want := []string{high, tie, low, late}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestReadySet_InheritsContainerDependencies(t *testing.T) {
	s := newStore()
	gate := create(t, s, graph.TaskSpec{Name: "gate"})
	box := create(t, s, graph.TaskSpec{Name: "box", DependsOn: []string{gate}})
	inner := create(t, s, graph.TaskSpec{Name: "inner", ParentID: box})

	if got := ReadySet(s.Snapshot(), ""); !slices.Equal(got, []string{gate}) {
		t.Fatalf("expected only gate ready, got %v", got)
	}
	if err := s.UpdateStatus(gate, graph.StatusCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ReadySet(s.Snapshot(), ""); !slices.Equal(got, []string{inner}) {
		t.Fatalf("expected inner ready, got %v", got)
	}
}

func TestAffectedDependents(t *testing.T) {
	s := newStore()
	p := create(t, s, graph.TaskSpec{Name: "p"})
	a := create(t, s, graph.TaskSpec{Name: "a", ParentID: p})
	b := create(t, s, graph.TaskSpec{Name: "b", DependsOn: []string{a}})

	got := AffectedDependents(s.Snapshot(), a)
	want := []string{b, p}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestBlockedByFailure(t *testing.T) {
	s := newStore()
	a := create(t, s, graph.TaskSpec{Name: "a"})
	b := create(t, s, graph.TaskSpec{Name: "b", DependsOn: []string{a}})
	c := create(t, s, graph.TaskSpec{Name: "c", DependsOn: []string{b}})
	sib := create(t, s, graph.TaskSpec{Name: "sibling"})

	if err := s.UpdateStatus(a, graph.StatusFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := s.Snapshot()
	got := BlockedByFailure(snap, "")
	if !slices.Equal(got, []string{b, c}) {
		t.Errorf("expected [%s %s] blocked, got %v", b, c, got)
	}
	if ready := ReadySet(snap, ""); !slices.Equal(ready, []string{sib}) {
		t.Errorf("expected sibling still ready, got %v", ready)
	}
}
