package graph

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

// newTestStore returns a store with ids t1, t2, ... and a clock that ticks
// one second per call so creation order is stable.
func newTestStore(opts ...Option) *Store {
	n := 0
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	base := []Option{
		WithIDFunc(func() string {
			n++
			return fmt.Sprintf("t%d", n)
		}),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	}
	return NewStore("s1", append(base, opts...)...)
}

func mustCreate(t *testing.T, s *Store, spec TaskSpec) *Task {
	t.Helper()
	task, err := s.CreateTask(spec)
	if err != nil {
		t.Fatalf("create %q: %v", spec.Name, err)
	}
	return task
}

func TestCreateTask_Hierarchy(t *testing.T) {
	s := newTestStore()
	root := mustCreate(t, s, TaskSpec{Name: "root"})
	a := mustCreate(t, s, TaskSpec{Name: "a", ParentID: root.ID})
	b := mustCreate(t, s, TaskSpec{Name: "b", ParentID: root.ID, DependsOn: []string{a.ID}})

	got, err := s.Get(root.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got.Children, []string{a.ID, b.ID}) {
		t.Errorf("expected children [%s %s], got %v", a.ID, b.ID, got.Children)
	}
	if b.Status != StatusPending || b.Progress != 0 {
		t.Errorf("expected new task pending at 0, got %s at %d", b.Status, b.Progress)
	}
	if b.SessionID != "s1" {
		t.Errorf("expected session s1, got %q", b.SessionID)
	}

	var deps []string
	s.View(func(v View) { deps = slices.Clone(v.Dependents(a.ID)) })
	if !slices.Equal(deps, []string{b.ID}) {
		t.Errorf("expected dependents of a = [%s], got %v", b.ID, deps)
	}

	sub, err := s.Subtree(root.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sub) != 3 || sub[0].ID != root.ID {
		t.Errorf("expected 3-task subtree rooted at %s, got %d tasks", root.ID, len(sub))
	}
}

func TestCreateTask_InvalidParent(t *testing.T) {
	s := newTestStore()
	_, err := s.CreateTask(TaskSpec{Name: "orphan", ParentID: "nope"})
	if !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty graph, got %d tasks", s.Len())
	}
}

func TestCreateTask_UnknownDependency(t *testing.T) {
	s := newTestStore()
	_, err := s.CreateTask(TaskSpec{Name: "x", DependsOn: []string{"ghost"}})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCreateTask_EmptyName(t *testing.T) {
	s := newTestStore()
	if _, err := s.CreateTask(TaskSpec{Name: "  "}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestAddDependency_CycleLeavesGraphUnchanged(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	b := mustCreate(t, s, TaskSpec{Name: "b", DependsOn: []string{a.ID}})
	c := mustCreate(t, s, TaskSpec{Name: "c", DependsOn: []string{b.ID}})

	before := s.Snapshot()
	seq := s.Seq()

	err := s.AddDependency(a.ID, c.ID)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(ce.Path) != 4 || ce.Path[0] != ce.Path[len(ce.Path)-1] {
		t.Errorf("expected closed 3-cycle path, got %v", ce.Path)
	}

	if s.Seq() != seq {
		t.Errorf("expected no change log entries, seq went %d -> %d", seq, s.Seq())
	}
	after := s.Snapshot()
	for _, id := range before.TaskIDs() {
		x, _ := before.Task(id)
		y, _ := after.Task(id)
		if !slices.Equal(x.DependsOn, y.DependsOn) {
			t.Errorf("task %s deps changed: %v -> %v", id, x.DependsOn, y.DependsOn)
		}
	}
	if got := after.Dependents(c.ID); len(got) != 0 {
		t.Errorf("expected c to have no dependents, got %v", got)
	}
}

func TestAddDependency_SelfLoop(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	if err := s.AddDependency(a.ID, a.ID); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestAddDependency_OnAncestorIsCycle(t *testing.T) {
	// A parent cannot finish before its child, so a child waiting on its
	// own parent can never run.
	s := newTestStore()
	root := mustCreate(t, s, TaskSpec{Name: "root"})
	mid := mustCreate(t, s, TaskSpec{Name: "mid", ParentID: root.ID})
	leaf := mustCreate(t, s, TaskSpec{Name: "leaf", ParentID: mid.ID})

	if err := s.AddDependency(leaf.ID, root.ID); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if _, err := s.CreateTask(TaskSpec{Name: "bad", ParentID: mid.ID, DependsOn: []string{root.ID}}); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected on create, got %v", err)
	}
}

func TestAddDependency_Idempotent(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	b := mustCreate(t, s, TaskSpec{Name: "b"})
	for i := 0; i < 2; i++ {
		if err := s.AddDependency(b.ID, a.ID); err != nil {
			t.Fatalf("add #%d: %v", i, err)
		}
	}
	got, _ := s.Get(b.ID)
	if !slices.Equal(got.DependsOn, []string{a.ID}) {
		t.Errorf("expected single dependency, got %v", got.DependsOn)
	}

	if err := s.RemoveDependency(b.ID, a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = s.Get(b.ID)
	if len(got.DependsOn) != 0 {
		t.Errorf("expected no dependencies, got %v", got.DependsOn)
	}
}

func TestAddDependency_DemotesReady(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	b := mustCreate(t, s, TaskSpec{Name: "b"})
	if err := s.UpdateStatus(b.ID, StatusReady); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AddDependency(b.ID, a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Get(b.ID)
	if got.Status != StatusPending {
		t.Errorf("expected pending after new unmet dependency, got %s", got.Status)
	}
}

func TestUpdateStatus_DependenciesUnmet(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	b := mustCreate(t, s, TaskSpec{Name: "b", DependsOn: []string{a.ID}})

	if err := s.UpdateStatus(b.ID, StatusRunning); !errors.Is(err, ErrDependenciesUnmet) {
		t.Fatalf("expected ErrDependenciesUnmet, got %v", err)
	}
	if err := s.UpdateStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateStatus(b.ID, StatusRunning); err != nil {
		t.Fatalf("expected b to start once a completed, got %v", err)
	}
}

func TestUpdateStatus_ProgressInvariant(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})

	if err := s.UpdateStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.Progress != 100 {
		t.Errorf("expected completed task at 100, got %d", got.Progress)
	}

	if err := s.UpdateStatus(a.ID, StatusFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = s.Get(a.ID)
	if got.Progress == 100 {
		t.Errorf("expected progress below 100 after leaving completed")
	}
}

func TestUpdateProgress(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})

	for _, p := range []int{-1, 101} {
		if err := s.UpdateProgress(a.ID, p); !errors.Is(err, ErrInvalidProgress) {
			t.Errorf("progress %d: expected ErrInvalidProgress, got %v", p, err)
		}
	}

	if err := s.UpdateProgress(a.ID, 40); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateProgress(a.ID, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected 100%% to complete the task, got %s", got.Status)
	}

	if err := s.UpdateProgress(a.ID, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = s.Get(a.ID)
	if got.Status != StatusRunning || got.Progress != 50 {
		t.Errorf("expected reopened task running at 50, got %s at %d", got.Status, got.Progress)
	}
}

func TestTransition_CompareAndSet(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})

	if err := s.Transition(a.ID, StatusReady, StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Transition(a.ID, StatusPending, StatusRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestChanges(t *testing.T) {
	s := newTestStore(WithChangeLogLimit(3))
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	_ = s.UpdateProgress(a.ID, 10)
	_ = s.UpdateProgress(a.ID, 20)
	_ = s.UpdateProgress(a.ID, 30)

	all := s.Changes(0)
	if len(all) != 3 {
		t.Fatalf("expected change log capped at 3, got %d", len(all))
	}
	if all[len(all)-1].New != "30" {
		t.Errorf("expected newest change to be progress 30, got %+v", all[len(all)-1])
	}
	if got := s.Changes(s.Seq()); len(got) != 0 {
		t.Errorf("expected no changes after head, got %v", got)
	}
	if got := s.Changes(s.Seq() - 1); len(got) != 1 {
		t.Errorf("expected one change after head-1, got %d", len(got))
	}
}

func TestReadOnly(t *testing.T) {
	s := newTestStore()
	mustCreate(t, s, TaskSpec{Name: "a"})
	s.SetReadOnly(true)
	if _, err := s.CreateTask(TaskSpec{Name: "b"}); !errors.Is(err, ErrSessionArchived) {
		t.Fatalf("expected ErrSessionArchived, got %v", err)
	}
	if len(s.List(Filter{})) != 1 {
		t.Errorf("expected reads to keep working")
	}
}

func TestLoad_Validates(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		tasks []*Task
		want  error
	}{
		{
			name: "cycle",
			tasks: []*Task{
				{ID: "a", Name: "a", Status: StatusPending, DependsOn: []string{"b"}, CreatedAt: now},
				{ID: "b", Name: "b", Status: StatusPending, DependsOn: []string{"a"}, CreatedAt: now},
			},
			want: ErrCycleDetected,
		},
		{
			name: "missing parent",
			tasks: []*Task{
				{ID: "a", Name: "a", Status: StatusPending, ParentID: "zz", CreatedAt: now},
			},
			want: ErrInvalidParent,
		},
		{
			name: "completed below 100",
			tasks: []*Task{
				{ID: "a", Name: "a", Status: StatusCompleted, Progress: 80, CreatedAt: now},
			},
			want: ErrInvalidProgress,
		},
		{
			name: "unknown dependency",
			tasks: []*Task{
				{ID: "a", Name: "a", Status: StatusPending, DependsOn: []string{"zz"}, CreatedAt: now},
			},
			want: ErrTaskNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("s1", tt.tasks)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_RebuildsChildren(t *testing.T) {
	now := time.Now()
	s, err := Load("s1", []*Task{
		{ID: "p", Name: "p", Status: StatusPending, CreatedAt: now},
		{ID: "c2", Name: "c2", Status: StatusPending, ParentID: "p", CreatedAt: now.Add(2 * time.Second)},
		{ID: "c1", Name: "c1", Status: StatusPending, ParentID: "p", CreatedAt: now.Add(time.Second)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := s.Get("p")
	if !slices.Equal(p.Children, []string{"c1", "c2"}) {
		t.Errorf("expected children [c1 c2], got %v", p.Children)
	}
}

func TestRecoverInFlight(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	if err := s.UpdateStatus(a.ID, StatusRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reset := s.RecoverInFlight()
	if !slices.Equal(reset, []string{a.ID}) {
		t.Fatalf("expected [%s] reset, got %v", a.ID, reset)
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusReady {
		t.Errorf("expected ready after recovery, got %s", got.Status)
	}
}

func TestRestore_RejectsInvalidCandidate(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	b := mustCreate(t, s, TaskSpec{Name: "b", DependsOn: []string{a.ID}})

	err := s.Restore(func(cand map[string]*Task) error {
		cand[a.ID].DependsOn = []string{b.ID}
		return nil
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	got, _ := s.Get(a.ID)
	if len(got.DependsOn) != 0 {
		t.Errorf("expected live graph untouched, got deps %v", got.DependsOn)
	}
}

func TestRestore_Swaps(t *testing.T) {
	s := newTestStore()
	a := mustCreate(t, s, TaskSpec{Name: "a"})
	b := mustCreate(t, s, TaskSpec{Name: "b"})

	err := s.Restore(func(cand map[string]*Task) error {
		delete(cand, b.ID)
		cand[a.ID].Status = StatusCompleted
		cand[a.ID].Progress = 100
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Get(b.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected b removed, got %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected a completed, got %s", got.Status)
	}
}

func TestWalk_OrderAndCycle(t *testing.T) {
	edges := map[string][]string{"a": {"b", "c"}, "b": {"d"}, "c": {"d"}}
	order, cycle := Walk([]string{"a", "b", "c", "d"}, func(id string) []string { return edges[id] })
	if cycle != nil {
		t.Fatalf("unexpected cycle %v", cycle)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for from, tos := range edges {
		for _, to := range tos {
			if pos[from] >= pos[to] {
				t.Errorf("expected %s before %s in %v", from, to, order)
			}
		}
	}

	edges["d"] = []string{"a"}
	if _, cycle = Walk([]string{"a", "b", "c", "d"}, func(id string) []string { return edges[id] }); cycle == nil {
		t.Fatal("expected cycle, got nil")
	}
}

func TestNewSnapshot_PartialSet(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot("s1", []*Task{
		{ID: "c", Name: "c", ParentID: "outside", Status: StatusPending, CreatedAt: now},
		{ID: "d", Name: "d", ParentID: "c", DependsOn: []string{"x"}, Status: StatusPending, CreatedAt: now.Add(time.Second)},
	})
	if !slices.Equal(snap.Roots(), []string{"c"}) {
		t.Errorf("expected roots [c], got %v", snap.Roots())
	}
	c, _ := snap.Task("c")
	if !slices.Equal(c.Children, []string{"d"}) {
		t.Errorf("expected c children [d], got %v", c.Children)
	}
	if snap.Len() != 2 {
		t.Errorf("expected 2 tasks, got %d", snap.Len())
	}
}

func TestAddDependency_ContainerGatesSubtree(t *testing.T) {
	// c's dependencies gate l, so c waiting on x while x waits on l can
	// never finish.
	s := newTestStore()
	c := mustCreate(t, s, TaskSpec{Name: "c"})
	l := mustCreate(t, s, TaskSpec{Name: "l", ParentID: c.ID})
	x := mustCreate(t, s, TaskSpec{Name: "x", DependsOn: []string{l.ID}})

	if err := s.AddDependency(c.ID, x.ID); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}

	y := mustCreate(t, s, TaskSpec{Name: "y"})
	if err := s.AddDependency(c.ID, y.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateStatus(l.ID, StatusRunning); !errors.Is(err, ErrDependenciesUnmet) {
		t.Fatalf("expected inherited dependency to gate l, got %v", err)
	}
}
