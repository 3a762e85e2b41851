package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/progress"
)

func newTestScheduler(t *testing.T) (*Scheduler, *graph.Store) {
	t.Helper()
	n := 0
	var mu sync.Mutex
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := graph.NewStore("s1",
		graph.WithRollup(progress.New()),
		graph.WithIDFunc(func() string {
			n++
			return fmt.Sprintf("T%d", n)
		}),
		graph.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Millisecond)
			return clock
		}),
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, WithLogger(logger)), store
}

func create(t *testing.T, s *graph.Store, spec graph.TaskSpec) string {
	t.Helper()
	task, err := s.CreateTask(spec)
	if err != nil {
		t.Fatalf("create %q: %v", spec.Name, err)
	}
	return task.ID
}

func status(t *testing.T, s *graph.Store, id string) graph.Status {
	t.Helper()
	task, err := s.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task.Status
}

func TestSchedule_RespectsMaxParallel(t *testing.T) {
	sched, store := newTestScheduler(t)
	root := create(t, store, graph.TaskSpec{Name: "root"})
	for i := 0; i < 8; i++ {
		create(t, store, graph.TaskSpec{Name: fmt.Sprintf("leaf%d", i), ParentID: root})
	}

	var running, peak atomic.Int32
	handle := func(ctx context.Context, task graph.Task) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		var inGraph int
		store.View(func(v graph.View) {
			for _, id := range v.TaskIDs() {
				if tk, _ := v.Task(id); tk.IsLeaf() && tk.Status == graph.StatusRunning {
					inGraph++
				}
			}
		})
		if inGraph > 2 {
			t.Errorf("graph shows %d running leaves", inGraph)
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	res, err := sched.Schedule(context.Background(), root, Options{MaxParallel: 2}, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if len(res.Completed) != 8 {
		t.Errorf("expected 8 completions, got %d", len(res.Completed))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("expected at most 2 concurrent handles, saw %d", p)
	}
	if got := status(t, store, root); got != graph.StatusCompleted {
		t.Errorf("expected root completed, got %s", got)
	}
}

func TestSchedule_FailureIsolation(t *testing.T) {
	sched, store := newTestScheduler(t)
	a := create(t, store, graph.TaskSpec{Name: "a"})
	b := create(t, store, graph.TaskSpec{Name: "b", DependsOn: []string{a}})
	c := create(t, store, graph.TaskSpec{Name: "c", DependsOn: []string{b}})
	x := create(t, store, graph.TaskSpec{Name: "x"})
	y := create(t, store, graph.TaskSpec{Name: "y", DependsOn: []string{x}})

	handle := func(ctx context.Context, task graph.Task) error {
		if task.ID == a {
			return errors.New("boom")
		}
		return nil
	}

	res, err := sched.Schedule(context.Background(), "", Options{MaxParallel: 4}, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Error("expected run to be unsuccessful")
	}
	if !slices.Equal(res.Failed, []string{a}) {
		t.Errorf("expected failed [%s], got %v", a, res.Failed)
	}
	if !slices.Equal(res.BlockedByFailure, []string{b, c}) {
		t.Errorf("expected blocked-by-failure [%s %s], got %v", b, c, res.BlockedByFailure)
	}
	for _, id := range []string{x, y} {
		if got := status(t, store, id); got != graph.StatusCompleted {
			t.Errorf("expected sibling %s completed, got %s", id, got)
		}
	}
	for _, id := range []string{b, c} {
		if got := status(t, store, id); got != graph.StatusPending {
			t.Errorf("expected %s to stay pending, got %s", id, got)
		}
	}
}

func TestSchedule_Scenario(t *testing.T) {
	sched, store := newTestScheduler(t)
	t1 := create(t, store, graph.TaskSpec{Name: "T1"})
	t2 := create(t, store, graph.TaskSpec{Name: "T2", ParentID: t1})
	t3 := create(t, store, graph.TaskSpec{Name: "T3", ParentID: t1})
	if err := store.AddDependency(t2, t3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	var order []string
	handle := func(ctx context.Context, task graph.Task) error {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil
	}

	run, err := sched.Start(context.Background(), t1, Options{MaxParallel: 4}, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var kinds []EventKind
	for ev := range run.Events() {
		kinds = append(kinds, ev.Kind)
	}
	res, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !slices.Equal(order, []string{t3, t2}) {
		t.Errorf("expected handle order [%s %s], got %v", t3, t2, order)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	root, _ := store.Get(t1)
	if root.Status != graph.StatusCompleted || root.Progress != 100 {
		t.Errorf("expected T1 completed at 100, got %s at %d", root.Status, root.Progress)
	}
	want := []EventKind{EventDispatched, EventCompleted, EventDispatched, EventCompleted, EventDone}
	if !slices.Equal(kinds, want) {
		t.Errorf("expected events %v, got %v", want, kinds)
	}
}

func TestSchedule_PriorityOrder(t *testing.T) {
	sched, store := newTestScheduler(t)
	p := func(n int) *int { return &n }
	low := create(t, store, graph.TaskSpec{Name: "low", Priority: p(5)})
	none := create(t, store, graph.TaskSpec{Name: "none"})
	high := create(t, store, graph.TaskSpec{Name: "high", Priority: p(1)})

	var order []string
	handle := func(ctx context.Context, task graph.Task) error {
		order = append(order, task.ID)
		return nil
	}
	if _, err := sched.Schedule(context.Background(), "", Options{MaxParallel: 1}, handle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(order, []string{high, low, none}) {
		t.Errorf("expected [%s %s %s], got %v", high, low, none, order)
	}
}

func TestCancel(t *testing.T) {
	sched, store := newTestScheduler(t)
	root := create(t, store, graph.TaskSpec{Name: "root"})
	a := create(t, store, graph.TaskSpec{Name: "a", ParentID: root})
	create(t, store, graph.TaskSpec{Name: "b", ParentID: root, DependsOn: []string{a}})

	started := make(chan struct{})
	handle := func(ctx context.Context, task graph.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	run, err := sched.Start(context.Background(), root, Options{MaxParallel: 2}, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started
	if !sched.Cancel(root) {
		t.Fatal("expected an active run to cancel")
	}

	res, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Cancelled {
		t.Error("expected cancelled result")
	}
	if len(res.Failed) != 0 {
		t.Errorf("expected no failures from cancellation, got %v", res.Failed)
	}
	if !slices.Equal(run.CancelRequested(), []string{a}) {
		t.Errorf("expected [%s] cancellation-requested, got %v", a, run.CancelRequested())
	}
	if got := status(t, store, a); got != graph.StatusReady {
		t.Errorf("expected cancelled task back to ready, got %s", got)
	}
	if _, ok := sched.Run(root); ok {
		t.Error("expected run released after cancel")
	}
}

func TestDeadline_ReturnsPartialResult(t *testing.T) {
	sched, store := newTestScheduler(t)
	slow := create(t, store, graph.TaskSpec{Name: "slow"})
	fast := create(t, store, graph.TaskSpec{Name: "fast"})

	release := make(chan struct{})
	handle := func(ctx context.Context, task graph.Task) error {
		if task.ID == slow {
			<-release
		}
		return nil
	}

	opts := Options{MaxParallel: 2, Deadline: time.Now().Add(100 * time.Millisecond)}
	res, err := sched.Schedule(context.Background(), "", opts, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected timed out result")
	}
	if !slices.Equal(res.InFlight, []string{slow}) {
		t.Errorf("expected [%s] in flight, got %v", slow, res.InFlight)
	}
	if !slices.Contains(res.Completed, fast) {
		t.Errorf("expected %s completed, got %v", fast, res.Completed)
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for status(t, store, slow) != graph.StatusCompleted {
		select {
		case <-deadline:
			t.Fatal("late completion never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDeadline_AlreadyPassedDispatchesNothing(t *testing.T) {
	sched, store := newTestScheduler(t)
	for i := 0; i < 3; i++ {
		create(t, store, graph.TaskSpec{Name: fmt.Sprintf("t%d", i)})
	}

	var calls atomic.Int32
	handle := func(ctx context.Context, task graph.Task) error {
		calls.Add(1)
		return nil
	}

	opts := Options{MaxParallel: 2, Deadline: time.Now().Add(-time.Hour)}
	run, err := sched.Start(context.Background(), "", opts, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected timed out result")
	}
	if len(res.InFlight) != 0 {
		t.Errorf("expected nothing in flight, got %v", res.InFlight)
	}
	select {
	case <-run.Released():
	case <-time.After(time.Second):
		t.Fatal("run never released")
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("expected no handle calls after the deadline, got %d", n)
	}
}

func TestDeadline_ReleasedAfterLateCompletions(t *testing.T) {
	sched, store := newTestScheduler(t)
	slow := create(t, store, graph.TaskSpec{Name: "slow"})

	release := make(chan struct{})
	handle := func(ctx context.Context, task graph.Task) error {
		<-release
		return nil
	}

	opts := Options{MaxParallel: 1, Deadline: time.Now().Add(30 * time.Millisecond)}
	run, err := sched.Start(context.Background(), "", opts, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-run.Released():
		t.Fatal("released while a handle is still in flight")
	default:
	}

	close(release)
	select {
	case <-run.Released():
	case <-time.After(2 * time.Second):
		t.Fatal("run never released")
	}
	if got := status(t, store, slow); got != graph.StatusCompleted {
		t.Errorf("expected late completion recorded before release, got %s", got)
	}
}

func TestCancel_ReopenedDependencyGoesBackToPending(t *testing.T) {
	sched, store := newTestScheduler(t)
	a := create(t, store, graph.TaskSpec{Name: "a"})
	b := create(t, store, graph.TaskSpec{Name: "b", DependsOn: []string{a}})
	if err := store.UpdateStatus(a, graph.StatusCompleted); err != nil {
		t.Fatalf("complete a: %v", err)
	}

	started := make(chan struct{})
	handle := func(ctx context.Context, task graph.Task) error {
		close(started)
		<-ctx.Done()
		if err := store.UpdateProgress(a, 50); err != nil {
			t.Errorf("reopen a: %v", err)
		}
		return ctx.Err()
	}

	run, err := sched.Start(context.Background(), "", Options{MaxParallel: 1}, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started
	run.Cancel()
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := status(t, store, b); got != graph.StatusPending {
		t.Errorf("expected %s back to pending, got %s", b, got)
	}
}

func TestStart_Validation(t *testing.T) {
	sched, store := newTestScheduler(t)
	root := create(t, store, graph.TaskSpec{Name: "root"})
	child := create(t, store, graph.TaskSpec{Name: "child", ParentID: root})

	if _, err := sched.Start(context.Background(), root, Options{}, nil); !errors.Is(err, ErrConcurrencyLimitInvalid) {
		t.Errorf("expected ErrConcurrencyLimitInvalid, got %v", err)
	}
	if _, err := sched.Start(context.Background(), "missing", Options{MaxParallel: 1}, nil); !errors.Is(err, graph.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	block := make(chan struct{})
	run, err := sched.Start(context.Background(), root, Options{MaxParallel: 1}, func(ctx context.Context, _ graph.Task) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sched.Start(context.Background(), child, Options{MaxParallel: 1}, nil); !errors.Is(err, ErrRunActive) {
		t.Errorf("expected ErrRunActive for overlapping subtree, got %v", err)
	}
	close(block)
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetryAndClear(t *testing.T) {
	sched, store := newTestScheduler(t)
	a := create(t, store, graph.TaskSpec{Name: "a"})
	b := create(t, store, graph.TaskSpec{Name: "b", DependsOn: []string{a}})

	var attempts atomic.Int32
	handle := func(ctx context.Context, task graph.Task) error {
		if task.ID == a && attempts.Add(1) == 1 {
			return errors.New("flaky")
		}
		return nil
	}

	res, err := sched.Schedule(context.Background(), "", Options{MaxParallel: 1}, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected first run to fail")
	}

	if err := sched.Retry(b); !errors.Is(err, graph.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition retrying a pending task, got %v", err)
	}
	if err := sched.Retry(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := status(t, store, a); got != graph.StatusReady {
		t.Fatalf("expected a ready after retry, got %s", got)
	}

	res, err = sched.Schedule(context.Background(), "", Options{MaxParallel: 1}, handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected second run to succeed, got %+v", res)
	}

	c := create(t, store, graph.TaskSpec{Name: "c"})
	if err := store.UpdateStatus(c, graph.StatusBlocked); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sched.Clear(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := status(t, store, c); got != graph.StatusPending {
		t.Errorf("expected cleared task pending, got %s", got)
	}
}
