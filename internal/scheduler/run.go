package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshharrison/taskloom/internal/analyzer"
	"github.com/joshharrison/taskloom/internal/graph"
)

// Run is one execution of a subtree.
type Run struct {
	ID     string
	RootID string

	sched   *Scheduler
	opts    Options
	handle  Handle
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
	started time.Time

	cancelRequested atomic.Bool
	done            chan struct{}
	released        chan struct{}
	nudge           chan struct{}

	// owned by the loop goroutine
	queue  readyQueue
	queued map[string]bool

	mu        sync.Mutex
	cond      *sync.Cond
	inflight  map[string]time.Time
	cancelled []string // in flight when cancellation was requested
	completed []string
	failed    []string
	history   []Event
	closed    bool
	result    Result
}

// Cancel stops dispatch and cancels the contexts of in-flight handles.
// Handles that still return after this are recorded in the graph.
func (r *Run) Cancel() {
	if r.cancelRequested.Swap(true) {
		return
	}
	r.mu.Lock()
	for id := range r.inflight {
		r.cancelled = append(r.cancelled, id)
	}
	sort.Strings(r.cancelled)
	r.mu.Unlock()
	r.log.Info("run cancel requested")
	r.cancel()
}

// CancelRequested returns the tasks that were in flight when Cancel was called.
func (r *Run) CancelRequested() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}

// InFlight returns the tasks currently being handled.
func (r *Run) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.inflight)
}

// Done is closed once the run's result is available.
func (r *Run) Done() <-chan struct{} { return r.done }

// Released is closed once no handle of the run is in flight and its
// subtree is free for another run. After a deadline this happens later
// than Done.
func (r *Run) Released() <-chan struct{} { return r.released }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// History returns every event emitted so far.
func (r *Run) History() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.history...)
}

// Events streams the run's events from the first one, closing the channel
// after the final EventDone. Each call returns a new stream; consumers must
// drain it.
func (r *Run) Events() <-chan Event {
	ch := make(chan Event)
	go r.forward(ch)
	return ch
}

func (r *Run) forward(ch chan<- Event) {
	defer close(ch)
	next := 0
	for {
		r.mu.Lock()
		for next >= len(r.history) && !r.closed {
			r.cond.Wait()
		}
		if next >= len(r.history) {
			r.mu.Unlock()
			return
		}
		ev := r.history[next]
		next++
		r.mu.Unlock()
		ch <- ev
	}
}

func (r *Run) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	ev.Seq = len(r.history) + 1
	ev.At = time.Now()
	r.history = append(r.history, ev)
	r.cond.Broadcast()
}

// loop is the run's event loop: dispatch while there are free slots and
// ready tasks, then wait for a completion, a nudge, the deadline or
// cancellation.
func (r *Run) loop() {
	results := make(chan taskResult, r.opts.MaxParallel)
	inflight := 0

	var deadline <-chan time.Time
	if !r.opts.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(r.opts.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}
	ctxDone := r.ctx.Done()

	r.rescan()
	for {
		if r.expired() {
			r.timeout(results, inflight)
			return
		}
		stopping := r.cancelRequested.Load()
		if !stopping {
			inflight += r.dispatch(results, r.opts.MaxParallel-inflight)
		}
		if inflight == 0 {
			if stopping || r.rescan() == 0 {
				break
			}
			if r.expired() {
				continue
			}
			launched := r.dispatch(results, r.opts.MaxParallel)
			if launched == 0 {
				break
			}
			inflight += launched
			continue
		}

		select {
		case res := <-results:
			inflight--
			r.complete(res, !r.cancelRequested.Load() && !r.expired())
		case <-r.nudge:
			r.rescan()
		case <-ctxDone:
			// parent context cancelled or Cancel called
			r.Cancel()
			ctxDone = nil
		case <-deadline:
			r.timeout(results, inflight)
			return
		}
	}
	r.finish(false)
	r.sched.release(r)
	r.cancel()
	close(r.released)
	close(r.done)
}

// expired reports whether the run's deadline has passed.
func (r *Run) expired() bool {
	return !r.opts.Deadline.IsZero() && !time.Now().Before(r.opts.Deadline)
}

// timeout returns the partial result right away and leaves the in-flight
// handles to drain.
func (r *Run) timeout(results <-chan taskResult, inflight int) {
	r.log.Warn("run deadline reached", "in_flight", inflight)
	r.finish(true)
	close(r.done)
	go r.drain(results, inflight)
}

// drain applies completions that arrive after the deadline without
// dispatching anything new, then releases the run's subtree.
func (r *Run) drain(results <-chan taskResult, inflight int) {
	for ; inflight > 0; inflight-- {
		r.complete(<-results, false)
	}
	r.sched.release(r)
	r.cancel()
	close(r.released)
}

// rescan queues every ready leaf under the run's root. It returns the queue
// length.
func (r *Run) rescan() int {
	err := r.sched.store.Update(func(tx *graph.Tx) error {
		r.promote(tx, analyzer.ReadySet(tx, r.RootID))
		return nil
	})
	if err != nil {
		r.log.Error("rescan failed", "error", err)
	}
	return r.queue.Len()
}

// promote marks ids that are ready as such and queues them. ids outside
// the run's subtree are ignored.
func (r *Run) promote(tx *graph.Tx, ids []string) {
	for _, id := range ids {
		if r.queued[id] || !r.inScope(tx, id) {
			continue
		}
		t, ok := tx.Task(id)
		if !ok || !analyzer.IsReady(tx, t) {
			continue
		}
		if t.Status == graph.StatusPending {
			if err := tx.UpdateStatus(id, graph.StatusReady); err != nil {
				r.log.Warn("promote failed", "task", id, "error", err)
				continue
			}
		}
		r.queued[id] = true
		heap.Push(&r.queue, t.Clone())
	}
}

func (r *Run) inScope(v graph.View, id string) bool {
	return r.RootID == "" || id == r.RootID || graph.IsAncestor(v, r.RootID, id)
}

// dispatch moves up to slots queued tasks to running and launches their
// handles. Tasks whose status changed since they were queued are dropped.
func (r *Run) dispatch(results chan<- taskResult, slots int) int {
	if slots <= 0 || r.queue.Len() == 0 {
		return 0
	}
	var launch []*graph.Task
	err := r.sched.store.Update(func(tx *graph.Tx) error {
		for len(launch) < slots && r.queue.Len() > 0 {
			t := heap.Pop(&r.queue).(*graph.Task)
			delete(r.queued, t.ID)
			if err := tx.Transition(t.ID, graph.StatusReady, graph.StatusRunning); err != nil {
				r.log.Debug("skipping stale ready task", "task", t.ID, "error", err)
				continue
			}
			cur, _ := tx.Task(t.ID)
			launch = append(launch, cur.Clone())
		}
		return nil
	})
	if err != nil {
		r.log.Error("dispatch failed", "error", err)
		return 0
	}
	for _, t := range launch {
		r.launch(t, results)
	}
	return len(launch)
}

// launch runs the handle in its own goroutine. results is buffered to
// MaxParallel so the send never blocks, even after the loop has returned.
func (r *Run) launch(t *graph.Task, results chan<- taskResult) {
	r.mu.Lock()
	r.inflight[t.ID] = time.Now()
	r.mu.Unlock()

	r.log.Info("task dispatched", "task", t.ID, "name", t.Name)
	r.sched.metrics.TaskDispatched(t.SessionID)
	r.emit(Event{Kind: EventDispatched, TaskID: t.ID, Name: t.Name})

	go func() {
		ctx := r.ctx
		if r.opts.TimeoutPerTask > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.opts.TimeoutPerTask)
			defer cancel()
		}
		start := time.Now()
		err := r.call(ctx, *t)
		results <- taskResult{TaskID: t.ID, Err: err, Duration: time.Since(start)}
	}()
}

func (r *Run) call(ctx context.Context, t graph.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handle panicked: %v", p)
		}
	}()
	return r.handle(ctx, t)
}

// complete records a handle's outcome. A handle that returns a context
// cancellation after Cancel puts its task back to ready (pending if a
// dependency was reopened meanwhile) instead of failing it.
func (r *Run) complete(res taskResult, dispatchMore bool) {
	aborted := res.Err != nil && r.cancelRequested.Load() && errors.Is(res.Err, context.Canceled)

	kind := EventCompleted
	switch {
	case aborted:
		kind = EventCancelled
	case res.Err != nil:
		kind = EventFailed
	}

	var name, sessionID string
	err := r.sched.store.Update(func(tx *graph.Tx) error {
		t, ok := tx.Task(res.TaskID)
		if !ok || t.Status != graph.StatusRunning {
			kind = EventStale
			return nil
		}
		name, sessionID = t.Name, t.SessionID
		switch kind {
		case EventCancelled:
			back := graph.StatusReady
			if !graph.DependenciesMet(tx, t) {
				back = graph.StatusPending
			}
			return tx.Transition(res.TaskID, graph.StatusRunning, back)
		case EventFailed:
			return tx.UpdateStatus(res.TaskID, graph.StatusFailed)
		}
		if err := tx.UpdateStatus(res.TaskID, graph.StatusCompleted); err != nil {
			return err
		}
		if dispatchMore {
			r.promote(tx, analyzer.AffectedDependents(tx, res.TaskID))
		}
		return nil
	})
	if err != nil {
		r.log.Error("record completion failed", "task", res.TaskID, "error", err)
	}

	r.mu.Lock()
	delete(r.inflight, res.TaskID)
	switch kind {
	case EventCompleted:
		r.completed = append(r.completed, res.TaskID)
	case EventFailed:
		r.failed = append(r.failed, res.TaskID)
	}
	r.mu.Unlock()

	ev := Event{Kind: kind, TaskID: res.TaskID, Name: name, Duration: res.Duration}
	switch kind {
	case EventFailed:
		ev.Error = res.Err.Error()
		r.log.Warn("task failed", "task", res.TaskID, "error", res.Err, "duration", res.Duration)
	case EventStale:
		r.log.Warn("ignoring completion for task no longer running", "task", res.TaskID)
	default:
		r.log.Info("task finished", "task", res.TaskID, "status", kind, "duration", res.Duration)
	}
	if kind != EventStale {
		r.sched.metrics.TaskFinished(sessionID, string(kind), res.Duration)
	}
	r.emit(ev)
}

// finish computes the result from the graph and closes the event stream.
// The caller closes r.done.
func (r *Run) finish(timedOut bool) {
	res := Result{
		RunID:     r.ID,
		RootID:    r.RootID,
		Cancelled: r.cancelRequested.Load(),
		TimedOut:  timedOut,
		StartedAt: r.started,
	}
	r.sched.store.View(func(v graph.View) {
		res.BlockedByFailure = analyzer.BlockedByFailure(v, r.RootID)
		doomed := make(map[string]bool, len(res.BlockedByFailure))
		for _, id := range res.BlockedByFailure {
			doomed[id] = true
		}
		res.Success = true
		for _, id := range graph.SubtreeIDs(v, r.RootID) {
			t, _ := v.Task(id)
			if t.Status != graph.StatusCompleted {
				res.Success = false
			}
			switch {
			case t.Status == graph.StatusBlocked:
				res.Blocked = append(res.Blocked, id)
			case t.IsLeaf() && !doomed[id] && (t.Status == graph.StatusPending || t.Status == graph.StatusReady):
				res.Pending = append(res.Pending, id)
			}
		}
	})

	r.mu.Lock()
	res.Completed = append([]string(nil), r.completed...)
	res.Failed = append([]string(nil), r.failed...)
	res.InFlight = sortedKeys(r.inflight)
	r.mu.Unlock()
	res.FinishedAt = time.Now()

	outcome := "success"
	switch {
	case res.TimedOut:
		outcome = "timed_out"
	case res.Cancelled:
		outcome = "cancelled"
	case !res.Success:
		outcome = "incomplete"
	}
	r.sched.metrics.RunFinished(outcome)
	r.log.Info("run finished", "result", outcome,
		"completed", len(res.Completed), "failed", len(res.Failed),
		"blocked_by_failure", len(res.BlockedByFailure), "elapsed", res.FinishedAt.Sub(r.started))

	r.emit(Event{Kind: EventDone})
	r.mu.Lock()
	r.result = res
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func sortedKeys(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// readyQueue is a min-heap in dispatch order.
type readyQueue []*graph.Task

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return graph.Compare(q[i], q[j]) < 0 }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*graph.Task)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	*q = old[:n-1]
	return t
}
