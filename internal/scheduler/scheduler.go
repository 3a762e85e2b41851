// Package scheduler executes the leaf tasks of a subtree with bounded
// parallelism, dispatching each task the moment everything gating it has
// completed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/metrics"
)

// Scheduler starts runs over a single session graph. At most one run may
// own any given task: runs over the same root, or over an ancestor or
// descendant of an active run's root, are rejected.
type Scheduler struct {
	store   *graph.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*Run // keyed by root id, "" for the whole graph
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler for store.
func New(store *graph.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store: store,
		log:   slog.Default(),
		runs:  make(map[string]*Run),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session", store.SessionID())
	return s
}

// Start begins executing the subtree under rootID (the whole graph when
// rootID is empty) and returns immediately. Cancelling ctx has the same
// effect as Cancel.
func (s *Scheduler) Start(ctx context.Context, rootID string, opts Options, handle Handle) (*Run, error) {
	if opts.MaxParallel <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrConcurrencyLimitInvalid, opts.MaxParallel)
	}
	if rootID != "" {
		if _, err := s.store.Get(rootID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if other := s.overlapping(rootID); other != nil {
		return nil, fmt.Errorf("%w: run %s owns %q", ErrRunActive, other.ID, other.RootID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:       uuid.NewString(),
		RootID:   rootID,
		sched:    s,
		opts:     opts,
		handle:   handle,
		ctx:      runCtx,
		cancel:   cancel,
		log:      s.log.With("run", rootLabel(rootID)),
		done:     make(chan struct{}),
		released: make(chan struct{}),
		nudge:    make(chan struct{}, 1),
		queued:   make(map[string]bool),
		inflight: make(map[string]time.Time),
		started:  time.Now(),
	}
	r.cond = sync.NewCond(&r.mu)
	s.runs[rootID] = r

	r.log.Info("run started", "max_parallel", opts.MaxParallel, "deadline", opts.Deadline)
	go r.loop()
	return r, nil
}

// Schedule runs the subtree to completion and returns its result.
func (s *Scheduler) Schedule(ctx context.Context, rootID string, opts Options, handle Handle) (Result, error) {
	r, err := s.Start(ctx, rootID, opts, handle)
	if err != nil {
		return Result{}, err
	}
	return r.Wait(context.Background())
}

// Cancel stops dispatch for the run rooted at rootID and cancels the
// contexts of its in-flight handles. It reports whether such a run exists.
func (s *Scheduler) Cancel(rootID string) bool {
	s.mu.Lock()
	r := s.runs[rootID]
	s.mu.Unlock()
	if r == nil {
		return false
	}
	r.Cancel()
	return true
}

// Run returns the active run rooted at rootID, if any.
func (s *Scheduler) Run(rootID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[rootID]
	return r, ok
}

// Active returns the roots of all active runs.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for root := range s.runs {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Retry moves a failed task back to ready, or to blocked if something gating
// it is no longer completed. Active runs covering the task pick it up.
func (s *Scheduler) Retry(taskID string) error {
	err := s.store.Update(func(tx *graph.Tx) error {
		t, ok := tx.Task(taskID)
		if !ok {
			return fmt.Errorf("%w: %s", graph.ErrTaskNotFound, taskID)
		}
		if t.Status != graph.StatusFailed {
			return fmt.Errorf("%w: %s is %s, expected %s", graph.ErrInvalidTransition, taskID, t.Status, graph.StatusFailed)
		}
		if graph.DependenciesMet(tx, t) {
			return tx.UpdateStatus(taskID, graph.StatusReady)
		}
		return tx.UpdateStatus(taskID, graph.StatusBlocked)
	})
	if err != nil {
		return err
	}
	s.nudge(taskID)
	return nil
}

// Clear releases a blocked task back to pending.
func (s *Scheduler) Clear(taskID string) error {
	if err := s.store.Transition(taskID, graph.StatusBlocked, graph.StatusPending); err != nil {
		return err
	}
	s.nudge(taskID)
	return nil
}

// nudge asks every run whose subtree contains taskID to rescan for ready work.
func (s *Scheduler) nudge(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for root, r := range s.runs {
		covers := root == "" || root == taskID
		if !covers {
			s.store.View(func(v graph.View) { covers = graph.IsAncestor(v, root, taskID) })
		}
		if covers {
			select {
			case r.nudge <- struct{}{}:
			default:
			}
		}
	}
}

// overlapping returns an active run whose subtree intersects rootID's.
// Callers hold s.mu.
func (s *Scheduler) overlapping(rootID string) *Run {
	if r, ok := s.runs[rootID]; ok {
		return r
	}
	var hit *Run
	s.store.View(func(v graph.View) {
		for root, r := range s.runs {
			if root == "" || rootID == "" || graph.IsAncestor(v, root, rootID) || graph.IsAncestor(v, rootID, root) {
				hit = r
				return
			}
		}
	})
	return hit
}

func (s *Scheduler) release(r *Run) {
	s.mu.Lock()
	if s.runs[r.RootID] == r {
		delete(s.runs, r.RootID)
	}
	s.mu.Unlock()
}

func rootLabel(rootID string) string {
	if rootID == "" {
		return "*"
	}
	return rootID
}
