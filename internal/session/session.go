// Package session ties a persisted task graph to its progress aggregator,
// scheduler and checkpoint manager.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshharrison/taskloom/internal/analyzer"
	"github.com/joshharrison/taskloom/internal/checkpoint"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/progress"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/store"
)

// Session is an open session. Every mutation made through it is written
// back to the backend before the call returns.
type Session struct {
	backend  store.Backend
	graph    *graph.Store
	progress *progress.Aggregator
	sched    *scheduler.Scheduler
	cps      *checkpoint.Manager
	log      *slog.Logger

	mu      sync.Mutex // guards info and serializes flushes
	info    store.Session
	flushed int64
}

// ID returns the session id.
func (s *Session) ID() string { return s.graph.SessionID() }

// Info returns the session's persisted metadata.
func (s *Session) Info() store.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Archived reports whether the session is read-only.
func (s *Session) Archived() bool { return s.graph.ReadOnly() }

func (s *Session) Graph() *graph.Store              { return s.graph }
func (s *Session) Progress() *progress.Aggregator   { return s.progress }
func (s *Session) Scheduler() *scheduler.Scheduler  { return s.sched }
func (s *Session) Checkpoints() *checkpoint.Manager { return s.cps }

// Flush writes the graph to the backend if it changed since the last flush.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Session) flushLocked(ctx context.Context) error {
	snap := s.graph.Snapshot()
	if snap.Seq() == s.flushed {
		return nil
	}
	if err := s.backend.SaveTasks(ctx, s.ID(), snap.Tasks()); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	info := s.info
	info.Seq = snap.Seq()
	info.UpdatedAt = time.Now().UTC()
	if err := s.backend.SaveSession(ctx, &info); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.info = info
	s.flushed = snap.Seq()
	return nil
}

// mutate runs fn against the graph and flushes on success.
func (s *Session) mutate(ctx context.Context, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// CreateTask adds a task to the graph.
func (s *Session) CreateTask(ctx context.Context, spec graph.TaskSpec) (*graph.Task, error) {
	var t *graph.Task
	err := s.mutate(ctx, func() error {
		var err error
		t, err = s.graph.CreateTask(spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("task created", "task", t.ID, "parent", t.ParentID, "deps", t.DependsOn)
	return t, nil
}

// CreateTasks adds several tasks in one transaction. Specs may refer to
// earlier specs in the same call by their returned ids only, so callers
// creating hierarchies should create parents first.
func (s *Session) CreateTasks(ctx context.Context, specs []graph.TaskSpec) ([]*graph.Task, error) {
	var out []*graph.Task
	err := s.Batch(ctx, func(tx *graph.Tx) error {
		for _, spec := range specs {
			t, err := tx.CreateTask(spec)
			if err != nil {
				return fmt.Errorf("create %q: %w", spec.Name, err)
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// Batch runs fn in a single graph transaction and persists the result.
// Mutations made before fn fails are kept and persisted as well.
func (s *Session) Batch(ctx context.Context, fn func(tx *graph.Tx) error) error {
	err := s.mutate(ctx, func() error { return s.graph.Update(fn) })
	if err != nil {
		_ = s.Flush(ctx)
		return err
	}
	return nil
}

func (s *Session) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	return s.mutate(ctx, func() error { return s.graph.AddDependency(taskID, dependsOnID) })
}

func (s *Session) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	return s.mutate(ctx, func() error { return s.graph.RemoveDependency(taskID, dependsOnID) })
}

func (s *Session) UpdateStatus(ctx context.Context, taskID string, st graph.Status) error {
	return s.mutate(ctx, func() error { return s.graph.UpdateStatus(taskID, st) })
}

func (s *Session) UpdateProgress(ctx context.Context, taskID string, p int) error {
	return s.mutate(ctx, func() error { return s.graph.UpdateProgress(taskID, p) })
}

func (s *Session) Get(taskID string) (*graph.Task, error) { return s.graph.Get(taskID) }

func (s *Session) List(f graph.Filter) []*graph.Task { return s.graph.List(f) }

func (s *Session) Subtree(rootID string) ([]*graph.Task, error) { return s.graph.Subtree(rootID) }

// Ready returns the tasks under rootID that can be dispatched now, most
// urgent first.
func (s *Session) Ready(rootID string) ([]*graph.Task, error) {
	var (
		out []*graph.Task
		err error
	)
	s.graph.View(func(v graph.View) {
		if rootID != "" {
			if _, ok := v.Task(rootID); !ok {
				err = fmt.Errorf("%w: %s", graph.ErrTaskNotFound, rootID)
				return
			}
		}
		for _, id := range analyzer.ReadySet(v, rootID) {
			t, _ := v.Task(id)
			out = append(out, t.Clone())
		}
	})
	return out, err
}

// Order returns a dependency-respecting order of the tasks under rootID.
func (s *Session) Order(rootID string) ([]string, error) {
	var (
		out []string
		err error
	)
	s.graph.View(func(v graph.View) {
		if rootID == "" {
			out, err = analyzer.TopologicalOrder(v)
			return
		}
		out, err = analyzer.SubtreeOrder(v, rootID)
	})
	return out, err
}

// Summary reports progress counts for the subtree under rootID.
func (s *Session) Summary(rootID string) (progress.Summary, error) {
	var (
		sum progress.Summary
		err error
	)
	s.graph.View(func(v graph.View) {
		if rootID != "" {
			if _, ok := v.Task(rootID); !ok {
				err = fmt.Errorf("%w: %s", graph.ErrTaskNotFound, rootID)
				return
			}
		}
		sum = progress.Summarize(v, rootID)
	})
	return sum, err
}

// Run starts executing the subtree under rootID. Results are flushed to the
// backend as tasks finish. The run outlives ctx only if ctx is not
// cancelled; API callers should pass a background context.
func (s *Session) Run(ctx context.Context, rootID string, opts scheduler.Options, handle scheduler.Handle) (*scheduler.Run, error) {
	if s.Archived() {
		return nil, graph.ErrSessionArchived
	}
	r, err := s.sched.Start(ctx, rootID, opts, handle)
	if err != nil {
		return nil, err
	}
	go s.persistRun(r)
	return r, nil
}

func (s *Session) persistRun(r *scheduler.Run) {
	for ev := range r.Events() {
		if ev.Kind == scheduler.EventDispatched {
			continue
		}
		if err := s.Flush(context.Background()); err != nil {
			s.log.Error("flush after run event failed", "run", r.ID, "event", ev.Kind, "error", err)
		}
	}
	// Completions drained after a deadline land once the run is released.
	<-r.Released()
	if err := s.Flush(context.Background()); err != nil {
		s.log.Error("flush after run release failed", "run", r.ID, "error", err)
	}
}

// Capture stores a checkpoint of the live graph.
func (s *Session) Capture(ctx context.Context, req checkpoint.CaptureRequest) (*checkpoint.Checkpoint, error) {
	return s.cps.Capture(ctx, req)
}

// Restore applies a checkpoint and persists the result.
func (s *Session) Restore(ctx context.Context, checkpointID string, mode checkpoint.Mode) error {
	if active := s.sched.Active(); len(active) > 0 {
		return fmt.Errorf("%w: cannot restore while %d run(s) are active", scheduler.ErrRunActive, len(active))
	}
	return s.mutate(ctx, func() error { return s.cps.Restore(ctx, checkpointID, mode) })
}

// RecordMemory appends a memory record to the session.
func (s *Session) RecordMemory(ctx context.Context, rec store.MemoryRecord) (*store.MemoryRecord, error) {
	if s.Archived() {
		return nil, graph.ErrSessionArchived
	}
	if rec.TaskID != "" {
		if _, err := s.graph.Get(rec.TaskID); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.backend.LoadMemoryRecords(ctx, s.ID())
	if err != nil {
		return nil, fmt.Errorf("load memory records: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = "note"
	}
	rec.SessionID = s.ID()
	rec.CreatedAt = time.Now().UTC()
	recs = append(recs, &rec)
	if err := s.backend.SaveMemoryRecords(ctx, s.ID(), recs); err != nil {
		return nil, fmt.Errorf("save memory records: %w", err)
	}
	return &rec, nil
}

// Memory returns the session's memory records, oldest first.
func (s *Session) Memory(ctx context.Context) ([]*store.MemoryRecord, error) {
	return s.backend.LoadMemoryRecords(ctx, s.ID())
}
