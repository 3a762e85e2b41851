package graph

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultChangeLogLimit bounds the in-memory change log.
const DefaultChangeLogLimit = 10000

// Rollup is invoked after every mutation that can move a task's progress or
// status, while the store's write lock is held. Implementations must only
// touch the graph through tx.
type Rollup interface {
	Recompute(tx *Tx, taskID string)
}

// Option configures a Store.
type Option func(*Store)

// WithRollup installs the hook that recomputes ancestors after a change.
func WithRollup(r Rollup) Option {
	return func(s *Store) { s.rollup = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDFunc overrides task id generation.
func WithIDFunc(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// WithChangeLogLimit sets how many change entries are retained.
func WithChangeLogLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.changeLimit = n
		}
	}
}

// WithSeq starts the change sequence at n, so sequence numbers keep
// increasing across process restarts.
func WithSeq(n int64) Option {
	return func(s *Store) { s.seq = n }
}

// Store owns the task graph of one session. All mutations take the write
// lock; readers get copies or a View under the read lock.
type Store struct {
	mu          sync.RWMutex
	ix          *index
	changes     []Change
	seq         int64
	changeLimit int
	readOnly    bool

	rollup Rollup
	now    func() time.Time
	newID  func() string
}

// NewStore returns an empty graph for sessionID.
func NewStore(sessionID string, opts ...Option) *Store {
	s := &Store{
		ix: &index{
			sessionID:  sessionID,
			tasks:      make(map[string]*Task),
			dependents: make(map[string][]string),
		},
		changeLimit: DefaultChangeLogLimit,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load builds a store from persisted tasks, validating the whole graph.
func Load(sessionID string, tasks []*Task, opts ...Option) (*Store, error) {
	s := NewStore(sessionID, opts...)
	m := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if _, dup := m[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidTask, t.ID)
		}
		m[t.ID] = t.Clone()
	}
	ix, err := newIndex(sessionID, m, true)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	s.ix = ix
	return s, nil
}

func (s *Store) SessionID() string { return s.ix.sessionID }

// Len returns the number of tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ix.tasks)
}

// View runs fn with a consistent read-only view of the graph.
func (s *Store) View(fn func(v View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.ix)
}

// Update runs fn with exclusive access. Mutations made through tx before fn
// returns an error are kept; callers needing all-or-nothing must validate
// first.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrSessionArchived
	}
	return fn(&Tx{s: s})
}

// Snapshot returns a deep copy of the current graph.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{index: s.ix.clone(), seq: s.seq}
}

// Get returns a copy of a task.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ix.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Subtree returns copies of rootID and its descendants in preorder.
func (s *Store) Subtree(rootID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ix.tasks[rootID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, rootID)
	}
	ids := SubtreeIDs(s.ix, rootID)
	out := make([]*Task, len(ids))
	for i, id := range ids {
		out[i] = s.ix.tasks[id].Clone()
	}
	return out, nil
}

// List returns copies of the tasks matching f in dispatch order.
func (s *Store) List(f Filter) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.ix.tasks {
		if f.match(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, Compare)
	return out
}

func (s *Store) CreateTask(spec TaskSpec) (*Task, error) {
	var t *Task
	err := s.Update(func(tx *Tx) error {
		var err error
		t, err = tx.CreateTask(spec)
		return err
	})
	return t, err
}

func (s *Store) AddDependency(taskID, dependsOnID string) error {
	return s.Update(func(tx *Tx) error { return tx.AddDependency(taskID, dependsOnID) })
}

func (s *Store) RemoveDependency(taskID, dependsOnID string) error {
	return s.Update(func(tx *Tx) error { return tx.RemoveDependency(taskID, dependsOnID) })
}

func (s *Store) UpdateStatus(taskID string, st Status) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateStatus(taskID, st) })
}

func (s *Store) UpdateProgress(taskID string, progress int) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateProgress(taskID, progress) })
}

// Transition moves a task from one status to another only if it is
// currently in from.
func (s *Store) Transition(taskID string, from, to Status) error {
	return s.Update(func(tx *Tx) error { return tx.Transition(taskID, from, to) })
}

// Changes returns log entries with a sequence number greater than since.
func (s *Store) Changes(since int64) []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, _ := slices.BinarySearchFunc(s.changes, since+1, func(c Change, seq int64) int {
		switch {
		case c.Seq < seq:
			return -1
		case c.Seq > seq:
			return 1
		}
		return 0
	})
	return slices.Clone(s.changes[i:])
}

// Seq returns the sequence number of the latest change.
func (s *Store) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// SetReadOnly makes every subsequent Update fail with ErrSessionArchived.
func (s *Store) SetReadOnly(ro bool) {
	s.mu.Lock()
	s.readOnly = ro
	s.mu.Unlock()
}

// ReadOnly reports whether the store rejects mutations.
func (s *Store) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// RecoverInFlight resets tasks left running by a previous process to ready
// (or pending if a dependency is no longer complete) and returns their ids.
func (s *Store) RecoverInFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{s: s}
	var reset []string
	for _, t := range sortedTasks(s.ix.tasks) {
		if t.Status != StatusRunning {
			continue
		}
		to := StatusPending
		if DependenciesMet(s.ix, t) {
			to = StatusReady
		}
		tx.applyStatus(t, to)
		reset = append(reset, t.ID)
	}
	for _, id := range reset {
		tx.runRollup(id)
	}
	return reset
}

// Restore lets fn rewrite a copy of the task map, validates the result as a
// whole and swaps it in. On any error the live graph is untouched.
func (s *Store) Restore(fn func(cand map[string]*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrSessionArchived
	}

	cand := make(map[string]*Task, len(s.ix.tasks))
	for id, t := range s.ix.tasks {
		cand[id] = t.Clone()
	}
	if err := fn(cand); err != nil {
		return err
	}
	for id, t := range cand {
		if t.ID != id {
			return fmt.Errorf("%w: task keyed %s has id %s", ErrInvalidTask, id, t.ID)
		}
	}
	next, err := newIndex(s.ix.sessionID, cand, true)
	if err != nil {
		return err
	}

	prev := s.ix
	s.ix = next

	tx := &Tx{s: s}
	var touched []string
	for _, t := range sortedTasks(prev.tasks) {
		if _, ok := next.tasks[t.ID]; !ok {
			s.record(t.ID, "removed", string(t.Status), "")
			if p, ok := next.tasks[t.ParentID]; ok && len(p.Children) > 0 {
				touched = append(touched, p.Children[0])
			}
		}
	}
	for _, t := range sortedTasks(next.tasks) {
		old, ok := prev.tasks[t.ID]
		switch {
		case !ok:
			s.record(t.ID, "restored", "", string(t.Status))
			touched = append(touched, t.ID)
		case old.Status != t.Status || old.Progress != t.Progress:
			s.record(t.ID, "restored", progressLabel(old), progressLabel(t))
			touched = append(touched, t.ID)
		case old.ParentID != t.ParentID || !slices.Equal(old.DependsOn, t.DependsOn):
			s.record(t.ID, "restored", "", "")
			touched = append(touched, t.ID)
		}
	}
	for _, id := range touched {
		tx.runRollup(id)
	}
	return nil
}

func progressLabel(t *Task) string {
	return string(t.Status) + "@" + strconv.Itoa(t.Progress)
}

func (s *Store) record(taskID, field, old, new string) {
	s.seq++
	s.changes = append(s.changes, Change{
		Seq:    s.seq,
		At:     s.now(),
		TaskID: taskID,
		Field:  field,
		Old:    old,
		New:    new,
	})
	if over := len(s.changes) - s.changeLimit; over > 0 {
		s.changes = slices.Delete(s.changes, 0, over)
	}
}

// Tx is the write handle passed to Update callbacks and Rollup hooks. It is
// only valid for the duration of the callback.
type Tx struct {
	s *Store
}

func (tx *Tx) SessionID() string { return tx.s.ix.sessionID }
func (tx *Tx) Task(id string) (*Task, bool) { return tx.s.ix.Task(id) }
func (tx *Tx) TaskIDs() []string { return tx.s.ix.TaskIDs() }
func (tx *Tx) Roots() []string { return tx.s.ix.roots }
func (tx *Tx) Dependents(id string) []string { return tx.s.ix.dependents[id] }
func (tx *Tx) Now() time.Time { return tx.s.now() }

// CreateTask inserts a pending task. A parent must exist, every dependency
// must exist and the new edges must not close a cycle.
func (tx *Tx) CreateTask(spec TaskSpec) (*Task, error) {
	s := tx.s
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if spec.Weight < 0 {
		return nil, fmt.Errorf("%w: negative weight", ErrInvalidTask)
	}
	var parent *Task
	if spec.ParentID != "" {
		p, ok := s.ix.tasks[spec.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParent, spec.ParentID)
		}
		parent = p
	}
	deps := normalizeIDs(spec.DependsOn)
	for _, dep := range deps {
		if _, ok := s.ix.tasks[dep]; !ok {
			return nil, fmt.Errorf("%w: dependency %s", ErrTaskNotFound, dep)
		}
	}

	id := s.newID()
	if _, exists := s.ix.tasks[id]; exists || id == "" {
		return nil, fmt.Errorf("%w: id %q unavailable", ErrInvalidTask, id)
	}
	extra := make(map[string][]string, len(deps)+1)
	for _, dep := range deps {
		extra[dep] = append(extra[dep], id)
	}
	if parent != nil {
		extra[id] = []string{parent.ID}
	}
	if cycle := tx.cycleWith(extra, id); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	now := s.now()
	t := &Task{
		ID:          id,
		SessionID:   s.ix.sessionID,
		ParentID:    spec.ParentID,
		Name:        spec.Name,
		Description: spec.Description,
		Status:      StatusPending,
		Weight:      spec.Weight,
		DependsOn:   deps,
		Tags:        slices.Clone(spec.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.Priority != nil {
		p := *spec.Priority
		t.Priority = &p
	}
	if len(spec.Metadata) > 0 {
		t.Metadata = make(map[string]string, len(spec.Metadata))
		for k, v := range spec.Metadata {
			t.Metadata[k] = v
		}
	}

	s.ix.tasks[id] = t
	if parent != nil {
		parent.Children = append(parent.Children, id)
		parent.UpdatedAt = now
	} else {
		s.ix.roots = append(s.ix.roots, id)
	}
	for _, dep := range deps {
		s.ix.dependents[dep] = insertSorted(s.ix.dependents[dep], id)
	}
	s.record(id, "created", "", t.Name)
	tx.runRollup(id)
	return t.Clone(), nil
}

// AddDependency makes taskID wait for dependsOnID. Adding an existing edge
// is a no-op.
func (tx *Tx) AddDependency(taskID, dependsOnID string) error {
	s := tx.s
	t, ok := s.ix.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	dep, ok := s.ix.tasks[dependsOnID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, dependsOnID)
	}
	if taskID == dependsOnID {
		return &CycleError{Path: []string{taskID, taskID}}
	}
	if slices.Contains(t.DependsOn, dependsOnID) {
		return nil
	}
	extra := map[string][]string{dependsOnID: SubtreeIDs(s.ix, taskID)}
	if cycle := tx.cycleWith(extra); cycle != nil {
		return &CycleError{Path: cycle}
	}
	if dep.Status != StatusCompleted {
		for _, id := range SubtreeIDs(s.ix, taskID) {
			if s.ix.tasks[id].Status == StatusRunning && s.ix.tasks[id].IsLeaf() {
				return fmt.Errorf("%w: %s is running and %s is %s", ErrDependenciesUnmet, id, dependsOnID, dep.Status)
			}
		}
	}

	t.DependsOn = insertSorted(t.DependsOn, dependsOnID)
	t.UpdatedAt = s.now()
	s.ix.dependents[dependsOnID] = insertSorted(s.ix.dependents[dependsOnID], taskID)
	s.record(taskID, "depends_on", "", dependsOnID)
	if dep.Status != StatusCompleted {
		for _, id := range SubtreeIDs(s.ix, taskID) {
			if d := s.ix.tasks[id]; d.Status == StatusReady {
				tx.applyStatus(d, StatusPending)
				tx.runRollup(id)
			}
		}
	}
	return nil
}

// RemoveDependency drops the edge if present.
func (tx *Tx) RemoveDependency(taskID, dependsOnID string) error {
	s := tx.s
	t, ok := s.ix.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !slices.Contains(t.DependsOn, dependsOnID) {
		return nil
	}
	t.DependsOn = removeID(t.DependsOn, dependsOnID)
	t.UpdatedAt = s.now()
	s.ix.dependents[dependsOnID] = removeID(s.ix.dependents[dependsOnID], taskID)
	if len(s.ix.dependents[dependsOnID]) == 0 {
		delete(s.ix.dependents, dependsOnID)
	}
	s.record(taskID, "depends_on", dependsOnID, "")
	return nil
}

// UpdateStatus validates and applies a status change, then rolls it up.
// Running and ready both require every dependency to be completed.
func (tx *Tx) UpdateStatus(taskID string, st Status) error {
	s := tx.s
	if !st.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTask, st)
	}
	t, ok := s.ix.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if (st == StatusRunning || st == StatusReady) && !DependenciesMet(s.ix, t) {
		return fmt.Errorf("%w: %s waits on %s", ErrDependenciesUnmet, taskID, strings.Join(tx.unmet(t), ", "))
	}
	if t.Status == st {
		return nil
	}
	tx.applyStatus(t, st)
	tx.runRollup(taskID)
	return nil
}

// Transition is a compare-and-set on status.
func (tx *Tx) Transition(taskID string, from, to Status) error {
	t, ok := tx.s.ix.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, taskID, t.Status, from)
	}
	return tx.UpdateStatus(taskID, to)
}

// UpdateProgress sets progress. Reaching 100 completes the task; dropping
// below 100 reopens a completed one.
func (tx *Tx) UpdateProgress(taskID string, progress int) error {
	s := tx.s
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidProgress, progress)
	}
	t, ok := s.ix.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Progress == progress {
		return nil
	}
	switch {
	case progress == 100:
		tx.applyStatus(t, StatusCompleted)
	case t.Status == StatusCompleted:
		to := StatusPending
		if DependenciesMet(s.ix, t) {
			to = StatusRunning
		}
		tx.applyStatus(t, to)
	}
	tx.SetProgress(taskID, progress)
	tx.runRollup(taskID)
	return nil
}

// SetStatus writes a status without validation or rollup. It exists for
// rollup hooks, which own the derived state of container tasks.
func (tx *Tx) SetStatus(taskID string, st Status) {
	if t, ok := tx.s.ix.tasks[taskID]; ok && t.Status != st {
		old := t.Status
		t.Status = st
		t.UpdatedAt = tx.s.now()
		tx.s.record(taskID, "status", string(old), string(st))
	}
}

// SetProgress writes progress without validation or rollup.
func (tx *Tx) SetProgress(taskID string, progress int) {
	if t, ok := tx.s.ix.tasks[taskID]; ok && t.Progress != progress {
		old := t.Progress
		t.Progress = progress
		t.UpdatedAt = tx.s.now()
		tx.s.record(taskID, "progress", strconv.Itoa(old), strconv.Itoa(progress))
	}
}

// applyStatus keeps progress consistent with status: completed means 100,
// anything else stays below it.
func (tx *Tx) applyStatus(t *Task, st Status) {
	tx.SetStatus(t.ID, st)
	switch {
	case st == StatusCompleted:
		tx.SetProgress(t.ID, 100)
	case t.Progress == 100:
		tx.SetProgress(t.ID, 99)
	}
}

func (tx *Tx) runRollup(taskID string) {
	if tx.s.rollup != nil {
		tx.s.rollup.Recompute(tx, taskID)
	}
}

func (tx *Tx) unmet(t *Task) []string {
	var out []string
	for _, dep := range EffectiveDeps(tx.s.ix, t) {
		if d, ok := tx.s.ix.tasks[dep]; !ok || d.Status != StatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}

// cycleWith searches for a cycle in the current graph plus the extra
// "must finish before" edges, which may mention tasks not yet inserted.
func (tx *Tx) cycleWith(extra map[string][]string, newIDs ...string) []string {
	ix := tx.s.ix
	ids := append(ix.TaskIDs(), newIDs...)
	_, cycle := Walk(ids, func(id string) []string {
		return append(Blocks(ix, id), extra[id]...)
	})
	return cycle
}
