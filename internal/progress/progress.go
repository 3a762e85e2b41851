// Package progress rolls leaf progress up the task hierarchy and keeps a
// short history of samples for rate estimates.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
)

// DefaultHistorySize is the number of samples kept across all tasks.
const DefaultHistorySize = 256

// Sample is one observed progress value.
type Sample struct {
	At       time.Time `json:"at"`
	TaskID   string    `json:"task_id"`
	Progress int       `json:"progress"`
}

// Update is passed to OnProgress subscribers for every task whose progress
// or status was touched by a recompute.
type Update struct {
	TaskID   string       `json:"task_id"`
	Progress int          `json:"progress"`
	Status   graph.Status `json:"status"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// Weighted makes ancestors average their children by task weight instead
// of equally.
func Weighted() Option {
	return func(a *Aggregator) { a.weighted = true }
}

// WithHistorySize sets the ring buffer capacity.
func WithHistorySize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.size = n
		}
	}
}

// Aggregator implements graph.Rollup.
type Aggregator struct {
	weighted bool
	size     int

	mu   sync.Mutex
	ring []Sample
	next int
	last map[string]*lastSample // only tasks with samples in ring
	subs []func(Update)
}

// lastSample is a task's newest progress and how many of its samples the
// ring holds.
type lastSample struct {
	progress int
	held     int
}

// New returns an Aggregator with equal child weighting.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		size: DefaultHistorySize,
		last: make(map[string]*lastSample),
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]Sample, 0, a.size)
	return a
}

// OnProgress registers fn to run after each recompute. Callbacks run while
// the graph's write lock is held and must not call back into the store.
func (a *Aggregator) OnProgress(fn func(Update)) {
	a.mu.Lock()
	a.subs = append(a.subs, fn)
	a.mu.Unlock()
}

// Recompute samples taskID and walks to its root, deriving each ancestor's
// progress and status from its children.
func (a *Aggregator) Recompute(tx *graph.Tx, taskID string) {
	t, ok := tx.Task(taskID)
	if !ok {
		return
	}
	now := tx.Now()
	updates := []Update{{TaskID: t.ID, Progress: t.Progress, Status: t.Status}}

	for parentID := t.ParentID; parentID != ""; {
		p, ok := tx.Task(parentID)
		if !ok {
			break
		}
		st, prog := a.aggregate(tx, p)
		tx.SetStatus(p.ID, st)
		tx.SetProgress(p.ID, prog)
		updates = append(updates, Update{TaskID: p.ID, Progress: prog, Status: st})
		parentID = p.ParentID
	}

	a.mu.Lock()
	for _, u := range updates {
		a.record(now, u.TaskID, u.Progress)
	}
	subs := a.subs
	a.mu.Unlock()

	for _, fn := range subs {
		for _, u := range updates {
			fn(u)
		}
	}
}

func (a *Aggregator) aggregate(v graph.View, p *graph.Task) (graph.Status, int) {
	sum, weights := 0, 0
	allDone := true
	var anyFailed, anyBlocked, anyRunning, anyActive bool
	for _, id := range p.Children {
		c, ok := v.Task(id)
		if !ok {
			continue
		}
		w := 1
		if a.weighted {
			w = c.EffectiveWeight()
		}
		sum += c.Progress * w
		weights += w

		switch c.Status {
		case graph.StatusCompleted:
		case graph.StatusFailed:
			anyFailed = true
		case graph.StatusBlocked:
			anyBlocked = true
		case graph.StatusRunning:
			anyRunning = true
		}
		if c.Status != graph.StatusCompleted {
			allDone = false
		}
		if c.Status.Active() {
			anyActive = true
		}
	}

	prog := 0
	if weights > 0 {
		prog = int(math.Round(float64(sum) / float64(weights)))
	}

	st := p.Status
	switch {
	case allDone:
		return graph.StatusCompleted, 100
	case !anyActive && anyFailed:
		st = graph.StatusFailed
	case !anyActive && anyBlocked:
		st = graph.StatusBlocked
	case anyRunning && graph.DependenciesMet(v, p):
		st = graph.StatusRunning
	case !st.Active():
		st = graph.StatusPending
	}
	if prog > 99 {
		prog = 99
	}
	return st, prog
}

func (a *Aggregator) record(at time.Time, taskID string, progress int) {
	if l, ok := a.last[taskID]; ok && l.progress == progress {
		return
	}
	s := Sample{At: at, TaskID: taskID, Progress: progress}
	if len(a.ring) < a.size {
		a.ring = append(a.ring, s)
	} else {
		evicted := a.ring[a.next].TaskID
		if l := a.last[evicted]; l != nil {
			if l.held--; l.held <= 0 {
				delete(a.last, evicted)
			}
		}
		a.ring[a.next] = s
		a.next = (a.next + 1) % a.size
	}
	l := a.last[taskID]
	if l == nil {
		l = &lastSample{}
		a.last[taskID] = l
	}
	l.progress = progress
	l.held++
}

// History returns the retained samples for taskID, oldest first. An empty
// taskID returns every sample.
func (a *Aggregator) History(taskID string) []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Sample
	for i := 0; i < len(a.ring); i++ {
		s := a.ring[(a.next+i)%len(a.ring)]
		if taskID == "" || s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out
}

// ETA extrapolates linearly from the oldest and newest retained samples of
// taskID. It reports false with fewer than two samples or no forward
// movement.
func (a *Aggregator) ETA(taskID string) (time.Duration, bool) {
	h := a.History(taskID)
	if len(h) < 2 {
		return 0, false
	}
	first, last := h[0], h[len(h)-1]
	if last.Progress >= 100 {
		return 0, true
	}
	elapsed := last.At.Sub(first.At)
	gained := last.Progress - first.Progress
	if elapsed <= 0 || gained <= 0 {
		return 0, false
	}
	perPoint := elapsed / time.Duration(gained)
	return perPoint * time.Duration(100-last.Progress), true
}

// Summary counts tasks by status under a root.
type Summary struct {
	RootID  string               `json:"root_id,omitempty"`
	Total   int                  `json:"total"`
	Leaves  int                  `json:"leaves"`
	Counts  map[graph.Status]int `json:"counts"`
	Percent int                  `json:"percent"`
}

// Summarize reports status counts and overall progress for rootID, or for
// the whole graph (mean of the roots) when rootID is empty.
func Summarize(v graph.View, rootID string) Summary {
	s := Summary{RootID: rootID, Counts: make(map[graph.Status]int)}
	for _, id := range graph.SubtreeIDs(v, rootID) {
		t, _ := v.Task(id)
		s.Total++
		s.Counts[t.Status]++
		if t.IsLeaf() {
			s.Leaves++
		}
	}

	if rootID != "" {
		if t, ok := v.Task(rootID); ok {
			s.Percent = t.Progress
		}
		return s
	}
	roots := v.Roots()
	if len(roots) == 0 {
		return s
	}
	sum := 0
	for _, id := range roots {
		t, _ := v.Task(id)
		sum += t.Progress
	}
	s.Percent = int(math.Round(float64(sum) / float64(len(roots))))
	return s
}
