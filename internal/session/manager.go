package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joshharrison/taskloom/internal/checkpoint"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/metrics"
	"github.com/joshharrison/taskloom/internal/progress"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/store"
)

// Options tune the sessions a Manager opens.
type Options struct {
	// WeightedProgress averages children by weight instead of equally.
	WeightedProgress bool
	HistorySize      int
	ChangeLogLimit   int
}

// Manager opens and caches sessions over one backend. It is safe for
// concurrent use.
type Manager struct {
	backend store.Backend
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

func WithOptions(o Options) ManagerOption {
	return func(m *Manager) { m.opts = o }
}

// NewManager creates a manager over backend.
func NewManager(backend store.Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend:  backend,
		log:      slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Backend returns the storage backend.
func (m *Manager) Backend() store.Backend { return m.backend }

// Create persists a new empty session and opens it.
func (m *Manager) Create(ctx context.Context, name, description string, metadata map[string]string) (*Session, error) {
	if name == "" {
		return nil, errors.New("session name is required")
	}
	now := time.Now().UTC()
	info := store.Session{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      store.SessionActive,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.backend.SaveSession(ctx, &info); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	agg := m.newAggregator()
	s := m.build(info, graph.NewStore(info.ID, m.graphOptions(info, agg)...), agg)
	m.mu.Lock()
	m.sessions[info.ID] = s
	m.mu.Unlock()

	m.log.Info("session created", "session", info.ID, "name", name)
	return s, nil
}

// Open returns the cached session or loads it from the backend. Tasks left
// running by a previous process are reset before it is returned.
func (m *Manager) Open(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}

	var (
		info  *store.Session
		tasks []*graph.Task
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		info, err = m.backend.LoadSession(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		tasks, err = m.backend.LoadTasks(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}

	agg := m.newAggregator()
	gs, err := graph.Load(sessionID, tasks, m.graphOptions(*info, agg)...)
	if err != nil {
		return nil, err
	}
	s := m.build(*info, gs, agg)

	if info.Status == store.SessionArchived {
		gs.SetReadOnly(true)
	} else if reset := gs.RecoverInFlight(); len(reset) > 0 {
		m.log.Warn("reset tasks left running", "session", sessionID, "tasks", reset)
		if err := s.Flush(ctx); err != nil {
			return nil, err
		}
	}

	m.sessions[sessionID] = s
	m.log.Info("session opened", "session", sessionID, "tasks", len(tasks), "archived", info.Status == store.SessionArchived)
	return s, nil
}

// List returns the metadata of every stored session.
func (m *Manager) List(ctx context.Context) ([]*store.Session, error) {
	return m.backend.ListSessions(ctx)
}

// Archive makes a session read-only.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	s, err := m.Open(ctx, sessionID)
	if err != nil {
		return err
	}
	if active := s.sched.Active(); len(active) > 0 {
		return fmt.Errorf("%w: session %s has %d active run(s)", scheduler.ErrRunActive, sessionID, len(active))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(ctx); err != nil {
		return err
	}
	info := s.info
	info.Status = store.SessionArchived
	info.UpdatedAt = time.Now().UTC()
	if err := m.backend.SaveSession(ctx, &info); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.info = info
	s.graph.SetReadOnly(true)
	m.log.Info("session archived", "session", sessionID)
	return nil
}

// Delete removes a session and everything stored with it.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		if active := s.sched.Active(); len(active) > 0 {
			return fmt.Errorf("%w: session %s has %d active run(s)", scheduler.ErrRunActive, sessionID, len(active))
		}
	}
	if err := m.backend.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.log.Info("session deleted", "session", sessionID)
	return nil
}

// Close flushes every open session. The backend is left open.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range open {
		for _, root := range s.sched.Active() {
			s.sched.Cancel(root)
		}
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) newAggregator() *progress.Aggregator {
	var opts []progress.Option
	if m.opts.WeightedProgress {
		opts = append(opts, progress.Weighted())
	}
	if m.opts.HistorySize > 0 {
		opts = append(opts, progress.WithHistorySize(m.opts.HistorySize))
	}
	return progress.New(opts...)
}

func (m *Manager) graphOptions(info store.Session, agg *progress.Aggregator) []graph.Option {
	opts := []graph.Option{graph.WithRollup(agg), graph.WithSeq(info.Seq)}
	if m.opts.ChangeLogLimit > 0 {
		opts = append(opts, graph.WithChangeLogLimit(m.opts.ChangeLogLimit))
	}
	return opts
}

// build wires the per-session components around gs. agg must be the
// rollup installed on gs.
func (m *Manager) build(info store.Session, gs *graph.Store, agg *progress.Aggregator) *Session {
	log := m.log.With("session", info.ID)
	return &Session{
		backend:  m.backend,
		graph:    gs,
		progress: agg,
		sched:    scheduler.New(gs, scheduler.WithLogger(m.log), scheduler.WithMetrics(m.metrics)),
		cps:      checkpoint.NewManager(gs, m.backend, checkpoint.WithLogger(m.log), checkpoint.WithMetrics(m.metrics)),
		log:      log,
		info:     info,
		flushed:  info.Seq,
	}
}
