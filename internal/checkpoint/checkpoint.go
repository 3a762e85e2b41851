// Package checkpoint captures, compares and restores point-in-time copies
// of a session's task graph.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/metrics"
	"github.com/joshharrison/taskloom/internal/store"
)

// Manager captures checkpoints of one session's graph into a backend.
type Manager struct {
	graph   *graph.Store
	backend store.Backend
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager for g persisting into backend.
func NewManager(g *graph.Store, backend store.Backend, opts ...Option) *Manager {
	m := &Manager{
		graph:   g,
		backend: backend,
		log:     slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("session", g.SessionID())
	return m
}

// Capture snapshots the requested scope and stores it.
func (m *Manager) Capture(ctx context.Context, req CaptureRequest) (*Checkpoint, error) {
	cp, err := m.build(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cp.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	cp.Hash = hashPayload(data)
	cp.Size = len(data)

	rec := &store.CheckpointRecord{
		ID:        cp.ID,
		SessionID: cp.SessionID,
		Level:     string(cp.Level),
		TaskID:    cp.TaskID,
		Seq:       cp.Seq,
		Tags:      cp.Tags,
		Metadata:  cp.Metadata,
		Hash:      cp.Hash,
		Size:      cp.Size,
		Payload:   data,
		CreatedAt: cp.CreatedAt,
	}
	if err := m.backend.SaveCheckpoint(ctx, rec); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	m.metrics.Checkpoint("capture", string(cp.Level), cp.Size)
	m.log.Info("checkpoint captured", "checkpoint", cp.ID, "level", cp.Level, "task", cp.TaskID, "tasks", cp.Payload.Len(), "bytes", cp.Size)
	return cp, nil
}

// build assembles an unsaved checkpoint of the live graph.
func (m *Manager) build(ctx context.Context, req CaptureRequest) (*Checkpoint, error) {
	if !req.Level.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, req.Level)
	}
	if req.Level == LevelSubtask && req.TaskID == "" {
		return nil, fmt.Errorf("%w: subtask checkpoints need a task", ErrInvalidLevel)
	}
	if req.Level == LevelOverall {
		req.TaskID = ""
	}

	snap := m.graph.Snapshot()
	if req.TaskID != "" {
		if _, ok := snap.Task(req.TaskID); !ok {
			return nil, fmt.Errorf("%w: %s", graph.ErrTaskNotFound, req.TaskID)
		}
	}
	ids := graph.SubtreeIDs(snap, req.TaskID)

	p := &Payload{
		Version:     payloadVersion,
		SessionID:   m.graph.SessionID(),
		Level:       req.Level,
		ScopeTaskID: req.TaskID,
		Seq:         snap.Seq(),
	}
	if req.Level == LevelStage {
		p.Stage = make([]StageEntry, 0, len(ids))
		for _, id := range ids {
			t, _ := snap.Task(id)
			p.Stage = append(p.Stage, StageEntry{ID: id, Status: t.Status, Progress: t.Progress})
		}
	} else {
		inScope := make(map[string]bool, len(ids))
		for _, id := range ids {
			inScope[id] = true
		}
		p.Tasks = make([]*graph.Task, 0, len(ids))
		for _, id := range ids {
			t, _ := snap.Task(id)
			t = t.Clone()
			if req.TaskID != "" {
				var internal, external []string
				for _, dep := range t.DependsOn {
					if inScope[dep] {
						internal = append(internal, dep)
					} else {
						external = append(external, dep)
					}
				}
				if len(external) > 0 {
					if p.ExternalDeps == nil {
						p.ExternalDeps = make(map[string][]string)
					}
					p.ExternalDeps[id] = external
				}
				t.DependsOn = internal
			}
			p.Tasks = append(p.Tasks, t)
		}
	}
	if req.Level == LevelOverall {
		mem, err := m.backend.LoadMemoryRecords(ctx, p.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load memory records: %w", err)
		}
		p.Memory = mem
	}

	return &Checkpoint{
		ID:        m.newID(),
		SessionID: p.SessionID,
		Level:     p.Level,
		TaskID:    p.ScopeTaskID,
		Seq:       p.Seq,
		Tags:      slices.Clone(req.Tags),
		Metadata:  req.Metadata,
		CreatedAt: m.now().UTC(),
		Payload:   p,
	}, nil
}

// Get loads and validates a checkpoint including its payload.
func (m *Manager) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	rec, err := m.backend.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if rec.SessionID != m.graph.SessionID() {
		return nil, fmt.Errorf("%w: checkpoint %s is from session %s", ErrIncompatibleCheckpoints, rec.ID, rec.SessionID)
	}
	return decode(rec)
}

// List returns checkpoint headers, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Checkpoint, error) {
	recs, err := m.backend.ListCheckpoints(ctx, m.graph.SessionID(), store.CheckpointFilter{
		Level:  string(f.Level),
		TaskID: f.TaskID,
		Tag:    f.Tag,
		Limit:  f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, len(recs))
	for i, r := range recs {
		out[i] = header(r)
	}
	return out, nil
}

// Delete removes a stored checkpoint.
func (m *Manager) Delete(ctx context.Context, checkpointID string) error {
	if _, err := m.Get(ctx, checkpointID); err != nil && !errors.Is(err, ErrCorruptCheckpoint) {
		return err
	}
	return m.backend.DeleteCheckpoint(ctx, checkpointID)
}

// Prune deletes all but the newest keep checkpoints and returns how many
// were removed.
func (m *Manager) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	recs, err := m.backend.ListCheckpoints(ctx, m.graph.SessionID(), store.CheckpointFilter{})
	if err != nil {
		return 0, err
	}
	if len(recs) <= keep {
		return 0, nil
	}
	n := 0
	for _, r := range recs[keep:] {
		if err := m.backend.DeleteCheckpoint(ctx, r.ID); err != nil {
			return n, fmt.Errorf("delete checkpoint %s: %w", r.ID, err)
		}
		n++
	}
	m.log.Info("checkpoints pruned", "removed", n, "kept", keep)
	return n, nil
}

// ChangesSince returns the change log entries recorded after the checkpoint
// was taken.
func (m *Manager) ChangesSince(ctx context.Context, checkpointID string) ([]graph.Change, error) {
	rec, err := m.backend.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if rec.SessionID != m.graph.SessionID() {
		return nil, fmt.Errorf("%w: checkpoint %s is from session %s", ErrIncompatibleCheckpoints, rec.ID, rec.SessionID)
	}
	return m.graph.Changes(rec.Seq), nil
}

// DiffLive compares a stored checkpoint with the live graph over the same
// scope.
func (m *Manager) DiffLive(ctx context.Context, checkpointID string) (*Diff, error) {
	cp, err := m.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	live, err := m.build(ctx, CaptureRequest{Level: cp.Level, TaskID: cp.TaskID})
	if err != nil {
		return nil, err
	}
	live.ID = "live"
	return Compare(cp, live)
}

// Restore validates a checkpoint and applies it to the live graph. Nothing
// is changed if validation fails.
func (m *Manager) Restore(ctx context.Context, checkpointID string, mode Mode) error {
	if mode == "" {
		mode = ModeFull
	}
	if mode != ModeFull && mode != ModeMerge {
		return fmt.Errorf("unknown restore mode %q", mode)
	}
	cp, err := m.Get(ctx, checkpointID)
	if err != nil {
		return err
	}
	p := cp.Payload

	// Memory records go first so a failed graph swap can put them back.
	var prevMemory []*store.MemoryRecord
	restoreMemory := p.Level == LevelOverall && mode == ModeFull
	if restoreMemory {
		if prevMemory, err = m.backend.LoadMemoryRecords(ctx, p.SessionID); err != nil {
			return fmt.Errorf("restore %s: load memory records: %w", checkpointID, err)
		}
		if err := m.backend.SaveMemoryRecords(ctx, p.SessionID, p.Memory); err != nil {
			return fmt.Errorf("restore %s: memory records: %w", checkpointID, err)
		}
	}

	err = m.graph.Restore(func(cand map[string]*graph.Task) error {
		switch {
		case p.Level == LevelStage:
			return applyStage(cand, p)
		case mode == ModeMerge:
			for _, t := range p.Tasks {
				cand[t.ID] = t.Clone()
			}
			return nil
		case p.Level == LevelOverall:
			clear(cand)
			for _, t := range p.Tasks {
				cand[t.ID] = t.Clone()
			}
			return nil
		default:
			for _, id := range subtreeOf(cand, p.ScopeTaskID) {
				delete(cand, id)
			}
			for _, t := range p.Tasks {
				cand[t.ID] = t.Clone()
			}
			return nil
		}
	})
	if err != nil {
		if restoreMemory {
			if rerr := m.backend.SaveMemoryRecords(ctx, p.SessionID, prevMemory); rerr != nil {
				err = errors.Join(err, fmt.Errorf("roll back memory records: %w", rerr))
			}
		}
		return fmt.Errorf("restore %s: %w", checkpointID, err)
	}

	m.metrics.Checkpoint("restore", string(cp.Level), cp.Size)
	m.log.Info("checkpoint restored", "checkpoint", cp.ID, "level", cp.Level, "mode", mode)
	return nil
}

// applyStage copies status and progress onto tasks that still exist.
func applyStage(cand map[string]*graph.Task, p *Payload) error {
	for _, st := range p.Stage {
		t, ok := cand[st.ID]
		if !ok {
			continue
		}
		t.Status = st.Status
		t.Progress = st.Progress
	}
	return nil
}

// subtreeOf returns rootID and every task below it in cand.
func subtreeOf(cand map[string]*graph.Task, rootID string) []string {
	in := map[string]bool{rootID: true}
	var walk func(id string) bool
	walk = func(id string) bool {
		if v, ok := in[id]; ok {
			return v
		}
		in[id] = false // breaks parent loops
		t, ok := cand[id]
		if !ok || t.ParentID == "" {
			return false
		}
		in[id] = walk(t.ParentID)
		return in[id]
	}
	var out []string
	for id := range cand {
		if walk(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// decode verifies a stored record and parses its payload.
func decode(rec *store.CheckpointRecord) (*Checkpoint, error) {
	if got := hashPayload(rec.Payload); got != rec.Hash {
		return nil, fmt.Errorf("%w: %s: hash mismatch", ErrCorruptCheckpoint, rec.ID)
	}
	if !gjson.ValidBytes(rec.Payload) {
		return nil, fmt.Errorf("%w: %s: invalid json", ErrCorruptCheckpoint, rec.ID)
	}
	head := gjson.GetManyBytes(rec.Payload, "version", "session_id", "level", "tasks", "stage")
	stage := head[2].String() == string(LevelStage)
	switch {
	case head[0].Int() != payloadVersion:
		return nil, fmt.Errorf("%w: %s: unsupported version %s", ErrCorruptCheckpoint, rec.ID, head[0].Raw)
	case head[1].String() != rec.SessionID:
		return nil, fmt.Errorf("%w: %s: payload session %q", ErrCorruptCheckpoint, rec.ID, head[1].String())
	case head[2].String() != rec.Level:
		return nil, fmt.Errorf("%w: %s: payload level %q", ErrCorruptCheckpoint, rec.ID, head[2].String())
	case head[3].Exists() && !head[3].IsArray(), head[4].Exists() && !head[4].IsArray():
		return nil, fmt.Errorf("%w: %s: malformed task list", ErrCorruptCheckpoint, rec.ID)
	case stage && head[3].Exists():
		return nil, fmt.Errorf("%w: %s: stage checkpoint carries task records", ErrCorruptCheckpoint, rec.ID)
	case !stage && head[4].Exists():
		return nil, fmt.Errorf("%w: %s: stage entries in %s checkpoint", ErrCorruptCheckpoint, rec.ID, head[2].String())
	}

	var p Payload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptCheckpoint, rec.ID, err)
	}
	if !p.Level.Valid() {
		return nil, fmt.Errorf("%w: %s: level %q", ErrCorruptCheckpoint, rec.ID, p.Level)
	}
	seen := make(map[string]bool, p.Len())
	for _, t := range p.Tasks {
		if t == nil || t.ID == "" || seen[t.ID] {
			return nil, fmt.Errorf("%w: %s: bad or duplicate task entry", ErrCorruptCheckpoint, rec.ID)
		}
		if t.SessionID != p.SessionID {
			return nil, fmt.Errorf("%w: %s: task %s belongs to session %s", ErrCorruptCheckpoint, rec.ID, t.ID, t.SessionID)
		}
		seen[t.ID] = true
	}
	for _, e := range p.Stage {
		if e.ID == "" || seen[e.ID] || !e.Status.Valid() || e.Progress < 0 || e.Progress > 100 {
			return nil, fmt.Errorf("%w: %s: bad stage entry %q", ErrCorruptCheckpoint, rec.ID, e.ID)
		}
		seen[e.ID] = true
	}
	if p.ScopeTaskID != "" && !seen[p.ScopeTaskID] {
		return nil, fmt.Errorf("%w: %s: scope task %s missing", ErrCorruptCheckpoint, rec.ID, p.ScopeTaskID)
	}

	cp := header(rec)
	cp.Payload = &p
	return cp, nil
}

func header(rec *store.CheckpointRecord) *Checkpoint {
	return &Checkpoint{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Level:     Level(rec.Level),
		TaskID:    rec.TaskID,
		Seq:       rec.Seq,
		Tags:      rec.Tags,
		Metadata:  rec.Metadata,
		Hash:      rec.Hash,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
	}
}

func hashPayload(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
