package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/progress"
	"github.com/joshharrison/taskloom/internal/store"
)

type fixture struct {
	ctx     context.Context
	graph   *graph.Store
	backend store.Backend
	mgr     *Manager
}

func newFixture(t *testing.T, sessionID string, backend store.Backend) *fixture {
	t.Helper()
	ctx := context.Background()
	if backend == nil {
		b, err := store.OpenSQLite(filepath.Join(t.TempDir(), "cp.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		backend = b
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, backend.SaveSession(ctx, &store.Session{
		ID: sessionID, Name: sessionID, Status: store.SessionActive, CreatedAt: now, UpdatedAt: now,
	}))

	n := 0
	g := graph.NewStore(sessionID,
		graph.WithRollup(progress.New()),
		graph.WithIDFunc(func() string {
			n++
			return fmt.Sprintf("%s-T%d", sessionID, n)
		}),
	)
	tick := now
	mgr := NewManager(g, backend, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	return &fixture{ctx: ctx, graph: g, backend: backend, mgr: mgr}
}

func (f *fixture) create(t *testing.T, spec graph.TaskSpec) string {
	t.Helper()
	task, err := f.graph.CreateTask(spec)
	require.NoError(t, err)
	return task.ID
}

func (f *fixture) get(t *testing.T, id string) *graph.Task {
	t.Helper()
	task, err := f.graph.Get(id)
	require.NoError(t, err)
	return task
}

func TestCaptureAndGet(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	f.create(t, graph.TaskSpec{Name: "leaf", ParentID: root})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall, Tags: []string{"before"}})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.Hash)
	assert.Positive(t, cp.Size)

	got, err := f.mgr.Get(f.ctx, cp.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Payload)
	assert.Len(t, got.Payload.Tasks, 2)
	assert.Equal(t, cp.Hash, got.Hash)

	list, err := f.mgr.List(f.ctx, Filter{Tag: "before"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Payload)
}

func TestCaptureValidatesRequest(t *testing.T) {
	f := newFixture(t, "s1", nil)

	_, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: "weekly"})
	assert.ErrorIs(t, err, ErrInvalidLevel)

	_, err = f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelSubtask})
	assert.ErrorIs(t, err, ErrInvalidLevel)

	_, err = f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelSubtask, TaskID: "nope"})
	assert.ErrorIs(t, err, graph.ErrTaskNotFound)
}

func TestDiffWithItselfIsEmpty(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	f.create(t, graph.TaskSpec{Name: "leaf", ParentID: root})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)

	d, err := f.mgr.Diff(f.ctx, cp.ID, cp.ID)
	require.NoError(t, err)
	assert.True(t, d.Empty(), "unexpected diff %+v", d)
}

func TestDiffReportsChanges(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	a := f.create(t, graph.TaskSpec{Name: "a", ParentID: root})
	b := f.create(t, graph.TaskSpec{Name: "b", ParentID: root})

	before, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)

	require.NoError(t, f.graph.UpdateProgress(a, 40))
	c := f.create(t, graph.TaskSpec{Name: "c", ParentID: root})
	require.NoError(t, f.graph.AddDependency(c, b))

	after, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)

	d, err := f.mgr.Diff(f.ctx, before.ID, after.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c}, d.Added)
	assert.Empty(t, d.Removed)
	assert.Contains(t, d.Changes, FieldChange{TaskID: a, Field: "progress", Old: "0", New: "40"})
}

func TestSubtaskRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, "s1", nil)
	t1 := f.create(t, graph.TaskSpec{Name: "T1"})
	a := f.create(t, graph.TaskSpec{Name: "a", ParentID: t1})
	f.create(t, graph.TaskSpec{Name: "b", ParentID: t1})
	other := f.create(t, graph.TaskSpec{Name: "other"})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelSubtask, TaskID: t1})
	require.NoError(t, err)

	require.NoError(t, f.graph.UpdateProgress(a, 50))
	late := f.create(t, graph.TaskSpec{Name: "late", ParentID: t1})
	require.NoError(t, f.graph.UpdateProgress(other, 30))

	d, err := f.mgr.DiffLive(f.ctx, cp.ID)
	require.NoError(t, err)
	require.False(t, d.Empty())

	require.NoError(t, f.mgr.Restore(f.ctx, cp.ID, ModeFull))

	d, err = f.mgr.DiffLive(f.ctx, cp.ID)
	require.NoError(t, err)
	assert.True(t, d.Empty(), "unexpected diff %+v", d)

	_, err = f.graph.Get(late)
	assert.ErrorIs(t, err, graph.ErrTaskNotFound)
	assert.Equal(t, 30, f.get(t, other).Progress, "tasks outside the scope are untouched")
	assert.Equal(t, 0, f.get(t, t1).Progress)
}

func TestMergeRestoreKeepsNewTasks(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	a := f.create(t, graph.TaskSpec{Name: "a", ParentID: root})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)

	require.NoError(t, f.graph.UpdateProgress(a, 70))
	late := f.create(t, graph.TaskSpec{Name: "late", ParentID: root})

	require.NoError(t, f.mgr.Restore(f.ctx, cp.ID, ModeMerge))
	assert.Equal(t, 0, f.get(t, a).Progress)
	assert.Equal(t, root, f.get(t, late).ParentID)
}

func TestStageRestoreOnlyStatus(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	a := f.create(t, graph.TaskSpec{Name: "a", ParentID: root})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelStage})
	require.NoError(t, err)

	require.NoError(t, f.graph.UpdateStatus(a, graph.StatusCompleted))
	late := f.create(t, graph.TaskSpec{Name: "late", ParentID: root})

	require.NoError(t, f.mgr.Restore(f.ctx, cp.ID, ModeFull))
	got := f.get(t, a)
	assert.Equal(t, graph.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	_, err = f.graph.Get(late)
	assert.NoError(t, err, "stage restore keeps structure")
}

func TestStageCapturesStatusAndProgressOnly(t *testing.T) {
	f := newFixture(t, "s1", nil)
	a := f.create(t, graph.TaskSpec{
		Name:        "secret-name",
		Description: "long description",
		Metadata:    map[string]string{"command": "make"},
	})
	require.NoError(t, f.graph.UpdateProgress(a, 30))

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelStage})
	require.NoError(t, err)

	rec, err := f.backend.LoadCheckpoint(f.ctx, cp.ID)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(rec.Payload, "tasks").Exists())
	assert.Equal(t, a, gjson.GetBytes(rec.Payload, "stage.0.id").String())
	assert.Equal(t, int64(30), gjson.GetBytes(rec.Payload, "stage.0.progress").Int())
	for _, key := range []string{"name", "description", "metadata", "created_at", "depends_on"} {
		assert.False(t, gjson.GetBytes(rec.Payload, "stage.0."+key).Exists(), "stage entry carries %s", key)
	}
	assert.NotContains(t, string(rec.Payload), "secret-name")

	d, err := f.mgr.DiffLive(f.ctx, cp.ID)
	require.NoError(t, err)
	assert.True(t, d.Empty(), "unexpected diff %+v", d)
}

func TestSubtaskRestoreDropsEdgesLeavingScope(t *testing.T) {
	f := newFixture(t, "s1", nil)
	ext := f.create(t, graph.TaskSpec{Name: "ext"})
	x := f.create(t, graph.TaskSpec{Name: "X"})
	b := f.create(t, graph.TaskSpec{Name: "b", ParentID: x})
	c := f.create(t, graph.TaskSpec{Name: "c", ParentID: x, DependsOn: []string{ext, b}})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelSubtask, TaskID: x})
	require.NoError(t, err)
	got, err := f.mgr.Get(f.ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ext}, got.Payload.ExternalDeps[c])
	for _, task := range got.Payload.Tasks {
		if task.ID == c {
			assert.Equal(t, []string{b}, task.DependsOn)
		}
	}

	require.NoError(t, f.graph.RemoveDependency(c, ext))
	require.NoError(t, f.mgr.Restore(f.ctx, cp.ID, ModeFull))

	assert.Equal(t, []string{b}, f.get(t, c).DependsOn, "edge to ext is a reference only")
	_, err = f.graph.Get(ext)
	assert.NoError(t, err)
}

func TestOverallRestoreBringsBackMemory(t *testing.T) {
	f := newFixture(t, "s1", nil)
	f.create(t, graph.TaskSpec{Name: "root"})
	require.NoError(t, f.backend.SaveMemoryRecords(f.ctx, "s1", []*store.MemoryRecord{
		{ID: "m1", SessionID: "s1", Kind: "note", Content: "keep me", CreatedAt: time.Now().UTC()},
	}))

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)
	require.NoError(t, f.backend.SaveMemoryRecords(f.ctx, "s1", nil))

	require.NoError(t, f.mgr.Restore(f.ctx, cp.ID, ModeFull))
	recs, err := f.backend.LoadMemoryRecords(f.ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "keep me", recs[0].Content)
}

func TestFailedRestoreRollsBackMemory(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	a := f.create(t, graph.TaskSpec{Name: "a", ParentID: root})
	b := f.create(t, graph.TaskSpec{Name: "b", ParentID: root})
	require.NoError(t, f.backend.SaveMemoryRecords(f.ctx, "s1", []*store.MemoryRecord{
		{ID: "m1", SessionID: "s1", Kind: "note", Content: "old", CreatedAt: time.Now().UTC()},
	}))

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)
	got, err := f.mgr.Get(f.ctx, cp.ID)
	require.NoError(t, err)
	for _, task := range got.Payload.Tasks {
		switch task.ID {
		case a:
			task.DependsOn = []string{b}
		case b:
			task.DependsOn = []string{a}
		}
	}
	data, err := json.Marshal(got.Payload)
	require.NoError(t, err)
	rec, err := f.backend.LoadCheckpoint(f.ctx, cp.ID)
	require.NoError(t, err)
	rec.Payload = data
	rec.Hash = hashPayload(data)
	require.NoError(t, f.backend.SaveCheckpoint(f.ctx, rec))

	require.NoError(t, f.backend.SaveMemoryRecords(f.ctx, "s1", []*store.MemoryRecord{
		{ID: "m2", SessionID: "s1", Kind: "note", Content: "new", CreatedAt: time.Now().UTC()},
	}))

	err = f.mgr.Restore(f.ctx, cp.ID, ModeFull)
	assert.ErrorIs(t, err, graph.ErrCycleDetected)
	recs, err := f.backend.LoadMemoryRecords(f.ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].Content)
}

type failingMemoryBackend struct {
	store.Backend
}

func (failingMemoryBackend) SaveMemoryRecords(context.Context, string, []*store.MemoryRecord) error {
	return errors.New("disk full")
}

func TestRestoreLeavesGraphWhenMemoryWriteFails(t *testing.T) {
	f := newFixture(t, "s1", nil)
	a := f.create(t, graph.TaskSpec{Name: "a"})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)
	require.NoError(t, f.graph.UpdateProgress(a, 60))

	mgr := NewManager(f.graph, failingMemoryBackend{f.backend})
	err = mgr.Restore(f.ctx, cp.ID, ModeFull)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 60, f.get(t, a).Progress, "graph untouched")
}

func TestRestoreRejectsTamperedPayload(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	a := f.create(t, graph.TaskSpec{Name: "a", ParentID: root})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)
	require.NoError(t, f.graph.UpdateProgress(a, 60))

	rec, err := f.backend.LoadCheckpoint(f.ctx, cp.ID)
	require.NoError(t, err)
	rec.Payload = append(rec.Payload[:len(rec.Payload)-1], ' ', '}')
	require.NoError(t, f.backend.SaveCheckpoint(f.ctx, rec))

	err = f.mgr.Restore(f.ctx, cp.ID, ModeFull)
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)
	assert.Equal(t, 60, f.get(t, a).Progress)
}

func TestRestoreRejectsCyclicPayload(t *testing.T) {
	f := newFixture(t, "s1", nil)
	root := f.create(t, graph.TaskSpec{Name: "root"})
	a := f.create(t, graph.TaskSpec{Name: "a", ParentID: root})
	b := f.create(t, graph.TaskSpec{Name: "b", ParentID: root})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)

	got, err := f.mgr.Get(f.ctx, cp.ID)
	require.NoError(t, err)
	for _, task := range got.Payload.Tasks {
		switch task.ID {
		case a:
			task.DependsOn = []string{b}
		case b:
			task.DependsOn = []string{a}
		}
	}
	data, err := json.Marshal(got.Payload)
	require.NoError(t, err)
	rec, err := f.backend.LoadCheckpoint(f.ctx, cp.ID)
	require.NoError(t, err)
	rec.Payload = data
	rec.Hash = hashPayload(data)
	require.NoError(t, f.backend.SaveCheckpoint(f.ctx, rec))

	err = f.mgr.Restore(f.ctx, cp.ID, ModeFull)
	assert.ErrorIs(t, err, graph.ErrCycleDetected)
	assert.Empty(t, f.get(t, a).DependsOn, "live graph untouched")
}

func TestCrossSessionIsIncompatible(t *testing.T) {
	f1 := newFixture(t, "s1", nil)
	f2 := newFixture(t, "s2", f1.backend)
	f1.create(t, graph.TaskSpec{Name: "one"})
	f2.create(t, graph.TaskSpec{Name: "two"})

	c1, err := f1.mgr.Capture(f1.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)
	c2, err := f2.mgr.Capture(f2.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)

	_, err = Compare(c1, c2)
	assert.ErrorIs(t, err, ErrIncompatibleCheckpoints)

	_, err = f1.mgr.Get(f1.ctx, c2.ID)
	assert.ErrorIs(t, err, ErrIncompatibleCheckpoints)
	assert.ErrorIs(t, f1.mgr.Restore(f1.ctx, c2.ID, ModeFull), ErrIncompatibleCheckpoints)
}

func TestChangesSince(t *testing.T) {
	f := newFixture(t, "s1", nil)
	a := f.create(t, graph.TaskSpec{Name: "a"})

	cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
	require.NoError(t, err)
	require.NoError(t, f.graph.UpdateProgress(a, 25))

	changes, err := f.mgr.ChangesSince(f.ctx, cp.ID)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	for _, c := range changes {
		assert.Greater(t, c.Seq, cp.Seq)
		assert.Equal(t, a, c.TaskID)
	}
}

func TestPrune(t *testing.T) {
	f := newFixture(t, "s1", nil)
	f.create(t, graph.TaskSpec{Name: "a"})
	var last *Checkpoint
	for i := 0; i < 4; i++ {
		cp, err := f.mgr.Capture(f.ctx, CaptureRequest{Level: LevelOverall})
		require.NoError(t, err)
		last = cp
	}

	n, err := f.mgr.Prune(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := f.mgr.List(f.ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, last.ID, list[0].ID)
}
