package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshharrison/taskloom/internal/checkpoint"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/metrics"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/session"
	"github.com/joshharrison/taskloom/internal/store"
)

type testAPI struct {
	t       *testing.T
	router  http.Handler
	backend store.Backend
	release chan struct{}
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	backend, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	api := &testAPI{t: t, backend: backend, release: make(chan struct{})}

	mgr := session.NewManager(backend, session.WithLogger(logger), session.WithMetrics(m))
	api.router = NewRouter(Config{
		Sessions: mgr,
		Handles: func(*session.Session) scheduler.Handle {
			return func(ctx context.Context, _ graph.Task) error {
				select {
				case <-api.release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
		Metrics:     m,
		Gatherer:    reg,
		Logger:      logger,
		MaxParallel: 2,
	})
	return api
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createSession() string {
	rec := a.do(http.MethodPost, "/sessions", map[string]any{"name": "demo"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[map[string]any](a.t, rec)["id"].(string)
}

func (a *testAPI) createTask(sid string, spec graph.TaskSpec) string {
	rec := a.do(http.MethodPost, "/sessions/"+sid+"/tasks", spec)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[graph.Task](a.t, rec).ID
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	rec = a.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskloom_http_requests_total")
}

func TestTaskLifecycle(t *testing.T) {
	a := newTestAPI(t)
	sid := a.createSession()
	root := a.createTask(sid, graph.TaskSpec{Name: "root"})
	first := a.createTask(sid, graph.TaskSpec{Name: "first", ParentID: root})
	second := a.createTask(sid, graph.TaskSpec{Name: "second", ParentID: root, DependsOn: []string{first}})

	rec := a.do(http.MethodGet, "/sessions/"+sid+"/ready?root="+root, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[[]graph.Task](t, rec)
	require.Len(t, ready, 1)
	assert.Equal(t, first, ready[0].ID)

	rec = a.do(http.MethodPatch, "/sessions/"+sid+"/tasks/"+first, map[string]any{"progress": 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, graph.StatusCompleted, decode[graph.Task](t, rec).Status)

	rec = a.do(http.MethodGet, "/sessions/"+sid+"/progress?root="+root, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 50, decode[map[string]any](t, rec)["percent"])

	rec = a.do(http.MethodGet, "/sessions/"+sid+"/order", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	order := decode[map[string][]string](t, rec)["order"]
	assert.Less(t, indexOf(order, first), indexOf(order, second))
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	sid := a.createSession()
	x := a.createTask(sid, graph.TaskSpec{Name: "x"})
	y := a.createTask(sid, graph.TaskSpec{Name: "y", DependsOn: []string{x}})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown session", http.MethodGet, "/sessions/nope", nil, http.StatusNotFound},
		{"unknown task", http.MethodGet, "/sessions/" + sid + "/tasks/nope", nil, http.StatusNotFound},
		{"unknown parent", http.MethodPost, "/sessions/" + sid + "/tasks", graph.TaskSpec{Name: "z", ParentID: "nope"}, http.StatusBadRequest},
		{"bad progress", http.MethodPatch, "/sessions/" + sid + "/tasks/" + x, map[string]any{"progress": 101}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/sessions/" + sid + "/tasks", map[string]any{"title": "z"}, http.StatusBadRequest},
		{"cycle", http.MethodPost, "/sessions/" + sid + "/tasks/" + x + "/dependencies", map[string]any{"depends_on": y}, http.StatusConflict},
		{"deps unmet", http.MethodPatch, "/sessions/" + sid + "/tasks/" + y, map[string]any{"status": "running"}, http.StatusConflict},
		{"bad level", http.MethodPost, "/sessions/" + sid + "/checkpoints", map[string]any{"level": "weekly"}, http.StatusBadRequest},
		{"missing checkpoint", http.MethodGet, "/sessions/" + sid + "/checkpoints/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := a.do(http.MethodPost, "/sessions/"+sid+"/tasks/"+x+"/dependencies", map[string]any{"depends_on": y})
	assert.NotEmpty(t, decode[errorResponse](t, rec).Cycle)
}

func TestArchivedSessionRejectsWrites(t *testing.T) {
	a := newTestAPI(t)
	sid := a.createSession()
	a.createTask(sid, graph.TaskSpec{Name: "x"})

	rec := a.do(http.MethodPost, "/sessions/"+sid+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["archived"])

	rec = a.do(http.MethodPost, "/sessions/"+sid+"/tasks", graph.TaskSpec{Name: "y"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckpointEndpoints(t *testing.T) {
	a := newTestAPI(t)
	sid := a.createSession()
	root := a.createTask(sid, graph.TaskSpec{Name: "root"})
	leaf := a.createTask(sid, graph.TaskSpec{Name: "leaf", ParentID: root})

	rec := a.do(http.MethodPost, "/sessions/"+sid+"/checkpoints", map[string]any{"level": "subtask", "task_id": root})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cpID := decode[checkpoint.Checkpoint](t, rec).ID

	a.do(http.MethodPatch, "/sessions/"+sid+"/tasks/"+leaf, map[string]any{"progress": 30})

	rec = a.do(http.MethodGet, "/sessions/"+sid+"/checkpoints/"+cpID+"/diff", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	diff := decode[checkpoint.Diff](t, rec)
	assert.False(t, diff.Empty())

	rec = a.do(http.MethodPost, "/sessions/"+sid+"/checkpoints/"+cpID+"/restore", map[string]any{"mode": "full"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/sessions/"+sid+"/checkpoints/"+cpID+"/diff", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	diff = decode[checkpoint.Diff](t, rec)
	assert.True(t, diff.Empty())

	rec = a.do(http.MethodGet, "/sessions/"+sid+"/checkpoints?level=subtask", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]checkpoint.Checkpoint](t, rec), 1)

	stored, err := a.backend.LoadCheckpoint(context.Background(), cpID)
	require.NoError(t, err)
	stored.Payload = []byte(`{"version":1}`)
	require.NoError(t, a.backend.SaveCheckpoint(context.Background(), stored))

	rec = a.do(http.MethodPost, "/sessions/"+sid+"/checkpoints/"+cpID+"/restore", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestRunStreamsEvents(t *testing.T) {
	a := newTestAPI(t)
	sid := a.createSession()
	root := a.createTask(sid, graph.TaskSpec{Name: "root"})
	a.createTask(sid, graph.TaskSpec{Name: "a", ParentID: root})
	a.createTask(sid, graph.TaskSpec{Name: "b", ParentID: root})

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	rec := a.do(http.MethodPost, "/sessions/"+sid+"/runs", map[string]any{"root_id": root})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/sessions/"+sid+"/runs", map[string]any{"root_id": root})
	assert.Equal(t, http.StatusConflict, rec.Code, "overlapping run")

	resp, err := http.Get(srv.URL + "/sessions/" + sid + "/runs/events?root=" + root)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	close(a.release)

	var kinds []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev scheduler.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		kinds = append(kinds, string(ev.Kind))
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "done", kinds[len(kinds)-1])
	assert.Equal(t, 2, strings.Count(strings.Join(kinds, ","), "completed"))

	require.Eventually(t, func() bool {
		rec := a.do(http.MethodGet, "/sessions/"+sid+"/tasks/"+root, nil)
		return decode[graph.Task](t, rec).Status == graph.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
