package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/task/repository"
	"github.com/taskforge/taskforge/internal/task/service"
)

type fixture struct {
	svc       *service.Service
	router    *gin.Engine
	projector *task.Projector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := events.NewStore(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "projections.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := repository.NewMemory()
	svc := service.New(store, repo, log)
	projector := task.NewProjector(store, repo, log)
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 8080, MaxBodyBytes: 1 << 20}, log)
	RegisterTaskRoutes(srv.Router(), svc, log)
	return &fixture{svc: svc, router: srv.Router(), projector: projector}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, f.projector.CatchUp(context.Background()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.NoError(t, f.projector.CatchUp(context.Background()))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestCreateAndGetTask(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{
		"title": "ship it", "agent_id": "a1", "priority": "foreground",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	taskID := decode(t, w)["task_id"].(string)
	require.NotEmpty(t, taskID)

	w = f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, "ship it", view["title"])
	assert.Equal(t, "open", view["status"])
	assert.Equal(t, "foreground", view["priority"])

	w = f.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["tasks"], 1)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "no agent"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/tasks/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "t", "agent_id": "a1"})
	require.Equal(t, http.StatusCreated, w.Code)
	taskID := decode(t, w)["task_id"].(string)

	w = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/instructions", map[string]string{
		"instruction": "be quick",
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", map[string]string{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code)

	// Canceled tasks reject further commands.
	w = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/instructions", map[string]string{
		"instruction": "too late",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID, err := f.svc.CreateTask(ctx, service.CreateTaskParams{Title: "t", AgentID: "a1", ActorID: "user"})
	require.NoError(t, err)
	require.NoError(t, f.svc.StartTask(ctx, taskID, "agent:a1"))

	w := f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUpdateTodos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID, err := f.svc.CreateTask(ctx, service.CreateTaskParams{Title: "t", AgentID: "a1", ActorID: "user"})
	require.NoError(t, err)
	require.NoError(t, f.svc.StartTask(ctx, taskID, "agent:a1"))

	w := f.do(t, http.MethodPut, "/api/v1/tasks/"+taskID+"/todos", map[string]interface{}{
		"todos": []map[string]interface{}{
			{"text": "first", "done": false},
			{"text": "second", "done": false},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	view, err := f.svc.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, view.Todos, 2)
}

func TestEventEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID, err := f.svc.CreateTask(ctx, service.CreateTaskParams{Title: "t", AgentID: "a1", ActorID: "user"})
	require.NoError(t, err)
	require.NoError(t, f.svc.StartTask(ctx, taskID, "agent:a1"))

	w := f.do(t, http.MethodGet, "/api/v1/events?after=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["events"], 2)
	assert.Equal(t, false, body["truncated"])

	w = f.do(t, http.MethodGet, "/api/v1/events?after=0&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Len(t, body["events"], 1)
	assert.Equal(t, true, body["truncated"])

	w = f.do(t, http.MethodGet, "/api/v1/events/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, taskID, decode(t, w)["stream_id"])

	w = f.do(t, http.MethodGet, "/api/v1/events/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["events"], 2)
}

func TestPendingInteractionEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID, err := f.svc.CreateTask(ctx, service.CreateTaskParams{Title: "t", AgentID: "a1", ActorID: "user"})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/interactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode(t, w)["pending"])
}
