package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronsync/internal/domain"
	"cronsync/internal/executor"
	"cronsync/internal/scheduler"
	"cronsync/internal/store"
)

type apiFixture struct {
	srv    *httptest.Server
	target *httptest.Server
	hits   *atomic.Int32
	repo   *store.Memory
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	hits := &atomic.Int32{}
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	repo := store.NewMemory()
	sw, err := scheduler.NewSweeper(repo, executor.New(5*time.Second), scheduler.SweeperConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(repo, sw, StaticTokens{"alice-token": "alice", "bob-token": "bob"}))
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, target: target, hits: hits, repo: repo}
}

func (f *apiFixture) do(t *testing.T, token, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (f *apiFixture) create(t *testing.T, token, name, path string) domain.Task {
	t.Helper()
	code, body := f.do(t, token, http.MethodPost, "/tasks", domain.TaskInput{
		Name:     name,
		Endpoint: domain.Endpoint{URL: f.target.URL + path},
		Schedule: domain.Every(10, domain.UnitMinutes),
	})
	require.Equal(t, http.StatusCreated, code)
	return decode[domain.Task](t, body["task"])
}

func TestAPI_Auth(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, "", http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, string(body["error"]), "missing bearer token")

	code, _ = f.do(t, "nope", http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	task := f.create(t, "alice-token", "mine", "/ok")
	for _, tc := range []struct{ method, path string }{
		{http.MethodPut, "/tasks/" + task.ID},
		{http.MethodDelete, "/tasks/" + task.ID},
		{http.MethodPost, "/tasks/" + task.ID + "?action=pause"},
		{http.MethodGet, "/tasks/" + task.ID + "/logs"},
	} {
		code, _ := f.do(t, "bob-token", tc.method, tc.path, map[string]any{})
		assert.Equal(t, http.StatusForbidden, code, "%s %s", tc.method, tc.path)
	}

	code, _ = f.do(t, "alice-token", http.MethodDelete, "/tasks/tsk_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_CreateListUpdateDelete(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, "alice-token", http.MethodPost, "/tasks", domain.TaskInput{Name: "no endpoint"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body["error"]), "validation failed")

	task := f.create(t, "alice-token", "ping", "/ok")
	assert.True(t, strings.HasPrefix(task.ID, "tsk_"))
	assert.Equal(t, "alice", task.OwnerID)
	assert.Equal(t, domain.StatusActive, task.Status)
	assert.Equal(t, "GET", task.Endpoint.HTTPMethod)
	require.NotNil(t, task.Runtime.NextRunAt)
	f.create(t, "bob-token", "other", "/ok")

	code, body = f.do(t, "alice-token", http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	tasks := decode[[]domain.Task](t, body["tasks"])
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	name := "renamed"
	code, body = f.do(t, "alice-token", http.MethodPut, "/tasks/"+task.ID, domain.TaskPatch{Name: &name})
	require.Equal(t, http.StatusOK, code)
	updated := decode[domain.Task](t, body["task"])
	assert.Equal(t, "renamed", updated.Name)
	assert.Greater(t, updated.UpdatedAt, task.UpdatedAt)
	assert.Equal(t, task.Runtime.NextRunAt.UnixMilli(), updated.Runtime.NextRunAt.UnixMilli(), "schedule untouched")

	code, body = f.do(t, "alice-token", http.MethodDelete, "/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "true", string(body["success"]))

	_, err := f.repo.GetTask(context.Background(), task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAPI_PauseResume(t *testing.T) {
	f := newAPIFixture(t)
	task := f.create(t, "alice-token", "ping", "/ok")

	code, body := f.do(t, "alice-token", http.MethodPost, "/tasks/"+task.ID+"?action=pause", nil)
	require.Equal(t, http.StatusOK, code)
	paused := decode[domain.Task](t, body["task"])
	assert.Equal(t, domain.StatusPaused, paused.Status)
	assert.Nil(t, paused.Runtime.NextRunAt)

	stored, err := f.repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	stored.Status = domain.StatusFailed
	stored.Runtime.FailureCount = 3
	require.NoError(t, f.repo.PutTask(context.Background(), stored))

	code, body = f.do(t, "alice-token", http.MethodPost, "/tasks/"+task.ID+"?action=resume", nil)
	require.Equal(t, http.StatusOK, code)
	resumed := decode[domain.Task](t, body["task"])
	assert.Equal(t, domain.StatusActive, resumed.Status)
	assert.Zero(t, resumed.Runtime.FailureCount)
	assert.NotNil(t, resumed.Runtime.NextRunAt)

	code, _ = f.do(t, "alice-token", http.MethodPost, "/tasks/"+task.ID+"?action=explode", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_TriggerAndLogs(t *testing.T) {
	f := newAPIFixture(t)
	ok := f.create(t, "alice-token", "ok", "/ok")
	bad := f.create(t, "alice-token", "bad", "/fail")

	code, body := f.do(t, "alice-token", http.MethodPost, "/tasks/"+ok.ID+"?action=trigger", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "true", string(body["success"]))
	assert.Equal(t, 1, decode[domain.Task](t, body["task"]).Runtime.RunCount)

	code, body = f.do(t, "alice-token", http.MethodPost, "/tasks/"+bad.ID+"?action=trigger", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "false", string(body["success"]))
	assert.Equal(t, "502 Bad Gateway", decode[string](t, body["error"]))
	assert.Equal(t, int32(2), f.hits.Load())

	for i := 0; i < 3; i++ {
		f.do(t, "alice-token", http.MethodPost, "/tasks/"+ok.ID+"?action=trigger", nil)
	}
	code, body = f.do(t, "alice-token", http.MethodGet, "/tasks/"+ok.ID+"/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	logs := decode[[]domain.ExecutionLogEntry](t, body["logs"])
	require.Len(t, logs, 2)
	assert.False(t, logs[0].Timestamp.Before(logs[1].Timestamp), "newest first")
	assert.Equal(t, "alice", logs[0].OwnerID)

	code, body = f.do(t, "alice-token", http.MethodGet, "/tasks/"+ok.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.ExecutionLogEntry](t, body["logs"]), 4)

	code, _ = f.do(t, "alice-token", http.MethodGet, "/tasks/"+ok.ID+"/logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	task := f.create(t, "alice-token", "ok", "/ok")
	f.do(t, "alice-token", http.MethodPost, "/tasks/"+task.ID+"?action=trigger", nil)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "cronsync_up 1")
	assert.Contains(t, string(raw), fmt.Sprintf("cronsync_executions_total %d", 1))
}
