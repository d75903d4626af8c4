package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronsync/internal/domain"
)

func httpTask(url, method string, body *string) domain.Task {
	return domain.Task{
		ID:       "tsk_1",
		OwnerID:  "u1",
		Name:     "ping",
		Status:   domain.StatusActive,
		Schedule: domain.Every(5, domain.UnitMinutes),
		Endpoint: domain.Endpoint{
			URL:        url,
			HTTPMethod: method,
			Headers:    map[string]string{"X-Token": "abc", "User-Agent": "overridden"},
			Body:       body,
		},
	}
}

func TestExecute_SuccessSendsHeadersAndBody(t *testing.T) {
	var gotUA, gotToken, gotBody, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.Header.Get("User-Agent")
		gotToken = r.Header.Get("X-Token")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body := `{"hello":"world"}`
	res, err := New(time.Second).Execute(context.Background(), httpTask(srv.URL, "post", &body))
	require.NoError(t, err)

	assert.True(t, res.Success)
	require.NotNil(t, res.HTTPStatus)
	assert.Equal(t, http.StatusNoContent, *res.HTTPStatus)
	assert.Empty(t, res.Error)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, UserAgent, gotUA)
	assert.Equal(t, "abc", gotToken)
	assert.Equal(t, body, gotBody)
}

func TestExecute_GetDropsBody(t *testing.T) {
	var gotLen int64 = -1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotLen = int64(len(b))
	}))
	defer srv.Close()

	body := "ignored"
	res, err := New(time.Second).Execute(context.Background(), httpTask(srv.URL, "", &body))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, gotLen)
}

func TestExecute_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := New(time.Second).Execute(context.Background(), httpTask(srv.URL, "GET", nil))
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.HTTPStatus)
	assert.Equal(t, http.StatusBadGateway, *res.HTTPStatus)
	assert.Equal(t, "502 Bad Gateway", res.Error)
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res, err := New(50*time.Millisecond).Execute(context.Background(), httpTask(srv.URL, "GET", nil))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Error)
	assert.Nil(t, res.HTTPStatus)
}

func TestExecute_ConnectionRefusedIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res, err := New(time.Second).Execute(context.Background(), httpTask(url, "GET", nil))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "HTTP request failed")
}

func TestExecute_MissingURL(t *testing.T) {
	_, err := New(time.Second).Execute(context.Background(), httpTask("", "GET", nil))
	assert.ErrorIs(t, err, ErrMissingURL)
}

func TestRecord_SuccessAndFailureBookkeeping(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := httpTask("http://example.invalid", "GET", nil)
	task.UpdatedAt = now.UnixMilli()

	Record(&task, domain.ExecutionResult{Error: "502 Bad Gateway"}, now, 3)
	assert.Equal(t, 1, task.Runtime.RunCount)
	assert.Equal(t, 1, task.Runtime.FailureCount)
	assert.Equal(t, "502 Bad Gateway", task.Runtime.LastError)
	assert.Equal(t, domain.StatusActive, task.Status)
	require.NotNil(t, task.Runtime.NextRunAt)
	assert.Equal(t, now.Add(5*time.Minute), *task.Runtime.NextRunAt)
	assert.Greater(t, task.UpdatedAt, now.UnixMilli(), "clock must advance even within the same millisecond")

	later := now.Add(5 * time.Minute)
	Record(&task, domain.ExecutionResult{Success: true}, later, 3)
	assert.Equal(t, 2, task.Runtime.RunCount)
	assert.Zero(t, task.Runtime.FailureCount)
	assert.Empty(t, task.Runtime.LastError)
	require.NotNil(t, task.Runtime.LastRunAt)
	assert.Equal(t, later, *task.Runtime.LastRunAt)
}

func TestRecord_FailureThresholdMovesToFailed(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := httpTask("http://example.invalid", "GET", nil)

	for i := 0; i < 3; i++ {
		Record(&task, domain.ExecutionResult{Error: "timeout"}, now.Add(time.Duration(i)*time.Minute), 3)
	}
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Nil(t, task.Runtime.NextRunAt)
	assert.Equal(t, 3, task.Runtime.RunCount)
	assert.Equal(t, 3, task.Runtime.FailureCount)
}
