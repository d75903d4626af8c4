package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cronsync/internal/domain"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrRejected     = errors.New("rejected")
)

// StatusError is a non-2xx answer from the task API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task API: HTTP %d", e.Code)
	}
	return fmt.Sprintf("task API: HTTP %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrRejected:
		return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusUnauthorized &&
			e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
	}
	return false
}

// Remote is the server task API as seen by the sync engine.
type Remote interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	PauseTask(ctx context.Context, id string) (domain.Task, error)
	ResumeTask(ctx context.Context, id string) (domain.Task, error)
	TriggerTask(ctx context.Context, id string) (TriggerResult, error)
	TaskLogs(ctx context.Context, id string, limit int) ([]domain.ExecutionLogEntry, error)
}

type TriggerResult struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Task    domain.Task `json:"task"`
}

// Client talks JSON over HTTP with a bearer token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var out struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	var out taskEnvelope
	err := c.do(ctx, http.MethodPost, "/tasks", in, &out)
	return out.Task, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	var out taskEnvelope
	err := c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id), p, &out)
	return out.Task, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) PauseTask(ctx context.Context, id string) (domain.Task, error) {
	var out taskEnvelope
	err := c.do(ctx, http.MethodPost, actionPath(id, "pause"), nil, &out)
	return out.Task, err
}

func (c *Client) ResumeTask(ctx context.Context, id string) (domain.Task, error) {
	var out taskEnvelope
	err := c.do(ctx, http.MethodPost, actionPath(id, "resume"), nil, &out)
	return out.Task, err
}

func (c *Client) TriggerTask(ctx context.Context, id string) (TriggerResult, error) {
	var out TriggerResult
	err := c.do(ctx, http.MethodPost, actionPath(id, "trigger"), nil, &out)
	return out, err
}

func (c *Client) TaskLogs(ctx context.Context, id string, limit int) ([]domain.ExecutionLogEntry, error) {
	var out struct {
		Logs []domain.ExecutionLogEntry `json:"logs"`
	}
	path := "/tasks/" + url.PathEscape(id) + "/logs?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

type taskEnvelope struct {
	Task domain.Task `json:"task"`
}

func actionPath(id, action string) string {
	return "/tasks/" + url.PathEscape(id) + "?action=" + action
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
