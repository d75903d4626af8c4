// Package executor performs a task's HTTP call and records its outcome on the task.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"cronsync/internal/clock"
	"cronsync/internal/domain"
	"cronsync/internal/schedule"
)

const (
	UserAgent         = "cronsync-executor/1.0"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3

	maxDrainBytes = 64 << 10
)

var ErrMissingURL = errors.New("task endpoint URL is required")

type Executor struct {
	client  *http.Client
	clock   clock.Clock
	timeout time.Duration
}

type Option func(*Executor)

func WithHTTPClient(c *http.Client) Option { return func(e *Executor) { e.client = c } }
func WithClock(c clock.Clock) Option       { return func(e *Executor) { e.clock = c } }

func New(timeout time.Duration, opts ...Option) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e := &Executor{client: &http.Client{}, clock: clock.Real{}, timeout: timeout}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute performs the task's endpoint call. Ordinary HTTP failures are
// reported in the result; the error return is reserved for tasks that cannot
// be executed at all.
func (e *Executor) Execute(ctx context.Context, t domain.Task) (domain.ExecutionResult, error) {
	if strings.TrimSpace(t.Endpoint.URL) == "" {
		return domain.ExecutionResult{}, fmt.Errorf("task %s: %w", t.ID, ErrMissingURL)
	}

	method := strings.ToUpper(t.Endpoint.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if t.Endpoint.Body != nil && carriesBody(method) {
		body = strings.NewReader(*t.Endpoint.Body)
	}

	start := e.clock.Now()
	res := domain.ExecutionResult{StartedAt: start}

	c, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(c, method, t.Endpoint.URL, body)
	if err != nil {
		res.Error = fmt.Sprintf("failed to create HTTP request: %v", err)
		return res, nil
	}
	for key, value := range t.Endpoint.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := e.client.Do(req)
	res.DurationMs = e.clock.Now().Sub(start).Milliseconds()
	if err != nil {
		if isTimeout(c, err) {
			res.Error = "timeout"
		} else {
			res.Error = fmt.Sprintf("HTTP request failed: %v", err)
		}
		return res, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	code := resp.StatusCode
	res.HTTPStatus = &code
	if code >= 200 && code < 300 {
		res.Success = true
		return res, nil
	}
	res.Error = resp.Status
	if res.Error == "" {
		res.Error = fmt.Sprintf("%d %s", code, http.StatusText(code))
	}
	return res, nil
}

// Record applies post-execution bookkeeping to t. Every attempt counts as a
// run; reaching maxRetries consecutive failures moves the task to Failed.
func Record(t *domain.Task, res domain.ExecutionResult, now time.Time, maxRetries int) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	ran := now.UTC()
	t.Runtime.LastRunAt = &ran
	t.Runtime.RunCount++
	if res.Success {
		t.Runtime.FailureCount = 0
		t.Runtime.LastError = ""
	} else {
		t.Runtime.FailureCount++
		t.Runtime.LastError = res.Error
		if t.Runtime.FailureCount >= maxRetries && t.Status == domain.StatusActive {
			t.Status = domain.StatusFailed
		}
	}
	schedule.Recompute(t, now)
	t.Touch(now)
}

func carriesBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
