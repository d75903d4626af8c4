package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// SyncState is tracked on the client only; the server never stores it.
type SyncState string

const (
	SyncSynced     SyncState = "synced"
	SyncPending    SyncState = "pending"
	SyncConflicted SyncState = "conflicted"
)

type Endpoint struct {
	URL        string            `json:"url" validate:"required,url"`
	HTTPMethod string            `json:"httpMethod" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       *string           `json:"body,omitempty"`
}

type Runtime struct {
	NextRunAt    *time.Time `json:"nextRunAt"`
	LastRunAt    *time.Time `json:"lastRunAt"`
	RunCount     int        `json:"runCount"`
	FailureCount int        `json:"failureCount"`
	LastError    string     `json:"lastError,omitempty"`
}

type Task struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Endpoint    Endpoint  `json:"endpoint"`
	Schedule    Schedule  `json:"schedule"`
	Status      Status    `json:"status"`
	Runtime     Runtime   `json:"runtime"`
	SyncState   SyncState `json:"syncState,omitempty"`
	// UpdatedAt is a unix-millisecond clock; it only moves forward and
	// decides every local/server merge.
	UpdatedAt int64     `json:"updatedAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Touch advances UpdatedAt to now, or by one tick when now is not ahead.
func (t *Task) Touch(now time.Time) {
	ms := now.UnixMilli()
	if ms <= t.UpdatedAt {
		ms = t.UpdatedAt + 1
	}
	t.UpdatedAt = ms
}

// Clone returns a deep copy so callers can mutate without sharing maps or pointers.
func (t Task) Clone() Task {
	c := t
	if t.Endpoint.Headers != nil {
		c.Endpoint.Headers = make(map[string]string, len(t.Endpoint.Headers))
		for k, v := range t.Endpoint.Headers {
			c.Endpoint.Headers[k] = v
		}
	}
	if t.Endpoint.Body != nil {
		b := *t.Endpoint.Body
		c.Endpoint.Body = &b
	}
	if t.Schedule.DaysOfWeek != nil {
		c.Schedule.DaysOfWeek = append([]int(nil), t.Schedule.DaysOfWeek...)
	}
	if t.Runtime.NextRunAt != nil {
		n := *t.Runtime.NextRunAt
		c.Runtime.NextRunAt = &n
	}
	if t.Runtime.LastRunAt != nil {
		l := *t.Runtime.LastRunAt
		c.Runtime.LastRunAt = &l
	}
	return c
}

type ExecutionResult struct {
	Success    bool      `json:"success"`
	HTTPStatus *int      `json:"httpStatus,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	StartedAt  time.Time `json:"startedAt"`
}

type ExecutionLogEntry struct {
	TaskID     string    `json:"taskId"`
	OwnerID    string    `json:"ownerId"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	HTTPStatus *int      `json:"httpStatus,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// LogEntry converts a result into the persisted log form.
func (r ExecutionResult) LogEntry(t Task) ExecutionLogEntry {
	return ExecutionLogEntry{
		TaskID:     t.ID,
		OwnerID:    t.OwnerID,
		Timestamp:  r.StartedAt,
		Success:    r.Success,
		HTTPStatus: r.HTTPStatus,
		Error:      r.Error,
		DurationMs: r.DurationMs,
	}
}

type OpKind string

const (
	OpCreate  OpKind = "create"
	OpUpdate  OpKind = "update"
	OpDelete  OpKind = "delete"
	OpPause   OpKind = "pause"
	OpResume  OpKind = "resume"
	OpTrigger OpKind = "trigger"
)

// PendingOperation is a local mutation that the server has not acknowledged yet.
// Create operations carry no TaskID; LocalID names the provisional local task
// until the server assigns the real id.
type PendingOperation struct {
	ID         string          `json:"id"`
	Kind       OpKind          `json:"kind"`
	TaskID     string          `json:"taskId,omitempty"`
	LocalID    string          `json:"localId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Target is the local task id the operation applies to.
func (op PendingOperation) Target() string {
	if op.Kind == OpCreate {
		return op.LocalID
	}
	return op.TaskID
}
