// Package store persists tasks, execution logs and the client's pending
// operation journal.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronsync/internal/domain"
)

var ErrNotFound = errors.New("task not found")

// Repository is the task store consumed by the API, the sweeper and the client.
type Repository interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasksByOwner(ctx context.Context, ownerID string) ([]domain.Task, error)
	PutTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	// ListDueTasks returns active tasks whose nextRunAt is at or before now.
	ListDueTasks(ctx context.Context, now time.Time) ([]domain.Task, error)
	// ClaimTask moves nextRunAt from expected to leaseUntil only if it still
	// equals expected. A false result means another sweep got there first.
	ClaimTask(ctx context.Context, id string, expected, leaseUntil time.Time) (bool, error)

	AppendLog(ctx context.Context, e domain.ExecutionLogEntry) error
	ListLogs(ctx context.Context, taskID string, limit int) ([]domain.ExecutionLogEntry, error)
}

// LocalStore is the client-side view: the whole task set of one owner is
// replaced after every merge, and queued operations are journaled.
type LocalStore interface {
	Repository
	ReplaceTasks(ctx context.Context, ownerID string, tasks []domain.Task) error
	SaveOps(ctx context.Context, ops []domain.PendingOperation) error
	LoadOps(ctx context.Context) ([]domain.PendingOperation, error)
}

const localPrefix = "local_"

func NewTaskID() string  { return "tsk_" + uuid.NewString() }
func NewLocalID() string { return localPrefix + uuid.NewString() }
func NewOpID() string    { return "op_" + uuid.NewString() }

// IsLocalID reports whether id is a provisional client id the server has
// never seen.
func IsLocalID(id string) bool { return strings.HasPrefix(id, localPrefix) }

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(ms int64) *time.Time {
	t := time.UnixMilli(ms).UTC()
	return &t
}
