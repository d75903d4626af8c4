// Package events carries notifications from the sync engine and the local
// scheduler to whoever renders task state.
package events

import (
	"time"

	"cronsync/internal/domain"
)

type Event interface {
	Topic() string
}

const (
	TopicSync = "sync"
	TopicTask = "task"
)

type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerServer Winner = "server"
)

// Conflict records a task edited on both sides since the last sync.
type Conflict struct {
	TaskID          string `json:"taskId"`
	Winner          Winner `json:"winner"`
	LocalUpdatedAt  int64  `json:"localUpdatedAt"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
}

// Reconciled is published after every successful merge.
type Reconciled struct {
	Tasks     []domain.Task
	Conflicts []Conflict
	At        time.Time
}

func (Reconciled) Topic() string { return TopicSync }

// SyncFailed is published when a cycle aborts before merging.
type SyncFailed struct {
	Err error
	At  time.Time
}

func (SyncFailed) Topic() string { return TopicSync }

// Drained reports a pending-queue replay.
type Drained struct {
	Succeeded int
	Failed    int
	Dropped   int
	Remaining int
}

func (Drained) Topic() string { return TopicSync }

// Executed is published when the local scheduler runs a task.
type Executed struct {
	TaskID string
	Result domain.ExecutionResult
}

func (Executed) Topic() string { return TopicTask }
