package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronsync/internal/domain"
)

// Memory is an in-process store. Tasks are copied in and out so callers
// never share mutable state with it.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	logs  map[string][]domain.ExecutionLogEntry
	ops   []domain.PendingOperation
}

func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]domain.Task),
		logs:  make(map[string][]domain.ExecutionLogEntry),
	}
}

func (m *Memory) GetTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) ListTasksByOwner(ctx context.Context, ownerID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) PutTask(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) ListDueTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.StatusActive && t.Runtime.NextRunAt != nil && !t.Runtime.NextRunAt.After(now) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := *out[i].Runtime.NextRunAt, *out[j].Runtime.NextRunAt
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(b)
	})
	return out, nil
}

func (m *Memory) ClaimTask(ctx context.Context, id string, expected, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.StatusActive || t.Runtime.NextRunAt == nil {
		return false, nil
	}
	if t.Runtime.NextRunAt.UnixMilli() != expected.UnixMilli() {
		return false, nil
	}
	lease := leaseUntil.UTC()
	t.Runtime.NextRunAt = &lease
	m.tasks[id] = t
	return true, nil
}

func (m *Memory) AppendLog(ctx context.Context, e domain.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[e.TaskID] = append(m.logs[e.TaskID], e)
	return nil
}

// ListLogs returns the newest entries first.
func (m *Memory) ListLogs(ctx context.Context, taskID string, limit int) ([]domain.ExecutionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	src := m.logs[taskID]
	out := make([]domain.ExecutionLogEntry, 0, min(limit, len(src)))
	for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (m *Memory) ReplaceTasks(ctx context.Context, ownerID string, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.OwnerID == ownerID {
			delete(m.tasks, id)
		}
	}
	for _, t := range tasks {
		m.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (m *Memory) SaveOps(ctx context.Context, ops []domain.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append([]domain.PendingOperation(nil), ops...)
	return nil
}

func (m *Memory) LoadOps(ctx context.Context) ([]domain.PendingOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.PendingOperation(nil), m.ops...), nil
}

var (
	_ LocalStore = (*Memory)(nil)
	_ LocalStore = (*SQLite)(nil)
)
