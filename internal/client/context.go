// Package client holds the client-side task list: local mutations, local
// timers and the state the sync engine reconciles.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"cronsync/internal/clock"
	"cronsync/internal/domain"
	"cronsync/internal/events"
	"cronsync/internal/executor"
	"cronsync/internal/queue"
	"cronsync/internal/schedule"
	"cronsync/internal/scheduler"
	"cronsync/internal/store"
	"cronsync/internal/syncer"
)

var _ syncer.Workspace = (*SchedulerContext)(nil)

type Config struct {
	OwnerID    string
	MaxRetries int
	// LocalTimers arms per-task timers in this process. Turn it off when the
	// server sweep is the only executor.
	LocalTimers bool
}

// SchedulerContext owns one owner's task list together with its timers and
// pending queue. Every read and write of the list goes through it.
type SchedulerContext struct {
	mu    sync.Mutex
	tasks map[string]domain.Task

	cfg      Config
	timers   *scheduler.Timers
	queue    *queue.Queue
	local    store.LocalStore
	runner   scheduler.Runner
	bus      *events.Bus
	clock    clock.Timer
	pipeline *TaskMutationPipeline
}

func NewSchedulerContext(cfg Config, local store.LocalStore, runner scheduler.Runner, timer clock.Timer, bus *events.Bus) *SchedulerContext {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = executor.DefaultMaxRetries
	}
	c := &SchedulerContext{
		tasks:  make(map[string]domain.Task),
		cfg:    cfg,
		local:  local,
		runner: runner,
		bus:    bus,
		clock:  timer,
	}
	var journal queue.Journal
	if local != nil {
		journal = local
	}
	c.queue = queue.New(journal)
	c.timers = scheduler.NewTimers(timer, c.fire)
	c.timers.SetEnabled(cfg.LocalTimers)
	c.pipeline = NewPipeline(
		Stage{Name: "validate", Run: c.validate},
		Stage{Name: "persistLocal", Run: c.persistLocal},
		Stage{Name: "enqueueSync", Run: c.enqueueSync},
		Stage{Name: "rearm", Run: c.rearm},
	)
	return c
}

func (c *SchedulerContext) Queue() *queue.Queue       { return c.queue }
func (c *SchedulerContext) Timers() *scheduler.Timers { return c.timers }
func (c *SchedulerContext) OwnerID() string           { return c.cfg.OwnerID }

// Load reads the persisted task list and queue and arms timers.
func (c *SchedulerContext) Load(ctx context.Context) error {
	if c.local == nil {
		return nil
	}
	tasks, err := c.local.ListTasksByOwner(ctx, c.cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if err := c.queue.Restore(ctx); err != nil {
		return fmt.Errorf("restore pending operations: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		c.tasks[t.ID] = t
	}
	c.timers.Reset(tasks)
	log.Info().Int("tasks", len(tasks)).Int("pending_ops", c.queue.Len()).Msg("local state loaded")
	return nil
}

// Tasks returns copies ordered by creation time.
func (c *SchedulerContext) Tasks() []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

func (c *SchedulerContext) Task(id string) (domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

func (c *SchedulerContext) sortedLocked() []domain.Task {
	out := make([]domain.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update replaces the task list with fn's result and re-arms timers to match.
func (c *SchedulerContext) Update(fn func(local []domain.Task) []domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := fn(c.sortedLocked())
	c.tasks = make(map[string]domain.Task, len(next))
	for _, t := range next {
		c.tasks[t.ID] = t.Clone()
	}
	c.timers.Reset(next)
}

// Adopt takes the server's copy of a task the client sent. If the local copy
// holds an unsynced edit made after sentUpdatedAt only the server id is taken,
// so that edit still wins the next merge. A synced local copy always yields
// to the server's.
func (c *SchedulerContext) Adopt(localID string, server domain.Task, sentUpdatedAt int64) {
	ctx := context.Background()
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.tasks[localID]
	if !ok {
		if store.IsLocalID(localID) && server.ID != "" {
			// Deleted locally while its create was in flight.
			c.enqueueLocked(ctx, domain.PendingOperation{Kind: domain.OpDelete, TaskID: server.ID})
		}
		return
	}

	var next domain.Task
	if cur.SyncState != domain.SyncSynced && cur.UpdatedAt > sentUpdatedAt {
		next = cur.Clone()
		next.ID = server.ID
	} else {
		next = server.Clone()
		next.SyncState = domain.SyncSynced
	}

	if localID != next.ID {
		delete(c.tasks, localID)
		c.timers.Cancel(localID)
		c.deleteLocal(ctx, localID)
		log.Debug().Str("local_id", localID).Str("task_id", next.ID).Msg("adopted server id")
	}
	c.tasks[next.ID] = next
	c.putLocal(ctx, next)
	c.timers.Arm(next)
}

// Create accepts a new task immediately and queues it for the server.
func (c *SchedulerContext) Create(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	m := &Mutation{Kind: domain.OpCreate, Input: in}
	if err := c.run(ctx, m); err != nil {
		return domain.Task{}, err
	}
	return m.Next.Clone(), nil
}

// Edit applies a partial update.
func (c *SchedulerContext) Edit(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	m := &Mutation{Kind: domain.OpUpdate, TaskID: id, Patch: p}
	if err := c.run(ctx, m); err != nil {
		return domain.Task{}, err
	}
	return m.Next.Clone(), nil
}

func (c *SchedulerContext) Delete(ctx context.Context, id string) error {
	return c.run(ctx, &Mutation{Kind: domain.OpDelete, TaskID: id})
}

func (c *SchedulerContext) Pause(ctx context.Context, id string) (domain.Task, error) {
	m := &Mutation{Kind: domain.OpPause, TaskID: id}
	if err := c.run(ctx, m); err != nil {
		return domain.Task{}, err
	}
	return m.Next.Clone(), nil
}

// Resume reactivates a paused or failed task and clears its failure streak.
func (c *SchedulerContext) Resume(ctx context.Context, id string) (domain.Task, error) {
	m := &Mutation{Kind: domain.OpResume, TaskID: id}
	if err := c.run(ctx, m); err != nil {
		return domain.Task{}, err
	}
	return m.Next.Clone(), nil
}

// Trigger runs a task now. With local timers on it executes in-process and
// returns the result; otherwise the trigger is queued for the server and the
// result is nil.
func (c *SchedulerContext) Trigger(ctx context.Context, id string) (*domain.ExecutionResult, error) {
	if !c.timers.Enabled() {
		if err := c.run(ctx, &Mutation{Kind: domain.OpTrigger, TaskID: id}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	t, ok := c.Task(id)
	if !ok {
		return nil, fmt.Errorf("trigger %s: %w", id, store.ErrNotFound)
	}
	var (
		res   domain.ExecutionResult
		found bool
	)
	err := c.timers.FireNow(id, func() (domain.Task, bool) {
		var updated domain.Task
		res, updated, found = c.execute(ctx, t)
		return updated, found
	})
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("trigger %s: %w", id, store.ErrNotFound)
	}
	return &res, nil
}

func (c *SchedulerContext) run(ctx context.Context, m *Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline.Run(ctx, m)
}

func (c *SchedulerContext) validate(_ context.Context, m *Mutation) error {
	switch m.Kind {
	case domain.OpCreate:
		m.Input.Normalize()
		return m.Input.Validate()
	case domain.OpUpdate:
		if err := m.Patch.Validate(); err != nil {
			return err
		}
	}
	cur, ok := c.tasks[m.TaskID]
	if !ok {
		return fmt.Errorf("%s: %w", m.TaskID, store.ErrNotFound)
	}
	prev := cur.Clone()
	m.Prev = &prev
	return nil
}

func (c *SchedulerContext) persistLocal(ctx context.Context, m *Mutation) error {
	now := c.clock.Now()
	var next domain.Task
	switch m.Kind {
	case domain.OpCreate:
		next = m.Input.NewTask(store.NewLocalID(), c.cfg.OwnerID, now)
		schedule.Recompute(&next, now)

	case domain.OpUpdate:
		next = m.Prev.Clone()
		if m.Patch.Apply(&next) {
			schedule.Recompute(&next, now)
		}

	case domain.OpDelete:
		delete(c.tasks, m.TaskID)
		c.deleteLocal(ctx, m.TaskID)
		return nil

	case domain.OpPause:
		next = m.Prev.Clone()
		next.Status = domain.StatusPaused
		schedule.Recompute(&next, now)

	case domain.OpResume:
		next = m.Prev.Clone()
		next.Status = domain.StatusActive
		next.Runtime.FailureCount = 0
		schedule.Recompute(&next, now)

	case domain.OpTrigger:
		next = m.Prev.Clone()
		m.Next = &next
		return nil

	default:
		return fmt.Errorf("unknown operation kind %q", m.Kind)
	}

	next.Touch(now)
	next.SyncState = domain.SyncPending
	c.tasks[next.ID] = next
	c.putLocal(ctx, next)
	m.Next = &next
	return nil
}

func (c *SchedulerContext) enqueueSync(ctx context.Context, m *Mutation) error {
	op := domain.PendingOperation{Kind: m.Kind, TaskID: m.TaskID}
	switch m.Kind {
	case domain.OpCreate:
		op.TaskID = ""
		op.LocalID = m.Next.ID
		op.Payload = mustJSON(domain.CreatePayload{Input: m.Input, UpdatedAt: m.Next.UpdatedAt})

	case domain.OpUpdate:
		p := m.Patch
		p.UpdatedAt = m.Next.UpdatedAt
		op.Payload = mustJSON(p)

	case domain.OpDelete:
		dropped := c.queue.DiscardTask(ctx, m.TaskID)
		if store.IsLocalID(m.TaskID) {
			log.Debug().Str("task_id", m.TaskID).Int("discarded", dropped).Msg("deleted task the server never saw")
			return nil
		}

	case domain.OpPause, domain.OpResume, domain.OpTrigger:
		op.Payload = mustJSON(domain.ActionPayload{UpdatedAt: m.Next.UpdatedAt})
	}
	c.enqueueLocked(ctx, op)
	m.Op = &op
	return nil
}

func (c *SchedulerContext) rearm(_ context.Context, m *Mutation) error {
	switch {
	case m.Kind == domain.OpTrigger:
	case m.Next == nil:
		c.timers.Cancel(m.TaskID)
	default:
		c.timers.Arm(*m.Next)
	}
	return nil
}

func (c *SchedulerContext) enqueueLocked(ctx context.Context, op domain.PendingOperation) {
	op.ID = store.NewOpID()
	op.EnqueuedAt = c.clock.Now().UTC()
	c.queue.Enqueue(ctx, op)
}

// fire is the timer callback.
func (c *SchedulerContext) fire(id string) (domain.Task, bool) {
	t, ok := c.Task(id)
	if !ok {
		return domain.Task{}, false
	}
	if t.Status != domain.StatusActive {
		return t, true
	}
	_, updated, found := c.execute(context.Background(), t)
	return updated, found
}

// execute runs t and records the outcome on the current copy. found is false
// when the task was deleted while the call was in flight.
func (c *SchedulerContext) execute(ctx context.Context, t domain.Task) (domain.ExecutionResult, domain.Task, bool) {
	res, err := c.runner.Execute(ctx, t)
	if err != nil {
		res = domain.ExecutionResult{StartedAt: c.clock.Now(), Error: err.Error()}
	}

	c.mu.Lock()
	cur, ok := c.tasks[t.ID]
	if !ok {
		c.mu.Unlock()
		log.Info().Str("task_id", t.ID).Msg("task deleted during execution, discarding result")
		return res, domain.Task{}, false
	}
	executor.Record(&cur, res, c.clock.Now(), c.cfg.MaxRetries)
	cur.SyncState = domain.SyncPending
	c.tasks[cur.ID] = cur
	c.putLocal(ctx, cur)
	c.mu.Unlock()

	if c.local != nil {
		if err := c.local.AppendLog(ctx, res.LogEntry(cur)); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to append execution log")
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.Executed{TaskID: cur.ID, Result: res})
	}
	log.Debug().Str("task_id", cur.ID).Bool("success", res.Success).Int("run_count", cur.Runtime.RunCount).Msg("task executed locally")
	return res, cur.Clone(), true
}

func (c *SchedulerContext) putLocal(ctx context.Context, t domain.Task) {
	if c.local == nil {
		return
	}
	if err := c.local.PutTask(ctx, t); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist task locally")
	}
}

func (c *SchedulerContext) deleteLocal(ctx context.Context, id string) {
	if c.local == nil {
		return
	}
	if err := c.local.DeleteTask(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Str("task_id", id).Msg("failed to delete task locally")
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode pending operation payload: %v", err))
	}
	return b
}
