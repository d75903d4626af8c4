// Package syncer reconciles the client's task list with the server and
// replays queued local mutations.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cronsync/internal/clock"
	"cronsync/internal/domain"
	"cronsync/internal/events"
	"cronsync/internal/queue"
	"cronsync/internal/store"
)

const DefaultInterval = 30 * time.Second

// Workspace is the client-side task list the engine reconciles.
type Workspace interface {
	OwnerID() string
	Tasks() []domain.Task
	// Update replaces the task list with fn's result atomically with respect
	// to local mutations.
	Update(fn func(local []domain.Task) []domain.Task)
	// Adopt replaces the local task localID with the server's copy unless the
	// local copy changed after sentUpdatedAt, in which case only the id is
	// taken over.
	Adopt(localID string, server domain.Task, sentUpdatedAt int64)
}

type Engine struct {
	remote   Remote
	ws       Workspace
	queue    *queue.Queue
	local    store.LocalStore
	bus      *events.Bus
	clock    clock.Clock
	interval time.Duration

	mu sync.Mutex // one cycle at a time
}

func NewEngine(remote Remote, ws Workspace, q *queue.Queue, local store.LocalStore, bus *events.Bus, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{remote: remote, ws: ws, queue: q, local: local, bus: bus, clock: clock.Real{}, interval: interval}
}

// Run syncs once immediately and then every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Dur("interval", e.interval).Str("owner_id", e.ws.OwnerID()).Msg("sync engine started")
	_, _ = e.SyncOnce(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.SyncOnce(ctx)
		}
	}
}

// Report summarizes one sync cycle.
type Report struct {
	Merged    int
	Conflicts []events.Conflict
	Uploaded  int
	Drain     queue.DrainResult
	Reuploads int
}

// SyncOnce runs a full reconciliation cycle. A failed fetch aborts the cycle
// without touching local state; every other failure is logged and left for
// the next cycle.
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rep Report
	server, err := e.remote.ListTasks(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("sync fetch failed")
		e.publish(events.SyncFailed{Err: err, At: e.clock.Now()})
		return rep, fmt.Errorf("fetch server tasks: %w", err)
	}

	var merged MergeResult
	e.ws.Update(func(local []domain.Task) []domain.Task {
		merged = Merge(local, server, queueIntent{e.queue})
		return merged.Tasks
	})
	rep.Merged = len(merged.Tasks)
	rep.Conflicts = merged.Conflicts

	for _, t := range merged.Upload {
		if ctx.Err() != nil {
			break
		}
		created, err := e.remote.CreateTask(ctx, domain.InputFrom(t))
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("upload of local-only task failed")
			continue
		}
		e.ws.Adopt(t.ID, created, t.UpdatedAt)
		e.queue.Remap(ctx, t.ID, created.ID)
		rep.Uploaded++
	}

	e.persist(ctx)
	e.publish(events.Reconciled{Tasks: e.ws.Tasks(), Conflicts: merged.Conflicts, At: e.clock.Now()})
	for _, c := range merged.Conflicts {
		log.Info().Str("task_id", c.TaskID).Str("winner", string(c.Winner)).Msg("sync conflict resolved")
	}

	rep.Drain = e.queue.Drain(ctx, e.replay)
	rep.Reuploads = e.reupload(ctx)
	if rep.Drain.Succeeded > 0 || rep.Drain.Dropped > 0 || rep.Reuploads > 0 {
		e.persist(ctx)
	}
	e.publish(events.Drained{
		Succeeded: rep.Drain.Succeeded,
		Failed:    rep.Drain.Failed,
		Dropped:   rep.Drain.Dropped,
		Remaining: e.queue.Len(),
	})

	log.Debug().
		Int("tasks", rep.Merged).
		Int("conflicts", len(rep.Conflicts)).
		Int("uploaded", rep.Uploaded).
		Int("replayed", rep.Drain.Succeeded).
		Int("pending", e.queue.Len()).
		Msg("sync cycle complete")
	return rep, nil
}

// replay sends one queued operation to the server.
func (e *Engine) replay(ctx context.Context, op domain.PendingOperation) (string, error) {
	var (
		task domain.Task
		sent int64
		err  error
	)
	switch op.Kind {
	case domain.OpCreate:
		var p domain.CreatePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return "", queue.Permanent(fmt.Errorf("decode create payload: %w", err))
		}
		task, err = e.remote.CreateTask(ctx, p.Input)
		if err != nil {
			return "", classify(err)
		}
		e.ws.Adopt(op.LocalID, task, p.UpdatedAt)
		return task.ID, nil

	case domain.OpUpdate:
		var p domain.TaskPatch
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return "", queue.Permanent(fmt.Errorf("decode update payload: %w", err))
		}
		sent = p.UpdatedAt
		task, err = e.remote.UpdateTask(ctx, op.TaskID, p)

	case domain.OpDelete:
		err = e.remote.DeleteTask(ctx, op.TaskID)
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", classify(err)

	case domain.OpPause, domain.OpResume:
		sent = actionClock(op)
		if op.Kind == domain.OpPause {
			task, err = e.remote.PauseTask(ctx, op.TaskID)
		} else {
			task, err = e.remote.ResumeTask(ctx, op.TaskID)
		}

	case domain.OpTrigger:
		res, err := e.remote.TriggerTask(ctx, op.TaskID)
		if err != nil {
			return "", classify(err)
		}
		if !res.Success {
			log.Info().Str("task_id", op.TaskID).Str("error", res.Error).Msg("remote trigger reported failure")
		}
		if res.Task.ID != "" {
			e.ws.Adopt(op.TaskID, res.Task, actionClock(op))
		}
		return "", nil

	default:
		return "", queue.Permanent(fmt.Errorf("unknown operation kind %q", op.Kind))
	}

	if err != nil {
		return "", classify(err)
	}
	e.ws.Adopt(op.TaskID, task, sent)
	return "", nil
}

// reupload pushes local copies that won a merge and have nothing queued.
func (e *Engine) reupload(ctx context.Context) int {
	n := 0
	for _, t := range e.ws.Tasks() {
		if t.SyncState != domain.SyncConflicted || e.queue.Has(domain.OpUpdate, t.ID) || e.queue.Has(domain.OpCreate, t.ID) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		updated, err := e.remote.UpdateTask(ctx, t.ID, domain.PatchFrom(t))
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("re-upload of local winner failed")
			continue
		}
		e.ws.Adopt(t.ID, updated, t.UpdatedAt)
		n++
	}
	return n
}

func (e *Engine) persist(ctx context.Context) {
	if e.local == nil {
		return
	}
	if err := e.local.ReplaceTasks(ctx, e.ws.OwnerID(), e.ws.Tasks()); err != nil {
		log.Error().Err(err).Msg("failed to persist merged tasks")
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) {
		return queue.Permanent(err)
	}
	return err
}

func actionClock(op domain.PendingOperation) int64 {
	var p domain.ActionPayload
	_ = json.Unmarshal(op.Payload, &p)
	return p.UpdatedAt
}

type queueIntent struct{ q *queue.Queue }

func (i queueIntent) PendingCreate(id string) bool { return i.q.Has(domain.OpCreate, id) }
func (i queueIntent) PendingDelete(id string) bool { return i.q.Has(domain.OpDelete, id) }
