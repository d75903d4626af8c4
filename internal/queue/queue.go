// Package queue holds local task mutations until the server acknowledges them.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"cronsync/internal/domain"
)

// Journal persists the queue so offline mutations survive a restart.
type Journal interface {
	SaveOps(ctx context.Context, ops []domain.PendingOperation) error
	LoadOps(ctx context.Context) ([]domain.PendingOperation, error)
}

// ReplayFunc sends one operation to the server. A non-empty remapTo means
// the server assigned a new id to the operation's target; later entries that
// reference the old id are rewritten.
type ReplayFunc func(ctx context.Context, op domain.PendingOperation) (remapTo string, err error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a replay error that retrying cannot fix; the entry is dropped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type DrainResult struct {
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int
	// Remapped maps provisional local ids to server ids.
	Remapped map[string]string
}

type Queue struct {
	mu       sync.Mutex
	ops      []domain.PendingOperation
	journal  Journal
	draining bool
	saveMu   sync.Mutex
}

func New(journal Journal) *Queue {
	return &Queue{journal: journal}
}

// Restore loads the journaled entries, replacing anything in memory.
func (q *Queue) Restore(ctx context.Context) error {
	if q.journal == nil {
		return nil
	}
	ops, err := q.journal.LoadOps(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.ops = ops
	q.mu.Unlock()
	return nil
}

// Enqueue appends op. Entries are never merged or deduplicated.
func (q *Queue) Enqueue(ctx context.Context, op domain.PendingOperation) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	q.persist(ctx)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) Snapshot() []domain.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Has reports whether an entry of kind targets the given local task id.
func (q *Queue) Has(kind domain.OpKind, target string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Kind == kind && op.Target() == target {
			return true
		}
	}
	return false
}

// DiscardTask removes every entry targeting id and returns how many were removed.
func (q *Queue) DiscardTask(ctx context.Context, id string) int {
	q.mu.Lock()
	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.Target() == id {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.mu.Unlock()
	if removed > 0 {
		q.persist(ctx)
	}
	return removed
}

// Remap retargets entries from one task id to another. Create entries keep their
// provisional LocalID.
func (q *Queue) Remap(ctx context.Context, from, to string) {
	if from == to {
		return
	}
	q.mu.Lock()
	changed := false
	for i, op := range q.ops {
		if op.Kind != domain.OpCreate && op.TaskID == from {
			q.ops[i].TaskID = to
			changed = true
		}
	}
	q.mu.Unlock()
	if changed {
		q.persist(ctx)
	}
}

// Drain replays the queued entries in FIFO order. Successful entries are
// removed; failed ones stay in place for the next drain. Once an entry fails,
// later entries for the same task are held back so they never overtake it.
// Entries enqueued while a drain runs wait for the next one.
func (q *Queue) Drain(ctx context.Context, replay ReplayFunc) DrainResult {
	res := DrainResult{Remapped: map[string]string{}}

	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return res
	}
	q.draining = true
	batch := q.snapshotLocked()
	q.mu.Unlock()

	done := make(map[string]bool, len(batch))
	blocked := map[string]bool{}
	for _, op := range batch {
		if ctx.Err() != nil {
			break
		}
		op = remap(op, res.Remapped)
		target := op.Target()
		if blocked[target] {
			continue
		}

		res.Attempted++
		newID, err := replay(ctx, op)
		var perm *permanentError
		switch {
		case err == nil:
			res.Succeeded++
			done[op.ID] = true
			if newID != "" && newID != target {
				res.Remapped[target] = newID
			}
		case errors.As(err, &perm):
			res.Dropped++
			done[op.ID] = true
			log.Warn().Err(err).Str("op_id", op.ID).Str("kind", string(op.Kind)).Str("task_id", target).
				Msg("pending operation rejected by server, dropping")
		default:
			res.Failed++
			blocked[target] = true
			log.Debug().Err(err).Str("op_id", op.ID).Str("kind", string(op.Kind)).Str("task_id", target).
				Msg("pending operation failed, will retry")
		}
	}

	q.mu.Lock()
	kept := make([]domain.PendingOperation, 0, len(q.ops))
	for _, op := range q.ops {
		if done[op.ID] {
			continue
		}
		kept = append(kept, remap(op, res.Remapped))
	}
	q.ops = kept
	q.draining = false
	q.mu.Unlock()

	if res.Succeeded > 0 || res.Dropped > 0 || len(res.Remapped) > 0 {
		q.persist(ctx)
	}
	return res
}

func remap(op domain.PendingOperation, ids map[string]string) domain.PendingOperation {
	if op.Kind != domain.OpCreate {
		if to, ok := ids[op.TaskID]; ok {
			op.TaskID = to
		}
	}
	return op
}

func (q *Queue) snapshotLocked() []domain.PendingOperation {
	return append([]domain.PendingOperation(nil), q.ops...)
}

// persist writes the current entries; saveMu keeps the newest state last.
func (q *Queue) persist(ctx context.Context) {
	if q.journal == nil {
		return
	}
	q.saveMu.Lock()
	defer q.saveMu.Unlock()
	ops := q.Snapshot()
	if err := q.journal.SaveOps(context.WithoutCancel(ctx), ops); err != nil {
		log.Error().Err(err).Int("ops", len(ops)).Msg("failed to journal pending operations")
	}
}
