// Package scheduler drives task execution: the server-side sweep of due
// tasks and the client-side per-task timers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cronsync/internal/clock"
	"cronsync/internal/domain"
	"cronsync/internal/executor"
	"cronsync/internal/store"
)

const (
	DefaultSweepSpec = "@every 1m"
	DefaultBatchSize = 10
	DefaultLease     = 2 * time.Minute
)

// Runner performs one task's side effect.
type Runner interface {
	Execute(ctx context.Context, t domain.Task) (domain.ExecutionResult, error)
}

type SweeperConfig struct {
	// Spec is a cron spec for the sweep period, e.g. "@every 1m" or "* * * * *".
	Spec       string
	BatchSize  int
	MaxRetries int
	// Lease is how long a claimed task stays invisible to other sweeps.
	Lease time.Duration
}

type Failure struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// Summary describes one sweep.
type Summary struct {
	Due       int       `json:"due"`
	Executed  int       `json:"executed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Batches   []int     `json:"batches"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Stats are cumulative counters across sweeps.
type Stats struct {
	Sweeps     int64
	Executions int64
	Failures   int64
}

type Sweeper struct {
	repo  store.Repository
	exec  Runner
	cfg   SweeperConfig
	cron  *cron.Cron
	clock clock.Clock

	sweeps     atomic.Int64
	executions atomic.Int64
	failures   atomic.Int64
}

func NewSweeper(repo store.Repository, exec Runner, cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSweepSpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = executor.DefaultMaxRetries
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if err := ValidateSpec(cfg.Spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Spec, err)
	}
	return &Sweeper{repo: repo, exec: exec, cfg: cfg, cron: cron.New(), clock: clock.Real{}}, nil
}

// WithClock replaces the wall clock, for tests.
func (s *Sweeper) WithClock(c clock.Clock) *Sweeper {
	s.clock = c
	return s
}

// ValidateSpec checks a sweep period spec.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// Start runs a sweep on every tick of the configured spec until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Spec, func() { s.Sweep(ctx, s.clock.Now()) }); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("spec", s.cfg.Spec).Int("batch_size", s.cfg.BatchSize).Msg("sweeper started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Sweep executes every task due at now, batch by batch. Batches run one after
// another; tasks inside a batch run concurrently. A task is executed only if
// this sweep wins the claim on its current next-run time.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) Summary {
	s.sweeps.Add(1)
	var sum Summary

	due, err := s.repo.ListDueTasks(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due tasks")
		return sum
	}
	sum.Due = len(due)

	for start := 0; start < len(due); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(due))
		batch := s.claim(ctx, due[start:end], now, &sum)
		if len(batch) == 0 {
			continue
		}
		sum.Batches = append(sum.Batches, len(batch))

		var (
			mu sync.Mutex
			g  errgroup.Group
		)
		for _, t := range batch {
			t := t
			g.Go(func() error {
				res := s.run(ctx, t)
				mu.Lock()
				defer mu.Unlock()
				sum.Executed++
				if res.Success {
					sum.Succeeded++
				} else {
					sum.Failed++
					sum.Failures = append(sum.Failures, Failure{TaskID: t.ID, Error: res.Error})
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if sum.Due > 0 {
		log.Info().
			Int("due", sum.Due).
			Int("executed", sum.Executed).
			Int("succeeded", sum.Succeeded).
			Int("failed", sum.Failed).
			Int("skipped", sum.Skipped).
			Ints("batches", sum.Batches).
			Msg("sweep complete")
	}
	return sum
}

func (s *Sweeper) claim(ctx context.Context, tasks []domain.Task, now time.Time, sum *Summary) []domain.Task {
	lease := now.Add(s.cfg.Lease)
	claimed := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Runtime.NextRunAt == nil {
			sum.Skipped++
			continue
		}
		ok, err := s.repo.ClaimTask(ctx, t.ID, *t.Runtime.NextRunAt, lease)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to claim task")
			sum.Skipped++
			continue
		}
		if !ok {
			log.Debug().Str("task_id", t.ID).Msg("task claimed by another sweep")
			sum.Skipped++
			continue
		}
		claimed = append(claimed, t)
	}
	return claimed
}

// RunNow executes a task immediately, outside any sweep, and persists the
// outcome. Used for explicit triggers. A task that is already due is claimed
// first so a concurrent sweep cannot run it too; ErrBusy means the claim was
// lost.
func (s *Sweeper) RunNow(ctx context.Context, id string) (domain.ExecutionResult, domain.Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return domain.ExecutionResult{}, domain.Task{}, err
	}
	now := s.clock.Now()
	if t.Status == domain.StatusActive && t.Runtime.NextRunAt != nil && !t.Runtime.NextRunAt.After(now) {
		ok, err := s.repo.ClaimTask(ctx, t.ID, *t.Runtime.NextRunAt, now.Add(s.cfg.Lease))
		if err != nil {
			return domain.ExecutionResult{}, t, fmt.Errorf("claim %s: %w", t.ID, err)
		}
		if !ok {
			return domain.ExecutionResult{}, t, ErrBusy
		}
	}
	res := s.run(ctx, t)
	updated, err := s.repo.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return res, t, nil
	}
	return res, updated, err
}

// run executes t and writes bookkeeping to the freshest stored copy. A task
// deleted meanwhile keeps no record of the run.
func (s *Sweeper) run(ctx context.Context, t domain.Task) domain.ExecutionResult {
	s.executions.Add(1)
	res, err := s.exec.Execute(ctx, t)
	if err != nil {
		res = domain.ExecutionResult{StartedAt: s.clock.Now(), Error: err.Error()}
	}
	if !res.Success {
		s.failures.Add(1)
	}

	fresh, err := s.repo.GetTask(ctx, t.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Str("task_id", t.ID).Msg("task deleted during execution, discarding result")
		return res
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to reload task after execution")
		return res
	}

	executor.Record(&fresh, res, s.clock.Now(), s.cfg.MaxRetries)
	if err := s.repo.PutTask(ctx, fresh); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to save execution bookkeeping")
	}
	if err := s.repo.AppendLog(ctx, res.LogEntry(fresh)); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to append execution log")
	}
	if fresh.Status == domain.StatusFailed && !res.Success {
		log.Warn().Str("task_id", t.ID).Int("failures", fresh.Runtime.FailureCount).Msg("task reached retry limit, marked failed")
	}
	return res
}

func (s *Sweeper) Stats() Stats {
	return Stats{Sweeps: s.sweeps.Load(), Executions: s.executions.Load(), Failures: s.failures.Load()}
}
