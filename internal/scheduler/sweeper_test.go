package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronsync/internal/clock"
	"cronsync/internal/domain"
	"cronsync/internal/store"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	fail     func(id string) bool
	before   func(id string)
}

func (r *fakeRunner) Execute(ctx context.Context, t domain.Task) (domain.ExecutionResult, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if r.before != nil {
		r.before(t.ID)
	}
	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[t.ID]++
	r.mu.Unlock()

	if r.fail != nil && r.fail(t.ID) {
		code := 500
		return domain.ExecutionResult{HTTPStatus: &code, Error: "500 Internal Server Error"}, nil
	}
	code := 200
	return domain.ExecutionResult{Success: true, HTTPStatus: &code}, nil
}

func seedDue(t *testing.T, repo store.Repository, n int, due time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		next := due
		require.NoError(t, repo.PutTask(context.Background(), domain.Task{
			ID:        fmt.Sprintf("tsk_%02d", i),
			OwnerID:   "u1",
			Name:      "t",
			Endpoint:  domain.Endpoint{URL: "http://example.invalid", HTTPMethod: "GET"},
			Schedule:  domain.Every(1, domain.UnitMinutes),
			Status:    domain.StatusActive,
			Runtime:   domain.Runtime{NextRunAt: &next},
			UpdatedAt: 1,
			CreatedAt: due,
		}))
	}
}

func TestSweep_BatchesAndCountsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seedDue(t, repo, 25, now.Add(-time.Second))

	runner := &fakeRunner{fail: func(id string) bool { return id == "tsk_03" || id == "tsk_17" }}
	sw, err := NewSweeper(repo, runner, SweeperConfig{BatchSize: 10})
	require.NoError(t, err)
	sw.WithClock(clock.NewFake(now))

	sum := sw.Sweep(ctx, now)
	assert.Equal(t, []int{10, 10, 5}, sum.Batches)
	assert.Equal(t, 25, sum.Due)
	assert.Equal(t, 25, sum.Executed)
	assert.Equal(t, 23, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, sum.Failures, 2)
	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(10))
	for i := 0; i < 25; i++ {
		assert.Equal(t, 1, runner.calls[fmt.Sprintf("tsk_%02d", i)])
	}

	failed, err := repo.GetTask(ctx, "tsk_03")
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Runtime.RunCount)
	assert.Equal(t, 1, failed.Runtime.FailureCount)
	assert.Equal(t, "500 Internal Server Error", failed.Runtime.LastError)
	require.NotNil(t, failed.Runtime.NextRunAt)
	assert.Equal(t, now.Add(time.Minute), *failed.Runtime.NextRunAt)

	logs, err := repo.ListLogs(ctx, "tsk_03", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)

	again := sw.Sweep(ctx, now.Add(time.Second))
	assert.Zero(t, again.Due, "rescheduled tasks are not due again")
	assert.Equal(t, int64(2), sw.Stats().Sweeps)
	assert.Equal(t, int64(25), sw.Stats().Executions)
}

func TestSweep_SkipsTasksClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seedDue(t, repo, 3, now.Add(-time.Second))

	// Another sweep claims tsk_01 between listing and claiming.
	racing := &claimRacer{Memory: repo, steal: "tsk_01"}
	runner := &fakeRunner{}
	sw, err := NewSweeper(racing, runner, SweeperConfig{})
	require.NoError(t, err)

	sum := sw.Sweep(ctx, now)
	assert.Equal(t, 2, sum.Executed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, runner.calls["tsk_01"])
}

type claimRacer struct {
	*store.Memory
	steal string
}

func (c *claimRacer) ClaimTask(ctx context.Context, id string, expected, lease time.Time) (bool, error) {
	if id == c.steal {
		_, _ = c.Memory.ClaimTask(ctx, id, expected, lease.Add(time.Hour))
	}
	return c.Memory.ClaimTask(ctx, id, expected, lease)
}

func TestSweep_RetryLimitMarksFailed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seedDue(t, repo, 1, now)

	fc := clock.NewFake(now)
	sw, err := NewSweeper(repo, &fakeRunner{fail: func(string) bool { return true }}, SweeperConfig{MaxRetries: 3})
	require.NoError(t, err)
	sw.WithClock(fc)

	for i := 0; i < 3; i++ {
		sw.Sweep(ctx, fc.Now())
		fc.Advance(time.Minute)
	}
	got, err := repo.GetTask(ctx, "tsk_00")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Nil(t, got.Runtime.NextRunAt)
	assert.Equal(t, 3, got.Runtime.FailureCount)

	sum := sw.Sweep(ctx, fc.Now().Add(time.Hour))
	assert.Zero(t, sum.Due)
}

func TestSweep_DeletedDuringExecutionIsTolerated(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seedDue(t, repo, 1, now)

	runner := &fakeRunner{before: func(id string) { _ = repo.DeleteTask(ctx, id) }}
	sw, err := NewSweeper(repo, runner, SweeperConfig{})
	require.NoError(t, err)

	sum := sw.Sweep(ctx, now)
	assert.Equal(t, 1, sum.Executed)
	_, err = repo.GetTask(ctx, "tsk_00")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seedDue(t, repo, 1, now.Add(time.Hour))

	sw, err := NewSweeper(repo, &fakeRunner{}, SweeperConfig{})
	require.NoError(t, err)
	res, updated, err := sw.WithClock(clock.NewFake(now)).RunNow(ctx, "tsk_00")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, updated.Runtime.RunCount)

	_, _, err = sw.RunNow(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunNow_DueTaskIsClaimed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seedDue(t, repo, 1, now.Add(-time.Second))

	var dueDuringRun []domain.Task
	runner := &fakeRunner{before: func(string) {
		dueDuringRun, _ = repo.ListDueTasks(ctx, now)
	}}
	sw, err := NewSweeper(repo, runner, SweeperConfig{})
	require.NoError(t, err)
	res, updated, err := sw.WithClock(clock.NewFake(now)).RunNow(ctx, "tsk_00")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, dueDuringRun, "a sweep must not see the task while it runs")
	assert.Equal(t, 1, updated.Runtime.RunCount)
	require.NotNil(t, updated.Runtime.NextRunAt)
	assert.True(t, updated.Runtime.NextRunAt.After(now))
}

func TestRunNow_DueTaskClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seedDue(t, repo, 1, now.Add(-time.Second))

	racing := &claimRacer{Memory: repo, steal: "tsk_00"}
	runner := &fakeRunner{}
	sw, err := NewSweeper(racing, runner, SweeperConfig{})
	require.NoError(t, err)
	_, _, err = sw.WithClock(clock.NewFake(now)).RunNow(ctx, "tsk_00")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, runner.calls["tsk_00"])
	assert.Zero(t, sw.Stats().Executions)
}

func TestNewSweeper_RejectsBadSpec(t *testing.T) {
	_, err := NewSweeper(store.NewMemory(), &fakeRunner{}, SweeperConfig{Spec: "every minute please"})
	assert.Error(t, err)
	assert.NoError(t, ValidateSpec("*/5 * * * *"))
	assert.NoError(t, ValidateSpec("@every 30s"))
}
