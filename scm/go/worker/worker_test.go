package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.engram.dev/engram/go/metrics2"
	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/scm/go/breaker"
	"go.engram.dev/engram/scm/go/cursor"
	"go.engram.dev/engram/scm/go/executor"
	"go.engram.dev/engram/scm/go/limiter"
	"go.engram.dev/engram/scm/go/pauses"
	"go.engram.dev/engram/scm/go/queue"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/types"
)

var testStart = time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	queue   *queue.InMemoryDB
	store   *store.MemoryStore
	limiter *limiter.Limiter
	breaker *breaker.Breaker
	repo    *types.Repo
	worker  *Worker
}

func newFixture(t *testing.T, ctx context.Context, handler executor.Handler) *fixture {
	t.Helper()
	f := &fixture{
		queue:   queue.NewInMemoryDB(),
		store:   store.NewMemoryStore(),
		limiter: limiter.New(limiter.NewMemoryStore()),
		breaker: breaker.New(breaker.NewMemoryStore(), breaker.Options{}),
	}
	repo, _, err := f.store.UpsertRepo(ctx, types.RepoTypeGitLab, "https://gitlab.example.com/a/b", "AB", "main")
	require.NoError(t, err)
	f.repo = repo

	reg := executor.NewRegistry()
	reg.Register("gitlab_commits", handler)
	f.worker = New(f.queue, f.store, f.limiter, f.breaker, reg, Options{
		WorkerID:   "w1",
		ProjectKey: "PROJ",
	})
	return f
}

func (f *fixture) enqueue(t *testing.T, ctx context.Context) *types.SyncJob {
	t.Helper()
	job, err := f.queue.Enqueue(ctx, &queue.EnqueueRequest{
		RepoID:  f.repo.ID,
		JobType: "gitlab_commits",
		Mode:    types.ModeIncremental,
		Payload: map[string]interface{}{},
	})
	require.NoError(t, err)
	return job
}

const circuitKey = "PROJ:instance:gitlab.example.com"

func TestRunOnce_NothingClaimable(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRunOnce_Success_CompletesJobAndRun(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return &result.SyncResult{
			Success:     true,
			SyncedCount: 3,
			CursorAfter: &cursor.Cursor{Timestamp: "2026-03-04T09:00:00+00:00", SHA: "abc"},
		}, nil
	})
	job := f.enqueue(t, ctx)

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	done, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, done.Status)
	require.NotEmpty(t, done.LastRunID)

	run, err := f.store.GetSyncRun(ctx, done.LastRunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, int64(3), run.Counts["synced_count"])
	assert.Equal(t, "abc", run.CursorAfter["sha"])

	h, err := f.breaker.Health(ctx, circuitKey)
	require.NoError(t, err)
	assert.Equal(t, breaker.Closed, h.State)
}

func TestRunOnce_NonRetryableFailure_DeadJobAndFailedRun(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return result.Failure(result.CategoryAuthError, "401 unauthorized"), nil
	})
	job := f.enqueue(t, ctx)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	dead, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDead, dead.Status)
	assert.Contains(t, dead.LastError, "401")

	runs, err := f.store.ListSyncRuns(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunFailed, runs[0].Status)
	assert.Equal(t, "auth_error", runs[0].ErrorSummary["error_category"])

	h, err := f.breaker.Health(ctx, circuitKey)
	require.NoError(t, err)
	assert.Equal(t, 1, h.FailureCount)
}

func TestRunOnce_CircuitOpen_SoftRequeuesWithoutAttempt(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		t.Fatal("handler must not run while the circuit is open")
		return nil, nil
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, f.breaker.RecordFailure(ctx, circuitKey))
	}
	job := f.enqueue(t, ctx)

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	requeued, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)
}

func TestRunOnce_LimiterPaused_FailsWithRateLimit(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		t.Fatal("handler must not run while the bucket is paused")
		return nil, nil
	})
	require.NoError(t, f.limiter.Record429(ctx, "gitlab.example.com", time.Hour))
	job := f.enqueue(t, ctx)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	failed, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, failed.Status, "rate_limit is retryable")
	assert.Equal(t, 1, failed.Attempts)
	assert.True(t, failed.NotBefore.After(testStart))
}

func TestRunOnce_LockedSkipped_SoftRequeues(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return &result.SyncResult{Success: true, Locked: true, Skipped: true}, nil
	})
	job := f.enqueue(t, ctx)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	requeued, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts, "a held lock must not consume an attempt")
	assert.True(t, requeued.NotBefore.Equal(testStart.Add(queue.SoftRequeueDelay)))
}

func TestRunOnce_RateLimitFailure_PausesBucket(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return result.Failure(result.CategoryRateLimit, "429 too many requests"), nil
	})
	f.enqueue(t, ctx)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	b, err := f.limiter.Status(ctx, "gitlab.example.com")
	require.NoError(t, err)
	require.NotNil(t, b.PausedUntil)
	assert.Equal(t, "429", b.Meta["pause_source"])
}

func TestRunOnce_TimeoutFailure_PausesBucketWithTimeoutSource(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return result.Failure(result.CategoryTimeout, "deadline exceeded"), nil
	})
	f.enqueue(t, ctx)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	b, err := f.limiter.Status(ctx, "gitlab.example.com")
	require.NoError(t, err)
	require.NotNil(t, b.PausedUntil)
	assert.Equal(t, "timeout", b.Meta["pause_source"])
}

func TestRunOnce_RepeatedFailures_OpenTheCircuit(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return result.Failure(result.CategoryServerError, "boom"), nil
	})

	job := f.enqueue(t, ctx)
	for i := 0; i < types.DefaultMaxAttempts; i++ {
		worked, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked)
		ctx.AdvanceTime(time.Hour) // clear the retry backoff
	}

	dead, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDead, dead.Status)

	h, err := f.breaker.Health(ctx, circuitKey)
	require.NoError(t, err)
	assert.Equal(t, breaker.Open, h.State)
}

func TestRunOnce_LimiterFailureDuringProbe_DoesNotCloseCircuit(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		t.Fatal("handler must not run while the bucket is paused")
		return nil, nil
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, f.breaker.RecordFailure(ctx, circuitKey))
	}
	require.NoError(t, f.limiter.Record429(ctx, "gitlab.example.com", 2*time.Hour))
	job := f.enqueue(t, ctx)

	// Past the open window the circuit admits probes, but the bucket is still
	// paused, so both dispatches die in the limiter without touching the
	// upstream.
	ctx.AdvanceTime(2 * time.Minute)
	for i := 0; i < 2; i++ {
		worked, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked)
		ctx.AdvanceTime(10 * time.Minute)
	}

	h, err := f.breaker.Health(ctx, circuitKey)
	require.NoError(t, err)
	assert.Equal(t, breaker.HalfOpen, h.State, "limiter failures must not close the circuit")
	assert.Equal(t, 0, h.ProbesInFlight)
	assert.Equal(t, 0, h.SuccessCount)

	failed, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
}

func TestRunOnce_LeaseLostDuringHandler_DiscardsResult(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	var f *fixture
	var job *types.SyncJob
	f = newFixture(t, ctx, func(_ context.Context, req *executor.Request) (*result.SyncResult, error) {
		// The lease lapses mid-handler and the reaper hands the job back out.
		ctx.AdvanceTime(time.Duration(queue.DefaultLeaseSeconds+1) * time.Second)
		requeued, err := f.queue.RequeueStale(ctx, job.JobID)
		require.NoError(t, err)
		require.True(t, requeued)
		return &result.SyncResult{Success: true, SyncedCount: 7}, nil
	})
	job = f.enqueue(t, ctx)

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	after, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, after.Status, "the stale worker's result is discarded")
	assert.Empty(t, after.LastRunID)

	runs, err := f.store.ListSyncRuns(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunFailed, runs[0].Status)
	assert.Equal(t, "lease_lost", runs[0].ErrorSummary["error_category"])

	reg := executor.NewRegistry()
	reg.Register("gitlab_commits", func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return &result.SyncResult{Success: true, SyncedCount: 7}, nil
	})
	w2 := New(f.queue, f.store, f.limiter, f.breaker, reg, Options{WorkerID: "w2", ProjectKey: "PROJ"})
	worked, err = w2.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	done, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, done.Status)
	require.NotEmpty(t, done.LastRunID)
	run, err := f.store.GetSyncRun(ctx, done.LastRunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
}

func TestRunOnce_TwoWorkers_ClaimDistinctJobsWithOwnLeases(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	var f *fixture
	var holders []string
	handler := func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		locks, err := f.queue.ListLocks(ctx)
		if err != nil {
			return nil, err
		}
		for _, l := range locks {
			if l.RepoID == req.RepoID {
				holders = append(holders, l.LockedBy)
			}
		}
		return &result.SyncResult{Success: true, SyncedCount: 1}, nil
	}
	f = newFixture(t, ctx, handler)
	repo2, _, err := f.store.UpsertRepo(ctx, types.RepoTypeGitLab, "https://gitlab.example.com/c/d", "AB", "main")
	require.NoError(t, err)

	job1 := f.enqueue(t, ctx)
	job2, err := f.queue.Enqueue(ctx, &queue.EnqueueRequest{
		RepoID:  repo2.ID,
		JobType: "gitlab_commits",
		Mode:    types.ModeIncremental,
		Payload: map[string]interface{}{},
	})
	require.NoError(t, err)

	reg := executor.NewRegistry()
	reg.Register("gitlab_commits", handler)
	w2 := New(f.queue, f.store, f.limiter, f.breaker, reg, Options{WorkerID: "w2", ProjectKey: "PROJ"})

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	worked, err = w2.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	for _, id := range []string{job1.JobID, job2.JobID} {
		j, err := f.queue.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.JobCompleted, j.Status)
	}
	assert.ElementsMatch(t, []string{"w1", "w2"}, holders)

	locks, err := f.queue.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "completed jobs release their locks")
}

func TestRunOnce_HandlerWaitStats_PreservedInRunCounts(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return &result.SyncResult{
			Success:      true,
			SyncedCount:  1,
			RequestStats: &result.RequestStats{TotalRequests: 4, AvgWaitTimeMS: 12.5},
		}, nil
	})
	job := f.enqueue(t, ctx)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	done, err := f.queue.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	run, err := f.store.GetSyncRun(ctx, done.LastRunID)
	require.NoError(t, err)
	assert.Equal(t, 12.5, run.Counts["avg_wait_time_ms"])
	assert.Equal(t, int64(4), run.Counts["total_requests"])
	assert.Nil(t, run.Degradation["limiter_wait_ms"])
}

func TestRunOnce_RateLimitFailure_PublishesSyncPause(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	f := newFixture(t, ctx, func(ctx context.Context, req *executor.Request) (*result.SyncResult, error) {
		return result.Failure(result.CategoryRateLimit, "429 too many requests"), nil
	})
	f.enqueue(t, ctx)
	failuresBefore := metrics2.GetCounter("scm_error_budget_failure_count").Get()
	hits429Before := metrics2.GetCounter("scm_error_budget_429_count").Get()

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics2.GetCounter("scm_error_budget_failure_count").Get()-failuresBefore)
	assert.Equal(t, int64(1), metrics2.GetCounter("scm_error_budget_429_count").Get()-hits429Before)

	p, err := pauses.Active(ctx, f.store, f.repo.ID, "gitlab_commits", now.Now(ctx))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "rate_limit", p.ReasonCode)
	assert.True(t, p.PausedUntil.Equal(testStart.Add(limiter.Default429Pause)))

	ctx.AdvanceTime(2 * limiter.Default429Pause)
	p, err = pauses.Active(ctx, f.store, f.repo.ID, "gitlab_commits", now.Now(ctx))
	require.NoError(t, err)
	assert.Nil(t, p)
}
