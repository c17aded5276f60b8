// Package worker runs the sync loop: claim a job, pass the rate limiter and
// the circuit breaker, dispatch to the executor, persist the run and the
// watermark, and resolve the job. One Worker is strictly sequential; run
// several for parallelism.
package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"go.engram.dev/engram/go/metrics2"
	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/redact"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
	"go.engram.dev/engram/scm/go/breaker"
	"go.engram.dev/engram/scm/go/cursor"
	"go.engram.dev/engram/scm/go/executor"
	"go.engram.dev/engram/scm/go/limiter"
	"go.engram.dev/engram/scm/go/pauses"
	"go.engram.dev/engram/scm/go/queue"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/tenancy"
	"go.engram.dev/engram/scm/go/types"
)

const (
	// DefaultHandlerTimeout bounds one dispatch.
	DefaultHandlerTimeout = 10 * time.Minute
	// DefaultPollInterval is the idle sleep between empty claims.
	DefaultPollInterval = 5 * time.Second
	// DefaultAcquireWaitMax bounds the wait for a limiter token.
	DefaultAcquireWaitMax = 2 * time.Minute
)

// Options configure one worker loop.
type Options struct {
	WorkerID          string
	ProjectKey        string
	JobTypes          []string
	InstanceAllowlist []string
	LeaseSeconds      int
	HandlerTimeout    time.Duration
	PollInterval      time.Duration
	AcquireWaitMax    time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.NewString()
	}
	if o.HandlerTimeout == 0 {
		o.HandlerTimeout = DefaultHandlerTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.AcquireWaitMax == 0 {
		o.AcquireWaitMax = DefaultAcquireWaitMax
	}
	return o
}

// Worker processes claimed jobs.
type Worker struct {
	opts     Options
	queue    queue.DB
	store    store.Store
	limiter  *limiter.Limiter
	breaker  *breaker.Breaker
	registry *executor.Registry

	processed     metrics2.Counter
	failed        metrics2.Counter
	budgetFailure metrics2.Counter
	budget429     metrics2.Counter
	budgetTimeout metrics2.Counter
}

// New wires a worker.
func New(q queue.DB, st store.Store, lim *limiter.Limiter, brk *breaker.Breaker, reg *executor.Registry, opts Options) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		opts:          opts,
		queue:         q,
		store:         st,
		limiter:       lim,
		breaker:       brk,
		registry:      reg,
		processed:     metrics2.GetCounter("scm_worker_jobs_processed", map[string]string{"worker_id": opts.WorkerID}),
		failed:        metrics2.GetCounter("scm_worker_jobs_failed", map[string]string{"worker_id": opts.WorkerID}),
		budgetFailure: metrics2.GetCounter("scm_error_budget_failure_count"),
		budget429:     metrics2.GetCounter("scm_error_budget_429_count"),
		budgetTimeout: metrics2.GetCounter("scm_error_budget_timeout_count"),
	}
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sklog.Infof("Worker %s starting; job types %v", w.opts.WorkerID, w.opts.JobTypes)
	for {
		worked, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sklog.Errorf("Worker %s iteration failed: %s", w.opts.WorkerID, err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// cursorKeyFor maps a job type to its watermark KV key.
func cursorKeyFor(jobType string, repoID int64) string {
	switch jobType {
	case "svn":
		return cursor.KVKey("svn", repoID)
	case "gitlab_mrs":
		return "gitlab_mr_cursor:" + strconv.FormatInt(repoID, 10)
	default:
		return cursor.KVKey("gitlab", repoID)
	}
}

// RunOnce claims and fully processes at most one job. Returns whether a job
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimOne(ctx, w.opts.WorkerID, queue.ClaimOptions{
		JobTypes:          w.opts.JobTypes,
		InstanceAllowlist: w.opts.InstanceAllowlist,
		LeaseSeconds:      w.opts.LeaseSeconds,
	})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *types.SyncJob) error {
	repo, err := w.store.GetRepoByID(ctx, job.RepoID)
	if errors.Is(err, store.ErrNotFound) {
		w.failed.Inc(1)
		return skerr.Wrap(w.queue.Fail(ctx, job.JobID, w.opts.WorkerID, "repo does not exist", result.CategoryRepoNotFound))
	}
	if err != nil {
		return skerr.Wrap(err)
	}

	instanceKey := tenancy.ExtractInstanceKey(job.Payload, repo.URL)
	projectKey := w.opts.ProjectKey
	if projectKey == "" {
		projectKey = repo.ProjectKey
	}
	circuitKey := breaker.BuildKey(projectKey, breaker.ScopeInstance(instanceKey))

	decision, err := w.breaker.Allow(ctx, circuitKey)
	if err != nil {
		return skerr.Wrap(err)
	}
	if !decision.Allowed {
		// Rejections do not consume an attempt; the job waits the window out.
		sklog.Infof("Circuit %s is %s; requeueing job %s", circuitKey, decision.State, job.JobID)
		return skerr.Wrap(w.queue.SoftRequeue(ctx, job.JobID, w.opts.WorkerID))
	}

	waited, err := w.limiter.Acquire(ctx, instanceKey, w.opts.AcquireWaitMax)
	if err != nil {
		if decision.Probe {
			// Give the probe slot back; the upstream was never exercised, so
			// this must not count toward the close quota.
			if rerr := w.breaker.ReleaseProbe(ctx, circuitKey); rerr != nil {
				sklog.Warningf("Releasing probe slot on %s: %s", circuitKey, rerr)
			}
		}
		if errors.Is(err, limiter.ErrWaitBudgetExceeded) {
			w.failed.Inc(1)
			return skerr.Wrap(w.queue.Fail(ctx, job.JobID, w.opts.WorkerID, "rate limit wait budget exceeded", result.CategoryRateLimit))
		}
		return skerr.Wrap(err)
	}

	runID := uuid.NewString()
	cursorBefore, err := w.store.GetKV(ctx, cursorKeyFor(job.JobType, job.RepoID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return skerr.Wrap(err)
	}
	if err := w.store.InsertSyncRunStart(ctx, &types.SyncRun{
		RunID:        runID,
		RepoID:       job.RepoID,
		JobType:      job.JobType,
		Mode:         job.Mode,
		StartedAt:    now.Now(ctx),
		CursorBefore: cursorBefore,
	}); err != nil {
		return skerr.Wrap(err)
	}

	hctx, cancel := context.WithTimeout(ctx, w.opts.HandlerTimeout)
	res := w.registry.ExecuteFromJob(hctx, job)
	cancel()

	// The lease must still be ours before anything durable is written about
	// the outcome.
	held, err := w.queue.Heartbeat(ctx, job.JobID, w.opts.WorkerID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if !held {
		sklog.Warningf("Worker %s lost the lease on job %s; discarding result", w.opts.WorkerID, job.JobID)
		return w.finishRun(ctx, runID, types.RunFailed, &store.RunOutcome{
			ErrorSummary: map[string]interface{}{
				"error":          "lease lost",
				"error_category": string(result.CategoryLeaseLost),
			},
		})
	}

	if err := w.updateHealth(ctx, circuitKey, instanceKey, job, res); err != nil {
		sklog.Warningf("Updating health state for %s: %s", circuitKey, err)
	}

	outcome := &store.RunOutcome{Counts: result.BuildCounts(res)}
	if waited > 0 {
		// The limiter wait is run bookkeeping, kept apart from the handler's
		// own request stats.
		outcome.Degradation = map[string]interface{}{"limiter_wait_ms": waited.Milliseconds()}
	}
	if res.CursorAfter != nil && !res.CursorAfter.IsZero() {
		outcome.CursorAfter = map[string]interface{}{
			"ts":    res.CursorAfter.Timestamp,
			"sha":   res.CursorAfter.SHA,
			"count": res.CursorAfter.Count,
		}
	}

	switch {
	case res.Locked && res.Skipped:
		if err := w.finishRun(ctx, runID, types.RunCompleted, outcome); err != nil {
			return err
		}
		return skerr.Wrap(w.queue.SoftRequeue(ctx, job.JobID, w.opts.WorkerID))

	case res.Success:
		if err := w.finishRun(ctx, runID, types.RunCompleted, outcome); err != nil {
			return err
		}
		w.processed.Inc(1)
		return skerr.Wrap(w.queue.Complete(ctx, job.JobID, w.opts.WorkerID, runID))

	default:
		outcome.ErrorSummary = map[string]interface{}{
			"error":          res.Error,
			"error_category": string(res.ErrorCategory),
		}
		if err := w.finishRun(ctx, runID, types.RunFailed, outcome); err != nil {
			return err
		}
		w.failed.Inc(1)
		if err := w.queue.Fail(ctx, job.JobID, w.opts.WorkerID, redact.String(res.Error), res.ErrorCategory); err != nil {
			return skerr.Wrap(err)
		}
		w.reportRetryBackoff(ctx, job, instanceKey, projectKey)
		return nil
	}
}

// reportRetryBackoff exports how far the failed job's next attempt was pushed.
func (w *Worker) reportRetryBackoff(ctx context.Context, job *types.SyncJob, instanceKey, projectKey string) {
	updated, err := w.queue.GetJob(ctx, job.JobID)
	if err != nil || updated.Status != types.JobPending {
		return
	}
	metrics2.GetFloat64Metric("scm_retry_backoff_seconds", map[string]string{
		"instance_key": instanceKey,
		"tenant_id":    tenancy.ExtractTenantID(job.Payload, projectKey),
		"job_type":     job.JobType,
	}).Update(updated.NotBefore.Sub(now.Now(ctx)).Seconds())
}

func (w *Worker) finishRun(ctx context.Context, runID string, status types.RunStatus, outcome *store.RunOutcome) error {
	return skerr.Wrap(w.store.FinishSyncRun(ctx, runID, status, now.Now(ctx), outcome))
}

// updateHealth feeds the attempt outcome back into the breaker, the limiter,
// the error-budget counters, and the pause table.
func (w *Worker) updateHealth(ctx context.Context, circuitKey, instanceKey string, job *types.SyncJob, res *result.SyncResult) error {
	if res.Success || (res.Locked && res.Skipped) {
		if err := w.breaker.RecordSuccess(ctx, circuitKey); err != nil {
			return err
		}
		return w.limiter.RecordSuccess(ctx, instanceKey)
	}
	w.budgetFailure.Inc(1)
	switch res.ErrorCategory {
	case result.CategoryRateLimit:
		w.budget429.Inc(1)
		if err := w.limiter.Record429(ctx, instanceKey, 0); err != nil {
			return err
		}
		w.recordPause(ctx, job, res, limiter.Default429Pause)
	case result.CategoryTimeout:
		w.budgetTimeout.Inc(1)
		if err := w.limiter.RecordTimeout(ctx, instanceKey); err != nil {
			return err
		}
		w.recordPause(ctx, job, res, limiter.TimeoutPause)
	}
	return w.breaker.RecordFailure(ctx, circuitKey)
}

// recordPause publishes a backpressure pause so the scheduler leaves the
// (repo, job type) pair alone until it lapses.
func (w *Worker) recordPause(ctx context.Context, job *types.SyncJob, res *result.SyncResult, d time.Duration) {
	ts := now.Now(ctx)
	if err := pauses.Put(ctx, w.store, &types.HealthPause{
		RepoID:      job.RepoID,
		JobType:     job.JobType,
		ReasonCode:  string(res.ErrorCategory),
		Reason:      redact.String(res.Error),
		PausedAt:    ts,
		PausedUntil: ts.Add(d),
	}); err != nil {
		sklog.Warningf("Recording pause for repo %d %s: %s", job.RepoID, job.JobType, err)
	}
}
