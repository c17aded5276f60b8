// Package queue implements the durable sync-job queue: enqueue,
// claim-with-lease, heartbeat, complete, fail-with-backoff, and the stale
// lease sweep used by the reaper.
//
// Two implementations exist: an SQL one backed by Postgres (FOR UPDATE SKIP
// LOCKED lease semantics) and an in-memory one used by tests.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/types"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("no job with given ID")
	// ErrDuplicatePending is returned when enqueueing would create a second
	// pending job for the same (repo_id, job_type).
	ErrDuplicatePending = errors.New("a pending job already exists for this repo and job type")
)

const (
	// DefaultLeaseSeconds is the lease applied when a claim does not specify
	// one.
	DefaultLeaseSeconds = 300

	// SoftRequeueDelay is how far not_before is pushed when a handler
	// reported the resource as locked. The attempt counter is not consumed.
	SoftRequeueDelay = 30 * time.Second

	// Backoff parameters for failed attempts: base * 2^(attempt-1), jittered
	// by up to half, capped.
	backoffBase = 15 * time.Second
	backoffCap  = 30 * time.Minute
)

// EnqueueRequest describes one job to insert.
type EnqueueRequest struct {
	RepoID      int64
	JobType     string
	Mode        types.SyncMode
	Payload     map[string]interface{}
	Priority    *int       // nil -> 100
	NotBefore   *time.Time // nil -> now
	MaxAttempts *int       // nil -> types.DefaultMaxAttempts
}

// ClaimOptions filter which pending jobs a worker is willing to run.
type ClaimOptions struct {
	// JobTypes limits the claim to the given types. Empty means any.
	JobTypes []string
	// InstanceAllowlist limits the claim to jobs whose payload
	// gitlab_instance matches one of these keys. Values must already be
	// normalized via tenancy.NormalizeInstanceKey; enqueue normalizes the
	// stored payload with the same function so comparison is byte-for-byte.
	InstanceAllowlist []string
	// LeaseSeconds for the claimed job. 0 means DefaultLeaseSeconds.
	LeaseSeconds int
}

// DB is the queue contract shared by the SQL and in-memory implementations.
type DB interface {
	// Enqueue validates the payload against the v2 job payload schema and
	// inserts one pending job. Returns ErrDuplicatePending if a pending job
	// for the same (repo_id, job_type) exists.
	Enqueue(ctx context.Context, req *EnqueueRequest) (*types.SyncJob, error)

	// ClaimOne atomically claims the oldest, highest-priority pending job
	// matching opts, marks it running under workerID, increments attempts,
	// and takes the per-(repo_id, job_type) sync_lock. Jobs whose pair holds
	// an unexpired lock are skipped, so at most one job per pair executes at
	// a time. Returns nil when nothing is claimable.
	ClaimOne(ctx context.Context, workerID string, opts ClaimOptions) (*types.SyncJob, error)

	// Heartbeat refreshes locked_at. Returns false when the caller no longer
	// holds the lease; the caller must abort and discard uncommitted work.
	Heartbeat(ctx context.Context, jobID, workerID string) (bool, error)

	// Complete marks the job completed, clears the lock, and links the run.
	Complete(ctx context.Context, jobID, workerID, runID string) error

	// Fail records the error. Non-retryable categories and exhausted
	// attempts transition to dead, otherwise the job returns to pending with
	// exponential backoff. The error message must already be redacted.
	Fail(ctx context.Context, jobID, workerID, errMsg string, category result.ErrorCategory) error

	// SoftRequeue returns the job to pending without consuming an attempt,
	// with not_before pushed by SoftRequeueDelay. Used when a handler
	// reported locked+skipped.
	SoftRequeue(ctx context.Context, jobID, workerID string) error

	// GetJob returns one job or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*types.SyncJob, error)

	// ListJobs returns jobs, newest first, optionally filtered by status.
	ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.SyncJob, error)

	// ListStale returns running jobs whose lease expired more than grace ago.
	ListStale(ctx context.Context, grace time.Duration) ([]*types.SyncJob, error)

	// RequeueStale forcibly revokes the lease of a running job and returns
	// it to pending. Idempotent: requeueing a non-running job is a no-op and
	// returns false.
	RequeueStale(ctx context.Context, jobID string) (bool, error)

	// HasPending reports whether a pending job exists for (repoID, jobType).
	HasPending(ctx context.Context, repoID int64, jobType string) (bool, error)

	// CountByStatus returns job counts per status for the metrics surface.
	CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error)

	// ListLocks returns all sync_locks rows, expired ones included, ordered
	// by (repo_id, job_type).
	ListLocks(ctx context.Context) ([]*types.SyncLock, error)
}

// BackoffSeconds computes the retry delay after the given attempt count:
// exponential base 2 from backoffBase, jittered by up to +50%, capped at
// backoffCap.
func BackoffSeconds(attempts int, rnd *rand.Rand) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	if rnd != nil {
		d += time.Duration(rnd.Int63n(int64(d)/2 + 1))
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// failureTransition decides the next state after a failed attempt.
func failureTransition(job *types.SyncJob, category result.ErrorCategory) types.JobStatus {
	if result.IsNonRetryable(category) {
		return types.JobDead
	}
	if job.Attempts >= job.MaxAttempts {
		return types.JobDead
	}
	return types.JobPending
}
