package queue

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/types"
)

// InMemoryDB implements DB entirely in memory. It mirrors the SQL
// implementation's semantics closely enough for tests of the worker, reaper,
// and scheduler; it is not durable.
type InMemoryDB struct {
	mtx   sync.Mutex
	jobs  map[string]*types.SyncJob
	locks map[lockKey]*types.SyncLock
	rnd   *rand.Rand
}

type lockKey struct {
	repoID  int64
	jobType string
}

// NewInMemoryDB returns an empty in-memory queue.
func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{
		jobs:  map[string]*types.SyncJob{},
		locks: map[lockKey]*types.SyncLock{},
		rnd:   rand.New(rand.NewSource(0)),
	}
}

// Enqueue implements DB.
func (d *InMemoryDB) Enqueue(ctx context.Context, req *EnqueueRequest) (*types.SyncJob, error) {
	payload, err := normalizeAndValidatePayload(req)
	if err != nil {
		return nil, err
	}
	priority, maxAttempts := applyEnqueueDefaults(req)

	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, j := range d.jobs {
		if j.Status == types.JobPending && j.RepoID == req.RepoID && j.JobType == req.JobType {
			return nil, ErrDuplicatePending
		}
	}
	ts := now.Now(ctx)
	notBefore := ts
	if req.NotBefore != nil {
		notBefore = *req.NotBefore
	}
	job := &types.SyncJob{
		JobID:        uuid.NewString(),
		RepoID:       req.RepoID,
		JobType:      req.JobType,
		Mode:         req.Mode,
		Priority:     priority,
		Status:       types.JobPending,
		MaxAttempts:  maxAttempts,
		NotBefore:    notBefore,
		LeaseSeconds: DefaultLeaseSeconds,
		Payload:      payload,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	d.jobs[job.JobID] = job
	return job.Copy(), nil
}

func matchesClaim(j *types.SyncJob, opts ClaimOptions, ts time.Time) bool {
	if j.Status != types.JobPending || j.NotBefore.After(ts) {
		return false
	}
	if len(opts.JobTypes) > 0 {
		found := false
		for _, t := range opts.JobTypes {
			if j.JobType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.InstanceAllowlist) > 0 {
		instance, _ := j.Payload["gitlab_instance"].(string)
		found := false
		for _, k := range opts.InstanceAllowlist {
			if instance == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ClaimOne implements DB.
func (d *InMemoryDB) ClaimOne(ctx context.Context, workerID string, opts ClaimOptions) (*types.SyncJob, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	ts := now.Now(ctx)

	candidates := make([]*types.SyncJob, 0, len(d.jobs))
	for _, j := range d.jobs {
		if !matchesClaim(j, opts, ts) {
			continue
		}
		if l, ok := d.locks[lockKey{j.RepoID, j.JobType}]; ok && !l.IsExpired(ts) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	job := candidates[0]

	lease := opts.LeaseSeconds
	if lease == 0 {
		lease = DefaultLeaseSeconds
	}
	lockedAt := ts
	job.Status = types.JobRunning
	job.LockedBy = workerID
	job.LockedAt = &lockedAt
	job.LeaseSeconds = lease
	job.Attempts++
	job.UpdatedAt = ts

	key := lockKey{job.RepoID, job.JobType}
	d.locks[key] = &types.SyncLock{
		LockID:       int64(len(d.locks) + 1),
		RepoID:       job.RepoID,
		JobType:      job.JobType,
		LockedBy:     workerID,
		LockedAt:     ts,
		LeaseSeconds: lease,
	}
	return job.Copy(), nil
}

// Heartbeat implements DB.
func (d *InMemoryDB) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return false, skerr.Wrap(ErrNotFound)
	}
	if j.Status != types.JobRunning || j.LockedBy != workerID {
		return false, nil
	}
	ts := now.Now(ctx)
	j.LockedAt = &ts
	j.UpdatedAt = ts
	return true, nil
}

// Complete implements DB.
func (d *InMemoryDB) Complete(ctx context.Context, jobID, workerID, runID string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return skerr.Wrap(ErrNotFound)
	}
	if j.Status != types.JobRunning || j.LockedBy != workerID {
		return skerr.Fmt("job %s is not leased by %s", jobID, workerID)
	}
	ts := now.Now(ctx)
	j.Status = types.JobCompleted
	j.LockedBy = ""
	j.LockedAt = nil
	j.LastRunID = runID
	j.UpdatedAt = ts
	d.releaseLockLocked(j.RepoID, j.JobType, workerID)
	return nil
}

// releaseLockLocked drops the advisory lock if the worker still holds it.
// Callers hold d.mtx.
func (d *InMemoryDB) releaseLockLocked(repoID int64, jobType, workerID string) {
	key := lockKey{repoID, jobType}
	if l, ok := d.locks[key]; ok && l.LockedBy == workerID {
		delete(d.locks, key)
	}
}

// Fail implements DB.
func (d *InMemoryDB) Fail(ctx context.Context, jobID, workerID, errMsg string, category result.ErrorCategory) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return skerr.Wrap(ErrNotFound)
	}
	if j.Status != types.JobRunning || j.LockedBy != workerID {
		return skerr.Fmt("job %s is not leased by %s", jobID, workerID)
	}
	ts := now.Now(ctx)
	j.LastError = errMsg
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = ts
	j.Status = failureTransition(j, category)
	if j.Status == types.JobPending {
		j.NotBefore = ts.Add(BackoffSeconds(j.Attempts, d.rnd))
	}
	d.releaseLockLocked(j.RepoID, j.JobType, workerID)
	return nil
}

// SoftRequeue implements DB.
func (d *InMemoryDB) SoftRequeue(ctx context.Context, jobID, workerID string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return skerr.Wrap(ErrNotFound)
	}
	if j.Status != types.JobRunning || j.LockedBy != workerID {
		return skerr.Fmt("job %s is not leased by %s", jobID, workerID)
	}
	ts := now.Now(ctx)
	// No attempt increment: the claim already counted one, give it back.
	j.Attempts--
	j.Status = types.JobPending
	j.LockedBy = ""
	j.LockedAt = nil
	j.NotBefore = ts.Add(SoftRequeueDelay)
	j.UpdatedAt = ts
	d.releaseLockLocked(j.RepoID, j.JobType, workerID)
	return nil
}

// GetJob implements DB.
func (d *InMemoryDB) GetJob(ctx context.Context, jobID string) (*types.SyncJob, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return nil, skerr.Wrap(ErrNotFound)
	}
	return j.Copy(), nil
}

// ListJobs implements DB.
func (d *InMemoryDB) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.SyncJob, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	out := make([]*types.SyncJob, 0, len(d.jobs))
	for _, j := range d.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.Copy())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStale implements DB.
func (d *InMemoryDB) ListStale(ctx context.Context, grace time.Duration) ([]*types.SyncJob, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	ts := now.Now(ctx)
	var out []*types.SyncJob
	for _, j := range d.jobs {
		if j.Status == types.JobRunning && j.LockedAt != nil && ts.Sub(j.LeaseExpiry()) > grace {
			out = append(out, j.Copy())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// RequeueStale implements DB.
func (d *InMemoryDB) RequeueStale(ctx context.Context, jobID string) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return false, skerr.Wrap(ErrNotFound)
	}
	if j.Status != types.JobRunning {
		return false, nil
	}
	holder := j.LockedBy
	ts := now.Now(ctx)
	j.Status = types.JobPending
	j.LockedBy = ""
	j.LockedAt = nil
	j.NotBefore = ts
	j.UpdatedAt = ts
	d.releaseLockLocked(j.RepoID, j.JobType, holder)
	return true, nil
}

// HasPending implements DB.
func (d *InMemoryDB) HasPending(ctx context.Context, repoID int64, jobType string) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, j := range d.jobs {
		if j.Status == types.JobPending && j.RepoID == repoID && j.JobType == jobType {
			return true, nil
		}
	}
	return false, nil
}

// CountByStatus implements DB.
func (d *InMemoryDB) CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	out := map[types.JobStatus]int64{}
	for _, j := range d.jobs {
		out[j.Status]++
	}
	return out, nil
}

// ListLocks implements DB.
func (d *InMemoryDB) ListLocks(ctx context.Context) ([]*types.SyncLock, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	out := make([]*types.SyncLock, 0, len(d.locks))
	for _, l := range d.locks {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].RepoID != out[k].RepoID {
			return out[i].RepoID < out[k].RepoID
		}
		return out[i].JobType < out[k].JobType
	})
	return out, nil
}

var _ DB = (*InMemoryDB)(nil)
