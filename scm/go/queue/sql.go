package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/types"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on pending jobs.
const uniqueViolation = "23505"

// SQLDB implements DB on Postgres.
type SQLDB struct {
	db  *pgxpool.Pool
	rnd *rand.Rand
}

// NewSQLDB returns a queue backed by the given pool.
func NewSQLDB(db *pgxpool.Pool) *SQLDB {
	return &SQLDB{
		db:  db,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

const jobColumns = `job_id::text, repo_id, job_type, mode, priority, status,
attempts, max_attempts, not_before, locked_by, locked_at, lease_seconds,
last_error, last_run_id::text, payload_json, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

// textArray encodes a string slice as a text[] parameter.
func textArray(values []string) *pgtype.TextArray {
	var arr pgtype.TextArray
	if err := arr.Set(values); err != nil {
		// Only fails for unsupported source types; []string always converts.
		panic(err)
	}
	return &arr
}

func scanJob(row scanner) (*types.SyncJob, error) {
	var j types.SyncJob
	var lockedBy, lastError, lastRunID *string
	var payload []byte
	if err := row.Scan(&j.JobID, &j.RepoID, &j.JobType, &j.Mode, &j.Priority,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.NotBefore, &lockedBy,
		&j.LockedAt, &j.LeaseSeconds, &lastError, &lastRunID, &payload,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	if lastRunID != nil {
		j.LastRunID = *lastRunID
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, skerr.Wrapf(err, "corrupt payload for job %s", j.JobID)
		}
	}
	return &j, nil
}

// Enqueue implements DB.
func (s *SQLDB) Enqueue(ctx context.Context, req *EnqueueRequest) (*types.SyncJob, error) {
	payload, err := normalizeAndValidatePayload(req)
	if err != nil {
		return nil, err
	}
	priority, maxAttempts := applyEnqueueDefaults(req)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	ts := now.Now(ctx)
	notBefore := ts
	if req.NotBefore != nil {
		notBefore = *req.NotBefore
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO sync_jobs (job_id, repo_id, job_type, mode, priority, status,
	max_attempts, not_before, lease_seconds, payload_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9, $10, $10)
RETURNING `+jobColumns,
		uuid.NewString(), req.RepoID, req.JobType, string(req.Mode), priority,
		maxAttempts, notBefore, DefaultLeaseSeconds, payloadJSON, ts)
	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicatePending
		}
		return nil, skerr.Wrapf(err, "enqueueing %s job for repo %d", req.JobType, req.RepoID)
	}
	return job, nil
}

// ClaimOne implements DB.
func (s *SQLDB) ClaimOne(ctx context.Context, workerID string, opts ClaimOptions) (*types.SyncJob, error) {
	lease := opts.LeaseSeconds
	if lease == 0 {
		lease = DefaultLeaseSeconds
	}
	ts := now.Now(ctx)
	var claimed *types.SyncJob
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		query := `
SELECT ` + jobColumns + `
FROM sync_jobs
WHERE status = 'pending' AND not_before <= $1
	AND NOT EXISTS (
		SELECT 1 FROM sync_locks l
		WHERE l.repo_id = sync_jobs.repo_id
			AND l.job_type = sync_jobs.job_type
			AND l.locked_at + make_interval(secs => l.lease_seconds) > $1)`
		args := []interface{}{ts}
		if len(opts.JobTypes) > 0 {
			args = append(args, textArray(opts.JobTypes))
			query += ` AND job_type = ANY($2)`
		}
		if len(opts.InstanceAllowlist) > 0 {
			args = append(args, textArray(opts.InstanceAllowlist))
			query += ` AND payload_json->>'gitlab_instance' = ANY($` + strconv.Itoa(len(args)) + `)`
		}
		query += `
ORDER BY priority ASC, created_at ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`
		job, err := scanJob(tx.QueryRow(ctx, query, args...))
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return skerr.Wrap(err)
		}

		row := tx.QueryRow(ctx, `
UPDATE sync_jobs
SET status = 'running', locked_by = $2, locked_at = $3,
	lease_seconds = $4, attempts = attempts + 1, updated_at = $3
WHERE job_id = $1::uuid
RETURNING `+jobColumns, job.JobID, workerID, ts, lease)
		claimed, err = scanJob(row)
		if err != nil {
			return skerr.Wrap(err)
		}

		// Touch the advisory per-(repo_id, job_type) lock with the same lease.
		_, err = tx.Exec(ctx, `
INSERT INTO sync_locks (repo_id, job_type, locked_by, locked_at, lease_seconds)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (repo_id, job_type) DO UPDATE
SET locked_by = $3, locked_at = $4, lease_seconds = $5`,
			claimed.RepoID, claimed.JobType, workerID, ts, lease)
		return skerr.Wrap(err)
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "claiming job for worker %s", workerID)
	}
	return claimed, nil
}

// releaseLock drops the advisory lock if the worker still holds it.
func releaseLock(ctx context.Context, tx pgx.Tx, repoID int64, jobType, workerID string) error {
	_, err := tx.Exec(ctx, `
DELETE FROM sync_locks WHERE repo_id = $1 AND job_type = $2 AND locked_by = $3`,
		repoID, jobType, workerID)
	return skerr.Wrap(err)
}

// Heartbeat implements DB.
func (s *SQLDB) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	ts := now.Now(ctx)
	tag, err := s.db.Exec(ctx, `
UPDATE sync_jobs SET locked_at = $3, updated_at = $3
WHERE job_id = $1::uuid AND locked_by = $2 AND status = 'running'`,
		jobID, workerID, ts)
	if err != nil {
		return false, skerr.Wrapf(err, "heartbeating job %s", jobID)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete implements DB.
func (s *SQLDB) Complete(ctx context.Context, jobID, workerID, runID string) error {
	ts := now.Now(ctx)
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var repoID int64
		var jobType string
		err := tx.QueryRow(ctx, `
UPDATE sync_jobs
SET status = 'completed', locked_by = NULL, locked_at = NULL,
	last_run_id = $3::uuid, updated_at = $4
WHERE job_id = $1::uuid AND locked_by = $2 AND status = 'running'
RETURNING repo_id, job_type`,
			jobID, workerID, runID, ts).Scan(&repoID, &jobType)
		if err == pgx.ErrNoRows {
			return skerr.Fmt("job %s is not leased by %s", jobID, workerID)
		}
		if err != nil {
			return skerr.Wrapf(err, "completing job %s", jobID)
		}
		return releaseLock(ctx, tx, repoID, jobType, workerID)
	})
}

// Fail implements DB.
func (s *SQLDB) Fail(ctx context.Context, jobID, workerID, errMsg string, category result.ErrorCategory) error {
	ts := now.Now(ctx)
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `
SELECT `+jobColumns+` FROM sync_jobs
WHERE job_id = $1::uuid AND locked_by = $2 AND status = 'running'
FOR UPDATE`, jobID, workerID))
		if err == pgx.ErrNoRows {
			return skerr.Fmt("job %s is not leased by %s", jobID, workerID)
		}
		if err != nil {
			return skerr.Wrap(err)
		}
		status := failureTransition(job, category)
		notBefore := job.NotBefore
		if status == types.JobPending {
			notBefore = ts.Add(BackoffSeconds(job.Attempts, s.rnd))
		}
		_, err = tx.Exec(ctx, `
UPDATE sync_jobs
SET status = $2, locked_by = NULL, locked_at = NULL,
	last_error = $3, not_before = $4, updated_at = $5
WHERE job_id = $1::uuid`,
			jobID, string(status), errMsg, notBefore, ts)
		if err != nil {
			return skerr.Wrap(err)
		}
		return releaseLock(ctx, tx, job.RepoID, job.JobType, workerID)
	})
}

// SoftRequeue implements DB.
func (s *SQLDB) SoftRequeue(ctx context.Context, jobID, workerID string) error {
	ts := now.Now(ctx)
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var repoID int64
		var jobType string
		err := tx.QueryRow(ctx, `
UPDATE sync_jobs
SET status = 'pending', locked_by = NULL, locked_at = NULL,
	attempts = attempts - 1, not_before = $3, updated_at = $4
WHERE job_id = $1::uuid AND locked_by = $2 AND status = 'running'
RETURNING repo_id, job_type`,
			jobID, workerID, ts.Add(SoftRequeueDelay), ts).Scan(&repoID, &jobType)
		if err == pgx.ErrNoRows {
			return skerr.Fmt("job %s is not leased by %s", jobID, workerID)
		}
		if err != nil {
			return skerr.Wrapf(err, "soft-requeueing job %s", jobID)
		}
		return releaseLock(ctx, tx, repoID, jobType, workerID)
	})
}

// GetJob implements DB.
func (s *SQLDB) GetJob(ctx context.Context, jobID string) (*types.SyncJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `
SELECT `+jobColumns+` FROM sync_jobs WHERE job_id = $1::uuid`, jobID))
	if err == pgx.ErrNoRows {
		return nil, skerr.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "loading job %s", jobID)
	}
	return job, nil
}

// ListJobs implements DB.
func (s *SQLDB) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []*types.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, j)
	}
	return out, skerr.Wrap(rows.Err())
}

// ListStale implements DB.
func (s *SQLDB) ListStale(ctx context.Context, grace time.Duration) ([]*types.SyncJob, error) {
	ts := now.Now(ctx)
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+` FROM sync_jobs
WHERE status = 'running'
	AND locked_at + make_interval(secs => lease_seconds) < $1
ORDER BY created_at ASC`, ts.Add(-grace))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []*types.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, j)
	}
	return out, skerr.Wrap(rows.Err())
}

// RequeueStale implements DB.
func (s *SQLDB) RequeueStale(ctx context.Context, jobID string) (bool, error) {
	ts := now.Now(ctx)
	var requeued bool
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `
SELECT `+jobColumns+` FROM sync_jobs
WHERE job_id = $1::uuid AND status = 'running'
FOR UPDATE`, jobID))
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return skerr.Wrap(err)
		}
		_, err = tx.Exec(ctx, `
UPDATE sync_jobs
SET status = 'pending', locked_by = NULL, locked_at = NULL,
	not_before = $2, updated_at = $2
WHERE job_id = $1::uuid`, jobID, ts)
		if err != nil {
			return skerr.Wrap(err)
		}
		requeued = true
		return releaseLock(ctx, tx, job.RepoID, job.JobType, job.LockedBy)
	})
	if err != nil {
		return false, skerr.Wrapf(err, "requeueing stale job %s", jobID)
	}
	return requeued, nil
}

// HasPending implements DB.
func (s *SQLDB) HasPending(ctx context.Context, repoID int64, jobType string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM sync_jobs
	WHERE repo_id = $1 AND job_type = $2 AND status = 'pending')`,
		repoID, jobType).Scan(&exists)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return exists, nil
}

// CountByStatus implements DB.
func (s *SQLDB) CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	out := map[types.JobStatus]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, skerr.Wrap(err)
		}
		out[types.JobStatus(status)] = count
	}
	return out, skerr.Wrap(rows.Err())
}

// ListLocks implements DB.
func (s *SQLDB) ListLocks(ctx context.Context) ([]*types.SyncLock, error) {
	rows, err := s.db.Query(ctx, `
SELECT lock_id, repo_id, job_type, locked_by, locked_at, lease_seconds
FROM sync_locks ORDER BY repo_id ASC, job_type ASC`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []*types.SyncLock
	for rows.Next() {
		var l types.SyncLock
		if err := rows.Scan(&l.LockID, &l.RepoID, &l.JobType, &l.LockedBy,
			&l.LockedAt, &l.LeaseSeconds); err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, &l)
	}
	return out, skerr.Wrap(rows.Err())
}

var _ DB = (*SQLDB)(nil)
