// Package types holds the domain entities shared by the SCM sync control
// plane: repos, sync runs, queue jobs, locks, rate-limit buckets, and the
// outbox/audit rows the reaper reconciles.
package types

import (
	"time"
)

// RepoType tags the protocol family of a repository.
type RepoType string

const (
	RepoTypeGit    RepoType = "git"
	RepoTypeSVN    RepoType = "svn"
	RepoTypeGitLab RepoType = "gitlab"
)

// ValidRepoType reports whether t is a known repo type.
func ValidRepoType(t RepoType) bool {
	return t == RepoTypeGit || t == RepoTypeSVN || t == RepoTypeGitLab
}

// Repo is a tracked repository. Immutable after creation.
type Repo struct {
	ID            int64     `json:"repo_id"`
	RepoType      RepoType  `json:"repo_type"`
	URL           string    `json:"url"`
	ProjectKey    string    `json:"project_key,omitempty"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SyncMode selects how much history a sync attempt covers.
type SyncMode string

const (
	ModeIncremental SyncMode = "incremental"
	ModeBackfill    SyncMode = "backfill"
	ModeProbe       SyncMode = "probe"
)

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SyncRun records one sync attempt. Owned by the worker that started it;
// transitions running -> completed|failed exactly once.
type SyncRun struct {
	RunID         string                 `json:"run_id"`
	RepoID        int64                  `json:"repo_id"`
	JobType       string                 `json:"job_type"`
	Mode          SyncMode               `json:"mode"`
	Status        RunStatus              `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	CursorBefore  map[string]interface{} `json:"cursor_before,omitempty"`
	CursorAfter   map[string]interface{} `json:"cursor_after,omitempty"`
	Counts        map[string]interface{} `json:"counts,omitempty"`
	ErrorSummary  map[string]interface{} `json:"error_summary_json,omitempty"`
	Degradation   map[string]interface{} `json:"degradation_json,omitempty"`
	LogbookItemID int64                  `json:"logbook_item_id,omitempty"`
	EvidenceRefs  map[string]interface{} `json:"evidence_refs_json,omitempty"`
}

// JobStatus is the lifecycle state of a queue row.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// DefaultMaxAttempts is applied when a job is enqueued without an explicit
// attempt budget.
const DefaultMaxAttempts = 5

// SyncJob is one queue row. Invariants: status==running iff LockedBy and
// LockedAt are set; Attempts <= MaxAttempts.
type SyncJob struct {
	JobID        string                 `json:"job_id"`
	RepoID       int64                  `json:"repo_id"`
	JobType      string                 `json:"job_type"`
	Mode         SyncMode               `json:"mode"`
	Priority     int                    `json:"priority"`
	Status       JobStatus              `json:"status"`
	Attempts     int                    `json:"attempts"`
	MaxAttempts  int                    `json:"max_attempts"`
	NotBefore    time.Time              `json:"not_before"`
	LockedBy     string                 `json:"locked_by,omitempty"`
	LockedAt     *time.Time             `json:"locked_at,omitempty"`
	LeaseSeconds int                    `json:"lease_seconds"`
	LastError    string                 `json:"last_error,omitempty"`
	LastRunID    string                 `json:"last_run_id,omitempty"`
	Payload      map[string]interface{} `json:"payload_json"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Copy returns a deep enough copy for the in-memory queue to hand out without
// aliasing its internal state.
func (j *SyncJob) Copy() *SyncJob {
	cp := *j
	if j.LockedAt != nil {
		at := *j.LockedAt
		cp.LockedAt = &at
	}
	if j.Payload != nil {
		payload := make(map[string]interface{}, len(j.Payload))
		for k, v := range j.Payload {
			payload[k] = v
		}
		cp.Payload = payload
	}
	return &cp
}

// LeaseExpiry returns the instant the job's lease runs out. Only meaningful
// while the job is running.
func (j *SyncJob) LeaseExpiry() time.Time {
	if j.LockedAt == nil {
		return time.Time{}
	}
	return j.LockedAt.Add(time.Duration(j.LeaseSeconds) * time.Second)
}

// SyncLock is the advisory per-(repo_id, job_type) mutual-exclusion row.
type SyncLock struct {
	LockID       int64     `json:"lock_id"`
	RepoID       int64     `json:"repo_id"`
	JobType      string    `json:"job_type"`
	LockedBy     string    `json:"locked_by"`
	LockedAt     time.Time `json:"locked_at"`
	LeaseSeconds int       `json:"lease_seconds"`
}

// IsExpired reports whether the lock's lease has run out at the given time.
func (l *SyncLock) IsExpired(now time.Time) bool {
	return now.After(l.LockedAt.Add(time.Duration(l.LeaseSeconds) * time.Second))
}

// RateLimitBucket is the persisted token bucket for one SCM instance.
type RateLimitBucket struct {
	InstanceKey string                 `json:"instance_key"`
	Tokens      float64                `json:"tokens"`
	Rate        float64                `json:"rate"`
	Burst       float64                `json:"burst"`
	PausedUntil *time.Time             `json:"paused_until,omitempty"`
	Meta        map[string]interface{} `json:"meta_json,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// OutboxStatus is the delivery state of a memory-card outbox row.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxRow is one memory-card write awaiting (or having finished) delivery
// to the long-term store.
type OutboxRow struct {
	OutboxID  string       `json:"outbox_id"`
	Status    OutboxStatus `json:"status"`
	LastError string       `json:"last_error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// AuditEventType is the closed set of write-audit event types the reaper
// reconciles.
type AuditEventType string

const (
	AuditFlushSuccess  AuditEventType = "outbox_flush_success"
	AuditFlushDedupHit AuditEventType = "outbox_flush_dedup_hit"
	AuditFlushDead     AuditEventType = "outbox_flush_dead"
	AuditStale         AuditEventType = "outbox_stale"
)

// AuditRow is one governance.write_audit row. The outbox reference is by
// value, not a foreign key.
type AuditRow struct {
	AuditID      int64                  `json:"audit_id"`
	EventType    AuditEventType         `json:"event_type"`
	OutboxID     string                 `json:"outbox_id"`
	EvidenceRefs map[string]interface{} `json:"evidence_refs_json,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// HealthPause is one scm.sync_pauses entry: a per-repo pause with a reason.
type HealthPause struct {
	RepoID      int64     `json:"repo_id"`
	JobType     string    `json:"job_type"`
	ReasonCode  string    `json:"reason_code"`
	Reason      string    `json:"reason"`
	PausedAt    time.Time `json:"paused_at"`
	PausedUntil time.Time `json:"paused_until"`
}
