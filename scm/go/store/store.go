// Package store is the DAO for the control plane's durable facts: repos,
// commits and revisions, patch blob records, sync runs, cursors and health
// state in the KV tables, and the outbox/audit rows the reaper reconciles.
//
// Two implementations exist: SQLStore on Postgres and MemoryStore for tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.engram.dev/engram/scm/go/types"
)

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// DBError tags a driver failure so callers can tell infrastructure trouble
// apart from domain errors. SchemaMismatch failures are fatal and must not be
// retried.
type DBError struct {
	Op             string
	SchemaMismatch bool
	Err            error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("db error in %s: %s", e.Op, e.Err)
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// Commit is one git/gitlab commit row destined for logbook.commits.
type Commit struct {
	RepoID      int64
	SHA         string
	Author      string
	CommittedAt *time.Time
	Message     string
}

// SVNRevision is one subversion revision row.
type SVNRevision struct {
	RepoID      int64
	Rev         int64
	Author      string
	CommittedAt *time.Time
	Message     string
}

// PatchBlob records one content-addressed diff artifact. The bytes live in
// the artifact store; this row only carries the pointer.
type PatchBlob struct {
	SourceType      string
	SourceID        string
	SHA256          string
	ContentURI      string
	Ext             string
	SizeBytes       int64
	ChunkingVersion string
	CreatedAt       time.Time
}

// KVEntry is one row of the cursor KV table.
type KVEntry struct {
	Key       string
	Value     map[string]interface{}
	UpdatedAt time.Time
}

// StatusSummary is the aggregate view behind the status CLI and the metrics
// surface.
type StatusSummary struct {
	ReposTotal    int64
	ReposByType   map[types.RepoType]int64
	JobsByStatus  map[types.JobStatus]int64
	RunningRuns   int64
	PausedBuckets int64
}

// Store is the fact-store contract shared by the SQL and in-memory
// implementations.
type Store interface {
	// UpsertRepo inserts the repo if no (repo_type, url) row exists and
	// returns the stored row either way. The boolean reports whether a new
	// row was created. URL must already be in canonical form.
	UpsertRepo(ctx context.Context, repoType types.RepoType, url, projectKey, defaultBranch string) (*types.Repo, bool, error)

	// GetRepoByID returns one repo or ErrNotFound.
	GetRepoByID(ctx context.Context, repoID int64) (*types.Repo, error)

	// GetRepoByURL returns the repo with the given canonical URL or
	// ErrNotFound. Implementations may cache; the repo row is immutable.
	GetRepoByURL(ctx context.Context, url string) (*types.Repo, error)

	// ListRepos returns all repos ordered by id.
	ListRepos(ctx context.Context) ([]*types.Repo, error)

	// InsertCommits bulk-inserts commits, skipping (repo_id, sha) rows that
	// already exist. Returns the number actually inserted.
	InsertCommits(ctx context.Context, commits []*Commit) (int, error)

	// InsertSVNRevisions bulk-inserts revisions, skipping duplicates.
	InsertSVNRevisions(ctx context.Context, revs []*SVNRevision) (int, error)

	// InsertPatchBlob records an artifact pointer. Re-inserting the same
	// (source_type, source_id, sha256) is a no-op.
	InsertPatchBlob(ctx context.Context, blob *PatchBlob) error

	// ListPatchBlobs returns pointer rows for one source type, or all rows
	// when sourceType is empty, ordered by (source_type, source_id, sha256).
	ListPatchBlobs(ctx context.Context, sourceType string) ([]*PatchBlob, error)

	// InsertSyncRunStart writes a new run in status running.
	InsertSyncRunStart(ctx context.Context, run *types.SyncRun) error

	// FinishSyncRun transitions a running run to completed or failed exactly
	// once, recording the outcome. Finishing a non-running run is an error.
	FinishSyncRun(ctx context.Context, runID string, status types.RunStatus, finishedAt time.Time, outcome *RunOutcome) error

	// GetSyncRun returns one run or ErrNotFound.
	GetSyncRun(ctx context.Context, runID string) (*types.SyncRun, error)

	// ListSyncRuns returns runs for a repo, newest first.
	ListSyncRuns(ctx context.Context, repoID int64, limit int) ([]*types.SyncRun, error)

	// GetKV returns the cursor KV value for key, or ErrNotFound.
	GetKV(ctx context.Context, key string) (map[string]interface{}, error)

	// PutKV upserts the cursor KV value for key.
	PutKV(ctx context.Context, key string, value map[string]interface{}) error

	// ListKV returns all entries whose key starts with prefix.
	ListKV(ctx context.Context, prefix string) ([]*KVEntry, error)

	// GetHealth returns one health_kv value, or ErrNotFound.
	GetHealth(ctx context.Context, namespace, key string) (map[string]interface{}, error)

	// PutHealth upserts one health_kv value.
	PutHealth(ctx context.Context, namespace, key string, value map[string]interface{}) error

	// ListHealth returns all values in a namespace keyed by their key.
	ListHealth(ctx context.Context, namespace string) (map[string]map[string]interface{}, error)

	// ListOutbox returns outbox rows in the given status, oldest first.
	ListOutbox(ctx context.Context, status types.OutboxStatus) ([]*types.OutboxRow, error)

	// UpsertOutbox writes or updates an outbox row. Used by tests and by the
	// memory-card flush path.
	UpsertOutbox(ctx context.Context, row *types.OutboxRow) error

	// InsertAudit appends a write_audit event. Idempotent on
	// (event_type, outbox_id): a duplicate insert is a no-op and returns
	// false.
	InsertAudit(ctx context.Context, eventType types.AuditEventType, outboxID string, evidenceRefs map[string]interface{}) (bool, error)

	// HasAudit reports whether an audit event exists for the pair.
	HasAudit(ctx context.Context, eventType types.AuditEventType, outboxID string) (bool, error)

	// ListAudit returns audit rows for one event type, oldest first.
	ListAudit(ctx context.Context, eventType types.AuditEventType) ([]*types.AuditRow, error)

	// GetSyncStatusSummary aggregates repo, job, run, and limiter state.
	GetSyncStatusSummary(ctx context.Context) (*StatusSummary, error)
}

// RunOutcome carries the terminal fields written by FinishSyncRun.
type RunOutcome struct {
	CursorAfter  map[string]interface{}
	Counts       map[string]interface{}
	ErrorSummary map[string]interface{}
	Degradation  map[string]interface{}
	EvidenceRefs map[string]interface{}
}
