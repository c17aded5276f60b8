package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sqlutil"
	"go.engram.dev/engram/scm/go/types"
)

const repoCacheSize = 1000

// undefinedTable and undefinedColumn indicate the live schema does not match
// the DDL this binary was built with. Not retryable.
const (
	undefinedTable  = "42P01"
	undefinedColumn = "42703"
)

// SQLStore implements Store on Postgres. Repo rows are immutable, so the
// by-URL lookup is answered from an LRU cache when possible.
type SQLStore struct {
	db        *pgxpool.Pool
	repoCache *lru.Cache
}

// NewSQLStore returns a store backed by the given pool.
func NewSQLStore(db *pgxpool.Pool) (*SQLStore, error) {
	cache, err := lru.New(repoCacheSize)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &SQLStore{db: db, repoCache: cache}, nil
}

// dbErr wraps a driver error as a tagged *DBError.
func dbErr(op string, err error) error {
	var pgErr *pgconn.PgError
	mismatch := false
	if errors.As(err, &pgErr) {
		mismatch = pgErr.Code == undefinedTable || pgErr.Code == undefinedColumn
	}
	return skerr.Wrap(&DBError{Op: op, SchemaMismatch: mismatch, Err: err})
}

const repoColumns = `repo_id, repo_type, url, project_key, default_branch, created_at`

func scanRepo(row pgx.Row) (*types.Repo, error) {
	var r types.Repo
	if err := row.Scan(&r.ID, &r.RepoType, &r.URL, &r.ProjectKey, &r.DefaultBranch, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRepo implements Store.
func (s *SQLStore) UpsertRepo(ctx context.Context, repoType types.RepoType, url, projectKey, defaultBranch string) (*types.Repo, bool, error) {
	if !types.ValidRepoType(repoType) {
		return nil, false, skerr.Fmt("unknown repo type %q", repoType)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO repos (repo_type, url, project_key, default_branch)
VALUES ($1, $2, $3, $4)
ON CONFLICT (repo_type, url) DO NOTHING`,
		string(repoType), url, projectKey, defaultBranch)
	if err != nil {
		return nil, false, dbErr("UpsertRepo", err)
	}
	created := tag.RowsAffected() == 1

	// Reselect so concurrent upserts all observe the winning row.
	repo, err := scanRepo(s.db.QueryRow(ctx, `
SELECT `+repoColumns+` FROM repos WHERE repo_type = $1 AND url = $2`,
		string(repoType), url))
	if err != nil {
		return nil, false, dbErr("UpsertRepo", err)
	}
	s.repoCache.Add(repo.URL, repo)
	return repo, created, nil
}

// GetRepoByID implements Store.
func (s *SQLStore) GetRepoByID(ctx context.Context, repoID int64) (*types.Repo, error) {
	repo, err := scanRepo(s.db.QueryRow(ctx, `
SELECT `+repoColumns+` FROM repos WHERE repo_id = $1`, repoID))
	if err == pgx.ErrNoRows {
		return nil, skerr.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("GetRepoByID", err)
	}
	return repo, nil
}

// GetRepoByURL implements Store.
func (s *SQLStore) GetRepoByURL(ctx context.Context, url string) (*types.Repo, error) {
	if cached, ok := s.repoCache.Get(url); ok {
		return cached.(*types.Repo), nil
	}
	repo, err := scanRepo(s.db.QueryRow(ctx, `
SELECT `+repoColumns+` FROM repos WHERE url = $1`, url))
	if err == pgx.ErrNoRows {
		return nil, skerr.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("GetRepoByURL", err)
	}
	s.repoCache.Add(url, repo)
	return repo, nil
}

// ListRepos implements Store.
func (s *SQLStore) ListRepos(ctx context.Context) ([]*types.Repo, error) {
	rows, err := s.db.Query(ctx, `SELECT `+repoColumns+` FROM repos ORDER BY repo_id`)
	if err != nil {
		return nil, dbErr("ListRepos", err)
	}
	defer rows.Close()
	var out []*types.Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, dbErr("ListRepos", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertCommits implements Store.
func (s *SQLStore) InsertCommits(ctx context.Context, commits []*Commit) (int, error) {
	if len(commits) == 0 {
		return 0, nil
	}
	const valuesPerRow = 5
	args := make([]interface{}, 0, valuesPerRow*len(commits))
	for _, c := range commits {
		args = append(args, c.RepoID, c.SHA, c.Author, c.CommittedAt, c.Message)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO commits (repo_id, sha, author, committed_at, message)
VALUES `+sqlutil.ValuesPlaceholders(valuesPerRow, len(commits))+`
ON CONFLICT (repo_id, sha) DO NOTHING`, args...)
	if err != nil {
		return 0, dbErr("InsertCommits", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertSVNRevisions implements Store.
func (s *SQLStore) InsertSVNRevisions(ctx context.Context, revs []*SVNRevision) (int, error) {
	if len(revs) == 0 {
		return 0, nil
	}
	const valuesPerRow = 5
	args := make([]interface{}, 0, valuesPerRow*len(revs))
	for _, r := range revs {
		args = append(args, r.RepoID, r.Rev, r.Author, r.CommittedAt, r.Message)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO svn_revisions (repo_id, rev, author, committed_at, message)
VALUES `+sqlutil.ValuesPlaceholders(valuesPerRow, len(revs))+`
ON CONFLICT (repo_id, rev) DO NOTHING`, args...)
	if err != nil {
		return 0, dbErr("InsertSVNRevisions", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertPatchBlob implements Store.
func (s *SQLStore) InsertPatchBlob(ctx context.Context, blob *PatchBlob) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO patch_blobs (source_type, source_id, sha256, content_uri, ext, size_bytes, chunking_version)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
ON CONFLICT (source_type, source_id, sha256) DO NOTHING`,
		blob.SourceType, blob.SourceID, blob.SHA256, blob.ContentURI, blob.Ext,
		blob.SizeBytes, blob.ChunkingVersion)
	if err != nil {
		return dbErr("InsertPatchBlob", err)
	}
	return nil
}

// ListPatchBlobs implements Store.
func (s *SQLStore) ListPatchBlobs(ctx context.Context, sourceType string) ([]*PatchBlob, error) {
	query := `
SELECT source_type, source_id, sha256, content_uri, ext, size_bytes,
	COALESCE(chunking_version, ''), created_at
FROM patch_blobs`
	args := []interface{}{}
	if sourceType != "" {
		query += ` WHERE source_type = $1`
		args = append(args, sourceType)
	}
	query += ` ORDER BY source_type, source_id, sha256`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr("ListPatchBlobs", err)
	}
	defer rows.Close()
	var out []*PatchBlob
	for rows.Next() {
		b := &PatchBlob{}
		if err := rows.Scan(&b.SourceType, &b.SourceID, &b.SHA256, &b.ContentURI,
			&b.Ext, &b.SizeBytes, &b.ChunkingVersion, &b.CreatedAt); err != nil {
			return nil, dbErr("ListPatchBlobs", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("ListPatchBlobs", err)
	}
	return out, nil
}

// InsertSyncRunStart implements Store.
func (s *SQLStore) InsertSyncRunStart(ctx context.Context, run *types.SyncRun) error {
	cursorBefore, err := json.Marshal(run.CursorBefore)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO sync_runs (run_id, repo_id, job_type, mode, status, started_at, cursor_before)
VALUES ($1::uuid, $2, $3, $4, 'running', $5, $6)`,
		run.RunID, run.RepoID, run.JobType, string(run.Mode), run.StartedAt, cursorBefore)
	if err != nil {
		return dbErr("InsertSyncRunStart", err)
	}
	return nil
}

// FinishSyncRun implements Store.
func (s *SQLStore) FinishSyncRun(ctx context.Context, runID string, status types.RunStatus, finishedAt time.Time, outcome *RunOutcome) error {
	if status != types.RunCompleted && status != types.RunFailed {
		return skerr.Fmt("invalid terminal run status %q", status)
	}
	if outcome == nil {
		outcome = &RunOutcome{}
	}
	tag, err := s.db.Exec(ctx, `
UPDATE sync_runs
SET status = $2, finished_at = $3, cursor_after = $4, counts = $5,
	error_summary_json = $6, degradation_json = $7, evidence_refs_json = $8
WHERE run_id = $1::uuid AND status = 'running'`,
		runID, string(status), finishedAt,
		jsonOrNil(outcome.CursorAfter), jsonOrNil(outcome.Counts),
		jsonOrNil(outcome.ErrorSummary), jsonOrNil(outcome.Degradation),
		jsonOrNil(outcome.EvidenceRefs))
	if err != nil {
		return dbErr("FinishSyncRun", err)
	}
	if tag.RowsAffected() != 1 {
		return skerr.Fmt("run %s is not running; refusing to finish it twice", runID)
	}
	return nil
}

func jsonOrNil(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

const runColumns = `run_id::text, repo_id, job_type, mode, status, started_at,
finished_at, cursor_before, cursor_after, counts, error_summary_json,
degradation_json, logbook_item_id, evidence_refs_json`

func scanRun(row pgx.Row) (*types.SyncRun, error) {
	var r types.SyncRun
	var cursorBefore, cursorAfter, counts, errSummary, degradation, evidence []byte
	var logbookItemID *int64
	if err := row.Scan(&r.RunID, &r.RepoID, &r.JobType, &r.Mode, &r.Status,
		&r.StartedAt, &r.FinishedAt, &cursorBefore, &cursorAfter, &counts,
		&errSummary, &degradation, &logbookItemID, &evidence); err != nil {
		return nil, err
	}
	if logbookItemID != nil {
		r.LogbookItemID = *logbookItemID
	}
	for _, f := range []struct {
		raw  []byte
		dest *map[string]interface{}
	}{
		{cursorBefore, &r.CursorBefore},
		{cursorAfter, &r.CursorAfter},
		{counts, &r.Counts},
		{errSummary, &r.ErrorSummary},
		{degradation, &r.Degradation},
		{evidence, &r.EvidenceRefs},
	} {
		if len(f.raw) > 0 {
			if err := json.Unmarshal(f.raw, f.dest); err != nil {
				return nil, skerr.Wrapf(err, "corrupt JSON in run %s", r.RunID)
			}
		}
	}
	return &r, nil
}

// GetSyncRun implements Store.
func (s *SQLStore) GetSyncRun(ctx context.Context, runID string) (*types.SyncRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `
SELECT `+runColumns+` FROM sync_runs WHERE run_id = $1::uuid`, runID))
	if err == pgx.ErrNoRows {
		return nil, skerr.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("GetSyncRun", err)
	}
	return run, nil
}

// ListSyncRuns implements Store.
func (s *SQLStore) ListSyncRuns(ctx context.Context, repoID int64, limit int) ([]*types.SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE repo_id = $1 ORDER BY started_at DESC`
	args := []interface{}{repoID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr("ListSyncRuns", err)
	}
	defer rows.Close()
	var out []*types.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, dbErr("ListSyncRuns", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetKV implements Store.
func (s *SQLStore) GetKV(ctx context.Context, key string) (map[string]interface{}, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, skerr.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("GetKV", err)
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, skerr.Wrapf(err, "corrupt KV value for %s", key)
	}
	return value, nil
}

// PutKV implements Store.
func (s *SQLStore) PutKV(ctx context.Context, key string, value map[string]interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`, key, raw)
	if err != nil {
		return dbErr("PutKV", err)
	}
	return nil
}

// ListKV implements Store.
func (s *SQLStore) ListKV(ctx context.Context, prefix string) ([]*KVEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT key, value, updated_at FROM kv WHERE key LIKE $1 || '%' ORDER BY key`,
		escapeLike(prefix))
	if err != nil {
		return nil, dbErr("ListKV", err)
	}
	defer rows.Close()
	var out []*KVEntry
	for rows.Next() {
		var e KVEntry
		var raw []byte
		if err := rows.Scan(&e.Key, &raw, &e.UpdatedAt); err != nil {
			return nil, dbErr("ListKV", err)
		}
		if err := json.Unmarshal(raw, &e.Value); err != nil {
			return nil, skerr.Wrapf(err, "corrupt KV value for %s", e.Key)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// GetHealth implements Store.
func (s *SQLStore) GetHealth(ctx context.Context, namespace, key string) (map[string]interface{}, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
SELECT value FROM health_kv WHERE namespace = $1 AND key = $2`, namespace, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, skerr.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("GetHealth", err)
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, skerr.Wrapf(err, "corrupt health value for %s/%s", namespace, key)
	}
	return value, nil
}

// PutHealth implements Store.
func (s *SQLStore) PutHealth(ctx context.Context, namespace, key string, value map[string]interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO health_kv (namespace, key, value, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = now()`,
		namespace, key, raw)
	if err != nil {
		return dbErr("PutHealth", err)
	}
	return nil
}

// ListHealth implements Store.
func (s *SQLStore) ListHealth(ctx context.Context, namespace string) (map[string]map[string]interface{}, error) {
	rows, err := s.db.Query(ctx, `
SELECT key, value FROM health_kv WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, dbErr("ListHealth", err)
	}
	defer rows.Close()
	out := map[string]map[string]interface{}{}
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, dbErr("ListHealth", err)
		}
		var value map[string]interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, skerr.Wrapf(err, "corrupt health value for %s/%s", namespace, key)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// ListOutbox implements Store.
func (s *SQLStore) ListOutbox(ctx context.Context, status types.OutboxStatus) ([]*types.OutboxRow, error) {
	rows, err := s.db.Query(ctx, `
SELECT outbox_id::text, status, COALESCE(last_error, ''), updated_at
FROM outbox_memory WHERE status = $1 ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, dbErr("ListOutbox", err)
	}
	defer rows.Close()
	var out []*types.OutboxRow
	for rows.Next() {
		var r types.OutboxRow
		if err := rows.Scan(&r.OutboxID, &r.Status, &r.LastError, &r.UpdatedAt); err != nil {
			return nil, dbErr("ListOutbox", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpsertOutbox implements Store.
func (s *SQLStore) UpsertOutbox(ctx context.Context, row *types.OutboxRow) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO outbox_memory (outbox_id, status, last_error, updated_at)
VALUES ($1::uuid, $2, NULLIF($3, ''), $4)
ON CONFLICT (outbox_id) DO UPDATE
SET status = $2, last_error = NULLIF($3, ''), updated_at = $4`,
		row.OutboxID, string(row.Status), row.LastError, row.UpdatedAt)
	if err != nil {
		return dbErr("UpsertOutbox", err)
	}
	return nil
}

// InsertAudit implements Store.
func (s *SQLStore) InsertAudit(ctx context.Context, eventType types.AuditEventType, outboxID string, evidenceRefs map[string]interface{}) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO write_audit (event_type, outbox_id, evidence_refs_json)
VALUES ($1, $2, $3)
ON CONFLICT (event_type, outbox_id) DO NOTHING`,
		string(eventType), outboxID, jsonOrNil(evidenceRefs))
	if err != nil {
		return false, dbErr("InsertAudit", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasAudit implements Store.
func (s *SQLStore) HasAudit(ctx context.Context, eventType types.AuditEventType, outboxID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM write_audit WHERE event_type = $1 AND outbox_id = $2)`,
		string(eventType), outboxID).Scan(&exists)
	if err != nil {
		return false, dbErr("HasAudit", err)
	}
	return exists, nil
}

// ListAudit implements Store.
func (s *SQLStore) ListAudit(ctx context.Context, eventType types.AuditEventType) ([]*types.AuditRow, error) {
	rows, err := s.db.Query(ctx, `
SELECT audit_id, event_type, outbox_id, evidence_refs_json, created_at
FROM write_audit WHERE event_type = $1 ORDER BY audit_id ASC`, string(eventType))
	if err != nil {
		return nil, dbErr("ListAudit", err)
	}
	defer rows.Close()
	var out []*types.AuditRow
	for rows.Next() {
		var r types.AuditRow
		var evidence []byte
		if err := rows.Scan(&r.AuditID, &r.EventType, &r.OutboxID, &evidence, &r.CreatedAt); err != nil {
			return nil, dbErr("ListAudit", err)
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &r.EvidenceRefs); err != nil {
				return nil, skerr.Wrapf(err, "corrupt evidence refs in audit %d", r.AuditID)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetSyncStatusSummary implements Store.
func (s *SQLStore) GetSyncStatusSummary(ctx context.Context) (*StatusSummary, error) {
	sum := &StatusSummary{
		ReposByType:  map[types.RepoType]int64{},
		JobsByStatus: map[types.JobStatus]int64{},
	}
	rows, err := s.db.Query(ctx, `SELECT repo_type, COUNT(*) FROM repos GROUP BY repo_type`)
	if err != nil {
		return nil, dbErr("GetSyncStatusSummary", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rt string
		var n int64
		if err := rows.Scan(&rt, &n); err != nil {
			return nil, dbErr("GetSyncStatusSummary", err)
		}
		sum.ReposByType[types.RepoType(rt)] = n
		sum.ReposTotal += n
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("GetSyncStatusSummary", err)
	}

	jobRows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, dbErr("GetSyncStatusSummary", err)
	}
	defer jobRows.Close()
	for jobRows.Next() {
		var st string
		var n int64
		if err := jobRows.Scan(&st, &n); err != nil {
			return nil, dbErr("GetSyncStatusSummary", err)
		}
		sum.JobsByStatus[types.JobStatus(st)] = n
	}
	if err := jobRows.Err(); err != nil {
		return nil, dbErr("GetSyncStatusSummary", err)
	}

	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_runs WHERE status = 'running'`).Scan(&sum.RunningRuns); err != nil {
		return nil, dbErr("GetSyncStatusSummary", err)
	}
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM rate_limit_buckets WHERE paused_until IS NOT NULL AND paused_until > now()`).Scan(&sum.PausedBuckets); err != nil {
		return nil, dbErr("GetSyncStatusSummary", err)
	}
	return sum, nil
}

var _ Store = (*SQLStore)(nil)
