package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/types"
)

// MemoryStore implements Store in memory for tests of the worker, reaper,
// and scheduler.
type MemoryStore struct {
	mtx        sync.Mutex
	repos      map[int64]*types.Repo
	nextRepoID int64
	commits    map[int64]map[string]*Commit
	svnRevs    map[int64]map[int64]*SVNRevision
	patchBlobs map[string]*PatchBlob
	runs       map[string]*types.SyncRun
	kv         map[string]*KVEntry
	health     map[string]map[string]map[string]interface{}
	outbox     map[string]*types.OutboxRow
	audits     []*types.AuditRow
	auditKeys  map[string]bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		repos:      map[int64]*types.Repo{},
		commits:    map[int64]map[string]*Commit{},
		svnRevs:    map[int64]map[int64]*SVNRevision{},
		patchBlobs: map[string]*PatchBlob{},
		runs:       map[string]*types.SyncRun{},
		kv:         map[string]*KVEntry{},
		health:     map[string]map[string]map[string]interface{}{},
		outbox:     map[string]*types.OutboxRow{},
		auditKeys:  map[string]bool{},
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// UpsertRepo implements Store.
func (m *MemoryStore) UpsertRepo(ctx context.Context, repoType types.RepoType, url, projectKey, defaultBranch string) (*types.Repo, bool, error) {
	if !types.ValidRepoType(repoType) {
		return nil, false, skerr.Fmt("unknown repo type %q", repoType)
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, r := range m.repos {
		if r.RepoType == repoType && r.URL == url {
			cp := *r
			return &cp, false, nil
		}
	}
	m.nextRepoID++
	repo := &types.Repo{
		ID:            m.nextRepoID,
		RepoType:      repoType,
		URL:           url,
		ProjectKey:    projectKey,
		DefaultBranch: defaultBranch,
		CreatedAt:     now.Now(ctx),
	}
	m.repos[repo.ID] = repo
	cp := *repo
	return &cp, true, nil
}

// GetRepoByID implements Store.
func (m *MemoryStore) GetRepoByID(ctx context.Context, repoID int64) (*types.Repo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	r, ok := m.repos[repoID]
	if !ok {
		return nil, skerr.Wrap(ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// GetRepoByURL implements Store.
func (m *MemoryStore) GetRepoByURL(ctx context.Context, url string) (*types.Repo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, r := range m.repos {
		if r.URL == url {
			cp := *r
			return &cp, nil
		}
	}
	return nil, skerr.Wrap(ErrNotFound)
}

// ListRepos implements Store.
func (m *MemoryStore) ListRepos(ctx context.Context) ([]*types.Repo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]*types.Repo, 0, len(m.repos))
	for _, r := range m.repos {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// InsertCommits implements Store.
func (m *MemoryStore) InsertCommits(ctx context.Context, commits []*Commit) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	inserted := 0
	for _, c := range commits {
		byRepo, ok := m.commits[c.RepoID]
		if !ok {
			byRepo = map[string]*Commit{}
			m.commits[c.RepoID] = byRepo
		}
		if _, exists := byRepo[c.SHA]; exists {
			continue
		}
		cp := *c
		byRepo[c.SHA] = &cp
		inserted++
	}
	return inserted, nil
}

// InsertSVNRevisions implements Store.
func (m *MemoryStore) InsertSVNRevisions(ctx context.Context, revs []*SVNRevision) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	inserted := 0
	for _, r := range revs {
		byRepo, ok := m.svnRevs[r.RepoID]
		if !ok {
			byRepo = map[int64]*SVNRevision{}
			m.svnRevs[r.RepoID] = byRepo
		}
		if _, exists := byRepo[r.Rev]; exists {
			continue
		}
		cp := *r
		byRepo[r.Rev] = &cp
		inserted++
	}
	return inserted, nil
}

// InsertPatchBlob implements Store.
func (m *MemoryStore) InsertPatchBlob(ctx context.Context, blob *PatchBlob) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := blob.SourceType + "|" + blob.SourceID + "|" + blob.SHA256
	if _, exists := m.patchBlobs[key]; exists {
		return nil
	}
	cp := *blob
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now.Now(ctx)
	}
	m.patchBlobs[key] = &cp
	return nil
}

// ListPatchBlobs implements Store.
func (m *MemoryStore) ListPatchBlobs(ctx context.Context, sourceType string) ([]*PatchBlob, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	keys := make([]string, 0, len(m.patchBlobs))
	for key, b := range m.patchBlobs {
		if sourceType != "" && b.SourceType != sourceType {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*PatchBlob, 0, len(keys))
	for _, key := range keys {
		cp := *m.patchBlobs[key]
		out = append(out, &cp)
	}
	return out, nil
}

// InsertSyncRunStart implements Store.
func (m *MemoryStore) InsertSyncRunStart(ctx context.Context, run *types.SyncRun) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return skerr.Fmt("run %s already exists", run.RunID)
	}
	cp := *run
	cp.Status = types.RunRunning
	cp.CursorBefore = copyMap(run.CursorBefore)
	m.runs[run.RunID] = &cp
	return nil
}

// FinishSyncRun implements Store.
func (m *MemoryStore) FinishSyncRun(ctx context.Context, runID string, status types.RunStatus, finishedAt time.Time, outcome *RunOutcome) error {
	if status != types.RunCompleted && status != types.RunFailed {
		return skerr.Fmt("invalid terminal run status %q", status)
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return skerr.Wrap(ErrNotFound)
	}
	if run.Status != types.RunRunning {
		return skerr.Fmt("run %s is not running; refusing to finish it twice", runID)
	}
	if outcome == nil {
		outcome = &RunOutcome{}
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.CursorAfter = copyMap(outcome.CursorAfter)
	run.Counts = copyMap(outcome.Counts)
	run.ErrorSummary = copyMap(outcome.ErrorSummary)
	run.Degradation = copyMap(outcome.Degradation)
	run.EvidenceRefs = copyMap(outcome.EvidenceRefs)
	return nil
}

// GetSyncRun implements Store.
func (m *MemoryStore) GetSyncRun(ctx context.Context, runID string) (*types.SyncRun, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, skerr.Wrap(ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

// ListSyncRuns implements Store.
func (m *MemoryStore) ListSyncRuns(ctx context.Context, repoID int64, limit int) ([]*types.SyncRun, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var out []*types.SyncRun
	for _, r := range m.runs {
		if r.RepoID != repoID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetKV implements Store.
func (m *MemoryStore) GetKV(ctx context.Context, key string) (map[string]interface{}, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil, skerr.Wrap(ErrNotFound)
	}
	return copyMap(e.Value), nil
}

// PutKV implements Store.
func (m *MemoryStore) PutKV(ctx context.Context, key string, value map[string]interface{}) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.kv[key] = &KVEntry{Key: key, Value: copyMap(value), UpdatedAt: now.Now(ctx)}
	return nil
}

// ListKV implements Store.
func (m *MemoryStore) ListKV(ctx context.Context, prefix string) ([]*KVEntry, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var out []*KVEntry
	for k, e := range m.kv {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, &KVEntry{Key: e.Key, Value: copyMap(e.Value), UpdatedAt: e.UpdatedAt})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out, nil
}

// GetHealth implements Store.
func (m *MemoryStore) GetHealth(ctx context.Context, namespace, key string) (map[string]interface{}, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ns, ok := m.health[namespace]
	if !ok {
		return nil, skerr.Wrap(ErrNotFound)
	}
	v, ok := ns[key]
	if !ok {
		return nil, skerr.Wrap(ErrNotFound)
	}
	return copyMap(v), nil
}

// PutHealth implements Store.
func (m *MemoryStore) PutHealth(ctx context.Context, namespace, key string, value map[string]interface{}) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ns, ok := m.health[namespace]
	if !ok {
		ns = map[string]map[string]interface{}{}
		m.health[namespace] = ns
	}
	ns[key] = copyMap(value)
	return nil
}

// ListHealth implements Store.
func (m *MemoryStore) ListHealth(ctx context.Context, namespace string) (map[string]map[string]interface{}, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := map[string]map[string]interface{}{}
	for k, v := range m.health[namespace] {
		out[k] = copyMap(v)
	}
	return out, nil
}

// ListOutbox implements Store.
func (m *MemoryStore) ListOutbox(ctx context.Context, status types.OutboxStatus) ([]*types.OutboxRow, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var out []*types.OutboxRow
	for _, r := range m.outbox {
		if r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return out, nil
}

// UpsertOutbox implements Store.
func (m *MemoryStore) UpsertOutbox(ctx context.Context, row *types.OutboxRow) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cp := *row
	m.outbox[row.OutboxID] = &cp
	return nil
}

// InsertAudit implements Store.
func (m *MemoryStore) InsertAudit(ctx context.Context, eventType types.AuditEventType, outboxID string, evidenceRefs map[string]interface{}) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := string(eventType) + "|" + outboxID
	if m.auditKeys[key] {
		return false, nil
	}
	m.auditKeys[key] = true
	m.audits = append(m.audits, &types.AuditRow{
		AuditID:      int64(len(m.audits) + 1),
		EventType:    eventType,
		OutboxID:     outboxID,
		EvidenceRefs: copyMap(evidenceRefs),
		CreatedAt:    now.Now(ctx),
	})
	return true, nil
}

// HasAudit implements Store.
func (m *MemoryStore) HasAudit(ctx context.Context, eventType types.AuditEventType, outboxID string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.auditKeys[string(eventType)+"|"+outboxID], nil
}

// ListAudit implements Store.
func (m *MemoryStore) ListAudit(ctx context.Context, eventType types.AuditEventType) ([]*types.AuditRow, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var out []*types.AuditRow
	for _, a := range m.audits {
		if a.EventType != eventType {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// GetSyncStatusSummary implements Store.
func (m *MemoryStore) GetSyncStatusSummary(ctx context.Context) (*StatusSummary, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	sum := &StatusSummary{
		ReposByType:  map[types.RepoType]int64{},
		JobsByStatus: map[types.JobStatus]int64{},
	}
	for _, r := range m.repos {
		sum.ReposTotal++
		sum.ReposByType[r.RepoType]++
	}
	for _, run := range m.runs {
		if run.Status == types.RunRunning {
			sum.RunningRuns++
		}
	}
	return sum, nil
}

var _ Store = (*MemoryStore)(nil)
