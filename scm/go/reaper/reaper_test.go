package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/scm/go/queue"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/types"
)

var testStart = time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

func claimJob(t *testing.T, ctx context.Context, q *queue.InMemoryDB, payload map[string]interface{}) *types.SyncJob {
	t.Helper()
	_, err := q.Enqueue(ctx, &queue.EnqueueRequest{
		RepoID:  1,
		JobType: "gitlab_commits",
		Mode:    types.ModeIncremental,
		Payload: payload,
	})
	require.NoError(t, err)
	job, err := q.ClaimOne(ctx, "w1", queue.ClaimOptions{LeaseSeconds: 60})
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestRunOnce_WithinGrace_LeavesJobAlone(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	q := queue.NewInMemoryDB()
	claimJob(t, ctx, q, nil)

	// Lease expired 10s ago but the 30s grace has not elapsed.
	ctx.AdvanceTime(70 * time.Second)

	r := New(q, store.NewMemoryStore(), Options{AutoFix: true})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.StaleFound)
}

func TestRunOnce_ReportMode_CountsWithoutWriting(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	q := queue.NewInMemoryDB()
	st := store.NewMemoryStore()
	job := claimJob(t, ctx, q, nil)
	require.NoError(t, st.UpsertOutbox(ctx, &types.OutboxRow{OutboxID: "ob-1", Status: types.OutboxSent}))

	ctx.AdvanceTime(2 * time.Minute)

	r := New(q, st, Options{AutoFix: false})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleFound)
	assert.Equal(t, 0, report.StaleRequeued)
	assert.Equal(t, 1, report.SentMissing)
	assert.Equal(t, 0, report.SentBackfilled)
	assert.False(t, report.Changed())

	still, err := q.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, still.Status)
	ok, err := st.HasAudit(ctx, types.AuditFlushSuccess, "ob-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunOnce_RequeuesStaleAndAuditsOutbox(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	q := queue.NewInMemoryDB()
	st := store.NewMemoryStore()
	job := claimJob(t, ctx, q, map[string]interface{}{"outbox_id": "ob-7"})

	ctx.AdvanceTime(2 * time.Minute)

	r := New(q, st, Options{AutoFix: true})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleRequeued)
	assert.Equal(t, 1, report.StaleAudits)

	requeued, err := q.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, requeued.Status)
	assert.Empty(t, requeued.LockedBy)

	audits, err := st.ListAudit(ctx, types.AuditStale)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "ob-7", audits[0].OutboxID)
	extra, ok := audits[0].EvidenceRefs["extra"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ob-7", extra["outbox_id"])

	// The original worker's heartbeat must now fail.
	held, err := q.Heartbeat(ctx, job.JobID, "w1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunOnce_StaleJobWithoutOutbox_NoAudit(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	q := queue.NewInMemoryDB()
	st := store.NewMemoryStore()
	claimJob(t, ctx, q, nil)

	ctx.AdvanceTime(2 * time.Minute)

	r := New(q, st, Options{AutoFix: true})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleRequeued)
	assert.Equal(t, 0, report.StaleAudits)
}

func TestRunOnce_BackfillsSentAudit_SecondSweepIsNoop(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	q := queue.NewInMemoryDB()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertOutbox(ctx, &types.OutboxRow{OutboxID: "ob-1", Status: types.OutboxSent}))

	r := New(q, st, Options{AutoFix: true})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SentBackfilled)

	ok, err := st.HasAudit(ctx, types.AuditFlushSuccess, "ob-1")
	require.NoError(t, err)
	assert.True(t, ok)

	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestRunOnce_DedupHitAudit_SatisfiesSentRow(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertOutbox(ctx, &types.OutboxRow{OutboxID: "ob-2", Status: types.OutboxSent}))
	_, err := st.InsertAudit(ctx, types.AuditFlushDedupHit, "ob-2", nil)
	require.NoError(t, err)

	r := New(queue.NewInMemoryDB(), st, Options{AutoFix: true})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.SentMissing)
	assert.Equal(t, 0, report.SentBackfilled)
}

func TestRunOnce_BackfillsDeadAudit_PreservingLastError(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertOutbox(ctx, &types.OutboxRow{
		OutboxID:  "ob-3",
		Status:    types.OutboxDead,
		LastError: "store rejected card",
	}))

	r := New(queue.NewInMemoryDB(), st, Options{AutoFix: true})
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadBackfilled)

	audits, err := st.ListAudit(ctx, types.AuditFlushDead)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "store rejected card", audits[0].EvidenceRefs["last_error"])
}
