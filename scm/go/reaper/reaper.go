// Package reaper reclaims expired job leases and reconciles the outbox with
// the write-audit trail. It is a single-leader loop; running several instances
// is safe because every repair is idempotent, but wasteful.
package reaper

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"go.engram.dev/engram/go/metrics2"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
	"go.engram.dev/engram/scm/go/queue"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/types"
)

const (
	// DefaultGrace is added to the lease expiry before a running job counts
	// as stale. Keeps a worker that is merely slow to heartbeat from being
	// preempted.
	DefaultGrace = 30 * time.Second

	// DefaultInterval between sweeps.
	DefaultInterval = 15 * time.Second
)

// Options configure a reaper.
type Options struct {
	// Grace pads the lease expiry. Zero means DefaultGrace.
	Grace time.Duration

	// AutoFix enables repairs. When false the reaper only counts and logs
	// what it would have done.
	AutoFix bool

	// Interval between sweeps in Run. Zero means DefaultInterval.
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Grace == 0 {
		o.Grace = DefaultGrace
	}
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Report tallies one sweep. In report mode the *Found fields count what a
// repair run would touch and the acted fields stay zero.
type Report struct {
	StaleFound     int
	StaleRequeued  int
	StaleAudits    int
	SentMissing    int
	SentBackfilled int
	DeadMissing    int
	DeadBackfilled int
}

// Changed reports whether the sweep wrote anything.
func (r *Report) Changed() bool {
	return r.StaleRequeued+r.StaleAudits+r.SentBackfilled+r.DeadBackfilled > 0
}

// Reaper sweeps the queue and the outbox.
type Reaper struct {
	opts  Options
	queue queue.DB
	store store.Store

	staleRequeued metrics2.Counter
	auditsFixed   metrics2.Counter
}

// New wires a reaper.
func New(q queue.DB, st store.Store, opts Options) *Reaper {
	return &Reaper{
		opts:          opts.withDefaults(),
		queue:         q,
		store:         st,
		staleRequeued: metrics2.GetCounter("scm_reaper_stale_requeued"),
		auditsFixed:   metrics2.GetCounter("scm_reaper_audits_backfilled"),
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		report, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sklog.Errorf("Reaper sweep failed: %s", err)
		} else if report.Changed() {
			sklog.Infof("Reaper sweep: requeued %d stale jobs, backfilled %d sent / %d dead audits",
				report.StaleRequeued, report.SentBackfilled, report.DeadBackfilled)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.opts.Interval):
		}
	}
}

// RunOnce performs one full sweep. Partial failures are aggregated so one bad
// row does not stop the rest of the sweep.
func (r *Reaper) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}
	var merr *multierror.Error
	if err := r.sweepStale(ctx, report); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := r.backfillSent(ctx, report); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := r.backfillDead(ctx, report); err != nil {
		merr = multierror.Append(merr, err)
	}
	return report, merr.ErrorOrNil()
}

// outboxIDOf extracts the outbox reference a job carries, if any.
func outboxIDOf(job *types.SyncJob) string {
	if job.Payload == nil {
		return ""
	}
	s, _ := job.Payload["outbox_id"].(string)
	return s
}

// sweepStale returns expired leases to pending and records an outbox_stale
// audit for jobs tied to an outbox row.
func (r *Reaper) sweepStale(ctx context.Context, report *Report) error {
	stale, err := r.queue.ListStale(ctx, r.opts.Grace)
	if err != nil {
		return skerr.Wrap(err)
	}
	var merr *multierror.Error
	for _, job := range stale {
		report.StaleFound++
		if !r.opts.AutoFix {
			sklog.Infof("Would requeue stale job %s (worker %s, lease expired %s)",
				job.JobID, job.LockedBy, job.LeaseExpiry())
			continue
		}
		requeued, err := r.queue.RequeueStale(ctx, job.JobID)
		if err != nil {
			merr = multierror.Append(merr, skerr.Wrapf(err, "requeueing job %s", job.JobID))
			continue
		}
		if !requeued {
			// Another sweeper or the worker itself resolved it first.
			continue
		}
		report.StaleRequeued++
		r.staleRequeued.Inc(1)

		if outboxID := outboxIDOf(job); outboxID != "" {
			inserted, err := r.store.InsertAudit(ctx, types.AuditStale, outboxID, map[string]interface{}{
				"extra": map[string]interface{}{
					"outbox_id":  outboxID,
					"last_error": job.LastError,
				},
			})
			if err != nil {
				merr = multierror.Append(merr, skerr.Wrapf(err, "auditing stale job %s", job.JobID))
				continue
			}
			if inserted {
				report.StaleAudits++
				r.auditsFixed.Inc(1)
			}
		}
	}
	return merr.ErrorOrNil()
}

// backfillSent inserts the missing outbox_flush_success audit for sent outbox
// rows that have neither a success nor a dedup-hit audit.
func (r *Reaper) backfillSent(ctx context.Context, report *Report) error {
	rows, err := r.store.ListOutbox(ctx, types.OutboxSent)
	if err != nil {
		return skerr.Wrap(err)
	}
	var merr *multierror.Error
	for _, row := range rows {
		ok, err := r.hasFlushAudit(ctx, row.OutboxID)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if ok {
			continue
		}
		report.SentMissing++
		if !r.opts.AutoFix {
			continue
		}
		inserted, err := r.store.InsertAudit(ctx, types.AuditFlushSuccess, row.OutboxID, map[string]interface{}{
			"outbox_id":  row.OutboxID,
			"backfilled": true,
		})
		if err != nil {
			merr = multierror.Append(merr, skerr.Wrapf(err, "backfilling outbox %s", row.OutboxID))
			continue
		}
		if inserted {
			report.SentBackfilled++
			r.auditsFixed.Inc(1)
		}
	}
	return merr.ErrorOrNil()
}

// backfillDead inserts the missing outbox_flush_dead audit, preserving the
// row's last error.
func (r *Reaper) backfillDead(ctx context.Context, report *Report) error {
	rows, err := r.store.ListOutbox(ctx, types.OutboxDead)
	if err != nil {
		return skerr.Wrap(err)
	}
	var merr *multierror.Error
	for _, row := range rows {
		ok, err := r.store.HasAudit(ctx, types.AuditFlushDead, row.OutboxID)
		if err != nil {
			merr = multierror.Append(merr, skerr.Wrap(err))
			continue
		}
		if ok {
			continue
		}
		report.DeadMissing++
		if !r.opts.AutoFix {
			continue
		}
		inserted, err := r.store.InsertAudit(ctx, types.AuditFlushDead, row.OutboxID, map[string]interface{}{
			"outbox_id":  row.OutboxID,
			"last_error": row.LastError,
			"backfilled": true,
		})
		if err != nil {
			merr = multierror.Append(merr, skerr.Wrapf(err, "backfilling dead outbox %s", row.OutboxID))
			continue
		}
		if inserted {
			report.DeadBackfilled++
			r.auditsFixed.Inc(1)
		}
	}
	return merr.ErrorOrNil()
}

// hasFlushAudit reports whether a sent outbox row already has either terminal
// flush audit. A dedup hit counts: the card landed, just not as a new write.
func (r *Reaper) hasFlushAudit(ctx context.Context, outboxID string) (bool, error) {
	ok, err := r.store.HasAudit(ctx, types.AuditFlushSuccess, outboxID)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if ok {
		return true, nil
	}
	ok, err = r.store.HasAudit(ctx, types.AuditFlushDedupHit, outboxID)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return ok, nil
}
