// Package scheduler enqueues incremental sync work based on cursor age and
// circuit health. Single-leader loop, same caveat as the reaper: extra
// instances are safe because enqueue dedups on (repo_id, job_type), just
// wasteful.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"go.engram.dev/engram/go/metrics2"
	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
	"go.engram.dev/engram/scm/go/breaker"
	"go.engram.dev/engram/scm/go/cursor"
	"go.engram.dev/engram/scm/go/pauses"
	"go.engram.dev/engram/scm/go/queue"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/tenancy"
	"go.engram.dev/engram/scm/go/types"
)

const (
	// DefaultCursorMaxAge is how stale a watermark may get before an
	// incremental job is due.
	DefaultCursorMaxAge = 15 * time.Minute

	// DefaultInterval between ticks.
	DefaultInterval = time.Minute
)

// Options configure a scheduler.
type Options struct {
	// ProjectKey overrides the per-repo project key when building circuit
	// keys. Empty means use each repo's own key.
	ProjectKey string

	// CursorMaxAge per job type. Types not present fall back to
	// DefaultCursorMaxAge.
	CursorMaxAge map[string]time.Duration

	// Interval between ticks in Run. Zero means DefaultInterval.
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Report tallies one tick.
type Report struct {
	IncrementalEnqueued int
	ProbesEnqueued      int
	SkippedOpen         int
	SkippedFresh        int
	SkippedPending      int
	SkippedPaused       int
}

// Scheduler decides which (repo, job_type) pairs are due.
type Scheduler struct {
	opts    Options
	queue   queue.DB
	store   store.Store
	breaker *breaker.Breaker

	enqueued metrics2.Counter
	probes   metrics2.Counter
}

// New wires a scheduler.
func New(q queue.DB, st store.Store, brk *breaker.Breaker, opts Options) *Scheduler {
	return &Scheduler{
		opts:     opts.withDefaults(),
		queue:    q,
		store:    st,
		breaker:  brk,
		enqueued: metrics2.GetCounter("scm_scheduler_jobs_enqueued"),
		probes:   metrics2.GetCounter("scm_scheduler_probes_enqueued"),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		report, err := s.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sklog.Errorf("Scheduler tick failed: %s", err)
		} else if report.IncrementalEnqueued+report.ProbesEnqueued > 0 {
			sklog.Infof("Scheduler tick: enqueued %d incremental, %d probe jobs",
				report.IncrementalEnqueued, report.ProbesEnqueued)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.Interval):
		}
	}
}

// jobTypesFor maps a repo to the job types it can run.
func jobTypesFor(t types.RepoType) []string {
	switch t {
	case types.RepoTypeSVN:
		return []string{"svn"}
	case types.RepoTypeGitLab:
		return []string{"gitlab_commits", "gitlab_mrs"}
	default:
		return []string{"gitlab_commits"}
	}
}

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

func (s *Scheduler) maxAge(jobType string) time.Duration {
	if d, ok := s.opts.CursorMaxAge[jobType]; ok {
		return d
	}
	return DefaultCursorMaxAge
}

// RunOnce performs one tick over all repos. Failures on one pair do not stop
// the rest of the tick.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	report := &Report{}
	var merr *multierror.Error
	for _, repo := range repos {
		for _, jobType := range jobTypesFor(repo.RepoType) {
			if err := s.schedulePair(ctx, repo, jobType, report); err != nil {
				merr = multierror.Append(merr, skerr.Wrapf(err, "scheduling %s for repo %d", jobType, repo.ID))
			}
		}
	}
	return report, merr.ErrorOrNil()
}

func (s *Scheduler) schedulePair(ctx context.Context, repo *types.Repo, jobType string, report *Report) error {
	pending, err := s.queue.HasPending(ctx, repo.ID, jobType)
	if err != nil {
		return err
	}
	if pending {
		report.SkippedPending++
		return nil
	}

	paused, err := pauses.Active(ctx, s.store, repo.ID, jobType, now.Now(ctx))
	if err != nil {
		return err
	}
	if paused != nil {
		report.SkippedPaused++
		return nil
	}

	instanceKey := tenancy.NormalizeInstanceKey(repo.URL)
	projectKey := s.opts.ProjectKey
	if projectKey == "" {
		projectKey = repo.ProjectKey
	}
	circuitKey := breaker.BuildKey(projectKey, breaker.ScopeInstance(instanceKey))
	health, err := s.breaker.Health(ctx, circuitKey)
	if err != nil {
		return err
	}

	ts := now.Now(ctx)
	switch {
	case health.State == breaker.Open && health.OpenUntil.After(ts):
		report.SkippedOpen++
		return nil

	case health.State == breaker.HalfOpen || health.State == breaker.Open:
		// The open window has lapsed (or a probe budget is already live):
		// send a single probe to test the water.
		return s.enqueue(ctx, repo, jobType, types.ModeProbe, instanceKey, health.Suggestions, report)

	default:
		stale, err := s.cursorStale(ctx, jobType, repo.ID, ts)
		if err != nil {
			return err
		}
		if !stale {
			report.SkippedFresh++
			return nil
		}
		return s.enqueue(ctx, repo, jobType, types.ModeIncremental, instanceKey, health.Suggestions, report)
	}
}

// cursorStale reports whether the watermark is older than the per-type
// threshold. A repo that has never synced is always stale.
func (s *Scheduler) cursorStale(ctx context.Context, jobType string, repoID int64, ts time.Time) (bool, error) {
	value, err := s.store.GetKV(ctx, cursorKeyFor(jobType, repoID))
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	raw, _ := value["ts"].(string)
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true, nil
	}
	return ts.Sub(at) > s.maxAge(jobType), nil
}

func (s *Scheduler) enqueue(ctx context.Context, repo *types.Repo, jobType string, mode types.SyncMode, instanceKey string, suggestions map[string]interface{}, report *Report) error {
	payload := map[string]interface{}{
		"version":          "v2",
		"gitlab_instance":  instanceKey,
		"mode":             string(mode),
		"update_watermark": true,
	}
	for k, v := range suggestions {
		payload[k] = v
	}
	_, err := s.queue.Enqueue(ctx, &queue.EnqueueRequest{
		RepoID:  repo.ID,
		JobType: jobType,
		Mode:    mode,
		Payload: payload,
	})
	if errors.Is(err, queue.ErrDuplicatePending) {
		report.SkippedPending++
		return nil
	}
	if err != nil {
		return err
	}
	if mode == types.ModeProbe {
		report.ProbesEnqueued++
		s.probes.Inc(1)
	} else {
		report.IncrementalEnqueued++
		s.enqueued.Inc(1)
	}
	return nil
}
