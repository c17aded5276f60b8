// engram-scm-worker is the sync daemon: N worker loops, the reaper, the
// scheduler, and the Prometheus endpoint, all over one Postgres pool.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go.engram.dev/engram/go/common"
	"go.engram.dev/engram/go/metrics2"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
	"go.engram.dev/engram/scm/go/artifacts"
	"go.engram.dev/engram/scm/go/breaker"
	"go.engram.dev/engram/scm/go/config"
	"go.engram.dev/engram/scm/go/executor"
	"go.engram.dev/engram/scm/go/limiter"
	"go.engram.dev/engram/scm/go/pauses"
	"go.engram.dev/engram/scm/go/queue"
	"go.engram.dev/engram/scm/go/reaper"
	"go.engram.dev/engram/scm/go/scheduler"
	"go.engram.dev/engram/scm/go/schema"
	"go.engram.dev/engram/scm/go/scmclient"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/worker"
)

var (
	configPath   = flag.String("config", "", "Path to the TOML config file.")
	dsn          = flag.String("dsn", "", "Postgres DSN; overrides the config file.")
	schemaPrefix = flag.String("schema_prefix", "", "Tenant schema prefix; overrides the config file.")
	promPort     = flag.String("prom_port", ":20000", "Metrics service address (e.g. ':20000').")
	numWorkers   = flag.Int("num_workers", 0, "Worker loops to run; overrides the config file. 0 means 4.")
	applySchema  = flag.Bool("apply_schema", false, "Create schemas and tables at startup if missing.")
	reaperReport = flag.Bool("reaper_report_only", false, "Run the reaper in report mode (no repairs).")

	metricsPollInterval = 15 * time.Second
)

func main() {
	common.InitWithMust("engram-scm-worker", common.PrometheusOpt(promPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		sklog.Fatal(err)
	}
	connStr := *dsn
	if connStr == "" {
		connStr = cfg.Postgres.DSN
	}
	if connStr == "" {
		sklog.Fatalf("No Postgres DSN configured; pass --dsn or set [postgres] dsn.")
	}
	prefix := *schemaPrefix
	if prefix == "" {
		prefix = cfg.Postgres.Schema
	}
	sc, err := schema.NewContext(prefix)
	if err != nil {
		sklog.Fatal(err)
	}

	workers := *numWorkers
	if workers == 0 {
		workers = cfg.Worker.Concurrency
	}
	if workers == 0 {
		workers = 4
	}

	pool, err := schema.NewPool(ctx, connStr, sc, int32(workers)+4)
	if err != nil {
		sklog.Fatal(err)
	}
	defer pool.Close()
	if *applySchema {
		if err := schema.Apply(ctx, pool, sc); err != nil {
			sklog.Fatal(err)
		}
	}

	st, err := store.NewSQLStore(pool)
	if err != nil {
		sklog.Fatal(err)
	}
	q := queue.NewSQLDB(pool)
	lim := limiter.New(limiter.NewSQLStore(pool))
	brk := breaker.New(breaker.NewSQLStore(pool), breaker.Options{})

	token, err := cfg.GitLab.Token()
	if err != nil {
		sklog.Fatal(err)
	}
	svnPassword, err := cfg.SVN.Password()
	if err != nil {
		sklog.Fatal(err)
	}
	gitlab := scmclient.NewGitLabREST(nil, cfg.GitLab.BaseURL, token)
	svn := &scmclient.SVNExec{Username: cfg.SVN.Username, Password: svnPassword}
	blobs, err := blobBackend(ctx, cfg.Artifacts)
	if err != nil {
		sklog.Fatal(err)
	}

	reg := executor.NewRegistry()
	reg.Register("gitlab_commits", executor.GitLabCommits(st, gitlab, blobs))
	reg.Register("gitlab_mrs", executor.GitLabMergeRequests(st, gitlab))
	reg.Register("svn", executor.SVNRevisions(st, svn, blobs))

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		w := worker.New(q, st, lim, brk, reg, worker.Options{
			ProjectKey:        cfg.Project.ProjectKey,
			JobTypes:          cfg.Worker.JobTypes,
			InstanceAllowlist: cfg.Worker.InstanceAllowlist,
			LeaseSeconds:      cfg.Worker.LeaseSeconds,
			HandlerTimeout:    cfg.Worker.HandlerTimeout(),
		})
		group.Go(func() error {
			return w.Run(ctx)
		})
	}
	group.Go(func() error {
		return reaper.New(q, st, reaper.Options{AutoFix: !*reaperReport}).Run(ctx)
	})
	group.Go(func() error {
		return scheduler.New(q, st, brk, scheduler.Options{
			ProjectKey:   cfg.Project.ProjectKey,
			CursorMaxAge: cfg.Scheduler.CursorMaxAge(),
			Interval:     time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		}).Run(ctx)
	})
	group.Go(func() error {
		pollStatusMetrics(ctx, st, brk, lim)
		return nil
	})

	if err := group.Wait(); err != nil {
		sklog.Fatal(err)
	}
	sklog.Info("Shut down cleanly.")
}

// blobBackend builds the diff artifact backend named in the config. The S3
// backend takes its credentials from the ENGRAM_S3_* env vars.
func blobBackend(ctx context.Context, cfg config.Artifacts) (artifacts.Store, error) {
	switch cfg.Backend {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = "artifacts"
		}
		return artifacts.NewFSStore(dir)
	case "s3":
		s3cfg := config.S3FromEnv()
		if s3cfg.Bucket == "" {
			return nil, skerr.Fmt("s3 backend selected but ENGRAM_S3_BUCKET is not set")
		}
		return artifacts.NewS3Store(ctx, artifacts.S3Options{
			Bucket:    s3cfg.Bucket,
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
		})
	default:
		return nil, skerr.Fmt("unknown artifacts backend %q", cfg.Backend)
	}
}

// pollStatusMetrics exports the aggregate gauges scraped from /metrics.
func pollStatusMetrics(ctx context.Context, st store.Store, brk *breaker.Breaker, lim *limiter.Limiter) {
	breakerStateValues := map[breaker.State]int64{
		breaker.Closed:   0,
		breaker.HalfOpen: 1,
		breaker.Open:     2,
	}
	budgetNames := []string{"scm_error_budget_failure", "scm_error_budget_429", "scm_error_budget_timeout"}
	prevBudget := map[string]int64{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(metricsPollInterval):
		}

		summary, err := st.GetSyncStatusSummary(ctx)
		if err != nil {
			sklog.Warningf("Reading status summary: %s", err)
			continue
		}
		metrics2.GetInt64Metric("scm_repos_total").Update(summary.ReposTotal)
		for repoType, n := range summary.ReposByType {
			metrics2.GetInt64Metric("scm_repos_by_type", map[string]string{"repo_type": string(repoType)}).Update(n)
		}
		for status, n := range summary.JobsByStatus {
			metrics2.GetInt64Metric("scm_jobs_by_status", map[string]string{"status": string(status)}).Update(n)
		}
		metrics2.GetInt64Metric("scm_sync_runs_running").Update(summary.RunningRuns)

		// Error-budget rates over the poll window, derived from the worker
		// counters.
		for _, name := range budgetNames {
			count := metrics2.GetCounter(name + "_count").Get()
			metrics2.GetFloat64Metric(name + "_rate").Update(float64(count-prevBudget[name]) / metricsPollInterval.Seconds())
			prevBudget[name] = count
		}

		states, err := brk.States(ctx)
		if err != nil {
			sklog.Warningf("Reading breaker states: %s", err)
			continue
		}
		for key, health := range states {
			metrics2.GetInt64Metric("scm_circuit_breaker_state", map[string]string{"key": key}).Update(breakerStateValues[health.State])
		}

		ts := time.Now()
		buckets, err := lim.Buckets(ctx)
		if err != nil {
			sklog.Warningf("Reading rate limit buckets: %s", err)
			continue
		}
		for _, b := range buckets {
			tags := map[string]string{"instance_key": b.InstanceKey}
			metrics2.GetFloat64Metric("scm_rate_limit_bucket_tokens", tags).Update(b.Tokens)
			var paused int64
			var pauseSeconds float64
			if b.PausedUntil != nil && b.PausedUntil.After(ts) {
				paused = 1
				pauseSeconds = b.PausedUntil.Sub(ts).Seconds()
			}
			metrics2.GetInt64Metric("scm_rate_limit_bucket_paused", tags).Update(paused)
			metrics2.GetFloat64Metric("scm_rate_limit_bucket_pause_seconds", tags).Update(pauseSeconds)
		}

		active, err := pauses.ListActive(ctx, st, ts)
		if err != nil {
			sklog.Warningf("Reading sync pauses: %s", err)
			continue
		}
		byReason := map[string]int64{}
		for _, p := range active {
			byReason[p.ReasonCode]++
		}
		for reason, n := range byReason {
			metrics2.GetInt64Metric("scm_paused_by_reason", map[string]string{"reason_code": reason}).Update(n)
		}
	}
}
