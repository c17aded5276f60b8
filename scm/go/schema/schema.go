// Package schema owns the Postgres DDL for the SCM sync control plane and
// the tenant-aware search_path handling that lets multiple tenants coexist in
// one database.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
)

// validPrefix keeps tenant prefixes safe for direct interpolation into DDL
// and SET search_path statements.
var validPrefix = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Context selects the schema namespace for one tenant. The zero value uses
// the bare schema names with public as the fallback sink.
type Context struct {
	Prefix string
}

// NewContext validates and returns a schema context for the given tenant
// prefix.
func NewContext(prefix string) (Context, error) {
	if prefix != "" && !validPrefix.MatchString(prefix) {
		return Context{}, skerr.Fmt("invalid schema prefix %q", prefix)
	}
	return Context{Prefix: prefix}, nil
}

// namespaces in search-path order. public is always the fallback sink.
var namespaces = []string{"logbook", "scm", "identity", "analysis", "governance"}

// Schemas returns the prefixed schema names this context owns, without the
// trailing public fallback.
func (c Context) Schemas() []string {
	out := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		out = append(out, c.Qualify(ns))
	}
	return out
}

// Qualify maps a namespace to its tenant-prefixed schema name, e.g.
// Qualify("scm") == "acme_scm" for prefix "acme".
func (c Context) Qualify(namespace string) string {
	if c.Prefix == "" {
		return namespace
	}
	return c.Prefix + "_" + namespace
}

// SearchPath builds the search_path this context applies to every
// connection.
func (c Context) SearchPath() string {
	return strings.Join(append(c.Schemas(), "public"), ",")
}

// NewPool connects a pgx pool whose every connection has the context's
// search_path applied.
func NewPool(ctx context.Context, dsn string, sc Context, maxConns int32) (*pgxpool.Pool, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing postgres config")
	}
	conf.MaxConns = maxConns
	searchPath := sc.SearchPath()
	conf.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+searchPath)
		return err
	}
	db, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		return nil, skerr.Wrapf(err, "connecting to the database")
	}
	sklog.Infof("Connected to SQL database with search_path %s", searchPath)
	return db, nil
}

// Apply creates the schemas and tables for this context if they do not
// already exist.
func Apply(ctx context.Context, db *pgxpool.Pool, sc Context) error {
	for _, s := range sc.Schemas() {
		if _, err := db.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s)); err != nil {
			return skerr.Wrapf(err, "creating schema %s", s)
		}
	}
	ddl := Schema
	for _, ns := range namespaces {
		ddl = strings.ReplaceAll(ddl, "{{"+ns+"}}", sc.Qualify(ns))
	}
	if _, err := db.Exec(ctx, ddl); err != nil {
		return skerr.Wrapf(err, "applying schema DDL")
	}
	return nil
}

// Schema is the DDL for all tables used by the control plane. Namespace
// placeholders are substituted with the tenant-prefixed schema names by
// Apply.
const Schema = `
CREATE TABLE IF NOT EXISTS {{scm}}.repos (
	repo_id BIGSERIAL PRIMARY KEY,
	repo_type TEXT NOT NULL CHECK (repo_type IN ('git', 'svn', 'gitlab')),
	url TEXT NOT NULL,
	project_key TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (repo_type, url)
);

CREATE TABLE IF NOT EXISTS {{logbook}}.commits (
	repo_id BIGINT NOT NULL,
	sha TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ,
	message TEXT NOT NULL DEFAULT '',
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (repo_id, sha)
);

CREATE TABLE IF NOT EXISTS {{logbook}}.svn_revisions (
	repo_id BIGINT NOT NULL,
	rev BIGINT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ,
	message TEXT NOT NULL DEFAULT '',
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (repo_id, rev)
);

CREATE TABLE IF NOT EXISTS {{logbook}}.patch_blobs (
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	content_uri TEXT NOT NULL,
	ext TEXT NOT NULL CHECK (ext IN ('diff', 'diffstat', 'ministat')),
	size_bytes BIGINT NOT NULL DEFAULT 0,
	chunking_version TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_type, source_id, sha256)
);

CREATE TABLE IF NOT EXISTS {{scm}}.sync_runs (
	run_id UUID PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	mode TEXT NOT NULL CHECK (mode IN ('incremental', 'backfill', 'probe')),
	status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	cursor_before JSONB,
	cursor_after JSONB,
	counts JSONB,
	error_summary_json JSONB,
	degradation_json JSONB,
	logbook_item_id BIGINT,
	evidence_refs_json JSONB
);
CREATE INDEX IF NOT EXISTS sync_runs_repo_started
	ON {{scm}}.sync_runs (repo_id, started_at DESC);

CREATE TABLE IF NOT EXISTS {{scm}}.sync_jobs (
	job_id UUID PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	mode TEXT NOT NULL CHECK (mode IN ('incremental', 'backfill', 'probe')),
	priority INT NOT NULL DEFAULT 100,
	status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'dead')),
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 5,
	not_before TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_by TEXT,
	locked_at TIMESTAMPTZ,
	lease_seconds INT NOT NULL DEFAULT 300,
	last_error TEXT,
	last_run_id UUID,
	payload_json JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((status = 'running') = (locked_by IS NOT NULL AND locked_at IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS sync_jobs_claim
	ON {{scm}}.sync_jobs (priority, created_at) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS sync_jobs_pending_dedup
	ON {{scm}}.sync_jobs (repo_id, job_type) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS {{scm}}.sync_locks (
	lock_id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	job_type TEXT NOT NULL,
	locked_by TEXT NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_seconds INT NOT NULL DEFAULT 300,
	UNIQUE (repo_id, job_type)
);

CREATE TABLE IF NOT EXISTS {{scm}}.rate_limit_buckets (
	instance_key TEXT PRIMARY KEY,
	tokens DOUBLE PRECISION NOT NULL,
	rate DOUBLE PRECISION NOT NULL,
	burst DOUBLE PRECISION NOT NULL,
	paused_until TIMESTAMPTZ,
	meta_json JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{scm}}.health_kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS {{scm}}.kv (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{logbook}}.outbox_memory (
	outbox_id UUID PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('pending', 'sent', 'dead')),
	last_error TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{governance}}.write_audit (
	audit_id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL CHECK (event_type IN
		('outbox_flush_success', 'outbox_flush_dedup_hit', 'outbox_flush_dead', 'outbox_stale')),
	outbox_id TEXT NOT NULL,
	evidence_refs_json JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (event_type, outbox_id)
);
`
