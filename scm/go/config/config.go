// Package config loads the TOML configuration. Resolution order: an explicit
// path, then ENGRAM_LOGBOOK_CONFIG, then ./.agentx/config.toml, then
// ~/.agentx/config.toml. Secrets never live in the file; they are resolved
// from the environment or from files the config merely points at.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
	"go.engram.dev/engram/scm/go/driftmap"
)

const (
	// EnvConfigPath points at an alternate config file.
	EnvConfigPath = "ENGRAM_LOGBOOK_CONFIG"

	// EnvAdminDSN carries the privileged DSN used by bootstrap. Never read
	// from the file.
	EnvAdminDSN = "ENGRAM_PG_ADMIN_DSN"

	localConfigPath = ".agentx/config.toml"
)

// Postgres holds the connection settings. AdminDSN in the file is tolerated
// for local development but the env var wins.
type Postgres struct {
	DSN      string `toml:"dsn"`
	AdminDSN string `toml:"admin_dsn"`
	Schema   string `toml:"schema"`
}

// Project identifies the tenant.
type Project struct {
	ProjectKey string `toml:"project_key"`
}

// GitLab names where the API token comes from. Exactly one source should be
// set; TokenEnv wins when both are.
type GitLab struct {
	BaseURL   string `toml:"base_url"`
	TokenEnv  string `toml:"token_env"`
	TokenFile string `toml:"token_file"`
}

// Token resolves the GitLab token. Empty without error when no source is
// configured.
func (g *GitLab) Token() (string, error) {
	if g.TokenEnv != "" {
		return os.Getenv(g.TokenEnv), nil
	}
	if g.TokenFile != "" {
		raw, err := os.ReadFile(g.TokenFile)
		if err != nil {
			return "", skerr.Wrapf(err, "reading token file")
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return "", nil
}

// SVN names where the repository password comes from.
type SVN struct {
	Username     string `toml:"username"`
	PasswordEnv  string `toml:"password_env"`
	PasswordFile string `toml:"password_file"`
}

// Password resolves the SVN password the same way GitLab.Token does.
func (s *SVN) Password() (string, error) {
	if s.PasswordEnv != "" {
		return os.Getenv(s.PasswordEnv), nil
	}
	if s.PasswordFile != "" {
		raw, err := os.ReadFile(s.PasswordFile)
		if err != nil {
			return "", skerr.Wrapf(err, "reading password file")
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return "", nil
}

// Worker tunes the sync loops.
type Worker struct {
	Concurrency           int      `toml:"concurrency"`
	LeaseSeconds          int      `toml:"lease_seconds"`
	HandlerTimeoutSeconds int      `toml:"handler_timeout_seconds"`
	JobTypes              []string `toml:"job_types"`
	InstanceAllowlist     []string `toml:"instance_allowlist"`
}

// HandlerTimeout as a duration; zero means the worker default.
func (w *Worker) HandlerTimeout() time.Duration {
	return time.Duration(w.HandlerTimeoutSeconds) * time.Second
}

// Scheduler tunes the enqueue loop.
type Scheduler struct {
	IntervalSeconds     int            `toml:"interval_seconds"`
	CursorMaxAgeSeconds map[string]int `toml:"cursor_max_age_seconds"`
}

// CursorMaxAge converts the per-type thresholds to durations.
func (s *Scheduler) CursorMaxAge() map[string]time.Duration {
	if len(s.CursorMaxAgeSeconds) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(s.CursorMaxAgeSeconds))
	for k, v := range s.CursorMaxAgeSeconds {
		out[k] = time.Duration(v) * time.Second
	}
	return out
}

// Artifacts selects the blob backend.
type Artifacts struct {
	Backend string `toml:"backend"` // "fs" or "s3"
	Dir     string `toml:"dir"`     // fs backend root
}

// S3 credentials come exclusively from the ENGRAM_S3_* env vars.
type S3 struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3FromEnv reads the S3 settings.
func S3FromEnv() S3 {
	return S3{
		Endpoint:  os.Getenv("ENGRAM_S3_ENDPOINT"),
		AccessKey: os.Getenv("ENGRAM_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("ENGRAM_S3_SECRET_KEY"),
		Bucket:    os.Getenv("ENGRAM_S3_BUCKET"),
	}
}

// Config is the full file.
type Config struct {
	Postgres  Postgres     `toml:"postgres"`
	Project   Project      `toml:"project"`
	GitLab    GitLab       `toml:"gitlab"`
	SVN       SVN          `toml:"svn"`
	Worker    Worker       `toml:"worker"`
	Scheduler Scheduler    `toml:"scheduler"`
	Artifacts Artifacts    `toml:"artifacts"`
	DriftMap  driftmap.Map `toml:"drift_map"`
}

// AdminDSN resolves the privileged DSN, env first.
func (c *Config) AdminDSN() string {
	if dsn := os.Getenv(EnvAdminDSN); dsn != "" {
		return dsn
	}
	return c.Postgres.AdminDSN
}

// Resolve returns the config path that Load would use, or "" when no file
// exists anywhere along the chain.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, localConfigPath)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// Load reads and validates the config. A missing chain yields an empty
// config, not an error: commands that need a DSN report that themselves.
func Load(explicit string) (*Config, error) {
	path := Resolve(explicit)
	if path == "" {
		return &Config{}, nil
	}
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, skerr.Wrapf(err, "loading config %s", path)
	}
	if err := c.DriftMap.Validate(); err != nil {
		return nil, skerr.Wrapf(err, "drift_map in %s", path)
	}
	if c.Postgres.AdminDSN != "" {
		sklog.Warningf("admin_dsn found in %s; prefer %s", path, EnvAdminDSN)
	}
	return &c, nil
}
