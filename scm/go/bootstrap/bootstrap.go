// Package bootstrap creates the database service accounts. It runs against
// the privileged DSN and is idempotent: existing roles get their password and
// attributes reasserted.
package bootstrap

import (
	"context"
	"os"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
)

// Mode is what slice of the stack the bootstrap provisions.
type Mode string

const (
	// ModeLogbookOnly provisions only the logbook roles.
	ModeLogbookOnly Mode = "logbook-only"
	// ModeUnifiedStack provisions the logbook and the memory-store roles.
	ModeUnifiedStack Mode = "unified-stack"
)

// ErrPartialPasswords is the stable error code reported when only some of
// the four role password env vars are set.
const ErrPartialPasswords = "BOOTSTRAP_CONFIG_PARTIAL_PASSWORD"

// Role password env vars, in role order.
const (
	EnvLogbookMigratorPassword    = "ENGRAM_LOGBOOK_MIGRATOR_PASSWORD"
	EnvLogbookSvcPassword         = "ENGRAM_LOGBOOK_SVC_PASSWORD"
	EnvOpenMemoryMigratorPassword = "ENGRAM_OPENMEMORY_MIGRATOR_PASSWORD"
	EnvOpenMemorySvcPassword      = "ENGRAM_OPENMEMORY_SVC_PASSWORD"
)

// EnvOMSchema names the memory-store schema. It must not be public.
const EnvOMSchema = "OM_PG_SCHEMA"

var passwordEnvVars = []string{
	EnvLogbookMigratorPassword,
	EnvLogbookSvcPassword,
	EnvOpenMemoryMigratorPassword,
	EnvOpenMemorySvcPassword,
}

// Getenv decouples mode detection from the process environment for tests.
type Getenv func(string) string

// DetectMode inspects the four password env vars. All set means
// unified-stack, none set means logbook-only, anything in between is a
// configuration error carrying ErrPartialPasswords.
func DetectMode(getenv Getenv) (Mode, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var set, missing []string
	for _, name := range passwordEnvVars {
		if getenv(name) != "" {
			set = append(set, name)
		} else {
			missing = append(missing, name)
		}
	}
	switch len(set) {
	case 0:
		return ModeLogbookOnly, nil
	case len(passwordEnvVars):
		return ModeUnifiedStack, nil
	default:
		return "", skerr.Fmt("%s: set %s but missing %s",
			ErrPartialPasswords, strings.Join(set, ","), strings.Join(missing, ","))
	}
}

// DB is the slice of pgxpool.Pool the bootstrapper needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Bootstrapper provisions roles on one cluster.
type Bootstrapper struct {
	db DB
}

// New wires a bootstrapper.
func New(db DB) *Bootstrapper {
	return &Bootstrapper{db: db}
}

// quoteLiteral escapes a string for inline SQL. Role DDL cannot take bind
// parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// checkOMSchema rejects a missing or public memory-store schema.
func checkOMSchema(getenv Getenv) error {
	schema := getenv(EnvOMSchema)
	if schema == "" {
		return skerr.Fmt("%s must be set in unified-stack mode", EnvOMSchema)
	}
	if strings.EqualFold(schema, "public") {
		return skerr.Fmt("%s must not be public", EnvOMSchema)
	}
	return nil
}

// canCreateRoles prechecks that the connected user may create roles.
func (b *Bootstrapper) canCreateRoles(ctx context.Context) error {
	var ok bool
	err := b.db.QueryRow(ctx,
		`SELECT rolcreaterole OR rolsuper FROM pg_roles WHERE rolname = current_user`,
	).Scan(&ok)
	if err != nil {
		return skerr.Wrapf(err, "checking CREATEROLE")
	}
	if !ok {
		return skerr.Fmt("connected user lacks CREATEROLE; bootstrap needs a privileged DSN")
	}
	return nil
}

// ensureRole creates the role or reasserts its password if it exists.
func (b *Bootstrapper) ensureRole(ctx context.Context, name, password string) error {
	var exists bool
	err := b.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return skerr.Wrapf(err, "checking role %s", name)
	}
	ident := pgx.Identifier{name}.Sanitize()
	stmt := "CREATE ROLE " + ident + " WITH LOGIN PASSWORD " + quoteLiteral(password)
	if exists {
		stmt = "ALTER ROLE " + ident + " WITH LOGIN PASSWORD " + quoteLiteral(password)
	}
	if _, err := b.db.Exec(ctx, stmt); err != nil {
		return skerr.Wrapf(err, "ensuring role %s", name)
	}
	sklog.Infof("Role %s ensured (existed: %v)", name, exists)
	return nil
}

// Run detects the mode and provisions the roles for it. Re-running with the
// same environment is a no-op beyond reasserting passwords.
func (b *Bootstrapper) Run(ctx context.Context, getenv Getenv) (Mode, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	mode, err := DetectMode(getenv)
	if err != nil {
		return "", err
	}
	if err := b.canCreateRoles(ctx); err != nil {
		return "", err
	}

	if mode == ModeLogbookOnly {
		sklog.Infof("Bootstrap mode %s: no role passwords configured, nothing to provision", mode)
		return mode, nil
	}

	if err := checkOMSchema(getenv); err != nil {
		return "", err
	}
	roles := []struct {
		name string
		env  string
	}{
		{"logbook_migrator", EnvLogbookMigratorPassword},
		{"logbook_svc", EnvLogbookSvcPassword},
		{"openmemory_migrator_login", EnvOpenMemoryMigratorPassword},
		{"openmemory_svc", EnvOpenMemorySvcPassword},
	}
	for _, r := range roles {
		if err := b.ensureRole(ctx, r.name, getenv(r.env)); err != nil {
			return "", err
		}
	}
	return mode, nil
}
