// engram-bootstrap-roles provisions the database service accounts. It is
// idempotent: re-running with the same environment succeeds without changes
// beyond reasserting role passwords.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"

	"go.engram.dev/engram/go/common"
	"go.engram.dev/engram/go/sklog"
	"go.engram.dev/engram/scm/go/bootstrap"
	"go.engram.dev/engram/scm/go/config"
)

var (
	configPath = flag.String("config", "", "Path to the TOML config file.")
	dryRun     = flag.Bool("dry_run", false, "Detect the mode and exit without touching the database.")
)

func main() {
	common.Init()
	ctx := context.Background()

	mode, err := bootstrap.DetectMode(os.Getenv)
	if err != nil {
		sklog.Fatal(err)
	}
	sklog.Infof("Bootstrap mode: %s", mode)
	if *dryRun {
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		sklog.Fatal(err)
	}
	adminDSN := cfg.AdminDSN()
	if adminDSN == "" {
		sklog.Fatalf("No admin DSN configured; set %s.", config.EnvAdminDSN)
	}

	pool, err := pgxpool.Connect(ctx, adminDSN)
	if err != nil {
		sklog.Fatal(err)
	}
	defer pool.Close()

	if _, err := bootstrap.New(pool).Run(ctx, os.Getenv); err != nil {
		sklog.Fatal(err)
	}
	sklog.Infof("Bootstrap complete in mode %s.", mode)
}
