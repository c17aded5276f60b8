// engram-scm is the repo administration CLI. All output is JSON.
//
// Exit codes: 0 success, 1 generic error, 2 invalid arguments, 3 missing
// DSN, 4 not found.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/urfave/cli/v2"

	"go.engram.dev/engram/scm/go/config"
	"go.engram.dev/engram/scm/go/queue"
	"go.engram.dev/engram/scm/go/schema"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/types"
)

const (
	exitGeneric     = 1
	exitInvalidArgs = 2
	exitNoDSN       = 3
	exitNotFound    = 4
)

func main() {
	// Make sklog happy so it doesn't log errors.
	flag.Parse()

	app := &cli.App{
		Name:  "engram-scm",
		Usage: "Administer the repos tracked by the SCM sync control plane.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file.",
			},
			&cli.StringFlag{
				Name:  "dsn",
				Usage: "Postgres DSN; overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "schema-prefix",
				Usage: "Tenant schema prefix; overrides the config file.",
			},
		},
		Commands: []*cli.Command{
			ensureRepoCommand(),
			listReposCommand(),
			getRepoCommand(),
			listLocksCommand(),
			putArtifactCommand(),
			getArtifactCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		// cli.Exit errors have already been handled by Run.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGeneric)
	}
}

// connect resolves the DSN and opens the fact store.
func connect(c *cli.Context) (*pgxpool.Pool, store.Store, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitGeneric)
	}
	dsn := c.String("dsn")
	if dsn == "" {
		dsn = cfg.Postgres.DSN
	}
	if dsn == "" {
		return nil, nil, cli.Exit("no Postgres DSN configured; pass --dsn or set [postgres] dsn", exitNoDSN)
	}
	prefix := c.String("schema-prefix")
	if prefix == "" {
		prefix = cfg.Postgres.Schema
	}
	sc, err := schema.NewContext(prefix)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitInvalidArgs)
	}
	pool, err := schema.NewPool(c.Context, dsn, sc, 2)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitGeneric)
	}
	st, err := store.NewSQLStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, cli.Exit(err.Error(), exitGeneric)
	}
	return pool, st, nil
}

func emit(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return cli.Exit(err.Error(), exitGeneric)
	}
	fmt.Println(string(out))
	return nil
}

func repoType(c *cli.Context) (types.RepoType, error) {
	t := types.RepoType(c.String("repo-type"))
	if !types.ValidRepoType(t) {
		return "", cli.Exit(fmt.Sprintf("invalid --repo-type %q", c.String("repo-type")), exitInvalidArgs)
	}
	return t, nil
}

func ensureRepoCommand() *cli.Command {
	return &cli.Command{
		Name:  "ensure-repo",
		Usage: "Create the repo if it does not exist and print it.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo-type", Required: true, Usage: "git, gitlab, or svn."},
			&cli.StringFlag{Name: "repo-url", Required: true},
			&cli.StringFlag{Name: "project-key"},
			&cli.StringFlag{Name: "default-branch"},
		},
		Action: func(c *cli.Context) error {
			t, err := repoType(c)
			if err != nil {
				return err
			}
			pool, st, err := connect(c)
			if err != nil {
				return err
			}
			defer pool.Close()
			repo, created, err := st.UpsertRepo(c.Context, t, c.String("repo-url"), c.String("project-key"), c.String("default-branch"))
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			return emit(map[string]interface{}{"repo": repo, "created": created})
		},
	}
}

func listReposCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-repos",
		Usage: "Print tracked repos.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo-type", Usage: "Filter by type."},
			&cli.IntFlag{Name: "limit", Usage: "Print at most N repos; 0 means all."},
		},
		Action: func(c *cli.Context) error {
			pool, st, err := connect(c)
			if err != nil {
				return err
			}
			defer pool.Close()
			repos, err := st.ListRepos(c.Context)
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			if t := c.String("repo-type"); t != "" {
				filtered := repos[:0]
				for _, r := range repos {
					if r.RepoType == types.RepoType(t) {
						filtered = append(filtered, r)
					}
				}
				repos = filtered
			}
			if limit := c.Int("limit"); limit > 0 && len(repos) > limit {
				repos = repos[:limit]
			}
			return emit(map[string]interface{}{"repos": repos, "count": len(repos)})
		},
	}
}

func getRepoCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-repo",
		Usage: "Print one repo by id or by (type, url).",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "repo-id"},
			&cli.StringFlag{Name: "repo-type"},
			&cli.StringFlag{Name: "repo-url"},
		},
		Action: func(c *cli.Context) error {
			byID := c.IsSet("repo-id")
			byURL := c.String("repo-type") != "" && c.String("repo-url") != ""
			if byID == byURL {
				return cli.Exit("pass either --repo-id or both --repo-type and --repo-url", exitInvalidArgs)
			}
			pool, st, err := connect(c)
			if err != nil {
				return err
			}
			defer pool.Close()

			var repo *types.Repo
			if byID {
				repo, err = st.GetRepoByID(c.Context, c.Int64("repo-id"))
			} else {
				var t types.RepoType
				t, err = repoType(c)
				if err != nil {
					return err
				}
				repo, err = st.GetRepoByURL(c.Context, c.String("repo-url"))
				if err == nil && repo.RepoType != t {
					err = store.ErrNotFound
				}
			}
			if errors.Is(err, store.ErrNotFound) {
				return cli.Exit("repo not found", exitNotFound)
			}
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			return emit(map[string]interface{}{"repo": repo})
		},
	}
}

func listLocksCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-locks",
		Usage: "Print the sync locks currently held by workers.",
		Action: func(c *cli.Context) error {
			pool, _, err := connect(c)
			if err != nil {
				return err
			}
			defer pool.Close()
			locks, err := queue.NewSQLDB(pool).ListLocks(c.Context)
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			return emit(map[string]interface{}{"locks": locks, "count": len(locks)})
		},
	}
}
