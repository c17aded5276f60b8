package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"go.engram.dev/engram/scm/go/artifacts"
	"go.engram.dev/engram/scm/go/config"
)

// artifactBackend builds the blob backend named in the config. The S3
// backend takes its credentials from the ENGRAM_S3_* env vars.
func artifactBackend(c *cli.Context, cfg config.Artifacts) (artifacts.Store, error) {
	switch cfg.Backend {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = "artifacts"
		}
		backend, err := artifacts.NewFSStore(dir)
		if err != nil {
			return nil, cli.Exit(err.Error(), exitGeneric)
		}
		return backend, nil
	case "s3":
		s3cfg := config.S3FromEnv()
		if s3cfg.Bucket == "" {
			return nil, cli.Exit("s3 backend selected but ENGRAM_S3_BUCKET is not set", exitInvalidArgs)
		}
		backend, err := artifacts.NewS3Store(c.Context, artifacts.S3Options{
			Bucket:    s3cfg.Bucket,
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
		})
		if err != nil {
			return nil, cli.Exit(err.Error(), exitGeneric)
		}
		return backend, nil
	default:
		return nil, cli.Exit("unknown artifacts backend "+cfg.Backend, exitInvalidArgs)
	}
}

func putArtifactCommand() *cli.Command {
	return &cli.Command{
		Name:  "put-artifact",
		Usage: "Store a diff artifact and record its pointer row.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Required: true, Usage: "Path of the content to store."},
			&cli.Int64Flag{Name: "repo-id", Required: true},
			&cli.StringFlag{Name: "source-type", Required: true, Usage: "commit, mr, or svn_rev."},
			&cli.StringFlag{Name: "source-id", Required: true},
			&cli.StringFlag{Name: "rev", Required: true, Usage: "Revision or SHA the artifact belongs to."},
			&cli.StringFlag{Name: "ext", Value: "diff", Usage: "diff, diffstat, or ministat."},
			&cli.StringFlag{Name: "project-key"},
			&cli.StringFlag{Name: "chunking-version", Value: "v1"},
		},
		Action: func(c *cli.Context) error {
			data, err := os.ReadFile(c.String("file"))
			if err != nil {
				return cli.Exit(err.Error(), exitInvalidArgs)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			projectKey := c.String("project-key")
			if projectKey == "" {
				projectKey = cfg.Project.ProjectKey
			}
			backend, err := artifactBackend(c, cfg.Artifacts)
			if err != nil {
				return err
			}
			pool, st, err := connect(c)
			if err != nil {
				return err
			}
			defer pool.Close()

			ref := artifacts.Ref{
				ProjectKey: projectKey,
				RepoID:     c.Int64("repo-id"),
				SourceType: c.String("source-type"),
				SourceID:   c.String("source-id"),
				RevOrSHA:   c.String("rev"),
				Ext:        c.String("ext"),
			}
			blob, err := artifacts.Record(c.Context, st, backend, ref, data, c.String("chunking-version"))
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			return emit(map[string]interface{}{
				"blob":         blob,
				"evidence_uri": artifacts.EvidenceURI(ref.SourceType, ref.SourceID, blob.SHA256),
			})
		},
	}
}

func getArtifactCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-artifact",
		Usage: "Fetch an artifact by object key and write it to --out (or stdout).",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Required: true, Usage: "Object key, e.g. scm/PROJ/1/commit/abc/<sha256>.diff."},
			&cli.StringFlag{Name: "out", Usage: "Output path; empty writes to stdout."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), exitGeneric)
			}
			backend, err := artifactBackend(c, cfg.Artifacts)
			if err != nil {
				return err
			}
			data, err := backend.Get(c.Context, c.String("key"))
			if err != nil {
				return cli.Exit(err.Error(), exitNotFound)
			}
			if out := c.String("out"); out != "" {
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return cli.Exit(err.Error(), exitGeneric)
				}
				return nil
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}
