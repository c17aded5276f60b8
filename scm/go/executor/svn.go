package executor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.engram.dev/engram/scm/go/artifacts"
	"go.engram.dev/engram/scm/go/cursor"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/scmclient"
	"go.engram.dev/engram/scm/go/store"
)

// revOf parses the "r<N>" spelling used in SVN cursors. A zero cursor or an
// unparseable value yields 0.
func revOf(c cursor.Cursor) int64 {
	s := strings.TrimPrefix(c.SHA, "r")
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SVNRevisions returns the handler for the svn job type. It pages the
// revision log past the persisted cursor, bulk-inserts revisions, records a
// diff artifact per new revision according to the payload's diff mode, and
// advances the watermark. A nil blob backend disables diff recording.
func SVNRevisions(st store.Store, client scmclient.SVN, blobs artifacts.Store) Handler {
	return func(ctx context.Context, req *Request) (*result.SyncResult, error) {
		repo, err := st.GetRepoByID(ctx, req.RepoID)
		if errors.Is(err, store.ErrNotFound) {
			return result.Failure(result.CategoryRepoNotFound, "no such repo"), nil
		}
		if err != nil {
			return nil, err
		}

		key := cursor.KVKey("svn", req.RepoID)
		old, err := loadCursor(ctx, st, key)
		if err != nil {
			return nil, err
		}
		pageSize, maxPages := pageBudget(req.Mode, req.Payload)
		policy := diffPolicyOf(req.Payload)
		oldRev := revOf(old)
		startRev := oldRev + 1

		stats := &result.RequestStats{}
		res := &result.SyncResult{Success: true, Mode: string(req.Mode)}
		best := old

		for page := 1; page <= maxPages; page++ {
			var pg *scmclient.LogPage
			err := scmclient.WithRetries(ctx, func() error {
				var e error
				pg, e = client.Log(ctx, repo.URL, startRev, pageSize)
				return e
			})
			if err != nil {
				return failureWithStats(err, stats), nil
			}
			addStats(stats, pg.Stats)

			rows := make([]*store.SVNRevision, 0, len(pg.Entries))
			for _, e := range pg.Entries {
				committedAt := e.CommittedAt
				rows = append(rows, &store.SVNRevision{
					RepoID:      req.RepoID,
					Rev:         e.Rev,
					Author:      e.Author,
					CommittedAt: &committedAt,
					Message:     e.Message,
				})
			}
			inserted, err := st.InsertSVNRevisions(ctx, rows)
			if err != nil {
				return nil, err
			}
			res.SyncedCount += int64(inserted)
			res.SkippedCount += int64(len(rows) - inserted)

			for _, e := range pg.Entries {
				candidate := cursor.Cursor{
					Timestamp: e.CommittedAt.UTC().Format(time.RFC3339),
					SHA:       "r" + strconv.FormatInt(e.Rev, 10),
				}
				if e.Rev > oldRev {
					rev := e.Rev
					revLabel := "r" + strconv.FormatInt(rev, 10)
					ref := artifacts.Ref{
						ProjectKey: repo.ProjectKey,
						RepoID:     repo.ID,
						SourceType: "svn_rev",
						SourceID:   revLabel,
						RevOrSHA:   revLabel,
					}
					outcome, err := recordDiff(ctx, st, blobs, ref, func() (*scmclient.Diff, error) {
						return client.Diff(ctx, repo.URL, rev)
					}, policy, res, stats)
					if err != nil {
						return failureWithStats(err, stats), nil
					}
					switch outcome {
					case diffStored, diffMinimalStat:
						res.PatchSuccess++
					case diffDegraded:
						res.PatchFailed++
					}
				}
				if cursor.ShouldAdvance(best, candidate) {
					best = candidate
				}
				if e.Rev >= startRev {
					startRev = e.Rev + 1
				}
			}

			if !pg.HasMore {
				break
			}
			if page == maxPages {
				res.HasMore = true
			}
		}

		if stats.TotalRequests > 0 {
			res.RequestStats = stats
		}
		if cursor.ShouldAdvance(old, best) {
			best.Count = old.Count + res.SyncedCount
			if err := saveCursor(ctx, st, key, best); err != nil {
				return nil, err
			}
			res.CursorPersisted = true
			res.WatermarkUpdated = true
			res.LastRev = best.SHA
		}
		res.CursorAfter = &best
		return res, nil
	}
}
