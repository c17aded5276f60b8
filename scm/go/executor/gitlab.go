package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.engram.dev/engram/go/redact"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/artifacts"
	"go.engram.dev/engram/scm/go/cursor"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/scmclient"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/types"
)

const (
	defaultPageSize  = 100
	probePageSize    = 10
	incrementalPages = 10
	backfillPages    = 100
	probePages       = 1
)

// pageBudget resolves how many pages one attempt may fetch and how big they
// are, honoring breaker suggestions carried in the payload. Probe runs are
// capped at payload.probe_budget records when set.
func pageBudget(mode types.SyncMode, payload map[string]interface{}) (pageSize, maxPages int) {
	pageSize = payloadInt(payload, "suggested_batch_size", "batch_size")
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	switch mode {
	case types.ModeProbe:
		budget := payloadInt(payload, "probe_budget")
		if budget <= 0 {
			budget = probePageSize
		}
		if pageSize > budget {
			pageSize = budget
		}
		return pageSize, probePages
	case types.ModeBackfill:
		return pageSize, backfillPages
	default:
		return pageSize, incrementalPages
	}
}

func payloadInt(payload map[string]interface{}, keys ...string) int {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

// loadCursor reads the persisted watermark for a repo; a missing key yields
// the zero cursor.
func loadCursor(ctx context.Context, st store.Store, key string) (cursor.Cursor, error) {
	value, err := st.GetKV(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return cursor.Cursor{}, nil
	}
	if err != nil {
		return cursor.Cursor{}, skerr.Wrap(err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return cursor.Cursor{}, skerr.Wrap(err)
	}
	return cursor.Decode(raw)
}

// saveCursor persists the watermark.
func saveCursor(ctx context.Context, st store.Store, key string, c cursor.Cursor) error {
	raw, err := c.Encode()
	if err != nil {
		return err
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return skerr.Wrap(err)
	}
	return st.PutKV(ctx, key, value)
}

func sinceOf(c cursor.Cursor) (time.Time, string) {
	if c.IsZero() {
		return time.Time{}, ""
	}
	t, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return time.Time{}, c.SHA
	}
	return t.UTC(), c.SHA
}

func addStats(total *result.RequestStats, page result.RequestStats) {
	prev := total.TotalRequests
	total.Total429Hits += page.Total429Hits
	total.TimeoutCount += page.TimeoutCount
	total.TotalRequests += page.TotalRequests
	if total.TotalRequests > 0 {
		total.AvgWaitTimeMS = (total.AvgWaitTimeMS*float64(prev) + page.AvgWaitTimeMS*float64(page.TotalRequests)) / float64(total.TotalRequests)
	}
}

// failureWithStats builds the failed envelope for a client error, keeping
// whatever request stats were already paid for.
func failureWithStats(err error, stats *result.RequestStats) *result.SyncResult {
	res := result.Failure(scmclient.Categorize(err), redact.String(err.Error()))
	if stats.TotalRequests > 0 {
		res.RequestStats = stats
	}
	return res
}

// GitLabCommits returns the handler for the gitlab_commits job type. It pages
// commits since the persisted cursor, bulk-inserts them, records a diff
// artifact per new commit according to the payload's diff mode, and advances
// the watermark monotonically. A nil blob backend disables diff recording.
func GitLabCommits(st store.Store, client scmclient.GitLab, blobs artifacts.Store) Handler {
	return func(ctx context.Context, req *Request) (*result.SyncResult, error) {
		repo, err := st.GetRepoByID(ctx, req.RepoID)
		if errors.Is(err, store.ErrNotFound) {
			return result.Failure(result.CategoryRepoNotFound, "no such repo"), nil
		}
		if err != nil {
			return nil, err
		}

		key := cursor.KVKey("gitlab", req.RepoID)
		old, err := loadCursor(ctx, st, key)
		if err != nil {
			return nil, err
		}
		since, afterSHA := sinceOf(old)
		pageSize, maxPages := pageBudget(req.Mode, req.Payload)
		policy := diffPolicyOf(req.Payload)

		stats := &result.RequestStats{}
		res := &result.SyncResult{Success: true, Mode: string(req.Mode)}
		best := old

		for page := 1; page <= maxPages; page++ {
			var pg *scmclient.CommitPage
			err := scmclient.WithRetries(ctx, func() error {
				var e error
				pg, e = client.ListCommits(ctx, repo.URL, scmclient.ListOptions{
					Since:    since,
					AfterSHA: afterSHA,
					PageSize: pageSize,
					Page:     page,
				})
				return e
			})
			if err != nil {
				return failureWithStats(err, stats), nil
			}
			addStats(stats, pg.Stats)

			rows := make([]*store.Commit, 0, len(pg.Commits))
			for _, c := range pg.Commits {
				committedAt := c.CommittedAt
				rows = append(rows, &store.Commit{
					RepoID:      req.RepoID,
					SHA:         c.SHA,
					Author:      c.Author,
					CommittedAt: &committedAt,
					Message:     c.Message,
				})
			}
			inserted, err := st.InsertCommits(ctx, rows)
			if err != nil {
				return nil, err
			}
			res.SyncedCount += int64(inserted)
			res.SkippedCount += int64(len(rows) - inserted)

			for _, c := range pg.Commits {
				candidate := cursor.Cursor{
					Timestamp: c.CommittedAt.UTC().Format(time.RFC3339),
					SHA:       c.SHA,
				}
				if !cursor.ShouldAdvance(old, candidate) {
					// Already behind the watermark; no new diff either.
					continue
				}
				sha := c.SHA
				ref := artifacts.Ref{
					ProjectKey: repo.ProjectKey,
					RepoID:     repo.ID,
					SourceType: "commit",
					SourceID:   sha,
					RevOrSHA:   sha,
				}
				_, err := recordDiff(ctx, st, blobs, ref, func() (*scmclient.Diff, error) {
					return client.GetCommitDiff(ctx, repo.URL, sha)
				}, policy, res, stats)
				if err != nil {
					return failureWithStats(err, stats), nil
				}
				if cursor.ShouldAdvance(best, candidate) {
					best = candidate
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
			res.LastCommitSHA = best.SHA
			res.LastCommitTS = best.Timestamp
		}
		res.CursorAfter = &best
		return res, nil
	}
}

// GitLabMergeRequests returns the handler for the gitlab_mrs job type. Merge
// requests are scanned for downstream consumers; only the watermark and the
// scan counters are durable here.
func GitLabMergeRequests(st store.Store, client scmclient.GitLab) Handler {
	return func(ctx context.Context, req *Request) (*result.SyncResult, error) {
		repo, err := st.GetRepoByID(ctx, req.RepoID)
		if errors.Is(err, store.ErrNotFound) {
			return result.Failure(result.CategoryRepoNotFound, "no such repo"), nil
		}
		if err != nil {
			return nil, err
		}

		key := "gitlab_mr_cursor:" + strconv.FormatInt(req.RepoID, 10)
		old, err := loadCursor(ctx, st, key)
		if err != nil {
			return nil, err
		}
		since, afterSHA := sinceOf(old)
		pageSize, maxPages := pageBudget(req.Mode, req.Payload)

		stats := &result.RequestStats{}
		res := &result.SyncResult{Success: true, Mode: string(req.Mode)}
		best := old

		for page := 1; page <= maxPages; page++ {
			var pg *scmclient.MergeRequestPage
			err := scmclient.WithRetries(ctx, func() error {
				var e error
				pg, e = client.ListMergeRequests(ctx, repo.URL, scmclient.ListOptions{
					Since:    since,
					AfterSHA: afterSHA,
					PageSize: pageSize,
					Page:     page,
				})
				return e
			})
			if err != nil {
				return failureWithStats(err, stats), nil
			}
			addStats(stats, pg.Stats)

			res.ScannedCount += int64(len(pg.MergeRequests))
			for _, mr := range pg.MergeRequests {
				candidate := cursor.Cursor{
					Timestamp: mr.UpdatedAt.UTC().Format(time.RFC3339),
					SHA:       mr.SHA,
				}
				if cursor.ShouldAdvance(best, candidate) {
					best = candidate
					res.SyncedMRCount++
				} else {
					res.SkippedCount++
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
			best.Count = old.Count + res.SyncedMRCount
			if err := saveCursor(ctx, st, key, best); err != nil {
				return nil, err
			}
			res.CursorPersisted = true
			res.WatermarkUpdated = true
		}
		res.CursorAfter = &best
		return res, nil
	}
}
