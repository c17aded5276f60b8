package executor

import (
	"context"
	"fmt"

	"go.engram.dev/engram/scm/go/artifacts"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/scmclient"
	"go.engram.dev/engram/scm/go/store"
)

// Diff modes accepted in the job payload.
const (
	DiffAlways     = "always"
	DiffBestEffort = "best_effort"
	DiffMinimal    = "minimal"
	DiffNone       = "none"
)

const (
	defaultMaxFilesPerDiff = 200
	chunkingVersion        = "v1"
)

// diffPolicy is the per-run diff handling resolved from the payload.
type diffPolicy struct {
	mode     string
	maxFiles int
}

// diffPolicyOf resolves the diff mode, preferring the explicit payload field
// over the breaker's suggestion.
func diffPolicyOf(payload map[string]interface{}) diffPolicy {
	mode, _ := payload["diff_mode"].(string)
	if mode == "" {
		mode, _ = payload["suggested_diff_mode"].(string)
	}
	if mode == "" {
		mode = DiffBestEffort
	}
	maxFiles := payloadInt(payload, "max_files_per_diff")
	if maxFiles <= 0 {
		maxFiles = defaultMaxFilesPerDiff
	}
	return diffPolicy{mode: mode, maxFiles: maxFiles}
}

type diffOutcome int

const (
	diffSkipped diffOutcome = iota
	diffStored
	diffDegraded
	diffMinimalStat
	diffBulk
)

// ministat is the minimal stand-in stored when the full diff is skipped or
// unavailable.
func ministat(sourceType, sourceID string) []byte {
	return []byte(fmt.Sprintf("%s %s\n", sourceType, sourceID))
}

// recordDiff stores the diff artifact for one newly synced record and updates
// the diff counters on res. Fetch failures degrade to a ministat blob except
// in always mode, where the error is returned to fail the attempt. A nil
// blob backend disables recording.
func recordDiff(ctx context.Context, st store.Store, blobs artifacts.Store, ref artifacts.Ref,
	fetch func() (*scmclient.Diff, error), policy diffPolicy,
	res *result.SyncResult, stats *result.RequestStats) (diffOutcome, error) {

	if policy.mode == DiffNone {
		res.DiffNoneCount++
		return diffSkipped, nil
	}
	if blobs == nil {
		return diffSkipped, nil
	}

	if policy.mode == DiffMinimal {
		ref.Ext = "ministat"
		if _, err := artifacts.Record(ctx, st, blobs, ref, ministat(ref.SourceType, ref.SourceID), chunkingVersion); err != nil {
			return diffSkipped, err
		}
		res.DiffCount++
		return diffMinimalStat, nil
	}

	var d *scmclient.Diff
	err := scmclient.WithRetries(ctx, func() error {
		var e error
		d, e = fetch()
		return e
	})
	if err != nil {
		if policy.mode == DiffAlways {
			return diffSkipped, err
		}
		ref.Ext = "ministat"
		if _, rerr := artifacts.Record(ctx, st, blobs, ref, ministat(ref.SourceType, ref.SourceID), chunkingVersion); rerr != nil {
			return diffSkipped, rerr
		}
		res.DiffCount++
		res.DegradedCount++
		if res.DegradedReasons == nil {
			res.DegradedReasons = map[string]int64{}
		}
		res.DegradedReasons[string(scmclient.Categorize(err))]++
		return diffDegraded, nil
	}
	addStats(stats, d.Stats)

	if d.FileCount > policy.maxFiles {
		res.BulkCount++
		return diffBulk, nil
	}
	ref.Ext = "diff"
	if _, err := artifacts.Record(ctx, st, blobs, ref, d.Patch, chunkingVersion); err != nil {
		return diffSkipped, err
	}
	res.DiffCount++
	return diffStored, nil
}
