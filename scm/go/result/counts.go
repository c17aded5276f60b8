package result

import (
	"fmt"

	"go.engram.dev/engram/go/skerr"
)

// The counts map stored on a sync run is a curated projection of the
// envelope: it always contains exactly the required, optional and limiter
// keys below, zero-filled when absent.
var (
	requiredCountKeys = []string{
		"synced_count", "skipped_count", "diff_count", "degraded_count",
	}
	optionalCountKeys = []string{
		"bulk_count", "diff_none_count", "scanned_count", "inserted_count",
		"synced_mr_count", "synced_event_count", "skipped_event_count",
		"patch_success", "patch_failed", "skipped_by_controller",
	}
	limiterCountKeys = []string{
		"total_requests", "total_429_hits", "timeout_count", "avg_wait_time_ms",
	}
)

// BuildCounts copies the curated subset of the envelope into the counts map
// persisted on the sync run. The key set is always exactly
// required+optional+limiter.
func BuildCounts(r *SyncResult) map[string]interface{} {
	rs := r.RequestStats
	if rs == nil {
		rs = &RequestStats{}
	}
	return map[string]interface{}{
		"synced_count":   r.SyncedCount,
		"skipped_count":  r.SkippedCount,
		"diff_count":     r.DiffCount,
		"degraded_count": r.DegradedCount,

		"bulk_count":            r.BulkCount,
		"diff_none_count":       r.DiffNoneCount,
		"scanned_count":         r.ScannedCount,
		"inserted_count":        r.InsertedCount,
		"synced_mr_count":       r.SyncedMRCount,
		"synced_event_count":    r.SyncedEventCount,
		"skipped_event_count":   r.SkippedEventCount,
		"patch_success":         r.PatchSuccess,
		"patch_failed":          r.PatchFailed,
		"skipped_by_controller": r.SkippedByController,

		"total_requests":   rs.TotalRequests,
		"total_429_hits":   rs.Total429Hits,
		"timeout_count":    rs.TimeoutCount,
		"avg_wait_time_ms": rs.AvgWaitTimeMS,
	}
}

// ValidateCountsSchema checks a counts map: required keys must be present and
// numeric, all numeric values must be non-negative, and unknown keys produce
// warnings but do not fail.
func ValidateCountsSchema(counts map[string]interface{}) ([]string, error) {
	known := map[string]bool{}
	for _, k := range requiredCountKeys {
		known[k] = true
	}
	for _, k := range optionalCountKeys {
		known[k] = true
	}
	for _, k := range limiterCountKeys {
		known[k] = true
	}

	for _, k := range requiredCountKeys {
		v, ok := counts[k]
		if !ok {
			return nil, skerr.Fmt("counts missing required key %q", k)
		}
		if _, err := asNonNegativeNumber(k, v); err != nil {
			return nil, err
		}
	}

	var warnings []string
	for k, v := range counts {
		if !known[k] {
			warnings = append(warnings, fmt.Sprintf("unknown count %q", k))
			continue
		}
		if _, err := asNonNegativeNumber(k, v); err != nil {
			return warnings, err
		}
	}
	return warnings, nil
}

func asNonNegativeNumber(key string, v interface{}) (float64, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, skerr.Fmt("count %q has non-numeric type %T", key, v)
	}
	if f < 0 {
		return 0, skerr.Fmt("count %q is negative (%v)", key, v)
	}
	return f, nil
}
