// Package result defines the SyncResult envelope, the only shape a sync
// handler may return, together with its contract validator and the curated
// counts map stored on sync runs.
package result

import (
	"encoding/json"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/cursor"
)

// RequestStats summarizes the HTTP traffic one sync attempt generated.
type RequestStats struct {
	TotalRequests int64   `json:"total_requests"`
	Total429Hits  int64   `json:"total_429_hits"`
	TimeoutCount  int64   `json:"timeout_count"`
	AvgWaitTimeMS float64 `json:"avg_wait_time_ms"`
}

// SyncResult is the normalized summary of what one sync attempt did. All
// counters are non-negative; Success=false must carry Error and
// ErrorCategory.
type SyncResult struct {
	Success bool `json:"success"`
	HasMore bool `json:"has_more,omitempty"`

	SyncedCount  int64 `json:"synced_count"`
	SkippedCount int64 `json:"skipped_count"`

	// Diff bookkeeping for commit-style sources.
	DiffCount     int64 `json:"diff_count"`
	DegradedCount int64 `json:"degraded_count"`
	BulkCount     int64 `json:"bulk_count"`
	DiffNoneCount int64 `json:"diff_none_count"`

	// MR-style sources.
	ScannedCount  int64 `json:"scanned_count"`
	InsertedCount int64 `json:"inserted_count"`

	// Review-event sources.
	SyncedMRCount     int64 `json:"synced_mr_count"`
	SyncedEventCount  int64 `json:"synced_event_count"`
	SkippedEventCount int64 `json:"skipped_event_count"`

	// SVN-style sources.
	PatchSuccess        int64 `json:"patch_success"`
	PatchFailed         int64 `json:"patch_failed"`
	SkippedByController int64 `json:"skipped_by_controller"`

	RequestStats        *RequestStats    `json:"request_stats,omitempty"`
	DegradedReasons     map[string]int64 `json:"degraded_reasons,omitempty"`
	UnrecoverableErrors []string         `json:"unrecoverable_errors,omitempty"`

	CursorAfter      *cursor.Cursor `json:"cursor_after,omitempty"`
	CursorPersisted  bool           `json:"cursor_persisted,omitempty"`
	WatermarkUpdated bool           `json:"watermark_updated,omitempty"`

	// Locked and Skipped are set together when an external resource lock
	// prevented execution; the job may safely re-queue.
	Locked  bool `json:"locked,omitempty"`
	Skipped bool `json:"skipped,omitempty"`

	Mode          string `json:"mode,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
	LastRev       string `json:"last_rev,omitempty"`
	LastCommitSHA string `json:"last_commit_sha,omitempty"`
	LastCommitTS  string `json:"last_commit_ts,omitempty"`
	Message       string `json:"message,omitempty"`

	Error         string        `json:"error,omitempty"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
}

// Failure returns a failed result with the given category and message.
func Failure(category ErrorCategory, msg string) *SyncResult {
	return &SyncResult{
		Success:       false,
		Error:         msg,
		ErrorCategory: category,
	}
}

// Merge combines two results field-wise: counters sum, maps union-sum,
// Success logical-ANDs, Locked/Skipped/HasMore OR, and the newer cursor wins.
// Error fields are taken from whichever input failed, preferring b.
func Merge(a, b *SyncResult) *SyncResult {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := &SyncResult{
		Success: a.Success && b.Success,
		HasMore: a.HasMore || b.HasMore,

		SyncedCount:  a.SyncedCount + b.SyncedCount,
		SkippedCount: a.SkippedCount + b.SkippedCount,

		DiffCount:     a.DiffCount + b.DiffCount,
		DegradedCount: a.DegradedCount + b.DegradedCount,
		BulkCount:     a.BulkCount + b.BulkCount,
		DiffNoneCount: a.DiffNoneCount + b.DiffNoneCount,

		ScannedCount:  a.ScannedCount + b.ScannedCount,
		InsertedCount: a.InsertedCount + b.InsertedCount,

		SyncedMRCount:     a.SyncedMRCount + b.SyncedMRCount,
		SyncedEventCount:  a.SyncedEventCount + b.SyncedEventCount,
		SkippedEventCount: a.SkippedEventCount + b.SkippedEventCount,

		PatchSuccess:        a.PatchSuccess + b.PatchSuccess,
		PatchFailed:         a.PatchFailed + b.PatchFailed,
		SkippedByController: a.SkippedByController + b.SkippedByController,

		Locked:  a.Locked || b.Locked,
		Skipped: a.Skipped || b.Skipped,

		CursorPersisted:  a.CursorPersisted || b.CursorPersisted,
		WatermarkUpdated: a.WatermarkUpdated || b.WatermarkUpdated,

		Mode:    pickNonEmpty(b.Mode, a.Mode),
		DryRun:  a.DryRun || b.DryRun,
		Message: pickNonEmpty(b.Message, a.Message),

		LastRev:       pickNonEmpty(b.LastRev, a.LastRev),
		LastCommitSHA: pickNonEmpty(b.LastCommitSHA, a.LastCommitSHA),
		LastCommitTS:  pickNonEmpty(b.LastCommitTS, a.LastCommitTS),
	}

	if a.RequestStats != nil || b.RequestStats != nil {
		out.RequestStats = mergeRequestStats(a.RequestStats, b.RequestStats)
	}
	out.DegradedReasons = mergeCountMaps(a.DegradedReasons, b.DegradedReasons)
	if len(a.UnrecoverableErrors) > 0 || len(b.UnrecoverableErrors) > 0 {
		out.UnrecoverableErrors = append(append([]string{}, a.UnrecoverableErrors...), b.UnrecoverableErrors...)
	}

	out.CursorAfter = newerCursor(a.CursorAfter, b.CursorAfter)

	if !b.Success && b.Error != "" {
		out.Error, out.ErrorCategory = b.Error, b.ErrorCategory
	} else if !a.Success && a.Error != "" {
		out.Error, out.ErrorCategory = a.Error, a.ErrorCategory
	}
	return out
}

func pickNonEmpty(first, second string) string {
	if first != "" {
		return first
	}
	return second
}

func mergeRequestStats(a, b *RequestStats) *RequestStats {
	if a == nil {
		a = &RequestStats{}
	}
	if b == nil {
		b = &RequestStats{}
	}
	out := &RequestStats{
		TotalRequests: a.TotalRequests + b.TotalRequests,
		Total429Hits:  a.Total429Hits + b.Total429Hits,
		TimeoutCount:  a.TimeoutCount + b.TimeoutCount,
	}
	// Weighted average of the wait times by request count.
	if out.TotalRequests > 0 {
		out.AvgWaitTimeMS = (a.AvgWaitTimeMS*float64(a.TotalRequests) + b.AvgWaitTimeMS*float64(b.TotalRequests)) / float64(out.TotalRequests)
	}
	return out
}

func mergeCountMaps(a, b map[string]int64) map[string]int64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]int64, len(a)+len(b))
	for k, v := range a {
		out[k] += v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

func newerCursor(a, b *cursor.Cursor) *cursor.Cursor {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if cursor.Compare(*b, *a) >= 0 {
		return b
	}
	return a
}

// ToJSON serializes the result.
func (r *SyncResult) ToJSON() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return b, nil
}
