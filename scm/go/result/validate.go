package result

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.engram.dev/engram/go/jsonschema"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/schemas"
)

// ErrContractViolation is returned when an envelope fails the contract.
var ErrContractViolation = errors.New("sync result contract violation")

// knownFields are the v2 envelope field names. Anything else in an incoming
// document produces a warning but is allowed.
var knownFields = map[string]bool{
	"success": true, "has_more": true,
	"synced_count": true, "skipped_count": true,
	"diff_count": true, "degraded_count": true, "bulk_count": true,
	"diff_none_count": true, "scanned_count": true, "inserted_count": true,
	"synced_mr_count": true, "synced_event_count": true, "skipped_event_count": true,
	"patch_success": true, "patch_failed": true, "skipped_by_controller": true,
	"request_stats": true, "degraded_reasons": true, "unrecoverable_errors": true,
	"cursor_after": true, "cursor_persisted": true, "watermark_updated": true,
	"locked": true, "skipped": true,
	"mode": true, "dry_run": true, "last_rev": true,
	"last_commit_sha": true, "last_commit_ts": true, "message": true,
	"error": true, "error_category": true,
}

// legacyFields maps accepted pre-v2 field names to their v2 equivalents.
// Their presence emits a warning.
var legacyFields = map[string]string{
	"ok":    "success",
	"count": "synced_count",
}

// FromJSON parses an envelope document, normalizing legacy fields and
// validating against the v2 contract schema. The returned warnings list
// unknown and legacy fields; a non-nil error wraps ErrContractViolation.
func FromJSON(document []byte) (*SyncResult, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(document, &raw); err != nil {
		return nil, nil, skerr.Wrapf(err, "parsing sync result")
	}

	var warnings []string
	for legacy, canonical := range legacyFields {
		v, ok := raw[legacy]
		if !ok {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("legacy field %q mapped to %q", legacy, canonical))
		if _, exists := raw[canonical]; !exists {
			raw[canonical] = v
		}
		delete(raw, legacy)
	}
	for k := range raw {
		if !knownFields[k] {
			warnings = append(warnings, fmt.Sprintf("unknown field %q", k))
		}
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, warnings, skerr.Wrap(err)
	}
	violations, err := jsonschema.Validate(normalized, schemas.SyncResultV2)
	if err != nil {
		if errors.Is(err, jsonschema.ErrSchemaViolation) {
			return nil, warnings, skerr.Wrapf(ErrContractViolation, "%v", violations)
		}
		return nil, warnings, skerr.Wrap(err)
	}

	var r SyncResult
	if err := json.Unmarshal(normalized, &r); err != nil {
		return nil, warnings, skerr.Wrap(err)
	}
	if err := r.Validate(); err != nil {
		return nil, warnings, err
	}
	return &r, warnings, nil
}

// Validate checks the semantic contract that the JSON schema cannot express
// on an in-memory struct: non-negative counters, a valid category, and the
// success/error coupling.
func (r *SyncResult) Validate() error {
	counters := []struct {
		name  string
		value int64
	}{
		{"synced_count", r.SyncedCount},
		{"skipped_count", r.SkippedCount},
		{"diff_count", r.DiffCount},
		{"degraded_count", r.DegradedCount},
		{"bulk_count", r.BulkCount},
		{"diff_none_count", r.DiffNoneCount},
		{"scanned_count", r.ScannedCount},
		{"inserted_count", r.InsertedCount},
		{"synced_mr_count", r.SyncedMRCount},
		{"synced_event_count", r.SyncedEventCount},
		{"skipped_event_count", r.SkippedEventCount},
		{"patch_success", r.PatchSuccess},
		{"patch_failed", r.PatchFailed},
		{"skipped_by_controller", r.SkippedByController},
	}
	for _, c := range counters {
		if c.value < 0 {
			return skerr.Wrapf(ErrContractViolation, "counter %s is negative (%d)", c.name, c.value)
		}
	}
	if r.RequestStats != nil {
		rs := r.RequestStats
		if rs.TotalRequests < 0 || rs.Total429Hits < 0 || rs.TimeoutCount < 0 || rs.AvgWaitTimeMS < 0 {
			return skerr.Wrapf(ErrContractViolation, "request_stats contains negative values")
		}
	}
	for k, v := range r.DegradedReasons {
		if v < 0 {
			return skerr.Wrapf(ErrContractViolation, "degraded_reasons[%s] is negative (%d)", k, v)
		}
	}
	if r.ErrorCategory != "" && !IsValidCategory(r.ErrorCategory) {
		return skerr.Wrapf(ErrContractViolation, "unknown error_category %q", r.ErrorCategory)
	}
	if !r.Success {
		if r.Error == "" {
			return skerr.Wrapf(ErrContractViolation, "success=false requires error")
		}
		if r.ErrorCategory == "" {
			return skerr.Wrapf(ErrContractViolation, "success=false requires error_category")
		}
	}
	return nil
}
