// Package schemas ships the authoritative JSON Schema contract files with the
// binary.
package schemas

import (
	_ "embed" // For embed functionality.
)

//go:embed scm_sync_result_v2.schema.json
var SyncResultV2 []byte

//go:embed scm_sync_job_payload_v2.schema.json
var SyncJobPayloadV2 []byte

//go:embed audit_event_v1.schema.json
var AuditEventV1 []byte

//go:embed object_store_audit_event_v1.schema.json
var ObjectStoreAuditEventV1 []byte
