package queue

import (
	"encoding/json"

	"go.engram.dev/engram/go/jsonschema"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/tenancy"
	"go.engram.dev/engram/scm/go/types"
	"go.engram.dev/engram/scm/schemas"
)

// normalizeAndValidatePayload fills defaults, normalizes gitlab_instance so
// claim allowlists can compare byte-for-byte, and validates the payload
// against the v2 job payload schema. Returns the normalized payload.
func normalizeAndValidatePayload(req *EnqueueRequest) (map[string]interface{}, error) {
	payload := make(map[string]interface{}, len(req.Payload)+2)
	for k, v := range req.Payload {
		payload[k] = v
	}
	if _, ok := payload["version"]; !ok {
		payload["version"] = "v2"
	}
	if _, ok := payload["mode"]; !ok && req.Mode != "" {
		payload["mode"] = string(req.Mode)
	}
	if v, ok := payload["gitlab_instance"].(string); ok && v != "" {
		payload["gitlab_instance"] = tenancy.NormalizeInstanceKey(v)
	}

	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	violations, err := jsonschema.Validate(doc, schemas.SyncJobPayloadV2)
	if err != nil {
		return nil, skerr.Wrapf(err, "job payload rejected: %v", violations)
	}
	return payload, nil
}

// applyEnqueueDefaults resolves the optional enqueue fields.
func applyEnqueueDefaults(req *EnqueueRequest) (priority int, maxAttempts int) {
	priority = 100
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxAttempts = types.DefaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}
	return priority, maxAttempts
}
