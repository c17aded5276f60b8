// Package executor dispatches claimed jobs to their job_type handler and
// enforces the result contract on whatever comes back. A handler can fail,
// panic-free, in exactly one shape: a SyncResult with success=false and a
// canonical error category.
package executor

import (
	"context"
	"encoding/json"

	"go.engram.dev/engram/go/jsonschema"
	"go.engram.dev/engram/go/redact"
	"go.engram.dev/engram/go/sklog"
	"go.engram.dev/engram/scm/go/result"
	"go.engram.dev/engram/scm/go/scmclient"
	"go.engram.dev/engram/scm/go/types"
	"go.engram.dev/engram/scm/schemas"
)

// Request is the handler input extracted from one claimed job.
type Request struct {
	RepoID  int64
	Mode    types.SyncMode
	Payload map[string]interface{}
}

// Handler runs one sync attempt. Returning an error (rather than a failed
// result) means the handler could not even produce an envelope; the executor
// translates it.
type Handler func(ctx context.Context, req *Request) (*result.SyncResult, error)

// Registry maps job types to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a job type to its handler, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// JobTypes returns the registered job types.
func (r *Registry) JobTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Execute dispatches to the handler for jobType and validates the outcome.
// The returned result always satisfies the contract: any violation is
// rewritten into a contract_error failure.
func (r *Registry) Execute(ctx context.Context, jobType string, req *Request) *result.SyncResult {
	h, ok := r.handlers[jobType]
	if !ok {
		return result.Failure(result.CategoryUnknownJobType, "no handler registered for job type "+jobType)
	}

	res, err := h(ctx, req)
	if err != nil {
		res = result.Failure(scmclient.Categorize(err), redact.String(err.Error()))
	}
	if res == nil {
		return result.Failure(result.CategoryContractError, "handler returned no result")
	}
	res.Error = redact.String(res.Error)

	if violation := checkContract(res); violation != "" {
		sklog.Warningf("Handler for %s violated the result contract: %s", jobType, violation)
		rewritten := result.Failure(result.CategoryContractError, violation)
		rewritten.Message = res.Message
		return rewritten
	}
	return res
}

// ExecuteFromJob runs the handler for a claimed job row.
func (r *Registry) ExecuteFromJob(ctx context.Context, job *types.SyncJob) *result.SyncResult {
	return r.Execute(ctx, job.JobType, &Request{
		RepoID:  job.RepoID,
		Mode:    job.Mode,
		Payload: job.Payload,
	})
}

// checkContract validates a result against both the struct rules and the
// embedded v2 schema. Returns a description of the first violation, or "".
func checkContract(res *result.SyncResult) string {
	if err := res.Validate(); err != nil {
		return err.Error()
	}
	doc, err := json.Marshal(res)
	if err != nil {
		return "result not serializable: " + err.Error()
	}
	violations, err := jsonschema.Validate(doc, schemas.SyncResultV2)
	if err != nil {
		if len(violations) > 0 {
			return violations[0]
		}
		return err.Error()
	}
	return ""
}
