// Package breaker implements the per-(project, scope) circuit breaker. State
// lives in the scm.sync_health KV namespace so every worker process observes
// the same circuit; mutations are serialized by the store.
//
// closed: failures count up, at the threshold the circuit opens.
// open: everything is rejected with error_category=circuit_open until
// open_until, when the circuit moves to half_open.
// half_open: a bounded number of probes is admitted; a success quota closes
// the circuit, any failure re-opens it with an exponentially longer window.
package breaker

import (
	"context"
	"strings"
	"time"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
)

// Namespace is the health KV namespace holding breaker state.
const Namespace = "scm.sync_health"

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Scopes. A breaker key is "<project_key>:<scope>".
const ScopeGlobal = "global"

// ScopeInstance scopes a circuit to one SCM instance.
func ScopeInstance(instanceKey string) string {
	return "instance:" + instanceKey
}

// ScopeTenant scopes a circuit to one tenant.
func ScopeTenant(tenantID string) string {
	return "tenant:" + tenantID
}

// ScopePool scopes a circuit to one worker pool.
func ScopePool(pool string) string {
	return "pool:" + pool
}

// BuildKey joins project key and scope into the health KV key.
func BuildKey(projectKey, scope string) string {
	if scope == "" {
		scope = ScopeGlobal
	}
	return projectKey + ":" + scope
}

// ProjectKeyOf returns the project part of a breaker key.
func ProjectKeyOf(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

// Store gives the breaker serialized access to one circuit's health value.
// Mutate loads the value (nil map if absent), calls fn, and writes the result
// back. The SQL implementation holds the row FOR UPDATE across fn.
type Store interface {
	Mutate(ctx context.Context, key string, fn func(value map[string]interface{}) (map[string]interface{}, error)) error
	Get(ctx context.Context, key string) (map[string]interface{}, error)
	List(ctx context.Context) (map[string]map[string]interface{}, error)
}

// Options tune one breaker. The zero value gets the defaults.
type Options struct {
	// FailureThreshold is the consecutive-failure count that opens a closed
	// circuit. Default 5.
	FailureThreshold int
	// HalfOpenMaxProbes bounds concurrently admitted probes. Default 3.
	HalfOpenMaxProbes int
	// CloseSuccessQuota is the consecutive half_open successes needed to
	// close. Default 2.
	CloseSuccessQuota int
	// OpenBase is the first open window; it doubles per re-open. Default 1m.
	OpenBase time.Duration
	// OpenCap bounds the open window. Default 1h.
	OpenCap time.Duration
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.HalfOpenMaxProbes == 0 {
		o.HalfOpenMaxProbes = 3
	}
	if o.CloseSuccessQuota == 0 {
		o.CloseSuccessQuota = 2
	}
	if o.OpenBase == 0 {
		o.OpenBase = time.Minute
	}
	if o.OpenCap == 0 {
		o.OpenCap = time.Hour
	}
	return o
}

// Breaker evaluates and transitions circuits.
type Breaker struct {
	store Store
	opts  Options
}

// New returns a breaker over the given store.
func New(store Store, opts Options) *Breaker {
	return &Breaker{store: store, opts: opts.withDefaults()}
}

// Health is the decoded circuit state.
type Health struct {
	State            State
	FailureCount     int
	SuccessCount     int
	OpenCount        int
	ProbesInFlight   int
	OpenUntil        time.Time
	LastTransitionAt time.Time
	Suggestions      map[string]interface{}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Probe is set when the job is admitted as a half_open probe; the caller
	// must report the outcome so the probe slot is released.
	Probe bool
	State State
	// RetryAt is set on rejection: the earliest useful retry time.
	RetryAt time.Time
	// Suggestions are the degradation hints published at the last transition.
	Suggestions map[string]interface{}
}

func decodeHealth(value map[string]interface{}) *Health {
	h := &Health{State: Closed}
	if value == nil {
		return h
	}
	if s, ok := value["state"].(string); ok && s != "" {
		h.State = State(s)
	}
	h.FailureCount = intField(value, "failure_count")
	h.SuccessCount = intField(value, "success_count")
	h.OpenCount = intField(value, "open_count")
	h.ProbesInFlight = intField(value, "probes_in_flight")
	h.OpenUntil = timeField(value, "open_until")
	h.LastTransitionAt = timeField(value, "last_transition_at")
	if m, ok := value["suggestions"].(map[string]interface{}); ok {
		h.Suggestions = m
	}
	return h
}

func encodeHealth(h *Health) map[string]interface{} {
	value := map[string]interface{}{
		"state":            string(h.State),
		"failure_count":    h.FailureCount,
		"success_count":    h.SuccessCount,
		"open_count":       h.OpenCount,
		"probes_in_flight": h.ProbesInFlight,
	}
	if !h.OpenUntil.IsZero() {
		value["open_until"] = h.OpenUntil.UTC().Format(time.RFC3339)
	}
	if !h.LastTransitionAt.IsZero() {
		value["last_transition_at"] = h.LastTransitionAt.UTC().Format(time.RFC3339)
	}
	if h.Suggestions != nil {
		value["suggestions"] = h.Suggestions
	}
	return value
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func timeField(m map[string]interface{}, key string) time.Time {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// openDuration doubles per consecutive re-open, capped.
func (b *Breaker) openDuration(openCount int) time.Duration {
	d := b.opts.OpenBase
	for i := 1; i < openCount; i++ {
		d *= 2
		if d >= b.opts.OpenCap {
			return b.opts.OpenCap
		}
	}
	if d > b.opts.OpenCap {
		return b.opts.OpenCap
	}
	return d
}

// degradationSuggestions are published when a circuit opens so the scheduler
// can shrink the next job.
func degradationSuggestions() map[string]interface{} {
	return map[string]interface{}{
		"suggested_batch_size":             50,
		"suggested_forward_window_seconds": 3600,
		"suggested_diff_mode":              "none",
	}
}

func (b *Breaker) transitionToOpen(h *Health, ts time.Time) {
	h.State = Open
	h.OpenCount++
	h.OpenUntil = ts.Add(b.openDuration(h.OpenCount))
	h.SuccessCount = 0
	h.ProbesInFlight = 0
	h.LastTransitionAt = ts
	h.Suggestions = degradationSuggestions()
}

func (b *Breaker) transitionToHalfOpen(h *Health, ts time.Time) {
	h.State = HalfOpen
	h.SuccessCount = 0
	h.ProbesInFlight = 0
	h.LastTransitionAt = ts
}

func (b *Breaker) transitionToClosed(h *Health, ts time.Time) {
	h.State = Closed
	h.FailureCount = 0
	h.SuccessCount = 0
	h.OpenCount = 0
	h.ProbesInFlight = 0
	h.OpenUntil = time.Time{}
	h.LastTransitionAt = ts
	h.Suggestions = nil
}

// Allow decides whether a dispatch may proceed. half_open admissions are
// probes and must be resolved with RecordSuccess or RecordFailure.
func (b *Breaker) Allow(ctx context.Context, key string) (*Decision, error) {
	var decision *Decision
	err := b.store.Mutate(ctx, key, func(value map[string]interface{}) (map[string]interface{}, error) {
		ts := now.Now(ctx)
		h := decodeHealth(value)

		if h.State == Open && !h.OpenUntil.After(ts) {
			b.transitionToHalfOpen(h, ts)
		}

		switch h.State {
		case Closed:
			decision = &Decision{Allowed: true, State: Closed}
		case Open:
			decision = &Decision{State: Open, RetryAt: h.OpenUntil, Suggestions: h.Suggestions}
		case HalfOpen:
			if h.ProbesInFlight < b.opts.HalfOpenMaxProbes {
				h.ProbesInFlight++
				decision = &Decision{Allowed: true, Probe: true, State: HalfOpen, Suggestions: h.Suggestions}
			} else {
				decision = &Decision{State: HalfOpen, Suggestions: h.Suggestions}
			}
		default:
			return nil, skerr.Fmt("circuit %s has unknown state %q", key, h.State)
		}
		return encodeHealth(h), nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "checking circuit %s", key)
	}
	return decision, nil
}

// RecordSuccess reports a successful dispatch.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) error {
	err := b.store.Mutate(ctx, key, func(value map[string]interface{}) (map[string]interface{}, error) {
		ts := now.Now(ctx)
		h := decodeHealth(value)
		switch h.State {
		case Closed:
			h.FailureCount = 0
		case HalfOpen:
			if h.ProbesInFlight > 0 {
				h.ProbesInFlight--
			}
			h.SuccessCount++
			if h.SuccessCount >= b.opts.CloseSuccessQuota {
				b.transitionToClosed(h, ts)
			}
		case Open:
			// A late result from before the circuit opened. Ignore.
		}
		return encodeHealth(h), nil
	})
	return skerr.Wrapf(err, "recording success on circuit %s", key)
}

// ReleaseProbe gives an admitted probe slot back without recording an
// outcome, for dispatches that never reached the upstream. The success quota
// is untouched.
func (b *Breaker) ReleaseProbe(ctx context.Context, key string) error {
	err := b.store.Mutate(ctx, key, func(value map[string]interface{}) (map[string]interface{}, error) {
		h := decodeHealth(value)
		if h.State == HalfOpen && h.ProbesInFlight > 0 {
			h.ProbesInFlight--
		}
		return encodeHealth(h), nil
	})
	return skerr.Wrapf(err, "releasing probe on circuit %s", key)
}

// RecordFailure reports a failed dispatch.
func (b *Breaker) RecordFailure(ctx context.Context, key string) error {
	err := b.store.Mutate(ctx, key, func(value map[string]interface{}) (map[string]interface{}, error) {
		ts := now.Now(ctx)
		h := decodeHealth(value)
		switch h.State {
		case Closed:
			h.FailureCount++
			if h.FailureCount >= b.opts.FailureThreshold {
				b.transitionToOpen(h, ts)
			}
		case HalfOpen:
			b.transitionToOpen(h, ts)
		case Open:
			// Already open; late failures do not extend the window.
		}
		return encodeHealth(h), nil
	})
	return skerr.Wrapf(err, "recording failure on circuit %s", key)
}

// Health returns the decoded state of one circuit. A missing circuit decodes
// as closed.
func (b *Breaker) Health(ctx context.Context, key string) (*Health, error) {
	value, err := b.store.Get(ctx, key)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading circuit %s", key)
	}
	return decodeHealth(value), nil
}

// States returns all known circuits keyed by breaker key, for the metrics
// surface.
func (b *Breaker) States(ctx context.Context) (map[string]*Health, error) {
	values, err := b.store.List(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	out := make(map[string]*Health, len(values))
	for k, v := range values {
		out[k] = decodeHealth(v)
	}
	return out, nil
}
