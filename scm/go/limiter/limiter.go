// Package limiter is the shared, persisted token-bucket rate limiter. One
// bucket per SCM instance key lives in Postgres so every worker process
// draws from the same budget. 429 and timeout responses pause the whole
// bucket; successes shorten a pause that proved too pessimistic.
package limiter

import (
	"context"
	"errors"
	"time"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/types"
)

const (
	// DefaultRate is tokens refilled per second for a fresh bucket.
	DefaultRate = 5.0
	// DefaultBurst caps a fresh bucket.
	DefaultBurst = 10.0

	// Default429Pause applies when a 429 carries no Retry-After.
	Default429Pause = 60 * time.Second
	// TimeoutPause applies when a request timed out; shorter than the 429
	// pause since a timeout is a weaker signal of server-side throttling.
	TimeoutPause = 30 * time.Second
)

// ErrWaitBudgetExceeded is returned by Acquire when a token cannot be had
// within the caller's wait budget.
var ErrWaitBudgetExceeded = errors.New("rate limit wait budget exceeded")

// Store gives the limiter serialized access to one bucket row. Mutate loads
// the bucket (creating it with the defaults if absent), calls fn, and writes
// the result back. The SQL implementation holds the row FOR UPDATE across fn.
type Store interface {
	Mutate(ctx context.Context, instanceKey string, fn func(b *types.RateLimitBucket) error) error
	Get(ctx context.Context, instanceKey string) (*types.RateLimitBucket, error)
	List(ctx context.Context) ([]*types.RateLimitBucket, error)
}

// Limiter hands out tokens for request pacing.
type Limiter struct {
	store Store
	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a limiter over the given store.
func New(store Store) *Limiter {
	return &Limiter{
		store: store,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// refill advances the bucket's token count for the time elapsed since the
// last update.
func refill(b *types.RateLimitBucket, ts time.Time) {
	elapsed := ts.Sub(b.UpdatedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.Tokens += elapsed * b.Rate
	if b.Tokens > b.Burst {
		b.Tokens = b.Burst
	}
	b.UpdatedAt = ts
}

// Acquire takes one token from the bucket, waiting up to waitMax for a
// pause to end or a token to refill. Returns how long the caller waited.
func (l *Limiter) Acquire(ctx context.Context, instanceKey string, waitMax time.Duration) (time.Duration, error) {
	start := now.Now(ctx)
	for {
		var wait time.Duration
		err := l.store.Mutate(ctx, instanceKey, func(b *types.RateLimitBucket) error {
			ts := now.Now(ctx)
			if b.PausedUntil != nil {
				if b.PausedUntil.After(ts) {
					wait = b.PausedUntil.Sub(ts)
					return nil
				}
				b.PausedUntil = nil
			}
			refill(b, ts)
			if b.Tokens >= 1 {
				b.Tokens--
				wait = 0
				return nil
			}
			// Time until one whole token is available.
			wait = time.Duration(float64(time.Second) * (1 - b.Tokens) / b.Rate)
			return nil
		})
		if err != nil {
			return 0, skerr.Wrap(err)
		}
		if wait == 0 {
			return now.Now(ctx).Sub(start), nil
		}
		waited := now.Now(ctx).Sub(start)
		if waited+wait > waitMax {
			return waited, skerr.Wrap(ErrWaitBudgetExceeded)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, skerr.Wrap(err)
		}
	}
}

// Record429 pauses the bucket after an upstream 429. retryAfter <= 0 falls
// back to Default429Pause. An existing longer pause is kept.
func (l *Limiter) Record429(ctx context.Context, instanceKey string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = Default429Pause
	}
	return l.pause(ctx, instanceKey, retryAfter, "429")
}

// RecordTimeout pauses the bucket after a request timeout.
func (l *Limiter) RecordTimeout(ctx context.Context, instanceKey string) error {
	return l.pause(ctx, instanceKey, TimeoutPause, "timeout")
}

func (l *Limiter) pause(ctx context.Context, instanceKey string, d time.Duration, source string) error {
	err := l.store.Mutate(ctx, instanceKey, func(b *types.RateLimitBucket) error {
		ts := now.Now(ctx)
		until := ts.Add(d)
		if b.PausedUntil == nil || until.After(*b.PausedUntil) {
			b.PausedUntil = &until
		}
		if b.Meta == nil {
			b.Meta = map[string]interface{}{}
		}
		b.Meta["pause_source"] = source
		b.Meta["paused_at"] = ts.UTC().Format(time.RFC3339)
		b.UpdatedAt = ts
		return nil
	})
	return skerr.Wrapf(err, "pausing bucket %s", instanceKey)
}

// RecordSuccess notes a successful request. If the bucket is paused the
// remaining pause is halved, so a healthy upstream recovers its budget
// quickly without dropping the pause outright.
func (l *Limiter) RecordSuccess(ctx context.Context, instanceKey string) error {
	err := l.store.Mutate(ctx, instanceKey, func(b *types.RateLimitBucket) error {
		ts := now.Now(ctx)
		if b.PausedUntil == nil {
			return nil
		}
		if !b.PausedUntil.After(ts) {
			b.PausedUntil = nil
			b.UpdatedAt = ts
			return nil
		}
		remaining := b.PausedUntil.Sub(ts)
		until := ts.Add(remaining / 2)
		b.PausedUntil = &until
		b.UpdatedAt = ts
		return nil
	})
	return skerr.Wrapf(err, "recording success for bucket %s", instanceKey)
}

// Status returns the current bucket state for the metrics surface.
func (l *Limiter) Status(ctx context.Context, instanceKey string) (*types.RateLimitBucket, error) {
	b, err := l.store.Get(ctx, instanceKey)
	return b, skerr.Wrap(err)
}

// Buckets returns all known buckets, for the per-instance metrics surface.
func (l *Limiter) Buckets(ctx context.Context) ([]*types.RateLimitBucket, error) {
	out, err := l.store.List(ctx)
	return out, skerr.Wrap(err)
}
