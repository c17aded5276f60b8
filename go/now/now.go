// Package now provides a function to return the current time that is
// also easily overridden for testing.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic. The value
// stored under the key may be either a time.Time or a NowProvider.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is a function whose return value is used as the current time.
// It is evaluated on every call to Now with that context, so it must be
// threadsafe if the context crosses goroutines.
type NowProvider func() time.Time

// Now returns the current time or the time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		default:
			panic(fmt.Sprintf("Unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx is a test utility that makes it easy to change the apparent
// time mid-test:
//
//	ctx := now.TimeTravelingContext(start)
//	first := doWork(ctx)
//	ctx.SetTime(start.Add(2 * time.Minute))
//	second := doWork(ctx)
type TimeTravelCtx struct {
	context.Context

	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a *TimeTravelCtx using the given time and the
// background context.
func TimeTravelingContext(start time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{
		ts: start,
	}
	t.Context = context.WithValue(context.Background(), ContextKey, NowProvider(t.now))
	return t
}

func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime updates the time returned by the embedded context's NowProvider.
// It is thread-safe.
func (t *TimeTravelCtx) SetTime(newTime time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = newTime
}

// AdvanceTime moves the apparent time forward by d. It is thread-safe.
func (t *TimeTravelCtx) AdvanceTime(d time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = t.ts.Add(d)
}
