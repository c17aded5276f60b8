package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.engram.dev/engram/go/now"
)

var testStart = time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

const key = "gitlab.example.com"

// newTestLimiter wires the limiter's sleep to the time-traveling context so
// waiting advances the apparent clock instead of the wall clock.
func newTestLimiter(ctx *now.TimeTravelCtx) *Limiter {
	l := New(NewMemoryStore())
	l.sleep = func(_ context.Context, d time.Duration) error {
		ctx.AdvanceTime(d)
		return nil
	}
	return l
}

func TestAcquire_FreshBucketHasBurstTokens(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	for i := 0; i < int(DefaultBurst); i++ {
		waited, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), waited)
	}
}

func TestAcquire_EmptyBucketWaitsForRefill(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	for i := 0; i < int(DefaultBurst); i++ {
		_, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
	}

	// The next token refills at DefaultRate per second.
	waited, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Greater(t, waited, time.Duration(0))
	assert.LessOrEqual(t, waited, time.Second)
}

func TestAcquire_WaitBudgetExceeded(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.Record429(ctx, key, 10*time.Minute))

	_, err := l.Acquire(ctx, key, time.Second)
	require.ErrorIs(t, err, ErrWaitBudgetExceeded)
}

func TestRecord429_PausesUntilRetryAfter(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.Record429(ctx, key, 2*time.Minute))

	b, err := l.Status(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, b.PausedUntil)
	assert.True(t, b.PausedUntil.Equal(testStart.Add(2*time.Minute)))
	assert.Equal(t, "429", b.Meta["pause_source"])

	// Acquire succeeds once the pause has lapsed, and the wait is counted.
	waited, err := l.Acquire(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, waited, 2*time.Minute)
}

func TestRecord429_NoRetryAfterUsesDefault(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.Record429(ctx, key, 0))

	b, err := l.Status(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, b.PausedUntil)
	assert.True(t, b.PausedUntil.Equal(testStart.Add(Default429Pause)))
}

func TestRecord429_KeepsLongerExistingPause(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.Record429(ctx, key, 10*time.Minute))
	require.NoError(t, l.Record429(ctx, key, time.Minute))

	b, err := l.Status(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.PausedUntil.Equal(testStart.Add(10*time.Minute)))
}

func TestRecordTimeout_TagsPauseSource(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.RecordTimeout(ctx, key))

	b, err := l.Status(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, b.PausedUntil)
	assert.True(t, b.PausedUntil.Equal(testStart.Add(TimeoutPause)))
	assert.Equal(t, "timeout", b.Meta["pause_source"])
}

func TestRecordSuccess_HalvesRemainingPause(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.Record429(ctx, key, 8*time.Minute))

	ctx.AdvanceTime(2 * time.Minute) // 6 minutes of pause remain.
	require.NoError(t, l.RecordSuccess(ctx, key))

	b, err := l.Status(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, b.PausedUntil)
	assert.True(t, b.PausedUntil.Equal(testStart.Add(2*time.Minute+3*time.Minute)))
}

func TestRecordSuccess_ClearsLapsedPause(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.Record429(ctx, key, time.Minute))
	ctx.AdvanceTime(2 * time.Minute)
	require.NoError(t, l.RecordSuccess(ctx, key))

	b, err := l.Status(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, b.PausedUntil)
}

func TestRecordSuccess_NoopWithoutPause(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	require.NoError(t, l.RecordSuccess(ctx, key))
	b, err := l.Status(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, b.PausedUntil)
}

func TestBuckets_ListsAllInstances(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	l := newTestLimiter(ctx)

	_, err := l.Acquire(ctx, "b.example.com", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Record429(ctx, "a.example.com", time.Hour))

	buckets, err := l.Buckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "a.example.com", buckets[0].InstanceKey)
	require.NotNil(t, buckets[0].PausedUntil)
	assert.Equal(t, "b.example.com", buckets[1].InstanceKey)
	assert.Nil(t, buckets[1].PausedUntil)
	assert.Equal(t, DefaultBurst-1, buckets[1].Tokens)
}
