package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.engram.dev/engram/go/now"
)

var testStart = time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

const circuitKey = "PROJ:instance:gitlab.example.com"

func newTestBreaker() *Breaker {
	return New(NewMemoryStore(), Options{})
}

func failN(t *testing.T, ctx *now.TimeTravelCtx, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.RecordFailure(ctx, circuitKey))
	}
}

func TestBuildKey(t *testing.T) {
	assert.Equal(t, "PROJ:global", BuildKey("PROJ", ""))
	assert.Equal(t, "PROJ:instance:gitlab.example.com", BuildKey("PROJ", ScopeInstance("gitlab.example.com")))
	assert.Equal(t, "PROJ:tenant:acme", BuildKey("PROJ", ScopeTenant("acme")))
	assert.Equal(t, "PROJ", ProjectKeyOf("PROJ:pool:default"))
}

func TestAllow_UnknownCircuitIsClosed(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := newTestBreaker()

	d, err := b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Probe)
	assert.Equal(t, Closed, d.State)
}

func TestRecordFailure_OpensAtThreshold(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := newTestBreaker()

	failN(t, ctx, b, 4)
	d, err := b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "four failures keep the circuit closed")

	failN(t, ctx, b, 1)
	d, err = b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, Open, d.State)
	assert.True(t, d.RetryAt.Equal(testStart.Add(time.Minute)))
	assert.Equal(t, "none", d.Suggestions["suggested_diff_mode"])
}

func TestRecordSuccess_ResetsClosedFailureCount(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := newTestBreaker()

	failN(t, ctx, b, 4)
	require.NoError(t, b.RecordSuccess(ctx, circuitKey))
	// The streak restarts: four more failures still do not open it.
	failN(t, ctx, b, 4)

	d, err := b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_OpenMovesToHalfOpenAfterWindow(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := newTestBreaker()
	failN(t, ctx, b, 5)

	ctx.AdvanceTime(30 * time.Second)
	d, err := b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	ctx.AdvanceTime(31 * time.Second)
	d, err = b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Probe)
	assert.Equal(t, HalfOpen, d.State)
}

func TestHalfOpen_ProbeBudgetBounded(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := New(NewMemoryStore(), Options{HalfOpenMaxProbes: 2})
	failN(t, ctx, b, 5)
	ctx.AdvanceTime(2 * time.Minute)

	for i := 0; i < 2; i++ {
		d, err := b.Allow(ctx, circuitKey)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "probe %d", i)
	}
	d, err := b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "third probe exceeds the budget")
}

func TestHalfOpen_SuccessQuotaCloses(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := newTestBreaker()
	failN(t, ctx, b, 5)
	ctx.AdvanceTime(2 * time.Minute)

	for i := 0; i < 2; i++ {
		d, err := b.Allow(ctx, circuitKey)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, b.RecordSuccess(ctx, circuitKey))
	}

	h, err := b.Health(ctx, circuitKey)
	require.NoError(t, err)
	assert.Equal(t, Closed, h.State)
	assert.Equal(t, 0, h.OpenCount)
	assert.Nil(t, h.Suggestions)
}

func TestHalfOpen_FailureReopensWithLongerWindow(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := newTestBreaker()
	failN(t, ctx, b, 5)

	ctx.AdvanceTime(2 * time.Minute)
	d, err := b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	require.True(t, d.Probe)

	reopenedAt := testStart.Add(2 * time.Minute)
	require.NoError(t, b.RecordFailure(ctx, circuitKey))

	h, err := b.Health(ctx, circuitKey)
	require.NoError(t, err)
	assert.Equal(t, Open, h.State)
	assert.Equal(t, 2, h.OpenCount)
	// Second open window doubles.
	assert.True(t, h.OpenUntil.Equal(reopenedAt.Add(2*time.Minute)))
}

func TestOpenWindow_Capped(t *testing.T) {
	b := New(NewMemoryStore(), Options{OpenBase: time.Minute, OpenCap: 4 * time.Minute})

	assert.Equal(t, time.Minute, b.openDuration(1))
	assert.Equal(t, 2*time.Minute, b.openDuration(2))
	assert.Equal(t, 4*time.Minute, b.openDuration(3))
	assert.Equal(t, 4*time.Minute, b.openDuration(10))
}

func TestStates_ListsAllCircuits(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := newTestBreaker()

	require.NoError(t, b.RecordFailure(ctx, circuitKey))
	require.NoError(t, b.RecordFailure(ctx, "OTHER:global"))

	all, err := b.States(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, Closed, all[circuitKey].State)
	assert.Equal(t, 1, all[circuitKey].FailureCount)
}

func TestReleaseProbe_FreesSlotWithoutClosing(t *testing.T) {
	ctx := now.TimeTravelingContext(testStart)
	b := New(NewMemoryStore(), Options{HalfOpenMaxProbes: 1})
	failN(t, ctx, b, 5)
	ctx.AdvanceTime(2 * time.Minute)

	d, err := b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	require.True(t, d.Probe)

	// Releasing twice is harmless: the slot count never goes negative and the
	// success quota stays untouched.
	require.NoError(t, b.ReleaseProbe(ctx, circuitKey))
	require.NoError(t, b.ReleaseProbe(ctx, circuitKey))

	h, err := b.Health(ctx, circuitKey)
	require.NoError(t, err)
	assert.Equal(t, HalfOpen, h.State)
	assert.Equal(t, 0, h.ProbesInFlight)
	assert.Equal(t, 0, h.SuccessCount)

	// The freed slot admits the next probe.
	d, err = b.Allow(ctx, circuitKey)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Probe)
}
