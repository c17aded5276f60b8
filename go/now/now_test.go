package now

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow_NoOverride_ReturnsWallClock(t *testing.T) {
	before := time.Now()
	got := Now(context.Background())
	after := time.Now()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestNow_TimeInContext_ReturnsThatTime(t *testing.T) {
	mock := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.WithValue(context.Background(), ContextKey, mock)
	assert.Equal(t, mock, Now(ctx))
}

func TestTimeTravelingContext_SetTime_ChangesApparentTime(t *testing.T) {
	start := time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)
	ctx := TimeTravelingContext(start)
	assert.Equal(t, start, Now(ctx))
	ctx.AdvanceTime(2 * time.Minute)
	assert.Equal(t, start.Add(2*time.Minute), Now(ctx))
	later := start.Add(time.Hour)
	ctx.SetTime(later)
	assert.Equal(t, later, Now(ctx))
}
