package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestSlidingWindow_MaxThenDenyThenRetry(t *testing.T) {
	w := NewWindow(Limit{Strategy: SlidingWindow, Max: 3, Window: time.Minute}, t0)

	for i := 0; i < 3; i++ {
		ok, retry := w.Allow(t0.Add(time.Duration(i)*time.Second), 1)
		require.True(t, ok, "request %d", i)
		assert.Zero(t, retry)
	}

	now := t0.Add(10 * time.Second)
	ok, retry := w.Allow(now, 1)
	require.False(t, ok)
	assert.Equal(t, 50*time.Second, retry, "oldest hit at t0 expires at t0+60s")
	assert.Zero(t, w.Remaining(now))

	ok, _ = w.Allow(now.Add(retry), 1)
	assert.True(t, ok)
}

func TestSlidingWindow_NoBoundaryDoubleAdmission(t *testing.T) {
	w := NewWindow(Limit{Strategy: SlidingWindow, Max: 2, Window: time.Minute}, t0)

	// Two hits at the end of one minute...
	late := t0.Add(59 * time.Second)
	ok1, _ := w.Allow(late, 1)
	ok2, _ := w.Allow(late, 1)
	require.True(t, ok1 && ok2)

	// ...cannot be followed by more just after a fixed-window boundary would reset.
	ok, retry := w.Allow(t0.Add(61*time.Second), 1)
	assert.False(t, ok)
	assert.Equal(t, 58*time.Second, retry)
}

func TestSlidingWindow_ShrinkingLimitKeepsHistory(t *testing.T) {
	w := NewWindow(Limit{Strategy: SlidingWindow, Max: 5, Window: time.Minute}, t0)
	for i := 0; i < 4; i++ {
		ok, _ := w.Allow(t0.Add(time.Duration(i)*time.Second), 1)
		require.True(t, ok)
	}

	w.SetLimit(t0, Limit{Strategy: SlidingWindow, Max: 2, Window: time.Minute})
	now := t0.Add(5 * time.Second)
	ok, retry := w.Allow(now, 1)
	require.False(t, ok)
	// Three of the four hits must expire; the third was at t0+2s.
	assert.Equal(t, 57*time.Second, retry)
}

func TestTokenBucket_ConsumeAndRefill(t *testing.T) {
	w := NewWindow(Limit{Strategy: TokenBucket, Max: 10, Window: time.Second}, t0)

	ok, _ := w.Allow(t0, 10)
	require.True(t, ok)
	assert.Zero(t, w.Remaining(t0))

	ok, retry := w.Allow(t0, 5)
	require.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, retry)
	assert.GreaterOrEqual(t, w.Remaining(t0), 0.0, "a denied consume must not go negative")

	// k/rate = 5 / 10 per second.
	ok, _ = w.Allow(t0.Add(500*time.Millisecond), 5)
	assert.True(t, ok)
}

func TestTokenBucket_BurstCapacity(t *testing.T) {
	w := NewWindow(Limit{Strategy: TokenBucket, Max: 60, Window: time.Minute, Burst: 3}, t0)

	for i := 0; i < 3; i++ {
		ok, _ := w.Allow(t0, 1)
		require.True(t, ok)
	}
	ok, retry := w.Allow(t0, 1)
	require.False(t, ok)
	assert.Equal(t, time.Second, retry)

	// A long idle period never refills past the burst.
	assert.Equal(t, 3.0, w.Remaining(t0.Add(time.Hour)))

	ok, retry = w.Allow(t0.Add(time.Hour), 4)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry, "cost above capacity can never fit")
}

func TestLimit_CheckCost(t *testing.T) {
	tb := Limit{Strategy: TokenBucket, Max: 10, Window: time.Second}
	assert.NoError(t, tb.CheckCost(1))
	assert.NoError(t, tb.CheckCost(3))
	assert.ErrorIs(t, tb.CheckCost(0.5), ErrFractionalCost)
	assert.ErrorIs(t, tb.CheckCost(2.25), ErrFractionalCost)

	budget := Limit{Strategy: CostBudget, Window: time.Minute, Budget: 10}
	assert.NoError(t, budget.CheckCost(0.5))
}

func TestTokenBucket_SetLimit(t *testing.T) {
	w := NewWindow(Limit{Strategy: TokenBucket, Max: 1, Window: time.Second}, t0)
	ok, _ := w.Allow(t0, 1)
	require.True(t, ok)

	w.SetLimit(t0, Limit{Strategy: TokenBucket, Max: 4, Window: time.Second})
	ok, retry := w.Allow(t0, 1)
	require.False(t, ok)
	assert.Equal(t, 250*time.Millisecond, retry)
}

func TestCostBudget_HeterogeneousCosts(t *testing.T) {
	w := NewWindow(Limit{Strategy: CostBudget, Window: time.Minute, Budget: 10}, t0)

	ok, _ := w.Allow(t0, 3)
	require.True(t, ok)
	ok, _ = w.Allow(t0.Add(10*time.Second), 5)
	require.True(t, ok)
	assert.Equal(t, 2.0, w.Remaining(t0.Add(10*time.Second)))

	now := t0.Add(20 * time.Second)
	ok, _ = w.Allow(now, 2)
	require.True(t, ok)

	// 10 spent; a cost of 4 needs the first two entries (3+5) to expire.
	ok, retry := w.Allow(now, 4)
	require.False(t, ok)
	assert.Equal(t, 50*time.Second, retry)

	ok, _ = w.Allow(now.Add(retry), 4)
	assert.True(t, ok)
}

func TestCostBudget_CostAboveBudget(t *testing.T) {
	w := NewWindow(Limit{Strategy: CostBudget, Window: time.Minute, Budget: 5}, t0)
	ok, retry := w.Allow(t0, 6)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)
}

func TestLimit_Validate(t *testing.T) {
	assert.NoError(t, Limit{Strategy: SlidingWindow, Max: 1, Window: time.Second}.Validate())
	assert.NoError(t, Limit{Strategy: CostBudget, Budget: 3, Window: time.Second}.Validate())
	assert.Error(t, Limit{Strategy: "leaky", Max: 1, Window: time.Second}.Validate())
	assert.Error(t, Limit{Strategy: TokenBucket, Max: 1}.Validate())
	assert.Error(t, Limit{Strategy: SlidingWindow, Window: time.Second}.Validate())
}

func TestDecision_Err(t *testing.T) {
	assert.NoError(t, Decision{Allowed: true}.Err())
	err := Decision{RetryAfter: time.Second}.Err()
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestCeilDuration(t *testing.T) {
	assert.Equal(t, time.Millisecond, ceilDuration(0))
	assert.Equal(t, 2*time.Millisecond, ceilDuration(0.0011))
	assert.Equal(t, time.Second, ceilDuration(1))
}
