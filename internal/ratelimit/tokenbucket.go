package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket refills continuously at Max/Window tokens per second up to
// its capacity. Refill is computed lazily by x/time/rate from the elapsed
// time since the last call.
type tokenBucket struct {
	l   Limit
	lim *rate.Limiter
}

func refillRate(l Limit) rate.Limit {
	return rate.Limit(float64(l.Max) / l.Window.Seconds())
}

func newTokenBucket(l Limit, now time.Time) *tokenBucket {
	lim := rate.NewLimiter(refillRate(l), int(l.capacity()))
	// Pin the bucket's clock so the first refill is measured from now.
	lim.SetBurstAt(now, int(l.capacity()))
	return &tokenBucket{l: l, lim: lim}
}

// Allow spends cost whole tokens. Callers reject fractional costs through
// Limit.CheckCost before reaching the bucket.
func (b *tokenBucket) Allow(now time.Time, cost float64) (bool, time.Duration) {
	n := int(math.Ceil(cost))
	if b.lim.AllowN(now, n) {
		return true, 0
	}
	if float64(n) > b.l.capacity() {
		// Can never fit in the bucket; point the caller at a full window.
		return false, b.l.Window
	}
	need := float64(n) - b.lim.TokensAt(now)
	return false, ceilDuration(need / float64(b.lim.Limit()))
}

func (b *tokenBucket) Remaining(now time.Time) float64 {
	return math.Max(0, b.lim.TokensAt(now))
}

func (b *tokenBucket) SetLimit(now time.Time, l Limit) {
	b.l = l
	b.lim.SetLimitAt(now, refillRate(l))
	b.lim.SetBurstAt(now, int(l.capacity()))
}

// ceilDuration converts seconds to a duration rounded up to the millisecond,
// never returning less than one millisecond.
func ceilDuration(seconds float64) time.Duration {
	d := time.Duration(math.Ceil(seconds * float64(time.Second)))
	if r := d % time.Millisecond; r != 0 {
		d += time.Millisecond - r
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
