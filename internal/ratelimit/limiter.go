package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrRateLimitExceeded is what Decision.Err reports for a denied admission.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrFractionalCost is returned when a token bucket is charged a cost
	// that is not a whole number of tokens.
	ErrFractionalCost = errors.New("token bucket cost must be a whole number")
)

type Strategy string

const (
	TokenBucket   Strategy = "token_bucket"
	SlidingWindow Strategy = "sliding_window"
	CostBudget    Strategy = "cost_budget"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case TokenBucket, SlidingWindow, CostBudget:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown rate limit strategy %q", s)
}

// Limit is the configuration for one resource key. It is treated as
// immutable; Configure with a new Limit to change it.
type Limit struct {
	Strategy Strategy
	Max      int // operations per Window
	Window   time.Duration
	Burst    int     // token bucket capacity, defaults to Max
	Budget   float64 // cost budget per Window, defaults to Max
}

// Conservative is applied to keys nobody configured.
var Conservative = Limit{Strategy: SlidingWindow, Max: 10, Window: time.Minute}

func (l Limit) Validate() error {
	if _, err := ParseStrategy(string(l.Strategy)); err != nil {
		return err
	}
	if l.Window <= 0 {
		return errors.New("window must be positive")
	}
	if l.Max <= 0 && !(l.Strategy == CostBudget && l.Budget > 0) {
		return errors.New("max must be positive")
	}
	return nil
}

// CheckCost reports whether cost can be charged against l. Token buckets
// spend whole tokens only; the window strategies take any positive cost.
func (l Limit) CheckCost(cost float64) error {
	if l.Strategy == TokenBucket && cost != math.Trunc(cost) {
		return fmt.Errorf("%w: got %g", ErrFractionalCost, cost)
	}
	return nil
}

func (l Limit) capacity() float64 {
	switch l.Strategy {
	case TokenBucket:
		if l.Burst > 0 {
			return float64(l.Burst)
		}
	case CostBudget:
		if l.Budget > 0 {
			return l.Budget
		}
	}
	return float64(l.Max)
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // 0 when Allowed, otherwise > 0
	Remaining  float64       // capacity left after this request
	Limit      Limit
}

// Err returns ErrRateLimitExceeded for a denied decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: retry after %s", ErrRateLimitExceeded, d.RetryAfter)
}

// Stats are tracked per resource key.
type Stats struct {
	Total       int64
	Denied      int64
	LastRequest time.Time
}

// Window is the mutable state of one strategy for one key. Implementations
// are not safe for concurrent use; the controller serializes access per key.
type Window interface {
	// Allow admits cost units at now, or reports how long until it could.
	Allow(now time.Time, cost float64) (bool, time.Duration)
	Remaining(now time.Time) float64
	// SetLimit swaps the limit while keeping the recorded history.
	SetLimit(now time.Time, l Limit)
}

// NewWindow builds empty state for l.
func NewWindow(l Limit, now time.Time) Window {
	switch l.Strategy {
	case TokenBucket:
		return newTokenBucket(l, now)
	case CostBudget:
		return newCostWindow(l)
	default:
		return newSlidingWindow(l)
	}
}

// Limiter is the admission controller.
type Limiter interface {
	Configure(key string, l Limit) error
	Allow(ctx context.Context, key string, cost float64, now time.Time) (Decision, error)
	Remaining(key string, now time.Time) (float64, bool)
	Stats(key string) (Stats, bool)
	Close() error
}

// Event is one admission decision, handed to a StatsRecorder.
type Event struct {
	Key      string
	Strategy Strategy
	Allowed  bool
	Cost     float64
	At       time.Time
}

// StatsRecorder persists decision statistics. Errors are best-effort.
type StatsRecorder interface {
	Record(ctx context.Context, ev Event) error
}
