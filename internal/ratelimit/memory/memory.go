package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/rs/zerolog"
)

// entry is the state of one resource key. Its mutex serializes every
// read-modify-write of the window so concurrent checks never double-admit.
type entry struct {
	mu     sync.Mutex
	limit  ratelimit.Limit
	window ratelimit.Window
	stats  ratelimit.Stats
}

type Limiter struct {
	now      func() time.Time
	entries  sync.Map // key -> *entry
	fallback ratelimit.Limit
	recorder ratelimit.StatsRecorder
	logger   zerolog.Logger
}

type Option func(*Limiter)

// WithDefault sets the limit applied to keys used before being configured.
func WithDefault(l ratelimit.Limit) Option {
	return func(lim *Limiter) { lim.fallback = l }
}

// WithClock sets the clock used when a key is first configured.
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) { lim.now = now }
}

func WithRecorder(r ratelimit.StatsRecorder) Option {
	return func(lim *Limiter) { lim.recorder = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(lim *Limiter) { lim.logger = logger.With().Str("component", "ratelimit").Logger() }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:      time.Now,
		fallback: ratelimit.Conservative,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Close() error { return nil }

// Configure registers lim for key, replacing any previous limit. When the
// strategy is unchanged the recorded history is kept, so tightening a limit
// takes effect against requests already admitted.
func (l *Limiter) Configure(key string, lim ratelimit.Limit) error {
	if err := lim.Validate(); err != nil {
		return fmt.Errorf("configure %s: %w", key, err)
	}
	now := l.now()
	fresh := &entry{limit: lim, window: ratelimit.NewWindow(lim, now)}
	v, loaded := l.entries.LoadOrStore(key, fresh)
	if !loaded {
		return nil
	}

	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.limit.Strategy == lim.Strategy {
		e.window.SetLimit(now, lim)
	} else {
		e.window = fresh.window
	}
	e.limit = lim
	return nil
}

// EnsureConfigured registers lim for key only if the key has no state yet.
func (l *Limiter) EnsureConfigured(key string, lim ratelimit.Limit) error {
	if _, ok := l.entries.Load(key); ok {
		return nil
	}
	if err := lim.Validate(); err != nil {
		return fmt.Errorf("configure %s: %w", key, err)
	}
	l.entries.LoadOrStore(key, &entry{limit: lim, window: ratelimit.NewWindow(lim, l.now())})
	return nil
}

// Limit returns the limit currently registered for key.
func (l *Limiter) Limit(key string) (ratelimit.Limit, bool) {
	v, ok := l.entries.Load(key)
	if !ok {
		return ratelimit.Limit{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limit, true
}

func (l *Limiter) lookup(key string, now time.Time) *entry {
	if v, ok := l.entries.Load(key); ok {
		return v.(*entry)
	}
	v, loaded := l.entries.LoadOrStore(key, &entry{
		limit:  l.fallback,
		window: ratelimit.NewWindow(l.fallback, now),
	})
	if !loaded {
		l.logger.Debug().Str("key", key).Str("strategy", string(l.fallback.Strategy)).Msg("auto-configured default limit")
	}
	return v.(*entry)
}

// Allow decides whether cost units may be spent on key at now. It never
// blocks beyond the key's own mutex. A cost the key's strategy cannot charge
// is rejected with ratelimit.ErrFractionalCost and not counted.
func (l *Limiter) Allow(ctx context.Context, key string, cost float64, now time.Time) (ratelimit.Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	e := l.lookup(key, now)

	e.mu.Lock()
	if err := e.limit.CheckCost(cost); err != nil {
		e.mu.Unlock()
		return ratelimit.Decision{}, fmt.Errorf("allow %s: %w", key, err)
	}
	allowed, retry := e.window.Allow(now, cost)
	e.stats.Total++
	if !allowed {
		e.stats.Denied++
	}
	e.stats.LastRequest = now
	dec := ratelimit.Decision{
		Allowed:    allowed,
		RetryAfter: retry,
		Remaining:  e.window.Remaining(now),
		Limit:      e.limit,
	}
	e.mu.Unlock()

	if l.recorder != nil {
		ev := ratelimit.Event{Key: key, Strategy: dec.Limit.Strategy, Allowed: allowed, Cost: cost, At: now}
		if err := l.recorder.Record(ctx, ev); err != nil {
			l.logger.Debug().Err(err).Str("key", key).Msg("stats record failed")
		}
	}
	return dec, nil
}

func (l *Limiter) Remaining(key string, now time.Time) (float64, bool) {
	v, ok := l.entries.Load(key)
	if !ok {
		return 0, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Remaining(now), true
}

func (l *Limiter) Stats(key string) (ratelimit.Stats, bool) {
	v, ok := l.entries.Load(key)
	if !ok {
		return ratelimit.Stats{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, true
}

// Keys lists every key with state, sorted.
func (l *Limiter) Keys() []string {
	var keys []string
	l.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}
