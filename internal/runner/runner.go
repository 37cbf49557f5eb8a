// Package runner supervises long-lived background tasks. A task that panics
// or returns an error is logged and restarted after a backoff; one task
// failing never stops the others.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AlexKimmel/accountgate/internal/obs"
	"github.com/rs/zerolog"
)

// Task runs until ctx is cancelled. Returning nil before that is treated as
// a clean exit and the task is not restarted.
type Task func(ctx context.Context) error

type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0 to 1
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * b.Jitter * d
	}
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}

type entry struct {
	name string
	task Task
}

type Runner struct {
	mu      sync.Mutex
	tasks   []entry
	backoff Backoff
	// a task that ran this long before failing starts its backoff over
	stableAfter time.Duration
	logger      zerolog.Logger
	metrics     *obs.Metrics
}

type Option func(*Runner)

func WithBackoff(b Backoff) Option {
	return func(r *Runner) { r.backoff = b }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func New(logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		backoff:     DefaultBackoff(),
		stableAfter: time.Minute,
		logger:      obs.Component(logger, "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a task. Tasks added after Run starts are ignored.
func (r *Runner) Add(name string, t Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, entry{name: name, task: t})
	r.mu.Unlock()
}

// Every wraps fn into a task that calls it on a fixed interval. Errors from
// fn are logged and do not stop the loop.
func Every(interval time.Duration, logger zerolog.Logger, fn func(ctx context.Context) error) Task {
	return func(ctx context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("periodic task pass failed")
				}
			}
		}
	}
}

// Run starts every task and blocks until ctx is cancelled and all tasks
// have returned.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	tasks := append([]entry(nil), r.tasks...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range tasks {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			r.supervise(ctx, e)
		}(e)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) supervise(ctx context.Context, e entry) {
	log := r.logger.With().Str("task", e.name).Logger()
	attempt := 0
	for {
		started := time.Now()
		err := r.runOnce(ctx, e)
		if ctx.Err() != nil {
			log.Debug().Msg("task stopped")
			return
		}
		if err == nil {
			log.Info().Msg("task finished")
			return
		}
		if time.Since(started) >= r.stableAfter {
			attempt = 0
		}
		wait := r.backoff.delay(attempt)
		attempt++
		r.metrics.ObserveTaskRestart(e.name)
		log.Error().Err(err).Int("attempt", attempt).Dur("restart_in", wait).Msg("task failed, restarting")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// PanicError carries a recovered panic value and the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }

func (r *Runner) runOnce(ctx context.Context, e entry) (err error) {
	defer func() {
		if v := recover(); v != nil {
			pe := &PanicError{Value: v, Stack: debug.Stack()}
			r.logger.Error().Str("task", e.name).Str("stack", string(pe.Stack)).Msgf("task panicked: %v", v)
			err = pe
		}
	}()
	err = e.task(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
