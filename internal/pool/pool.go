// Package pool keeps a bounded set of long-lived backend connections,
// health-checks them on checkout and recycles them in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolExhausted is returned when no connection became free within the
	// acquire timeout and the pool is already at MaxConnections.
	ErrPoolExhausted = errors.New("pool: exhausted")
	// ErrConnectionUnhealthy is returned when a new connection could not be
	// opened even after the bounded retries.
	ErrConnectionUnhealthy = errors.New("pool: connection unhealthy")
	ErrPoolClosed          = errors.New("pool: closed")
)

// Conn is a live backend connection.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Resetter is implemented by connections that can carry uncommitted state
// (an open transaction) which must be discarded before reuse.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Factory opens a new backend connection.
type Factory[C Conn] func(ctx context.Context) (C, error)

type Options struct {
	Name             string
	MinConnections   int
	MaxConnections   int
	MaxIdleTime      time.Duration
	MaxLifetime      time.Duration
	AcquireTimeout   time.Duration
	MaintenanceEvery time.Duration
	OpenRetries      int
	OpenBackoffBase  time.Duration
	OpenBackoffMax   time.Duration
	PingTimeout      time.Duration
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10
	}
	if o.MinConnections < 0 {
		o.MinConnections = 0
	}
	if o.MinConnections > o.MaxConnections {
		o.MinConnections = o.MaxConnections
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.MaintenanceEvery <= 0 {
		o.MaintenanceEvery = 30 * time.Second
	}
	if o.OpenRetries <= 0 {
		o.OpenRetries = 3
	}
	if o.OpenBackoffBase <= 0 {
		o.OpenBackoffBase = 50 * time.Millisecond
	}
	if o.OpenBackoffMax <= 0 {
		o.OpenBackoffMax = time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = time.Second
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int
	Idle      int
	InUse     int
	Waiting   int
	Opened    int64
	Recycled  int64
	Exhausted int64
}

// Pool is safe for concurrent use.
type Pool[C Conn] struct {
	opts    Options
	factory Factory[C]
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	idle    []*Resource[C]
	live    map[*Resource[C]]struct{}
	pending int // slots reserved by in-flight opens
	waiters []chan struct{}
	closed  bool

	opened    atomic.Int64
	recycled  atomic.Int64
	exhausted atomic.Int64
}

// New builds a pool and opens MinConnections connections up front.
func New[C Conn](ctx context.Context, factory Factory[C], opts Options, logger zerolog.Logger) (*Pool[C], error) {
	if factory == nil {
		return nil, errors.New("pool: nil factory")
	}
	opts.defaults()
	p := &Pool[C]{
		opts:    opts,
		factory: factory,
		logger:  logger.With().Str("component", "pool").Str("pool", opts.Name).Logger(),
		now:     time.Now,
		live:    make(map[*Resource[C]]struct{}),
	}
	if err := p.replenish(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool[C]) Name() string { return p.opts.Name }

// Acquire checks out a healthy connection, waiting up to AcquireTimeout (or
// the context deadline, whichever is sooner) for one to become free.
func (p *Pool[C]) Acquire(ctx context.Context) (*Resource[C], error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			r := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if p.healthy(ctx, r) {
				return p.handOut(r)
			}
			p.discard(r, "unhealthy on checkout")
			continue
		}

		if len(p.live)+p.pending < p.opts.MaxConnections {
			p.pending++
			p.mu.Unlock()

			r, err := p.open(ctx)
			if err != nil {
				return nil, err
			}
			return p.handOut(r)
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			p.mu.Lock()
			if !p.removeWaiterLocked(wait) {
				// Already signalled; hand the wakeup to the next waiter.
				p.notifyLocked()
			}
			p.mu.Unlock()
			p.exhausted.Add(1)
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, p.opts.AcquireTimeout)
		}
	}
}

// handOut checks r out unless the pool was closed while r was outside the
// lock. Close has already closed r's connection in that case.
func (p *Pool[C]) handOut(r *Resource[C]) (*Resource[C], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	r.checkout(p.now())
	return r, nil
}

// release returns r to the idle set, or discards it when it is unhealthy or
// cannot be reset.
func (p *Pool[C]) release(r *Resource[C]) {
	if rs, ok := any(r.conn).(Resetter); ok && r.healthy.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.PingTimeout)
		err := rs.Reset(ctx)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Msg("reset failed, discarding connection")
			r.MarkUnhealthy()
		}
	}

	r.lastUsed.Store(p.now().UnixNano())

	p.mu.Lock()
	if _, ok := p.live[r]; !ok || p.closed {
		p.mu.Unlock()
		_ = r.conn.Close()
		return
	}
	if !r.healthy.Load() {
		p.mu.Unlock()
		p.discard(r, "released unhealthy")
		return
	}
	p.idle = append(p.idle, r)
	p.notifyLocked()
	p.mu.Unlock()
}

// open creates a connection in a slot already reserved through p.pending.
func (p *Pool[C]) open(ctx context.Context) (*Resource[C], error) {
	conn, err := p.openWithRetry(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending--
	if err != nil {
		p.notifyLocked()
		return nil, err
	}
	if p.closed {
		_ = conn.Close()
		return nil, ErrPoolClosed
	}

	now := p.now()
	r := &Resource[C]{conn: conn, pool: p, createdAt: now}
	r.lastUsed.Store(now.UnixNano())
	r.healthy.Store(true)
	p.live[r] = struct{}{}
	p.opened.Add(1)
	return r, nil
}

func (p *Pool[C]) openWithRetry(ctx context.Context) (C, error) {
	var zero C
	delay := p.opts.OpenBackoffBase
	var lastErr error
	for attempt := 1; attempt <= p.opts.OpenRetries; attempt++ {
		conn, err := p.factory(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.logger.Debug().Err(err).Int("attempt", attempt).Msg("open connection failed")

		if attempt == p.opts.OpenRetries {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, fmt.Errorf("%w: %v", ErrConnectionUnhealthy, lastErr)
		case <-t.C:
		}
		delay *= 2
		if delay > p.opts.OpenBackoffMax {
			delay = p.opts.OpenBackoffMax
		}
	}
	p.logger.Warn().Err(lastErr).Int("attempts", p.opts.OpenRetries).Msg("giving up opening connection")
	return zero, fmt.Errorf("%w: %v", ErrConnectionUnhealthy, lastErr)
}

// healthy reports whether r may be handed out: its flag is set, it is within
// its lifetime and idle limits, and it answers a ping.
func (p *Pool[C]) healthy(ctx context.Context, r *Resource[C]) bool {
	if !p.fresh(r, p.now()) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
	defer cancel()
	if err := r.conn.Ping(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("ping failed")
		return false
	}
	return true
}

func (p *Pool[C]) fresh(r *Resource[C], now time.Time) bool {
	if !r.healthy.Load() {
		return false
	}
	if p.opts.MaxLifetime > 0 && now.Sub(r.createdAt) > p.opts.MaxLifetime {
		return false
	}
	if p.opts.MaxIdleTime > 0 && now.Sub(r.LastUsed()) > p.opts.MaxIdleTime {
		return false
	}
	return true
}

func (p *Pool[C]) discard(r *Resource[C], reason string) {
	p.mu.Lock()
	_, tracked := p.live[r]
	delete(p.live, r)
	p.notifyLocked()
	p.mu.Unlock()

	if tracked {
		p.recycled.Add(1)
		p.logger.Debug().Str("reason", reason).Int64("uses", r.UseCount()).Msg("recycling connection")
	}
	_ = r.conn.Close()
}

func (p *Pool[C]) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

func (p *Pool[C]) removeWaiterLocked(w chan struct{}) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Maintain runs one maintenance pass: it drops unhealthy idle connections
// and opens new ones until MinConnections are live.
func (p *Pool[C]) Maintain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	keep := make([]*Resource[C], 0, len(idle))
	for _, r := range idle {
		if p.healthy(ctx, r) {
			keep = append(keep, r)
			continue
		}
		p.discard(r, "maintenance")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, r := range keep {
			_ = r.conn.Close()
		}
		return ErrPoolClosed
	}
	// Anything released while we were pinging sits after the survivors.
	p.idle = append(keep, p.idle...)
	for range keep {
		p.notifyLocked()
	}
	p.mu.Unlock()

	return p.replenish(ctx)
}

func (p *Pool[C]) replenish(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if len(p.live)+p.pending >= p.opts.MinConnections {
			p.mu.Unlock()
			return nil
		}
		p.pending++
		p.mu.Unlock()

		r, err := p.open(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.idle = append(p.idle, r)
		p.notifyLocked()
		p.mu.Unlock()
	}
}

// Run executes Maintain every MaintenanceEvery until ctx is done. onPass, if
// non-nil, is called with fresh stats after every pass.
func (p *Pool[C]) Run(ctx context.Context, onPass func(Stats)) error {
	t := time.NewTicker(p.opts.MaintenanceEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.Maintain(ctx); err != nil {
				if errors.Is(err, ErrPoolClosed) {
					return nil
				}
				p.logger.Warn().Err(err).Msg("maintenance pass failed")
			}
			if onPass != nil {
				onPass(p.Stats())
			}
		}
	}
}

func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := len(p.live)
	return Stats{
		Size:      size,
		Idle:      len(p.idle),
		InUse:     size - len(p.idle),
		Waiting:   len(p.waiters),
		Opened:    p.opened.Load(),
		Recycled:  p.recycled.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Close closes every connection, including checked-out ones, and wakes all
// waiters. Handles still held by callers become unusable.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := make([]*Resource[C], 0, len(p.live))
	for r := range p.live {
		all = append(all, r)
	}
	p.live = make(map[*Resource[C]]struct{})
	p.idle = nil
	for len(p.waiters) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	var errs []error
	for _, r := range all {
		r.released.Store(true)
		if err := r.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resource is a checked-out connection. It must be released exactly once,
// usually with defer right after Acquire.
type Resource[C Conn] struct {
	conn      C
	pool      *Pool[C]
	createdAt time.Time
	lastUsed  atomic.Int64
	useCount  atomic.Int64
	healthy   atomic.Bool
	released  atomic.Bool
}

func (r *Resource[C]) checkout(now time.Time) {
	r.released.Store(false)
	r.useCount.Add(1)
	r.lastUsed.Store(now.UnixNano())
}

// Conn returns the underlying connection, or ok=false once the resource has
// been released or the pool closed.
func (r *Resource[C]) Conn() (c C, ok bool) {
	if r.released.Load() {
		return c, false
	}
	return r.conn, true
}

func (r *Resource[C]) CreatedAt() time.Time { return r.createdAt }
func (r *Resource[C]) LastUsed() time.Time  { return time.Unix(0, r.lastUsed.Load()) }
func (r *Resource[C]) UseCount() int64      { return r.useCount.Load() }

// MarkUnhealthy flags the connection so it is discarded on release.
func (r *Resource[C]) MarkUnhealthy() { r.healthy.Store(false) }

func (r *Resource[C]) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.pool.release(r)
}
