// Package redisstats persists admission decision counters in Redis.
//
// Record never blocks the admission path: events go into a bounded buffer
// that Run drains in the background. When the buffer is full the event is
// dropped and counted.
package redisstats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrDropped = errors.New("redisstats: buffer full, event dropped")

type Recorder struct {
	rdb    redis.Cmdable
	prefix string
	// ttl applies to per-minute and per-key hashes; the total never expires.
	ttl    time.Duration
	events chan ratelimit.Event
	logger zerolog.Logger

	dropped atomic.Int64
}

type Option func(*Recorder)

func WithPrefix(prefix string) Option {
	return func(r *Recorder) { r.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) Option {
	return func(r *Recorder) { r.ttl = d }
}

func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.events = make(chan ratelimit.Event, n)
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = logger.With().Str("component", "redisstats").Logger() }
}

func New(rdb redis.Cmdable, opts ...Option) *Recorder {
	r := &Recorder{
		rdb:    rdb,
		prefix: "accountgate:stats",
		ttl:    24 * time.Hour,
		events: make(chan ratelimit.Event, 1024),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record implements ratelimit.StatsRecorder.
func (r *Recorder) Record(_ context.Context, ev ratelimit.Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	select {
	case r.events <- ev:
		return nil
	default:
		r.dropped.Add(1)
		return ErrDropped
	}
}

func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes buffered events until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			if err := r.write(ctx, ev); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("key", ev.Key).Msg("write stats")
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev ratelimit.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := fieldFor(ev.Allowed)

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.totalKey(), field, 1)

	bucketKey := r.minuteKey(at)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, bucketKey, r.ttl)
	}

	if ev.Strategy != "" {
		pipe.HIncrBy(ctx, r.prefix+":strategy", string(ev.Strategy)+":"+field, 1)
	}

	if k := strings.TrimSpace(ev.Key); k != "" {
		keyKey := r.keyKey(k)
		pipe.HIncrBy(ctx, keyKey, field, 1)
		pipe.HIncrByFloat(ctx, keyKey, "cost", ev.Cost)
		pipe.HSet(ctx, keyKey, "last_request", at.UTC().Format(time.RFC3339Nano))
		if r.ttl > 0 {
			pipe.Expire(ctx, keyKey, r.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Counters reads the allowed/denied counters stored for a resource key.
func (r *Recorder) Counters(ctx context.Context, key string) (allowed, denied int64, err error) {
	vals, err := r.rdb.HMGet(ctx, r.keyKey(key), "allowed", "denied").Result()
	if err != nil {
		return 0, 0, err
	}
	parse := func(v any) int64 {
		s, _ := v.(string)
		var n int64
		_, _ = fmt.Sscan(s, &n)
		return n
	}
	return parse(vals[0]), parse(vals[1]), nil
}

func fieldFor(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (r *Recorder) totalKey() string { return r.prefix + ":total" }

func (r *Recorder) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
}

func (r *Recorder) keyKey(k string) string { return r.prefix + ":key:" + k }
