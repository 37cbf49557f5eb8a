// Package controlplane is the single entry point the send orchestrator
// talks to: admission, outcome reports and delivery probes.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlexKimmel/accountgate/internal/obs"
	"github.com/AlexKimmel/accountgate/internal/probe"
	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
	"github.com/AlexKimmel/accountgate/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	dailyWindow = 24 * time.Hour
	loadTimeout = 5 * time.Second
)

// Admission is the rate limiter surface the plane needs.
type Admission interface {
	Configure(key string, l ratelimit.Limit) error
	EnsureConfigured(key string, l ratelimit.Limit) error
	Limit(key string) (ratelimit.Limit, bool)
	Allow(ctx context.Context, key string, cost float64, now time.Time) (ratelimit.Decision, error)
	Remaining(key string, now time.Time) (float64, bool)
	Stats(key string) (ratelimit.Stats, bool)
}

type Config struct {
	Risk        risk.Config
	Recovery    recovery.Policy
	TriggerTier risk.Tier

	// Actions are per-kind templates applied to "account:<id>:<kind>".
	Actions map[string]ratelimit.Limit
	// Resources are explicit per-key limits registered at startup.
	Resources map[string]ratelimit.Limit
	// Costs is the default admission cost per action kind.
	Costs map[string]float64

	ProbeWindow      int
	ProbeConcurrency int
}

type Plane struct {
	cfg      Config
	limiter  Admission
	scorer   *risk.Scorer
	tracker  *risk.Tracker
	recovery *recovery.Supervisor
	prober   *probe.Prober
	store    store.Store

	now     func() time.Time
	logger  zerolog.Logger
	metrics *obs.Metrics

	loaded sync.Map // account -> struct{}, set once state is restored
	locks  sync.Map // account -> *sync.Mutex
}

type Option func(*Plane)

func WithClock(now func() time.Time) Option {
	return func(p *Plane) { p.now = now }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(p *Plane) { p.metrics = m }
}

// WithProber enables RunDeliveryProbe.
func WithProber(pr *probe.Prober) Option {
	return func(p *Plane) { p.prober = pr }
}

func New(cfg Config, lim Admission, st store.Store, logger zerolog.Logger, opts ...Option) (*Plane, error) {
	if lim == nil || st == nil {
		return nil, errors.New("controlplane: limiter and store are required")
	}
	if cfg.TriggerTier == "" {
		cfg.TriggerTier = risk.TierMedium
	}
	if cfg.ProbeWindow <= 0 {
		cfg.ProbeWindow = 10
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 4
	}
	scorer, err := risk.NewScorer(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("risk config: %w", err)
	}

	p := &Plane{
		cfg:     cfg,
		limiter: lim,
		scorer:  scorer,
		tracker: risk.NewTracker(),
		store:   st,
		now:     time.Now,
		logger:  obs.Component(logger, "controlplane"),
	}
	for _, opt := range opts {
		opt(p)
	}

	sup, err := recovery.NewSupervisor(cfg.Recovery, logger,
		recovery.WithClock(func() time.Time { return p.now() }),
		recovery.WithMetrics(p.metrics),
		recovery.WithOnChange(p.persistPlan),
	)
	if err != nil {
		return nil, err
	}
	p.recovery = sup

	for key, l := range cfg.Resources {
		if err := lim.Configure(key, l); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func ActionKey(account, kind string) string { return "account:" + account + ":" + kind }
func DailyKey(account string) string        { return "account:" + account + ":daily" }

func (p *Plane) lock(account string) func() {
	v, _ := p.locks.LoadOrStore(account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ensureLoaded restores an account's persisted signals and plan the first
// time the account is seen. The account counts as loaded only once both
// reads succeed or find nothing; any other failure is returned and the next
// call tries again.
func (p *Plane) ensureLoaded(account string) error {
	if _, ok := p.loaded.Load(account); ok {
		return nil
	}
	unlock := p.lock(account)
	defer unlock()
	if _, ok := p.loaded.Load(account); ok {
		return nil
	}

	// Detached so a cancelled caller cannot leave the account half restored.
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	sig, err := p.store.LoadSignals(ctx, account)
	hasSignals := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: load signals for %s: %w", ErrStateUnavailable, account, err)
	}
	plan, err := p.store.LoadPlan(ctx, account)
	hasPlan := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: load plan for %s: %w", ErrStateUnavailable, account, err)
	}

	if hasSignals {
		p.tracker.Restore(account, sig)
	}
	if hasPlan && p.recovery.Restore(plan) {
		p.logger.Info().Str("account", account).Str("stage", string(plan.Stage)).Msg("recovery plan restored")
	}
	p.loaded.Store(account, struct{}{})
	return nil
}

func (p *Plane) persistPlan(plan recovery.Plan) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.SavePlan(ctx, plan); err != nil {
		p.logger.Error().Err(err).Str("account", plan.Account).Msg("persist plan failed")
	}
}

// persistSignals saves the account's signals. Accounts whose stored state
// was never restored are skipped so history is not overwritten.
func (p *Plane) persistSignals(ctx context.Context, account string) {
	if _, loaded := p.loaded.Load(account); !loaded {
		return
	}
	st, ok := p.tracker.State(account)
	if !ok {
		return
	}
	if err := p.store.SaveSignals(ctx, account, st); err != nil {
		p.logger.Error().Err(err).Str("account", account).Msg("persist signals failed")
	}
}

func (p *Plane) score(account string, now time.Time) risk.Score {
	sc := p.scorer.Score(p.tracker.Snapshot(account, now))
	p.metrics.ObserveRiskScore(sc.Overall)
	return sc
}

// trigger starts a recovery plan when sc warrants one. The account lock must
// be held.
func (p *Plane) trigger(account string, sc risk.Score, reason string) {
	sev, ok := recovery.SeverityFor(sc, p.cfg.TriggerTier)
	if !ok {
		return
	}
	if _, err := p.recovery.Trigger(account, sev, reason); err != nil {
		p.logger.Error().Err(err).Str("account", account).Msg("start recovery plan failed")
	}
}

func (p *Plane) actionLimit(account, kind string) (string, error) {
	key := ActionKey(account, kind)
	if _, ok := p.cfg.Resources[key]; ok {
		return key, nil
	}
	if tmpl, ok := p.cfg.Actions[kind]; ok {
		if err := p.limiter.EnsureConfigured(key, tmpl); err != nil {
			return "", err
		}
	}
	return key, nil
}

// applyCeiling keeps the daily key's limit equal to the plan's ceiling.
func (p *Plane) applyCeiling(account string, ceiling int) (string, error) {
	key := DailyKey(account)
	want := ratelimit.Limit{Strategy: ratelimit.SlidingWindow, Max: ceiling, Window: dailyWindow}
	if cur, ok := p.limiter.Limit(key); ok && cur == want {
		return key, nil
	}
	return key, p.limiter.Configure(key, want)
}

// RequestAdmission decides whether account may perform one action of kind
// now. Quarantine outranks rate limiting, and refusals of either kind are
// returned as decision values with a nil error.
func (p *Plane) RequestAdmission(ctx context.Context, account, kind string, cost float64) (Decision, error) {
	if account == "" || kind == "" {
		return Decision{}, fmt.Errorf("%w: account and kind are required", ErrInvalidArgument)
	}
	if cost <= 0 {
		cost = p.cfg.Costs[kind]
		if cost <= 0 {
			cost = 1
		}
	}
	if err := p.ensureLoaded(account); err != nil {
		return Decision{}, err
	}
	now := p.now()

	dec, err := p.admit(ctx, account, kind, cost, now)
	if err != nil {
		return Decision{}, err
	}
	p.metrics.ObserveAdmission(kind, string(dec.Verdict))
	return dec, nil
}

func (p *Plane) admit(ctx context.Context, account, kind string, cost float64, now time.Time) (Decision, error) {
	verdict := p.recovery.CanAct(account)
	if !verdict.Allowed {
		return Decision{
			Verdict:    VerdictQuarantined,
			RetryAfter: verdict.RetryAfter,
			Reason:     verdict.Reason,
			Stage:      verdict.Stage,
			Ceiling:    verdict.Ceiling,
			Tier:       p.score(account, now).Tier,
		}, nil
	}

	sc := p.score(account, now)
	if sc.Quarantine && !inPlan(verdict) {
		unlock := p.lock(account)
		if !inPlan(p.recovery.CanAct(account)) {
			p.trigger(account, sc, "risk score requires quarantine")
		}
		unlock()
		v := p.recovery.CanAct(account)
		if !v.Allowed {
			return Decision{
				Verdict:    VerdictQuarantined,
				RetryAfter: v.RetryAfter,
				Reason:     v.Reason,
				Stage:      v.Stage,
				Ceiling:    v.Ceiling,
				Tier:       sc.Tier,
			}, nil
		}
		verdict = v
	}

	base := Decision{Stage: verdict.Stage, Ceiling: verdict.Ceiling, Tier: sc.Tier}

	if until := p.tracker.ThrottledUntil(account); now.Before(until) {
		d := base
		d.Verdict = VerdictDeny
		d.RetryAfter = until.Sub(now)
		d.Reason = "platform throttle in effect"
		return d, nil
	}

	// The daily slot is taken only after the per-kind key admits.
	unlock := p.lock(account)
	defer unlock()

	var daily string
	if verdict.Ceiling > 0 {
		key, err := p.applyCeiling(account, verdict.Ceiling)
		if err != nil {
			return Decision{}, err
		}
		if left, _ := p.limiter.Remaining(key, now); left >= 1 {
			daily = key
		} else if rd, err := p.limiter.Allow(ctx, key, 1, now); err != nil {
			return Decision{}, err
		} else if !rd.Allowed {
			p.metrics.ObserveRateLimited(string(rd.Limit.Strategy))
			d := base
			d.Verdict = VerdictDeny
			d.Key = key
			d.RetryAfter = rd.RetryAfter
			d.Reason = fmt.Sprintf("daily ceiling of %d reached (%s stage)", verdict.Ceiling, verdict.Stage)
			return d, nil
		}
	}

	key, err := p.actionLimit(account, kind)
	if err != nil {
		return Decision{}, err
	}
	rd, err := p.limiter.Allow(ctx, key, cost, now)
	if errors.Is(err, ratelimit.ErrFractionalCost) {
		return Decision{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if err != nil {
		return Decision{}, err
	}
	d := base
	d.Key = key
	d.Remaining = rd.Remaining
	if !rd.Allowed {
		p.metrics.ObserveRateLimited(string(rd.Limit.Strategy))
		d.Verdict = VerdictDeny
		d.RetryAfter = rd.RetryAfter
		d.Reason = fmt.Sprintf("%s limit reached", rd.Limit.Strategy)
		return d, nil
	}
	if daily != "" {
		if _, err := p.limiter.Allow(ctx, daily, 1, now); err != nil {
			return Decision{}, err
		}
	}

	p.tracker.RecordAction(account, now)
	d.Verdict = VerdictAllow
	d.Reason = verdict.Reason
	return d, nil
}

// inPlan reports whether the verdict comes from an active recovery plan.
func inPlan(v recovery.Verdict) bool {
	return v.Stage != "" && v.Stage != recovery.StageRecovered
}

// ReportOutcome feeds the result of an action back into the account's
// signals and may start or restart its recovery plan.
func (p *Plane) ReportOutcome(ctx context.Context, account string, out Outcome) (risk.Score, error) {
	if account == "" {
		return risk.Score{}, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	if _, err := ParseOutcomeKind(string(out.Kind)); err != nil {
		return risk.Score{}, err
	}
	if err := p.ensureLoaded(account); err != nil {
		return risk.Score{}, err
	}
	now := p.now()
	at := out.At
	if at.IsZero() {
		at = now
	}

	unlock := p.lock(account)
	defer unlock()

	switch out.Kind {
	case OutcomeTransportError:
		p.tracker.RecordError(account, at)
	case OutcomeThrottle:
		p.tracker.RecordThrottle(account, at, out.RetryAfter)
	case OutcomeProxyFailure:
		p.tracker.RecordTransportFailure(account, at)
	case OutcomeSuccess:
		// Admission already counted the action toward velocity.
	}
	p.metrics.ObserveOutcome(string(out.Kind))

	sc := p.score(account, now)
	if out.Kind.riskEvent() {
		p.trigger(account, sc, string(out.Kind))
		p.persistSignals(ctx, account)
	}
	if sc.Quarantine || sc.Tier.Rank() >= risk.TierHigh.Rank() {
		p.logger.Warn().Str("account", account).Str("outcome", string(out.Kind)).
			Float64("score", sc.Overall).Str("tier", string(sc.Tier)).Bool("quarantine", sc.Quarantine).
			Strs("recommendations", sc.Recommendations).Msg("account at risk")
	}
	return sc, nil
}

// RunDeliveryProbe sends one canary and folds the rolling delivery rate
// into the account's shadow-ban signal. Probes that fail for infrastructure
// reasons are stored but never counted.
func (p *Plane) RunDeliveryProbe(ctx context.Context, account, canary string) (probe.Probe, error) {
	if p.prober == nil {
		return probe.Probe{}, ErrProbingDisabled
	}
	if account == "" || canary == "" {
		return probe.Probe{}, fmt.Errorf("%w: account and canary are required", ErrInvalidArgument)
	}
	if err := p.ensureLoaded(account); err != nil {
		return probe.Probe{}, err
	}

	pr, perr := p.prober.TestDelivery(ctx, account, canary)
	if err := p.store.AppendProbe(ctx, pr); err != nil {
		p.logger.Error().Err(err).Str("account", account).Str("probe", pr.ID).Msg("persist probe failed")
	}
	if perr != nil {
		return pr, perr
	}

	recent, err := p.store.RecentProbes(ctx, account, p.cfg.ProbeWindow)
	if err != nil {
		p.logger.Warn().Err(err).Str("account", account).Msg("load probe history failed, using this probe alone")
		recent = []probe.Probe{pr}
	}
	status, rate, counted := probe.Aggregate(recent)

	unlock := p.lock(account)
	defer unlock()
	p.tracker.SetDelivery(account, status, rate)
	p.persistSignals(ctx, account)

	p.logger.Info().Str("account", account).Str("status", string(status)).Float64("rate", rate).
		Int("probes", counted).Msg("delivery status updated")
	if status.Banned() {
		p.trigger(account, p.score(account, p.now()), "shadow-ban "+string(status))
	}
	return pr, nil
}

// ProbeTarget pairs an account with the canary that watches it.
type ProbeTarget struct {
	Account string
	Canary  string
}

// ProbeAll probes every target with bounded concurrency. Individual probe
// failures are logged, not returned.
func (p *Plane) ProbeAll(ctx context.Context, targets []ProbeTarget) error {
	if p.prober == nil || len(targets) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ProbeConcurrency)
	for _, t := range targets {
		g.Go(func() error {
			if _, err := p.RunDeliveryProbe(ctx, t.Account, t.Canary); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("account", t.Account).Msg("scheduled probe failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// SweepRecovery advances every recovery plan to now.
func (p *Plane) SweepRecovery(context.Context) error {
	if n := p.recovery.Sweep(); n > 0 {
		p.logger.Debug().Int("plans", n).Msg("recovery plans advanced")
	}
	return nil
}

// Recovery exposes the supervisor for read-only views.
func (p *Plane) Recovery() *recovery.Supervisor { return p.recovery }
