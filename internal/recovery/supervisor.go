package recovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AlexKimmel/accountgate/internal/obs"
	"github.com/rs/zerolog"
)

type accountPlan struct {
	mu   sync.Mutex
	plan *Plan
}

// Verdict is the answer to "may this account act now".
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Stage   Stage  `json:"stage,omitempty"` // empty when the account has no plan
	// Ceiling is the daily activity cap; 0 means uncapped.
	Ceiling    int           `json:"ceiling,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Supervisor owns every account's plan. Transitions for one account are
// serialized; different accounts never contend.
type Supervisor struct {
	policy   Policy
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *obs.Metrics
	onChange func(Plan)
	accounts sync.Map // account id -> *accountPlan
}

type Option func(*Supervisor)

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithOnChange registers a callback invoked, outside the account lock, with
// the plan after every creation or transition.
func WithOnChange(fn func(Plan)) Option {
	return func(s *Supervisor) { s.onChange = fn }
}

func NewSupervisor(policy Policy, logger zerolog.Logger, opts ...Option) (*Supervisor, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("recovery policy: %w", err)
	}
	s := &Supervisor{
		policy: policy,
		now:    time.Now,
		logger: obs.Component(logger, "recovery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) Policy() Policy { return s.policy }

func (s *Supervisor) account(id string) *accountPlan {
	if v, ok := s.accounts.Load(id); ok {
		return v.(*accountPlan)
	}
	v, _ := s.accounts.LoadOrStore(id, &accountPlan{})
	return v.(*accountPlan)
}

func (s *Supervisor) logTransition(t Transition) {
	from := string(t.From)
	if from == "" {
		from = "none"
	}
	s.logger.Info().
		Str("account", t.Account).
		Str("from", from).
		Str("to", string(t.To)).
		Time("at", t.At).
		Int("ceiling", t.Ceiling).
		Msg("recovery transition")
	s.metrics.ObserveTransition(from, string(t.To))
}

// advanceLocked brings the plan up to date; the account lock must be held.
func (s *Supervisor) advanceLocked(ap *accountPlan, now time.Time) bool {
	if ap.plan == nil {
		return false
	}
	ts := s.policy.Advance(ap.plan, now)
	for _, t := range ts {
		s.logTransition(t)
	}
	return len(ts) > 0
}

func (s *Supervisor) changed(p Plan) {
	if s.onChange != nil {
		s.onChange(p)
	}
}

// Trigger starts a fresh plan in cooldown for sev, replacing whatever the
// account had. With Policy.Escalate set, a restart of an active plan keeps
// the harsher of the two severities.
func (s *Supervisor) Trigger(account string, sev Severity, reason string) (Plan, error) {
	now := s.now()
	ap := s.account(account)

	ap.mu.Lock()
	s.advanceLocked(ap, now)
	from := Stage("")
	if ap.plan != nil {
		from = ap.plan.Stage
		if s.policy.Escalate && ap.plan.Active() && ap.plan.Severity.rank() > sev.rank() {
			sev = ap.plan.Severity
		}
	}
	plan, err := s.policy.NewPlan(account, sev, reason, now)
	if err != nil {
		ap.mu.Unlock()
		return Plan{}, err
	}
	ap.plan = &plan
	ap.mu.Unlock()

	s.logger.Warn().Str("account", account).Str("severity", string(sev)).Str("reason", reason).
		Time("cooldown_until", plan.CooldownUntil).Msg("recovery plan started")
	s.logTransition(Transition{Account: account, From: from, To: StageCooldown, At: now, Ceiling: plan.Ceiling})
	s.changed(plan)
	return plan, nil
}

// Plan returns the account's plan as of now.
func (s *Supervisor) Plan(account string) (Plan, bool) {
	v, ok := s.accounts.Load(account)
	if !ok {
		return Plan{}, false
	}
	ap := v.(*accountPlan)
	ap.mu.Lock()
	if ap.plan == nil {
		ap.mu.Unlock()
		return Plan{}, false
	}
	moved := s.advanceLocked(ap, s.now())
	plan := *ap.plan
	ap.mu.Unlock()

	if moved {
		s.changed(plan)
	}
	return plan, true
}

// CanAct reports whether the account may act. Outside cooldown the verdict
// carries the ceiling the caller must enforce.
func (s *Supervisor) CanAct(account string) Verdict {
	now := s.now()
	plan, ok := s.Plan(account)
	if !ok {
		return Verdict{Allowed: true, Reason: "no recovery plan"}
	}
	switch plan.Stage {
	case StageRecovered:
		return Verdict{Allowed: true, Stage: plan.Stage, Reason: "recovered"}
	case StageCooldown:
		wait := plan.CooldownUntil.Sub(now)
		return Verdict{
			Allowed:    false,
			Stage:      plan.Stage,
			Ceiling:    plan.Ceiling,
			RetryAfter: wait,
			Reason:     fmt.Sprintf("%s cooldown, %s remaining", plan.Severity, wait.Round(time.Second)),
		}
	default:
		return Verdict{
			Allowed: true,
			Stage:   plan.Stage,
			Ceiling: plan.Ceiling,
			Reason:  fmt.Sprintf("%s stage, daily ceiling %d", plan.Stage, plan.Ceiling),
		}
	}
}

// Restore installs a persisted plan for an account that has none in memory,
// advancing it to now. It reports whether the plan was installed.
func (s *Supervisor) Restore(plan Plan) bool {
	if plan.Account == "" || plan.Stage == "" {
		return false
	}
	ap := s.account(plan.Account)
	ap.mu.Lock()
	if ap.plan != nil {
		ap.mu.Unlock()
		return false
	}
	p := plan
	ap.plan = &p
	moved := s.advanceLocked(ap, s.now())
	current := *ap.plan
	ap.mu.Unlock()

	if moved {
		s.changed(current)
	}
	return true
}

// Sweep advances every plan to now and returns how many changed stage.
func (s *Supervisor) Sweep() int {
	now := s.now()
	var changed []Plan
	s.accounts.Range(func(_, v any) bool {
		ap := v.(*accountPlan)
		ap.mu.Lock()
		if s.advanceLocked(ap, now) {
			changed = append(changed, *ap.plan)
		}
		ap.mu.Unlock()
		return true
	})
	for _, p := range changed {
		s.changed(p)
	}
	return len(changed)
}

// Active lists accounts with a non-terminal plan, sorted.
func (s *Supervisor) Active() []string {
	var ids []string
	s.accounts.Range(func(k, v any) bool {
		ap := v.(*accountPlan)
		ap.mu.Lock()
		if ap.plan != nil && ap.plan.Active() {
			ids = append(ids, k.(string))
		}
		ap.mu.Unlock()
		return true
	})
	sort.Strings(ids)
	return ids
}
