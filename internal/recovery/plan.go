// Package recovery runs the per-account recovery state machine: a cooldown
// after a risk event, then a daily activity ceiling that relaxes stage by
// stage until the account is considered recovered.
package recovery

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/AlexKimmel/accountgate/internal/risk"
)

type Stage string

const (
	StageCooldown   Stage = "cooldown"
	StageReduced    Stage = "reduced"
	StageRamping    Stage = "ramping"
	StageMonitoring Stage = "monitoring"
	StageRecovered  Stage = "recovered"
)

// next returns the stage that follows s; recovered has none.
func (s Stage) next() (Stage, bool) {
	switch s {
	case StageCooldown:
		return StageReduced, true
	case StageReduced:
		return StageRamping, true
	case StageRamping:
		return StageMonitoring, true
	case StageMonitoring:
		return StageRecovered, true
	}
	return "", false
}

type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

func (s Severity) rank() int {
	switch s {
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	}
	return 0
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// SeverityFor maps a score onto a plan severity. It reports false when the
// score stays below trigger and nothing forces a quarantine.
func SeverityFor(sc risk.Score, trigger risk.Tier) (Severity, bool) {
	switch {
	case sc.Quarantine || sc.Tier == risk.TierCritical:
		return SeveritySevere, true
	case sc.Tier.Rank() < trigger.Rank():
		return "", false
	case sc.Tier == risk.TierHigh:
		return SeverityModerate, true
	case sc.Tier == risk.TierMedium:
		return SeverityMild, true
	}
	// trigger set to low or safe: treat anything at or above it as mild.
	return SeverityMild, true
}

type SeverityPolicy struct {
	Cooldown       time.Duration
	InitialCeiling int
	Recovery       time.Duration // from plan start to recovered
}

// Policy holds the severity table and stage schedule. Multipliers apply on
// entering reduced, ramping and monitoring respectively; stage offsets are
// measured from the end of the cooldown.
type Policy struct {
	Severities   map[Severity]SeverityPolicy
	Multipliers  [3]float64
	RampingAfter time.Duration
	MonitorAfter time.Duration
	// Escalate makes a restart keep the active plan's severity when it is
	// harsher than the new event's. Off by default: a restart follows the
	// new severity.
	Escalate bool
}

func DefaultPolicy() Policy {
	const day = 24 * time.Hour
	return Policy{
		Severities: map[Severity]SeverityPolicy{
			SeverityMild:     {Cooldown: 24 * time.Hour, InitialCeiling: 15, Recovery: 10 * day},
			SeverityModerate: {Cooldown: 48 * time.Hour, InitialCeiling: 10, Recovery: 14 * day},
			SeveritySevere:   {Cooldown: 72 * time.Hour, InitialCeiling: 5, Recovery: 21 * day},
		},
		Multipliers:  [3]float64{1.5, 2.0, 1.5},
		RampingAfter: 3 * day,
		MonitorAfter: 7 * day,
	}
}

func (p Policy) Validate() error {
	var errs []error
	for _, sev := range []Severity{SeverityMild, SeverityModerate, SeveritySevere} {
		sp, ok := p.Severities[sev]
		if !ok {
			errs = append(errs, fmt.Errorf("severity %s: not configured", sev))
			continue
		}
		if sp.InitialCeiling <= 0 {
			errs = append(errs, fmt.Errorf("severity %s: initial ceiling must be positive", sev))
		}
		if sp.Recovery <= sp.Cooldown+p.MonitorAfter {
			errs = append(errs, fmt.Errorf("severity %s: recovery must end after monitoring begins", sev))
		}
	}
	for i, m := range p.Multipliers {
		if m < 1 {
			errs = append(errs, fmt.Errorf("multiplier %d: %.2f would tighten the ceiling", i, m))
		}
	}
	if p.RampingAfter <= 0 || p.MonitorAfter <= p.RampingAfter {
		errs = append(errs, errors.New("stage offsets must satisfy 0 < ramping < monitoring"))
	}
	return errors.Join(errs...)
}

// Plan is one account's recovery state.
type Plan struct {
	Account           string    `json:"account"`
	Severity          Severity  `json:"severity"`
	Stage             Stage     `json:"stage"`
	Reason            string    `json:"reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	CooldownUntil     time.Time `json:"cooldown_until"`
	InitialCeiling    int       `json:"initial_ceiling"`
	Ceiling           int       `json:"ceiling"`
	EstimatedRecovery time.Time `json:"estimated_recovery"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Active reports whether the plan is non-terminal.
func (p Plan) Active() bool { return p.Stage != StageRecovered && p.Stage != "" }

// Transition records one stage change.
type Transition struct {
	Account string
	From    Stage // empty for a freshly created plan
	To      Stage
	At      time.Time
	Ceiling int
}

// NewPlan starts a plan in cooldown at now.
func (p Policy) NewPlan(account string, sev Severity, reason string, now time.Time) (Plan, error) {
	sp, ok := p.Severities[sev]
	if !ok {
		return Plan{}, fmt.Errorf("no recovery policy for severity %q", sev)
	}
	return Plan{
		Account:           account,
		Severity:          sev,
		Stage:             StageCooldown,
		Reason:            reason,
		StartedAt:         now,
		CooldownUntil:     now.Add(sp.Cooldown),
		InitialCeiling:    sp.InitialCeiling,
		Ceiling:           sp.InitialCeiling,
		EstimatedRecovery: now.Add(sp.Recovery),
		UpdatedAt:         now,
	}, nil
}

// dueAt is when the plan leaves its current stage.
func (p Policy) dueAt(plan Plan) time.Time {
	switch plan.Stage {
	case StageCooldown:
		return plan.CooldownUntil
	case StageReduced:
		return plan.CooldownUntil.Add(p.RampingAfter)
	case StageRamping:
		return plan.CooldownUntil.Add(p.MonitorAfter)
	case StageMonitoring:
		return plan.EstimatedRecovery
	}
	return time.Time{}
}

// ceilingFor scales the initial ceiling through every multiplier up to
// stage, rounding down after each step.
func (p Policy) ceilingFor(initial int, stage Stage) int {
	steps := 0
	switch stage {
	case StageReduced:
		steps = 1
	case StageRamping:
		steps = 2
	case StageMonitoring, StageRecovered:
		steps = 3
	}
	c := initial
	for i := 0; i < steps; i++ {
		c = int(math.Floor(float64(c) * p.Multipliers[i]))
	}
	return c
}

// Advance moves plan forward one stage at a time until it is current at now,
// returning every transition taken in order.
func (p Policy) Advance(plan *Plan, now time.Time) []Transition {
	var out []Transition
	for {
		to, ok := plan.Stage.next()
		if !ok {
			return out
		}
		due := p.dueAt(*plan)
		if now.Before(due) {
			return out
		}
		from := plan.Stage
		plan.Stage = to
		plan.Ceiling = p.ceilingFor(plan.InitialCeiling, to)
		plan.UpdatedAt = due
		out = append(out, Transition{Account: plan.Account, From: from, To: to, At: due, Ceiling: plan.Ceiling})
	}
}
