package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/AlexKimmel/accountgate/internal/config"
	"github.com/AlexKimmel/accountgate/internal/controlplane"
	"github.com/AlexKimmel/accountgate/internal/pool"
	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
)

const day = 24 * time.Hour

func limitFrom(l config.Limit) (ratelimit.Limit, error) {
	s, err := ratelimit.ParseStrategy(l.Strategy)
	if err != nil {
		return ratelimit.Limit{}, err
	}
	out := ratelimit.Limit{Strategy: s, Max: l.Max, Window: l.Window(), Burst: l.Burst, Budget: l.Budget}
	return out, out.Validate()
}

func limitsFrom(section string, in map[string]config.Limit) (map[string]ratelimit.Limit, error) {
	out := make(map[string]ratelimit.Limit, len(in))
	for k, l := range in {
		rl, err := limitFrom(l)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", section, k, err)
		}
		out[k] = rl
	}
	return out, nil
}

func riskConfig(r config.Risk) risk.Config {
	return risk.Config{
		Weights: risk.Weights{
			Throttle:  r.Weights.Throttle,
			Errors:    r.Weights.Errors,
			Velocity:  r.Weights.Velocity,
			ShadowBan: r.Weights.ShadowBan,
			Transport: r.Weights.Transport,
		},
		SafeMax:         r.SafeMax,
		LowMax:          r.LowMax,
		MediumMax:       r.MediumMax,
		HighMax:         r.HighMax,
		ThrottlePoints:  r.ThrottlePoints,
		ErrorPoints:     r.ErrorPoints,
		TransportPoints: r.TransportPoints,
		VelocitySafe:    r.VelocitySafe,
		VelocityMax:     r.VelocityMax,
		SaturationFloor: r.SaturationFloor,
		AdviseAt:        r.AdviseAt,
	}
}

func recoveryPolicy(r config.Recovery) (recovery.Policy, error) {
	if len(r.Multipliers) != 3 {
		return recovery.Policy{}, errors.New("recovery.multipliers: want 3 values")
	}
	p := recovery.Policy{
		Severities:   make(map[recovery.Severity]recovery.SeverityPolicy, len(r.Severities)),
		Multipliers:  [3]float64{r.Multipliers[0], r.Multipliers[1], r.Multipliers[2]},
		RampingAfter: time.Duration(r.RampingAfterDays) * day,
		MonitorAfter: time.Duration(r.MonitorAfterDays) * day,
		Escalate:     r.Escalate,
	}
	for name, s := range r.Severities {
		sev, err := recovery.ParseSeverity(name)
		if err != nil {
			return recovery.Policy{}, fmt.Errorf("recovery.severities: %w", err)
		}
		p.Severities[sev] = recovery.SeverityPolicy{
			Cooldown:       time.Duration(s.CooldownHours) * time.Hour,
			InitialCeiling: s.InitialCeiling,
			Recovery:       time.Duration(s.RecoveryDays) * day,
		}
	}
	return p, p.Validate()
}

// planeConfig translates the file configuration into the control plane's
// own types.
func planeConfig(cfg *config.Root) (controlplane.Config, error) {
	tier, err := risk.ParseTier(cfg.Recovery.TriggerTier)
	if err != nil {
		return controlplane.Config{}, fmt.Errorf("recovery.trigger_tier: %w", err)
	}
	policy, err := recoveryPolicy(cfg.Recovery)
	if err != nil {
		return controlplane.Config{}, err
	}
	actions, err := limitsFrom("limits.actions", cfg.Limits.Actions)
	if err != nil {
		return controlplane.Config{}, err
	}
	resources, err := limitsFrom("limits.resources", cfg.Limits.Resources)
	if err != nil {
		return controlplane.Config{}, err
	}
	return controlplane.Config{
		Risk:             riskConfig(cfg.Risk),
		Recovery:         policy,
		TriggerTier:      tier,
		Actions:          actions,
		Resources:        resources,
		Costs:            cfg.Limits.Costs,
		ProbeWindow:      cfg.Probe.Window,
		ProbeConcurrency: cfg.Probe.Concurrency,
	}, nil
}

func poolOptions(name string, p config.Pool) pool.Options {
	return pool.Options{
		Name:             name,
		MinConnections:   p.MinConnections,
		MaxConnections:   p.MaxConnections,
		MaxIdleTime:      p.MaxIdleTime(),
		MaxLifetime:      p.MaxLifetime(),
		AcquireTimeout:   p.AcquireTimeout(),
		MaintenanceEvery: p.MaintenanceEvery(),
		OpenRetries:      p.OpenRetries,
		OpenBackoffBase:  p.OpenBackoffBase(),
		OpenBackoffMax:   p.OpenBackoffMax(),
	}
}

func probeTargets(cs []config.Canary) []controlplane.ProbeTarget {
	out := make([]controlplane.ProbeTarget, 0, len(cs))
	for _, c := range cs {
		out = append(out, controlplane.ProbeTarget{Account: c.Account, Canary: c.Canary})
	}
	return out
}
