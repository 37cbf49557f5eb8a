// Package risk turns raw per-account signal counters into a bounded score,
// a tier and operator-facing recommendations.
//
// Scoring is a pure function of a Signals snapshot: the same snapshot always
// produces the same Score, so results can be cached and compared.
package risk

import (
	"fmt"
	"math"
)

type Tier string

const (
	TierSafe     Tier = "safe"
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Rank orders tiers from safe (0) to critical (4); unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierSafe:
		return 0
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	case TierCritical:
		return 4
	}
	return -1
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if t.Rank() < 0 {
		return "", fmt.Errorf("unknown risk tier %q", s)
	}
	return t, nil
}

// DeliveryStatus is the aggregated shadow-ban verdict for an account.
type DeliveryStatus string

const (
	DeliveryClear     DeliveryStatus = "clear"
	DeliverySuspected DeliveryStatus = "suspected"
	DeliveryLikely    DeliveryStatus = "likely"
	DeliveryConfirmed DeliveryStatus = "confirmed"
)

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch d := DeliveryStatus(s); d {
	case DeliveryClear, DeliverySuspected, DeliveryLikely, DeliveryConfirmed:
		return d, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", s)
}

// Banned reports whether the status counts as an active shadow-ban.
func (s DeliveryStatus) Banned() bool {
	return s == DeliveryLikely || s == DeliveryConfirmed
}

// Signals is a snapshot of one account's raw counters.
type Signals struct {
	Throttles24h      int            `json:"throttles_24h"`
	Errors24h         int            `json:"errors_24h"`
	Actions1h         int            `json:"actions_1h"`
	TransportFailures int            `json:"transport_failures_24h"`
	ShadowBan         DeliveryStatus `json:"shadow_ban"`
}

// Factors holds each sub-score, 0 to 100.
type Factors struct {
	Throttle  float64 `json:"throttle"`
	Errors    float64 `json:"errors"`
	Velocity  float64 `json:"velocity"`
	ShadowBan float64 `json:"shadow_ban"`
	Transport float64 `json:"transport"`
}

type Score struct {
	Overall         float64  `json:"overall"`
	Factors         Factors  `json:"factors"`
	Tier            Tier     `json:"tier"`
	Quarantine      bool     `json:"quarantine"`
	Recommendations []string `json:"recommendations,omitempty"`
}

type Weights struct {
	Throttle  float64
	Errors    float64
	Velocity  float64
	ShadowBan float64
	Transport float64
}

func (w Weights) sum() float64 {
	return w.Throttle + w.Errors + w.Velocity + w.ShadowBan + w.Transport
}

type Config struct {
	Weights Weights

	// Upper bounds (inclusive) of the overall score for each tier; anything
	// above HighMax is critical.
	SafeMax   float64
	LowMax    float64
	MediumMax float64
	HighMax   float64

	ThrottlePoints  float64 // per throttle event
	ErrorPoints     float64 // per transport error
	TransportPoints float64 // per transport/proxy failure
	VelocitySafe    int     // actions per hour scoring 0
	VelocityMax     int     // actions per hour scoring 100

	// A saturated throttle factor lifts the overall score to at least this.
	SaturationFloor float64
	// Factors at or above this produce a recommendation.
	AdviseAt float64
}

func DefaultConfig() Config {
	return Config{
		Weights:         Weights{Throttle: 0.35, Errors: 0.15, Velocity: 0.15, ShadowBan: 0.25, Transport: 0.10},
		SafeMax:         20,
		LowMax:          40,
		MediumMax:       60,
		HighMax:         80,
		ThrottlePoints:  25,
		ErrorPoints:     10,
		TransportPoints: 20,
		VelocitySafe:    20,
		VelocityMax:     60,
		SaturationFloor: 61,
		AdviseAt:        50,
	}
}

func (c Config) Validate() error {
	if math.Abs(c.Weights.sum()-1) > 1e-9 {
		return fmt.Errorf("risk weights must sum to 1.0, got %.4f", c.Weights.sum())
	}
	if !(c.SafeMax < c.LowMax && c.LowMax < c.MediumMax && c.MediumMax < c.HighMax) {
		return fmt.Errorf("risk tier thresholds must be strictly increasing")
	}
	if c.VelocityMax <= c.VelocitySafe {
		return fmt.Errorf("velocity max %d must exceed velocity safe %d", c.VelocityMax, c.VelocitySafe)
	}
	return nil
}

const maxFactor = 100.0

func clamp(v float64) float64 {
	return math.Max(0, math.Min(maxFactor, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Scorer holds scoring configuration and nothing else.
type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

func (s *Scorer) Config() Config { return s.cfg }

// Score computes the RiskScore for a snapshot.
func (s *Scorer) Score(sig Signals) Score {
	c := s.cfg
	f := Factors{
		Throttle:  clamp(float64(sig.Throttles24h) * c.ThrottlePoints),
		Errors:    clamp(float64(sig.Errors24h) * c.ErrorPoints),
		Velocity:  velocityFactor(sig.Actions1h, c.VelocitySafe, c.VelocityMax),
		ShadowBan: shadowBanFactor(sig.ShadowBan),
		Transport: clamp(float64(sig.TransportFailures) * c.TransportPoints),
	}

	overall := f.Throttle*c.Weights.Throttle +
		f.Errors*c.Weights.Errors +
		f.Velocity*c.Weights.Velocity +
		f.ShadowBan*c.Weights.ShadowBan +
		f.Transport*c.Weights.Transport

	throttleSaturated := f.Throttle >= maxFactor
	if throttleSaturated && overall < c.SaturationFloor {
		overall = c.SaturationFloor
	}
	overall = round2(clamp(overall))

	out := Score{
		Overall: overall,
		Factors: f,
		Tier:    s.tier(overall),
	}
	out.Quarantine = overall > c.HighMax || sig.ShadowBan.Banned() || throttleSaturated
	out.Recommendations = s.recommend(sig, out)
	return out
}

func (s *Scorer) tier(overall float64) Tier {
	switch {
	case overall <= s.cfg.SafeMax:
		return TierSafe
	case overall <= s.cfg.LowMax:
		return TierLow
	case overall <= s.cfg.MediumMax:
		return TierMedium
	case overall <= s.cfg.HighMax:
		return TierHigh
	default:
		return TierCritical
	}
}

func velocityFactor(actions, safe, limit int) float64 {
	if actions <= safe {
		return 0
	}
	return clamp(float64(actions-safe) * maxFactor / float64(limit-safe))
}

func shadowBanFactor(s DeliveryStatus) float64 {
	switch s {
	case DeliverySuspected:
		return 40
	case DeliveryLikely:
		return 70
	case DeliveryConfirmed:
		return 100
	}
	return 0
}

func (s *Scorer) recommend(sig Signals, sc Score) []string {
	var out []string
	if sc.Quarantine {
		out = append(out, "Quarantine the account: stop all actions until the recovery cooldown ends")
	}
	at := s.cfg.AdviseAt
	f := sc.Factors
	if f.Throttle >= at {
		out = append(out, fmt.Sprintf("Pause sending: %d platform throttle events in the last 24h", sig.Throttles24h))
	}
	if f.ShadowBan >= at {
		out = append(out, fmt.Sprintf("Run canary probes and review content: delivery status is %s", sig.ShadowBan))
	}
	if f.Errors >= at {
		out = append(out, fmt.Sprintf("Investigate send errors: %d in the last 24h", sig.Errors24h))
	}
	if f.Velocity >= at {
		out = append(out, fmt.Sprintf("Lower the send rate: %d actions in the last hour", sig.Actions1h))
	}
	if f.Transport >= at {
		out = append(out, fmt.Sprintf("Check the account's proxy/transport: %d failures in the last 24h", sig.TransportFailures))
	}
	return out
}
