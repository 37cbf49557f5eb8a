package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr" toml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" toml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`             // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path" toml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID     string `yaml:"id" toml:"id"`
	Secret string `yaml:"secret" toml:"secret"`
}

type Auth struct {
	Header string   `yaml:"header" toml:"header"`
	Keys   []APIKey `yaml:"keys" toml:"keys"`
}

type Pool struct {
	MinConnections     int `yaml:"min_connections" toml:"min_connections"`
	MaxConnections     int `yaml:"max_connections" toml:"max_connections"`
	MaxIdleTimeMS      int `yaml:"max_idle_time_ms" toml:"max_idle_time_ms"`
	MaxLifetimeMS      int `yaml:"max_lifetime_ms" toml:"max_lifetime_ms"`
	AcquireTimeoutMS   int `yaml:"acquire_timeout_ms" toml:"acquire_timeout_ms"`
	MaintenanceEveryMS int `yaml:"maintenance_every_ms" toml:"maintenance_every_ms"`
	OpenRetries        int `yaml:"open_retries" toml:"open_retries"`
	OpenBackoffBaseMS  int `yaml:"open_backoff_base_ms" toml:"open_backoff_base_ms"`
	OpenBackoffMaxMS   int `yaml:"open_backoff_max_ms" toml:"open_backoff_max_ms"`
}

type Store struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn" toml:"dsn"`
	Pool   Pool   `yaml:"pool" toml:"pool"`
}

type Stats struct {
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	Prefix        string `yaml:"prefix" toml:"prefix"`
	TTLMS         int    `yaml:"ttl_ms" toml:"ttl_ms"`
}

type Limit struct {
	Strategy string  `yaml:"strategy" toml:"strategy"` // token_bucket, sliding_window, cost_budget
	Max      int     `yaml:"max" toml:"max"`
	WindowMS int     `yaml:"window_ms" toml:"window_ms"`
	Burst    int     `yaml:"burst" toml:"burst"`
	Budget   float64 `yaml:"budget" toml:"budget"`
}

type Limits struct {
	Default   Limit              `yaml:"default" toml:"default"`
	API       Limit              `yaml:"api" toml:"api"` // per API key, on the HTTP surface
	Actions   map[string]Limit   `yaml:"actions" toml:"actions"`
	Resources map[string]Limit   `yaml:"resources" toml:"resources"`
	Costs     map[string]float64 `yaml:"costs" toml:"costs"`
}

type Weights struct {
	Throttle  float64 `yaml:"throttle" toml:"throttle"`
	Errors    float64 `yaml:"errors" toml:"errors"`
	Velocity  float64 `yaml:"velocity" toml:"velocity"`
	ShadowBan float64 `yaml:"shadow_ban" toml:"shadow_ban"`
	Transport float64 `yaml:"transport" toml:"transport"`
}

type Risk struct {
	Weights         Weights `yaml:"weights" toml:"weights"`
	SafeMax         float64 `yaml:"safe_max" toml:"safe_max"`
	LowMax          float64 `yaml:"low_max" toml:"low_max"`
	MediumMax       float64 `yaml:"medium_max" toml:"medium_max"`
	HighMax         float64 `yaml:"high_max" toml:"high_max"`
	ThrottlePoints  float64 `yaml:"throttle_points" toml:"throttle_points"`
	ErrorPoints     float64 `yaml:"error_points" toml:"error_points"`
	TransportPoints float64 `yaml:"transport_points" toml:"transport_points"`
	VelocitySafe    int     `yaml:"velocity_safe" toml:"velocity_safe"`
	VelocityMax     int     `yaml:"velocity_max" toml:"velocity_max"`
	SaturationFloor float64 `yaml:"saturation_floor" toml:"saturation_floor"`
	AdviseAt        float64 `yaml:"advise_at" toml:"advise_at"`
}

type Severity struct {
	CooldownHours  int `yaml:"cooldown_hours" toml:"cooldown_hours"`
	InitialCeiling int `yaml:"initial_ceiling" toml:"initial_ceiling"`
	RecoveryDays   int `yaml:"recovery_days" toml:"recovery_days"`
}

type Recovery struct {
	Severities       map[string]Severity `yaml:"severities" toml:"severities"`
	Multipliers      []float64           `yaml:"multipliers" toml:"multipliers"`
	RampingAfterDays int                 `yaml:"ramping_after_days" toml:"ramping_after_days"`
	MonitorAfterDays int                 `yaml:"monitor_after_days" toml:"monitor_after_days"`
	TriggerTier      string              `yaml:"trigger_tier" toml:"trigger_tier"`
	// Escalate keeps an active plan's harsher severity when a milder event
	// restarts it.
	Escalate bool `yaml:"escalate" toml:"escalate"`
}

type Canary struct {
	Account string `yaml:"account" toml:"account"`
	Canary  string `yaml:"canary" toml:"canary"`
}

type Probe struct {
	TimeoutMS      int      `yaml:"timeout_ms" toml:"timeout_ms"`
	Window         int      `yaml:"window" toml:"window"`
	Concurrency    int      `yaml:"concurrency" toml:"concurrency"`
	IntervalMS     int      `yaml:"interval_ms" toml:"interval_ms"`
	RetentionHours int      `yaml:"retention_hours" toml:"retention_hours"`
	MessagingURL   string   `yaml:"messaging_url" toml:"messaging_url"`
	MessagingToken string   `yaml:"messaging_token" toml:"messaging_token"`
	Schedule       []Canary `yaml:"schedule" toml:"schedule"`
}

type Root struct {
	Server        Server        `yaml:"server" toml:"server"`
	Observability Observability `yaml:"observability" toml:"observability"`
	Auth          Auth          `yaml:"auth" toml:"auth"`
	Store         Store         `yaml:"store" toml:"store"`
	Stats         Stats         `yaml:"stats" toml:"stats"`
	Limits        Limits        `yaml:"limits" toml:"limits"`
	Risk          Risk          `yaml:"risk" toml:"risk"`
	Recovery      Recovery      `yaml:"recovery" toml:"recovery"`
	Probe         Probe         `yaml:"probe" toml:"probe"`
}

func ms(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func (s Server) ReadTimeout() time.Duration  { return ms(s.ReadTimeoutMS, 5*time.Second) }
func (s Server) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMS, 10*time.Second) }
func (s Server) IdleTimeout() time.Duration  { return ms(s.IdleTimeoutMS, 60*time.Second) }

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (p Pool) MaxIdleTime() time.Duration      { return ms(p.MaxIdleTimeMS, 5*time.Minute) }
func (p Pool) MaxLifetime() time.Duration      { return ms(p.MaxLifetimeMS, 30*time.Minute) }
func (p Pool) AcquireTimeout() time.Duration   { return ms(p.AcquireTimeoutMS, 5*time.Second) }
func (p Pool) MaintenanceEvery() time.Duration { return ms(p.MaintenanceEveryMS, 30*time.Second) }
func (p Pool) OpenBackoffBase() time.Duration  { return ms(p.OpenBackoffBaseMS, 50*time.Millisecond) }
func (p Pool) OpenBackoffMax() time.Duration   { return ms(p.OpenBackoffMaxMS, time.Second) }

func (s Stats) TTL() time.Duration { return ms(s.TTLMS, 24*time.Hour) }

func (l Limit) Window() time.Duration { return ms(l.WindowMS, time.Minute) }

func (p Probe) Timeout() time.Duration  { return ms(p.TimeoutMS, 60*time.Second) }
func (p Probe) Interval() time.Duration { return ms(p.IntervalMS, 6*time.Hour) }

func (p Probe) Retention() time.Duration {
	if p.RetentionHours <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// Default returns a configuration with every default applied.
func Default() *Root {
	var cfg Root
	applyDefaults(&cfg)
	return &cfg
}

// Load reads a YAML (.yaml/.yml) or TOML (.toml) file and fills in defaults.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return nil, fmt.Errorf("decode toml %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode yaml %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Root) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "accountgate.db"
	}
	p := &cfg.Store.Pool
	if p.MinConnections <= 0 {
		p.MinConnections = 2
	}
	if p.MaxConnections <= 0 {
		p.MaxConnections = 10
	}
	if p.OpenRetries <= 0 {
		p.OpenRetries = 3
	}

	if cfg.Stats.Prefix == "" {
		cfg.Stats.Prefix = "accountgate:stats"
	}

	if cfg.Limits.Default.Strategy == "" {
		cfg.Limits.Default.Strategy = "sliding_window"
	}
	if cfg.Limits.Default.Max <= 0 {
		cfg.Limits.Default.Max = 10
	}
	if cfg.Limits.API.Strategy == "" {
		cfg.Limits.API = Limit{Strategy: "token_bucket", Max: 600, WindowMS: 60000, Burst: 100}
	}
	if cfg.Limits.Actions == nil {
		cfg.Limits.Actions = map[string]Limit{
			"send":     {Strategy: "token_bucket", Max: 20, WindowMS: 3600000, Burst: 5},
			"reaction": {Strategy: "sliding_window", Max: 30, WindowMS: 3600000},
			"join":     {Strategy: "cost_budget", Max: 10, WindowMS: 86400000, Budget: 10},
		}
	}
	if cfg.Limits.Costs == nil {
		cfg.Limits.Costs = map[string]float64{"send": 1, "reaction": 1, "join": 3}
	}

	r := &cfg.Risk
	if r.Weights == (Weights{}) {
		r.Weights = Weights{Throttle: 0.35, Errors: 0.15, Velocity: 0.15, ShadowBan: 0.25, Transport: 0.10}
	}
	if r.SafeMax == 0 {
		r.SafeMax = 20
	}
	if r.LowMax == 0 {
		r.LowMax = 40
	}
	if r.MediumMax == 0 {
		r.MediumMax = 60
	}
	if r.HighMax == 0 {
		r.HighMax = 80
	}
	if r.ThrottlePoints == 0 {
		r.ThrottlePoints = 25
	}
	if r.ErrorPoints == 0 {
		r.ErrorPoints = 10
	}
	if r.TransportPoints == 0 {
		r.TransportPoints = 20
	}
	if r.VelocitySafe == 0 {
		r.VelocitySafe = 20
	}
	if r.VelocityMax == 0 {
		r.VelocityMax = 60
	}
	if r.SaturationFloor == 0 {
		r.SaturationFloor = 61
	}
	if r.AdviseAt == 0 {
		r.AdviseAt = 50
	}

	rc := &cfg.Recovery
	if rc.Severities == nil {
		rc.Severities = map[string]Severity{
			"mild":     {CooldownHours: 24, InitialCeiling: 15, RecoveryDays: 10},
			"moderate": {CooldownHours: 48, InitialCeiling: 10, RecoveryDays: 14},
			"severe":   {CooldownHours: 72, InitialCeiling: 5, RecoveryDays: 21},
		}
	}
	if len(rc.Multipliers) == 0 {
		rc.Multipliers = []float64{1.5, 2.0, 1.5}
	}
	if rc.RampingAfterDays <= 0 {
		rc.RampingAfterDays = 3
	}
	if rc.MonitorAfterDays <= 0 {
		rc.MonitorAfterDays = 7
	}
	if rc.TriggerTier == "" {
		rc.TriggerTier = "medium"
	}

	if cfg.Probe.Window <= 0 {
		cfg.Probe.Window = 10
	}
	if cfg.Probe.Concurrency <= 0 {
		cfg.Probe.Concurrency = 4
	}
}

// Validate rejects configurations whose parts contradict each other.
func (r *Root) Validate() error {
	var errs []error

	p := r.Store.Pool
	if p.MinConnections > p.MaxConnections {
		errs = append(errs, fmt.Errorf("store.pool: min_connections %d > max_connections %d", p.MinConnections, p.MaxConnections))
	}
	switch r.Store.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", r.Store.Driver))
	}

	w := r.Risk.Weights
	if sum := w.Throttle + w.Errors + w.Velocity + w.ShadowBan + w.Transport; math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("risk.weights: must sum to 1.0, got %.4f", sum))
	}
	if !(r.Risk.SafeMax < r.Risk.LowMax && r.Risk.LowMax < r.Risk.MediumMax && r.Risk.MediumMax < r.Risk.HighMax) {
		errs = append(errs, errors.New("risk: tier thresholds must be strictly increasing"))
	}
	if r.Risk.VelocityMax <= r.Risk.VelocitySafe {
		errs = append(errs, errors.New("risk: velocity_max must exceed velocity_safe"))
	}

	rc := r.Recovery
	if len(rc.Multipliers) != 3 {
		errs = append(errs, fmt.Errorf("recovery.multipliers: want 3 values, got %d", len(rc.Multipliers)))
	}
	if rc.MonitorAfterDays <= rc.RampingAfterDays {
		errs = append(errs, errors.New("recovery: monitor_after_days must exceed ramping_after_days"))
	}
	for name, s := range rc.Severities {
		cooldown := time.Duration(s.CooldownHours) * time.Hour
		monitorAt := cooldown + time.Duration(rc.MonitorAfterDays)*24*time.Hour
		if time.Duration(s.RecoveryDays)*24*time.Hour <= monitorAt {
			errs = append(errs, fmt.Errorf("recovery.severities.%s: recovery_days must end after the monitoring stage begins", name))
		}
		if s.InitialCeiling <= 0 {
			errs = append(errs, fmt.Errorf("recovery.severities.%s: initial_ceiling must be positive", name))
		}
	}

	for kind, l := range r.Limits.Actions {
		if err := l.validate(); err != nil {
			errs = append(errs, fmt.Errorf("limits.actions.%s: %w", kind, err))
		}
	}
	for key, l := range r.Limits.Resources {
		if err := l.validate(); err != nil {
			errs = append(errs, fmt.Errorf("limits.resources.%s: %w", key, err))
		}
	}
	if err := r.Limits.Default.validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits.default: %w", err))
	}
	if err := r.Limits.API.validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits.api: %w", err))
	}

	for i, c := range r.Probe.Schedule {
		if c.Account == "" || c.Canary == "" {
			errs = append(errs, fmt.Errorf("probe.schedule[%d]: account and canary are required", i))
		}
	}
	if len(r.Probe.Schedule) > 0 && r.Probe.MessagingURL == "" {
		errs = append(errs, errors.New("probe: schedule needs messaging_url"))
	}

	return errors.Join(errs...)
}

func (l Limit) validate() error {
	switch l.Strategy {
	case "token_bucket", "sliding_window", "cost_budget":
	default:
		return fmt.Errorf("unknown strategy %q", l.Strategy)
	}
	if l.Max <= 0 && l.Budget <= 0 {
		return errors.New("max or budget must be positive")
	}
	return nil
}
