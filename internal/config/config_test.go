package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Probe.Window)
	assert.Equal(t, []float64{1.5, 2.0, 1.5}, cfg.Recovery.Multipliers)
	assert.Equal(t, 72, cfg.Recovery.Severities["severe"].CooldownHours)
	assert.Equal(t, time.Minute, cfg.Probe.Timeout())
	assert.Equal(t, 30*24*time.Hour, cfg.Probe.Retention())
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBody())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "gate.yaml", `
server:
  addr: ":9090"
store:
  driver: memory
limits:
  actions:
    send:
      strategy: sliding_window
      max: 5
      window_ms: 60000
risk:
  high_max: 85
recovery:
  trigger_tier: high
  escalate: true
probe:
  messaging_url: http://msg.local
  schedule:
    - account: a1
      canary: c1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	require.Contains(t, cfg.Limits.Actions, "send")
	assert.Equal(t, time.Minute, cfg.Limits.Actions["send"].Window())
	assert.NotContains(t, cfg.Limits.Actions, "join", "explicit actions replace the defaults")
	assert.Equal(t, 85.0, cfg.Risk.HighMax)
	assert.Equal(t, 60.0, cfg.Risk.MediumMax)
	assert.Equal(t, "high", cfg.Recovery.TriggerTier)
	assert.True(t, cfg.Recovery.Escalate)
	assert.Equal(t, []Canary{{Account: "a1", Canary: "c1"}}, cfg.Probe.Schedule)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "gate.toml", `
[server]
addr = ":7070"

[stats]
redis_addr = "localhost:6379"

[recovery.severities.mild]
cooldown_hours = 12
initial_ceiling = 20
recovery_days = 12
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "localhost:6379", cfg.Stats.RedisAddr)
	assert.Equal(t, Severity{CooldownHours: 12, InitialCeiling: 20, RecoveryDays: 12}, cfg.Recovery.Severities["mild"])
	assert.NotContains(t, cfg.Recovery.Severities, "severe")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"weights": `
risk:
  weights: {throttle: 0.5, errors: 0.5, velocity: 0.5}
`,
		"thresholds": `
risk:
  low_max: 10
`,
		"driver": `
store:
  driver: postgres
`,
		"strategy": `
limits:
  actions:
    send: {strategy: leaky, max: 1}
`,
		"multipliers": `
recovery:
  multipliers: [1.5, 2]
`,
		"schedule": `
probe:
  schedule:
    - account: a1
      canary: c1
`,
		"pool": `
store:
  pool: {min_connections: 20, max_connections: 2}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "gate.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadSyntax(t *testing.T) {
	_, err := Load(writeFile(t, "gate.yaml", "server: [unterminated"))
	assert.ErrorContains(t, err, "decode yaml")

	_, err = Load(writeFile(t, "gate.toml", "server = = 1"))
	assert.ErrorContains(t, err, "decode toml")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
