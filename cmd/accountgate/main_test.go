package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AlexKimmel/accountgate/internal/config"
	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlaneConfig_FromDefaults(t *testing.T) {
	pc, err := planeConfig(config.Default())
	require.NoError(t, err)

	assert.Equal(t, risk.DefaultConfig(), pc.Risk)
	assert.Equal(t, recovery.DefaultPolicy(), pc.Recovery)
	assert.Equal(t, risk.TierMedium, pc.TriggerTier)
	assert.Equal(t, ratelimit.Limit{Strategy: ratelimit.TokenBucket, Max: 20, Window: time.Hour, Burst: 5}, pc.Actions["send"])
	assert.Equal(t, 3.0, pc.Costs["join"])
	assert.Equal(t, 10, pc.ProbeWindow)
}

func TestPlaneConfig_Escalate(t *testing.T) {
	cfg := config.Default()
	cfg.Recovery.Escalate = true
	pc, err := planeConfig(cfg)
	require.NoError(t, err)
	assert.True(t, pc.Recovery.Escalate)
}

func TestPlaneConfig_RejectsBadTier(t *testing.T) {
	cfg := config.Default()
	cfg.Recovery.TriggerTier = "apocalyptic"
	_, err := planeConfig(cfg)
	assert.ErrorContains(t, err, "trigger_tier")
}

func TestScoreCommand(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")
	out, err := run(t, "score", "--config", missing, "--throttles", "4")
	require.NoError(t, err)

	var sc risk.Score
	require.NoError(t, json.Unmarshal([]byte(out), &sc))
	assert.True(t, sc.Quarantine)
	assert.Equal(t, risk.TierHigh, sc.Tier)

	_, err = run(t, "score", "--config", missing, "--shadow-ban", "maybe")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version, strings.TrimSpace(out))
}
