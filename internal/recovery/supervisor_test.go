package recovery

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/AlexKimmel/accountgate/internal/obs"
	"github.com/AlexKimmel/accountgate/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

// transitions decodes every "recovery transition" log line as from->to.
func (s *syncBuffer) transitions(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(s.b.Bytes()))
	for sc.Scan() {
		var line struct {
			Message string `json:"message"`
			Account string `json:"account"`
			From    string `json:"from"`
			To      string `json:"to"`
			At      string `json:"at"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line.Message != "recovery transition" {
			continue
		}
		assert.NotEmpty(t, line.Account)
		assert.NotEmpty(t, line.At)
		out = append(out, line.From+"->"+line.To)
	}
	return out
}

type harness struct {
	sup     *Supervisor
	clock   *clock
	logs    *syncBuffer
	metrics *obs.Metrics
	changes []Plan
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, DefaultPolicy())
}

func newHarnessWith(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{clock: &clock{t: t0}, logs: &syncBuffer{}, metrics: obs.NewMetrics(prometheus.NewRegistry())}
	var mu sync.Mutex
	sup, err := NewSupervisor(policy, obs.NewLogger(h.logs, "info"),
		WithClock(h.clock.Now),
		WithMetrics(h.metrics),
		WithOnChange(func(p Plan) {
			mu.Lock()
			h.changes = append(h.changes, p)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	h.sup = sup
	return h
}

func TestSevereTrigger_StagesAndCeilings(t *testing.T) {
	h := newHarness(t)

	plan, err := h.sup.Trigger("a1", SeveritySevere, "throttled")
	require.NoError(t, err)
	assert.Equal(t, StageCooldown, plan.Stage)
	assert.Equal(t, 5, plan.Ceiling)
	assert.Equal(t, t0.Add(72*time.Hour), plan.CooldownUntil)
	assert.Equal(t, t0.Add(21*day), plan.EstimatedRecovery)

	v := h.sup.CanAct("a1")
	assert.False(t, v.Allowed)
	assert.Equal(t, 72*time.Hour, v.RetryAfter)
	assert.Contains(t, v.Reason, "cooldown")

	h.clock.Set(t0.Add(72*time.Hour - time.Second))
	plan, _ = h.sup.Plan("a1")
	assert.Equal(t, StageCooldown, plan.Stage)

	h.clock.Set(t0.Add(72 * time.Hour))
	plan, _ = h.sup.Plan("a1")
	assert.Equal(t, StageReduced, plan.Stage)
	assert.Equal(t, 7, plan.Ceiling)

	v = h.sup.CanAct("a1")
	assert.True(t, v.Allowed)
	assert.Equal(t, 7, v.Ceiling)
	assert.Zero(t, v.RetryAfter)

	h.clock.Set(t0.Add(72*time.Hour + 3*day))
	plan, _ = h.sup.Plan("a1")
	assert.Equal(t, StageRamping, plan.Stage)
	assert.Equal(t, 14, plan.Ceiling)

	h.clock.Set(t0.Add(72*time.Hour + 7*day))
	plan, _ = h.sup.Plan("a1")
	assert.Equal(t, StageMonitoring, plan.Stage)
	assert.Equal(t, 21, plan.Ceiling)

	h.clock.Set(t0.Add(21 * day))
	plan, _ = h.sup.Plan("a1")
	assert.Equal(t, StageRecovered, plan.Stage)
	assert.False(t, plan.Active())

	v = h.sup.CanAct("a1")
	assert.True(t, v.Allowed)
	assert.Zero(t, v.Ceiling)

	assert.Equal(t, []string{
		"none->cooldown", "cooldown->reduced", "reduced->ramping", "ramping->monitoring", "monitoring->recovered",
	}, h.logs.transitions(t))
}

func TestAdvance_NeverSkipsStages(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.Trigger("a1", SeveritySevere, "shadow-ban")
	require.NoError(t, err)

	h.clock.Set(t0.Add(60 * day))
	plan, ok := h.sup.Plan("a1")
	require.True(t, ok)
	assert.Equal(t, StageRecovered, plan.Stage)

	assert.Equal(t, []string{
		"none->cooldown", "cooldown->reduced", "reduced->ramping", "ramping->monitoring", "monitoring->recovered",
	}, h.logs.transitions(t))
	for _, pair := range [][2]string{{"cooldown", "reduced"}, {"reduced", "ramping"}, {"ramping", "monitoring"}, {"monitoring", "recovered"}} {
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecoveryTransitions.WithLabelValues(pair[0], pair[1])), pair)
	}
}

func TestAdvance_TransitionTimesAreScheduled(t *testing.T) {
	p := DefaultPolicy()
	plan, err := p.NewPlan("a1", SeverityMild, "", t0)
	require.NoError(t, err)

	ts := p.Advance(&plan, t0.Add(5*day))
	require.Len(t, ts, 2)
	assert.Equal(t, t0.Add(24*time.Hour), ts[0].At)
	assert.Equal(t, StageReduced, ts[0].To)
	assert.Equal(t, 22, ts[0].Ceiling)
	assert.Equal(t, t0.Add(24*time.Hour+3*day), ts[1].At)
	assert.Equal(t, 44, ts[1].Ceiling)
	assert.Empty(t, p.Advance(&plan, t0.Add(5*day)))
}

func TestTrigger_ResetsFromAnyStage(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.Trigger("a1", SeverityModerate, "errors")
	require.NoError(t, err)

	h.clock.Set(t0.Add(48*time.Hour + 4*day))
	plan, _ := h.sup.Plan("a1")
	require.Equal(t, StageRamping, plan.Stage)

	now := h.clock.Now()
	plan, err = h.sup.Trigger("a1", SeveritySevere, "throttled again")
	require.NoError(t, err)
	assert.Equal(t, StageCooldown, plan.Stage)
	assert.Equal(t, SeveritySevere, plan.Severity)
	assert.Equal(t, now, plan.StartedAt)
	assert.Equal(t, 5, plan.Ceiling)
	assert.Contains(t, h.logs.transitions(t), "ramping->cooldown")
}

func TestTrigger_FollowsNewSeverity(t *testing.T) {
	h := newHarness(t)
	_, err := h.sup.Trigger("a1", SeveritySevere, "shadow-ban")
	require.NoError(t, err)

	h.clock.Set(t0.Add(72*time.Hour + day))
	plan, _ := h.sup.Plan("a1")
	require.Equal(t, StageReduced, plan.Stage)

	// A milder event restarts the plan at its own severity.
	now := h.clock.Now()
	plan, err = h.sup.Trigger("a1", SeverityMild, "throttled")
	require.NoError(t, err)
	assert.Equal(t, StageCooldown, plan.Stage)
	assert.Equal(t, SeverityMild, plan.Severity)
	assert.Equal(t, now.Add(24*time.Hour), plan.CooldownUntil)
	assert.Equal(t, 15, plan.Ceiling)
}

func TestTrigger_EscalationKeepsHarsherSeverity(t *testing.T) {
	policy := DefaultPolicy()
	policy.Escalate = true
	h := newHarnessWith(t, policy)
	_, err := h.sup.Trigger("a1", SeveritySevere, "shadow-ban")
	require.NoError(t, err)

	h.clock.Set(t0.Add(72*time.Hour + day))
	now := h.clock.Now()
	plan, err := h.sup.Trigger("a1", SeverityMild, "throttled")
	require.NoError(t, err)
	assert.Equal(t, SeveritySevere, plan.Severity)
	assert.Equal(t, now.Add(72*time.Hour), plan.CooldownUntil)
	assert.Equal(t, 5, plan.Ceiling)

	// Once recovered, a new plan follows the new severity.
	h.clock.Set(now.Add(30 * day))
	plan, err = h.sup.Trigger("a1", SeverityMild, "late throttle")
	require.NoError(t, err)
	assert.Equal(t, SeverityMild, plan.Severity)
	assert.Equal(t, 15, plan.Ceiling)
}

func TestCanAct_NoPlan(t *testing.T) {
	h := newHarness(t)
	v := h.sup.CanAct("fresh")
	assert.True(t, v.Allowed)
	assert.Zero(t, v.Ceiling)
	assert.Empty(t, v.Stage)
	_, ok := h.sup.Plan("fresh")
	assert.False(t, ok)
}

func TestRestore_AdvancesPersistedPlan(t *testing.T) {
	h := newHarness(t)
	plan, err := DefaultPolicy().NewPlan("a1", SeveritySevere, "", t0.Add(-4*day))
	require.NoError(t, err)

	assert.True(t, h.sup.Restore(plan))
	assert.False(t, h.sup.Restore(plan), "in-memory plan wins")

	got, ok := h.sup.Plan("a1")
	require.True(t, ok)
	assert.Equal(t, StageReduced, got.Stage)
	assert.Equal(t, []string{"a1"}, h.sup.Active())
	require.NotEmpty(t, h.changes)
	assert.Equal(t, StageReduced, h.changes[len(h.changes)-1].Stage)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	_, _ = h.sup.Trigger("a1", SeverityMild, "")
	_, _ = h.sup.Trigger("a2", SeveritySevere, "")

	h.clock.Set(t0.Add(25 * time.Hour))
	assert.Equal(t, 1, h.sup.Sweep())
	assert.Equal(t, 0, h.sup.Sweep())

	p1, _ := h.sup.Plan("a1")
	p2, _ := h.sup.Plan("a2")
	assert.Equal(t, StageReduced, p1.Stage)
	assert.Equal(t, StageCooldown, p2.Stage)
}

func TestConcurrentTriggersKeepOnePlan(t *testing.T) {
	policy := DefaultPolicy()
	policy.Escalate = true
	h := newHarnessWith(t, policy)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sev := []Severity{SeverityMild, SeverityModerate, SeveritySevere}[i%3]
			_, _ = h.sup.Trigger("a1", sev, "burst")
			_ = h.sup.CanAct("a1")
		}(i)
	}
	wg.Wait()

	plan, ok := h.sup.Plan("a1")
	require.True(t, ok)
	assert.Equal(t, SeveritySevere, plan.Severity, "escalation is sticky while active")
	assert.Equal(t, []string{"a1"}, h.sup.Active())
}

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		score risk.Score
		want  Severity
		ok    bool
	}{
		{risk.Score{Tier: risk.TierSafe}, "", false},
		{risk.Score{Tier: risk.TierLow}, "", false},
		{risk.Score{Tier: risk.TierMedium}, SeverityMild, true},
		{risk.Score{Tier: risk.TierHigh}, SeverityModerate, true},
		{risk.Score{Tier: risk.TierCritical}, SeveritySevere, true},
		{risk.Score{Tier: risk.TierLow, Quarantine: true}, SeveritySevere, true},
	}
	for _, c := range cases {
		got, ok := SeverityFor(c.score, risk.TierMedium)
		assert.Equal(t, c.ok, ok, c.score.Tier)
		assert.Equal(t, c.want, got, c.score.Tier)
	}
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.Multipliers[1] = 0.5
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.MonitorAfter = p.RampingAfter
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.Severities[SeverityMild] = SeverityPolicy{Cooldown: day, InitialCeiling: 15, Recovery: 2 * day}
	_, err := NewSupervisor(p, obs.NewLogger(&bytes.Buffer{}, "info"))
	assert.Error(t, err)

	_, err = ParseSeverity("apocalyptic")
	assert.Error(t, err)
}
