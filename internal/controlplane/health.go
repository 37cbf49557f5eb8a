package controlplane

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
)

type KeyStats struct {
	Key         string    `json:"key"`
	Strategy    string    `json:"strategy"`
	Remaining   float64   `json:"remaining"`
	Total       int64     `json:"total"`
	Denied      int64     `json:"denied"`
	LastRequest time.Time `json:"last_request,omitempty"`
}

// Health is an operator view of one account.
type Health struct {
	Account        string           `json:"account"`
	Signals        risk.Signals     `json:"signals"`
	Score          risk.Score       `json:"score"`
	Plan           *recovery.Plan   `json:"plan,omitempty"`
	Verdict        recovery.Verdict `json:"verdict"`
	ThrottledUntil time.Time        `json:"throttled_until,omitempty"`
	DeliveryRate   float64          `json:"delivery_rate"`
	Limits         []KeyStats       `json:"limits,omitempty"`
}

// Health gathers signals, score, plan and rate statistics for account. It
// does not consume any admission capacity. When stored state cannot be
// loaded the in-memory view is returned.
func (p *Plane) Health(_ context.Context, account string) Health {
	if err := p.ensureLoaded(account); err != nil {
		p.logger.Warn().Err(err).Str("account", account).Msg("health without stored state")
	}
	now := p.now()
	sig := p.tracker.Snapshot(account, now)
	h := Health{
		Account:        account,
		Signals:        sig,
		Score:          p.scorer.Score(sig),
		Verdict:        p.recovery.CanAct(account),
		ThrottledUntil: p.tracker.ThrottledUntil(account),
		DeliveryRate:   1,
	}
	if st, ok := p.tracker.State(account); ok && (st.DeliveryRate > 0 || st.ShadowBan != risk.DeliveryClear) {
		h.DeliveryRate = st.DeliveryRate
	}
	if plan, ok := p.recovery.Plan(account); ok {
		h.Plan = &plan
	}

	seen := map[string]struct{}{DailyKey(account): {}}
	for kind := range p.cfg.Actions {
		seen[ActionKey(account, kind)] = struct{}{}
	}
	prefix := "account:" + account + ":"
	for key := range p.cfg.Resources {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		st, ok := p.limiter.Stats(key)
		if !ok {
			continue
		}
		ks := KeyStats{Key: key, Total: st.Total, Denied: st.Denied, LastRequest: st.LastRequest}
		if l, ok := p.limiter.Limit(key); ok {
			ks.Strategy = string(l.Strategy)
		}
		ks.Remaining, _ = p.limiter.Remaining(key, now)
		h.Limits = append(h.Limits, ks)
	}
	return h
}
