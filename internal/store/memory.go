package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AlexKimmel/accountgate/internal/probe"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
)

// Memory keeps everything in process. It is what tests and the "memory"
// store driver use.
type Memory struct {
	mu      sync.RWMutex
	signals map[string]risk.State
	plans   map[string]recovery.Plan
	probes  map[string][]probe.Probe // oldest first
}

func NewMemory() *Memory {
	return &Memory{
		signals: make(map[string]risk.State),
		plans:   make(map[string]recovery.Plan),
		probes:  make(map[string][]probe.Probe),
	}
}

func (m *Memory) SaveSignals(_ context.Context, account string, st risk.State) error {
	m.mu.Lock()
	m.signals[account] = st
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadSignals(_ context.Context, account string) (risk.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.signals[account]
	if !ok {
		return risk.State{}, fmt.Errorf("signals for %s: %w", account, ErrNotFound)
	}
	return st, nil
}

func (m *Memory) SavePlan(_ context.Context, p recovery.Plan) error {
	m.mu.Lock()
	m.plans[p.Account] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadPlan(_ context.Context, account string) (recovery.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[account]
	if !ok {
		return recovery.Plan{}, fmt.Errorf("plan for %s: %w", account, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) AppendProbe(_ context.Context, p probe.Probe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.probes[p.Account], p)
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	m.probes[p.Account] = list
	return nil
}

func (m *Memory) RecentProbes(_ context.Context, account string, limit int) ([]probe.Probe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.probes[account]
	out := make([]probe.Probe, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *Memory) PruneProbes(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for acc, list := range m.probes {
		kept := list[:0]
		for _, p := range list {
			if p.StartedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(m.probes, acc)
		} else {
			m.probes[acc] = kept
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
