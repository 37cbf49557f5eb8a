package risk

import (
	"sync"
	"time"
)

const (
	signalWindow   = 24 * time.Hour
	velocityWindow = time.Hour
	// Per-kind event cap so a runaway account cannot grow memory unbounded.
	maxEvents = 4096
)

// State is the persistable form of one account's signals.
type State struct {
	Throttles    []time.Time    `json:"throttles"`
	Errors       []time.Time    `json:"errors"`
	Actions      []time.Time    `json:"actions"`
	Transport    []time.Time    `json:"transport"`
	ShadowBan    DeliveryStatus `json:"shadow_ban"`
	DeliveryRate float64        `json:"delivery_rate"`

	// ThrottledUntil is the platform-imposed cooldown from the last explicit
	// throttle, zero when none.
	ThrottledUntil time.Time `json:"throttled_until"`
}

type accountSignals struct {
	mu    sync.Mutex
	state State
}

// Tracker holds per-account raw counters. Accounts are independent: each has
// its own lock.
type Tracker struct {
	accounts sync.Map // account id -> *accountSignals
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) account(id string) *accountSignals {
	if v, ok := t.accounts.Load(id); ok {
		return v.(*accountSignals)
	}
	v, _ := t.accounts.LoadOrStore(id, &accountSignals{state: State{ShadowBan: DeliveryClear}})
	return v.(*accountSignals)
}

// Known reports whether the tracker has any state for the account.
func (t *Tracker) Known(id string) bool {
	_, ok := t.accounts.Load(id)
	return ok
}

func appendEvent(events []time.Time, at time.Time, window time.Duration) []time.Time {
	events = prune(events, at.Add(-window))
	events = append(events, at)
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	return events
}

// prune drops events at or before cutoff. Events are appended in report
// order, which is not strictly time order, so every entry is checked.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	kept := events[:0]
	for _, e := range events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

// countWithin counts events in (cutoff, now].
func countWithin(events []time.Time, cutoff, now time.Time) int {
	n := 0
	for _, e := range events {
		if e.After(cutoff) && !e.After(now) {
			n++
		}
	}
	return n
}

func (t *Tracker) update(id string, fn func(*State)) State {
	a := t.account(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.state)
	return a.state.clone()
}

// RecordAction counts one admitted action toward send velocity.
func (t *Tracker) RecordAction(id string, at time.Time) State {
	return t.update(id, func(s *State) { s.Actions = appendEvent(s.Actions, at, velocityWindow) })
}

// RecordThrottle counts a platform throttle and extends the account's
// platform cooldown to at+retryAfter.
func (t *Tracker) RecordThrottle(id string, at time.Time, retryAfter time.Duration) State {
	return t.update(id, func(s *State) {
		s.Throttles = appendEvent(s.Throttles, at, signalWindow)
		if until := at.Add(retryAfter); retryAfter > 0 && until.After(s.ThrottledUntil) {
			s.ThrottledUntil = until
		}
	})
}

func (t *Tracker) RecordError(id string, at time.Time) State {
	return t.update(id, func(s *State) { s.Errors = appendEvent(s.Errors, at, signalWindow) })
}

func (t *Tracker) RecordTransportFailure(id string, at time.Time) State {
	return t.update(id, func(s *State) { s.Transport = appendEvent(s.Transport, at, signalWindow) })
}

// SetDelivery stores the aggregated probe verdict.
func (t *Tracker) SetDelivery(id string, status DeliveryStatus, rate float64) State {
	return t.update(id, func(s *State) {
		s.ShadowBan = status
		s.DeliveryRate = rate
	})
}

// Snapshot returns the counters as seen at now.
func (t *Tracker) Snapshot(id string, now time.Time) Signals {
	v, ok := t.accounts.Load(id)
	if !ok {
		return Signals{ShadowBan: DeliveryClear}
	}
	a := v.(*accountSignals)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Signals(now)
}

// ThrottledUntil returns the platform cooldown deadline, zero if none.
func (t *Tracker) ThrottledUntil(id string) time.Time {
	v, ok := t.accounts.Load(id)
	if !ok {
		return time.Time{}
	}
	a := v.(*accountSignals)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.ThrottledUntil
}

func (t *Tracker) State(id string) (State, bool) {
	v, ok := t.accounts.Load(id)
	if !ok {
		return State{}, false
	}
	a := v.(*accountSignals)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.clone(), true
}

// Restore seeds an account from persisted state unless it already has some.
func (t *Tracker) Restore(id string, st State) bool {
	if st.ShadowBan == "" {
		st.ShadowBan = DeliveryClear
	}
	_, loaded := t.accounts.LoadOrStore(id, &accountSignals{state: st.clone()})
	return !loaded
}

// Signals derives the scorer input from the raw event history.
func (s State) Signals(now time.Time) Signals {
	status := s.ShadowBan
	if status == "" {
		status = DeliveryClear
	}
	return Signals{
		Throttles24h:      countWithin(s.Throttles, now.Add(-signalWindow), now),
		Errors24h:         countWithin(s.Errors, now.Add(-signalWindow), now),
		Actions1h:         countWithin(s.Actions, now.Add(-velocityWindow), now),
		TransportFailures: countWithin(s.Transport, now.Add(-signalWindow), now),
		ShadowBan:         status,
	}
}

func (s State) clone() State {
	c := s
	c.Throttles = append([]time.Time(nil), s.Throttles...)
	c.Errors = append([]time.Time(nil), s.Errors...)
	c.Actions = append([]time.Time(nil), s.Actions...)
	c.Transport = append([]time.Time(nil), s.Transport...)
	return c
}
