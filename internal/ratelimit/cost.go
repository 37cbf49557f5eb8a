package ratelimit

import "time"

type spend struct {
	at   time.Time
	cost float64
}

// costWindow is a sliding window where each entry carries a cost and the
// sum of costs in the window may not exceed the budget.
type costWindow struct {
	l       Limit
	entries []spend
}

func newCostWindow(l Limit) *costWindow {
	return &costWindow{l: l}
}

func (w *costWindow) prune(now time.Time) {
	cutoff := now.Add(-w.l.Window)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *costWindow) spent() float64 {
	var sum float64
	for _, e := range w.entries {
		sum += e.cost
	}
	return sum
}

func (w *costWindow) Allow(now time.Time, cost float64) (bool, time.Duration) {
	w.prune(now)
	budget := w.l.capacity()
	sum := w.spent()
	if sum+cost <= budget {
		w.entries = append(w.entries, spend{at: now, cost: cost})
		return true, 0
	}
	if cost > budget {
		return false, w.l.Window
	}
	// Walk from the oldest entry until enough cost has expired.
	for _, e := range w.entries {
		sum -= e.cost
		if sum+cost <= budget {
			return false, positive(e.at.Add(w.l.Window).Sub(now))
		}
	}
	return false, w.l.Window
}

func (w *costWindow) Remaining(now time.Time) float64 {
	w.prune(now)
	return max(0, w.l.capacity()-w.spent())
}

func (w *costWindow) SetLimit(_ time.Time, l Limit) { w.l = l }
