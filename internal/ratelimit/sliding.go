package ratelimit

import "time"

// slidingWindow admits a request while fewer than Max requests were
// recorded in the trailing Window. It has no fixed boundaries, so a burst
// at the end of one window cannot be followed by a second burst right after.
type slidingWindow struct {
	l    Limit
	hits []time.Time
}

func newSlidingWindow(l Limit) *slidingWindow {
	return &slidingWindow{l: l}
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.l.Window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (w *slidingWindow) Allow(now time.Time, _ float64) (bool, time.Duration) {
	w.prune(now)
	if len(w.hits) < w.l.Max {
		w.hits = append(w.hits, now)
		return true, 0
	}
	// The oldest hits leave the window first; once len-Max+1 of them have
	// expired there is room again.
	oldest := w.hits[len(w.hits)-w.l.Max]
	return false, positive(oldest.Add(w.l.Window).Sub(now))
}

func (w *slidingWindow) Remaining(now time.Time) float64 {
	w.prune(now)
	return float64(max(0, w.l.Max-len(w.hits)))
}

func (w *slidingWindow) SetLimit(_ time.Time, l Limit) { w.l = l }

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
