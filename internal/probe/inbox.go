package probe

import (
	"sync"
	"time"
)

// Inbox matches canary receipts to waiting probes. Receipts that arrive
// before the probe registers are held for a short grace period.
type Inbox struct {
	mu      sync.Mutex
	waiting map[string]chan time.Time
	early   map[string]time.Time
	grace   time.Duration
	now     func() time.Time
}

func NewInbox(grace time.Duration) *Inbox {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Inbox{
		waiting: make(map[string]chan time.Time),
		early:   make(map[string]time.Time),
		grace:   grace,
		now:     time.Now,
	}
}

func (in *Inbox) Expect(id string) <-chan time.Time {
	ch := make(chan time.Time, 1)
	in.mu.Lock()
	defer in.mu.Unlock()
	if at, ok := in.early[id]; ok {
		delete(in.early, id)
		ch <- at
		return ch
	}
	in.waiting[id] = ch
	return ch
}

func (in *Inbox) Forget(id string) {
	in.mu.Lock()
	delete(in.waiting, id)
	in.mu.Unlock()
}

// Deliver records that probe id was received at at. It reports whether a
// probe was waiting for it.
func (in *Inbox) Deliver(id string, at time.Time) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ch, ok := in.waiting[id]; ok {
		delete(in.waiting, id)
		ch <- at
		return true
	}
	in.pruneLocked()
	in.early[id] = at
	return false
}

func (in *Inbox) pruneLocked() {
	cutoff := in.now().Add(-in.grace)
	for id, at := range in.early {
		if at.Before(cutoff) {
			delete(in.early, id)
		}
	}
}

// Pending is the number of probes currently waiting.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.waiting)
}
