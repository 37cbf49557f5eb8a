package probe

import (
	"context"
	"errors"
	"strings"
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

// fakeSender delivers the canary to the inbox after delay unless drop is set.
type fakeSender struct {
	inbox *Inbox
	delay time.Duration
	drop  bool
	err   error

	mu       sync.Mutex
	payloads []string
}

func (s *fakeSender) SendCanary(_ context.Context, account, canary, payload string) (time.Time, error) {
	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	if s.err != nil {
		return time.Time{}, s.err
	}
	sentAt := time.Now()
	if !s.drop {
		id, ok := ParsePayload(payload)
		if ok {
			go func() {
				time.Sleep(s.delay)
				s.inbox.Deliver(id, sentAt.Add(s.delay))
			}()
		}
	}
	return sentAt, nil
}

func TestTestDelivery_Received(t *testing.T) {
	inbox := NewInbox(time.Minute)
	sender := &fakeSender{inbox: inbox, delay: 5 * time.Millisecond}
	m := obs.NewMetrics(prometheus.NewRegistry())
	p := New(sender, inbox, WithTimeout(time.Second), WithMetrics(m))

	pr, err := p.TestDelivery(context.Background(), "a1", "canary-1")
	require.NoError(t, err)
	assert.True(t, pr.Sent)
	assert.True(t, pr.Received)
	assert.Equal(t, OutcomeReceived, pr.Outcome)
	assert.Equal(t, 5*time.Millisecond, pr.Delay)
	assert.Equal(t, "a1", pr.Account)
	assert.Equal(t, "canary-1", pr.Canary)
	assert.NotEmpty(t, pr.ID)
	assert.Equal(t, []string{Payload(pr.ID)}, sender.payloads)
	assert.Equal(t, 0, inbox.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Probes.WithLabelValues("received")))
}

func TestTestDelivery_TimeoutIsNotReceived(t *testing.T) {
	inbox := NewInbox(time.Minute)
	p := New(&fakeSender{inbox: inbox, drop: true}, inbox, WithTimeout(20*time.Millisecond))

	pr, err := p.TestDelivery(context.Background(), "a1", "canary-1")
	require.NoError(t, err, "a missing receipt is a delivery signal, not a probe failure")
	assert.True(t, pr.Sent)
	assert.False(t, pr.Received)
	assert.Equal(t, OutcomeNotReceived, pr.Outcome)
	assert.True(t, pr.Countable())
}

func TestTestDelivery_TransportFailureIsExcluded(t *testing.T) {
	inbox := NewInbox(time.Minute)
	p := New(&fakeSender{inbox: inbox, err: errors.New("proxy refused")}, inbox)

	pr, err := p.TestDelivery(context.Background(), "a1", "canary-1")
	require.ErrorIs(t, err, ErrProbeFailed)
	assert.Equal(t, OutcomeUnconfirmed, pr.Outcome)
	assert.False(t, pr.Countable())
	assert.Contains(t, pr.Error, "proxy refused")
	assert.Equal(t, 0, inbox.Pending())
}

func TestTestDelivery_CallerCancellation(t *testing.T) {
	inbox := NewInbox(time.Minute)
	p := New(&fakeSender{inbox: inbox, drop: true}, inbox, WithTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	pr, err := p.TestDelivery(ctx, "a1", "canary-1")
	require.ErrorIs(t, err, ErrProbeFailed)
	assert.Equal(t, OutcomeUnconfirmed, pr.Outcome)
}

func TestInbox_EarlyReceipt(t *testing.T) {
	inbox := NewInbox(time.Minute)
	at := time.Now()
	assert.False(t, inbox.Deliver("p1", at))

	select {
	case got := <-inbox.Expect("p1"):
		assert.Equal(t, at, got)
	default:
		t.Fatal("early receipt was lost")
	}

	ch := inbox.Expect("p2")
	assert.True(t, inbox.Deliver("p2", at))
	assert.Equal(t, at, <-ch)
}

func TestInbox_PrunesStaleEarlyReceipts(t *testing.T) {
	inbox := NewInbox(time.Minute)
	now := time.Now()
	inbox.now = func() time.Time { return now }
	inbox.Deliver("old", now.Add(-2*time.Minute))
	inbox.Deliver("new", now)

	inbox.mu.Lock()
	_, hasOld := inbox.early["old"]
	_, hasNew := inbox.early["new"]
	inbox.mu.Unlock()
	assert.False(t, hasOld)
	assert.True(t, hasNew)
}

func TestParsePayload(t *testing.T) {
	id := "7c0f1f5e-5b1a-4f43-9d0e-3b6c1f0d2a11"
	got, ok := ParsePayload("fwd: " + Payload(id) + " thanks")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ParsePayload("hello there")
	assert.False(t, ok)
	_, ok = ParsePayload(Payload("not-a-uuid"))
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(Payload(id), "accountgate canary"))
}

func probes(received, missed, failed int) []Probe {
	var out []Probe
	for i := 0; i < received; i++ {
		out = append(out, Probe{Sent: true, Received: true, Outcome: OutcomeReceived})
	}
	for i := 0; i < missed; i++ {
		out = append(out, Probe{Sent: true, Outcome: OutcomeNotReceived})
	}
	for i := 0; i < failed; i++ {
		out = append(out, Probe{Outcome: OutcomeUnconfirmed})
	}
	return out
}

func TestAggregate_Boundaries(t *testing.T) {
	cases := []struct {
		received, missed int
		want             risk.DeliveryStatus
	}{
		{9, 1, risk.DeliveryClear},
		{10, 0, risk.DeliveryClear},
		{8, 2, risk.DeliverySuspected},
		{7, 3, risk.DeliverySuspected},
		{6, 4, risk.DeliveryLikely},
		{5, 5, risk.DeliveryLikely},
		{4, 6, risk.DeliveryConfirmed},
		{0, 10, risk.DeliveryConfirmed},
	}
	for _, c := range cases {
		status, rate, n := Aggregate(probes(c.received, c.missed, 0))
		assert.Equal(t, c.want, status, "%d/%d", c.received, c.received+c.missed)
		assert.InDelta(t, float64(c.received)/10, rate, 1e-12)
		assert.Equal(t, 10, n)
	}
}

func TestAggregate_ExcludesFailedProbes(t *testing.T) {
	status, rate, n := Aggregate(probes(9, 1, 20))
	assert.Equal(t, risk.DeliveryClear, status)
	assert.Equal(t, 0.9, rate)
	assert.Equal(t, 10, n)

	status, _, n = Aggregate(probes(0, 0, 5))
	assert.Equal(t, risk.DeliveryClear, status, "infrastructure failures never look like a shadow-ban")
	assert.Zero(t, n)
}
