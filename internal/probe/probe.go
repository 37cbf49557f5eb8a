// Package probe verifies out-of-band that an account's messages actually
// reach a monitored canary recipient.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AlexKimmel/accountgate/internal/obs"
	"github.com/AlexKimmel/accountgate/internal/risk"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrProbeFailed marks probe infrastructure failures. Such probes are kept
// out of the delivery-rate aggregate.
var ErrProbeFailed = errors.New("probe failed")

type Outcome string

const (
	OutcomeReceived    Outcome = "received"
	OutcomeNotReceived Outcome = "not_received" // sent, no receipt before the timeout
	OutcomeUnconfirmed Outcome = "unconfirmed"  // the probe itself failed
)

type Probe struct {
	ID         string        `json:"id"`
	Account    string        `json:"account"`
	Canary     string        `json:"canary"`
	Sent       bool          `json:"sent"`
	Received   bool          `json:"received"`
	Outcome    Outcome       `json:"outcome"`
	StartedAt  time.Time     `json:"started_at"`
	SentAt     time.Time     `json:"sent_at,omitempty"`
	ReceivedAt time.Time     `json:"received_at,omitempty"`
	Delay      time.Duration `json:"delay"`
	Error      string        `json:"error,omitempty"`
}

// Countable reports whether the probe says anything about delivery.
func (p Probe) Countable() bool {
	return p.Outcome == OutcomeReceived || p.Outcome == OutcomeNotReceived
}

// Sender is the messaging-platform primitive used to send canaries.
type Sender interface {
	SendCanary(ctx context.Context, account, canary, payload string) (time.Time, error)
}

// Receipts hands out a channel that yields the receive time for a probe id.
type Receipts interface {
	Expect(id string) <-chan time.Time
	Forget(id string)
}

const payloadPrefix = "accountgate canary "

// Payload is the canary message text for a probe id.
func Payload(id string) string { return payloadPrefix + id }

// ParsePayload extracts the probe id from a canary message.
func ParsePayload(text string) (string, bool) {
	i := strings.Index(text, payloadPrefix)
	if i < 0 {
		return "", false
	}
	rest := strings.TrimSpace(text[i+len(payloadPrefix):])
	if f := strings.Fields(rest); len(f) > 0 {
		rest = f[0]
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", false
	}
	return rest, true
}

type Prober struct {
	sender   Sender
	receipts Receipts
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
	logger   zerolog.Logger
	metrics  *obs.Metrics
}

type Option func(*Prober)

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Prober) { p.logger = obs.Component(logger, "probe") }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

func New(sender Sender, receipts Receipts, opts ...Option) *Prober {
	p := &Prober{
		sender:   sender,
		receipts: receipts,
		timeout:  60 * time.Second,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TestDelivery sends one canary from account to canary and waits up to the
// probe timeout for its receipt. The returned probe is always populated; the
// error is non-nil (wrapping ErrProbeFailed) only when the probe itself
// failed.
func (p *Prober) TestDelivery(ctx context.Context, account, canary string) (Probe, error) {
	pr := Probe{
		ID:        p.newID(),
		Account:   account,
		Canary:    canary,
		StartedAt: p.now(),
	}
	// Register before sending so a fast receipt cannot be missed.
	receipt := p.receipts.Expect(pr.ID)
	defer p.receipts.Forget(pr.ID)

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sentAt, err := p.sender.SendCanary(waitCtx, account, canary, Payload(pr.ID))
	if err != nil {
		return p.fail(pr, fmt.Errorf("send canary: %w", err))
	}
	pr.Sent = true
	pr.SentAt = sentAt

	select {
	case at := <-receipt:
		pr.Received = true
		pr.ReceivedAt = at
		pr.Outcome = OutcomeReceived
		if d := at.Sub(sentAt); d > 0 {
			pr.Delay = d
		}
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return p.fail(pr, fmt.Errorf("await receipt: %w", ctx.Err()))
		}
		pr.Outcome = OutcomeNotReceived
		pr.Delay = p.timeout
	}

	p.metrics.ObserveProbe(string(pr.Outcome))
	p.logger.Debug().Str("account", account).Str("canary", canary).Str("probe", pr.ID).
		Str("outcome", string(pr.Outcome)).Dur("delay", pr.Delay).Msg("probe finished")
	return pr, nil
}

func (p *Prober) fail(pr Probe, err error) (Probe, error) {
	pr.Outcome = OutcomeUnconfirmed
	pr.Error = err.Error()
	p.metrics.ObserveProbe(string(pr.Outcome))
	p.logger.Warn().Err(err).Str("account", pr.Account).Str("canary", pr.Canary).Str("probe", pr.ID).
		Msg("probe infrastructure failure")
	return pr, fmt.Errorf("%w: %w", ErrProbeFailed, err)
}

// Aggregate computes the delivery rate over the countable probes and maps it
// onto a shadow-ban status. With nothing countable the status is clear.
func Aggregate(probes []Probe) (risk.DeliveryStatus, float64, int) {
	counted, received := 0, 0
	for _, p := range probes {
		if !p.Countable() {
			continue
		}
		counted++
		if p.Received {
			received++
		}
	}
	if counted == 0 {
		return risk.DeliveryClear, 1, 0
	}
	rate := float64(received) / float64(counted)
	return StatusFor(rate), rate, counted
}

func StatusFor(rate float64) risk.DeliveryStatus {
	switch {
	case rate >= 0.9:
		return risk.DeliveryClear
	case rate >= 0.7:
		return risk.DeliverySuspected
	case rate >= 0.5:
		return risk.DeliveryLikely
	default:
		return risk.DeliveryConfirmed
	}
}
