package controlplane

import (
	"errors"
	"fmt"
	"time"

	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
)

var (
	// ErrAccountQuarantined is a hard stop: the account must not be retried
	// until its recovery plan leaves cooldown.
	ErrAccountQuarantined = errors.New("account quarantined")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrProbingDisabled    = errors.New("delivery probing is not configured")
	// ErrStateUnavailable means the account's persisted state could not be
	// loaded. The call may be retried.
	ErrStateUnavailable = errors.New("account state unavailable")
)

type Verdict string

const (
	VerdictAllow       Verdict = "allow"
	VerdictDeny        Verdict = "deny"
	VerdictQuarantined Verdict = "quarantined"
)

// Decision is the composite admission answer.
type Decision struct {
	Verdict    Verdict        `json:"verdict"`
	RetryAfter time.Duration  `json:"retry_after"`
	Reason     string         `json:"reason,omitempty"`
	Key        string         `json:"key,omitempty"`
	Remaining  float64        `json:"remaining"`
	Stage      recovery.Stage `json:"stage,omitempty"`
	Ceiling    int            `json:"ceiling,omitempty"`
	Tier       risk.Tier      `json:"tier"`
}

func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Err converts a refusal into its sentinel error, nil when allowed.
func (d Decision) Err() error {
	switch d.Verdict {
	case VerdictDeny:
		return fmt.Errorf("%w: %s, retry after %s", ratelimit.ErrRateLimitExceeded, d.Reason, d.RetryAfter)
	case VerdictQuarantined:
		return fmt.Errorf("%w: %s", ErrAccountQuarantined, d.Reason)
	}
	return nil
}

type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeTransportError OutcomeKind = "transport_error"
	OutcomeThrottle       OutcomeKind = "throttle"
	OutcomeProxyFailure   OutcomeKind = "proxy_failure"
)

func ParseOutcomeKind(s string) (OutcomeKind, error) {
	switch k := OutcomeKind(s); k {
	case OutcomeSuccess, OutcomeTransportError, OutcomeThrottle, OutcomeProxyFailure:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidArgument, s)
}

// riskEvent reports whether the outcome can start a recovery plan.
func (k OutcomeKind) riskEvent() bool { return k != OutcomeSuccess }

// Outcome is what the caller observed after performing an admitted action.
type Outcome struct {
	Kind OutcomeKind
	// RetryAfter is the platform-imposed wait carried by a throttle.
	RetryAfter time.Duration
	// At defaults to now.
	At time.Time
}
