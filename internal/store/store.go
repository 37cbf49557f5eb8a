// Package store persists the per-account records the control plane needs to
// survive a restart: risk signals, recovery plans and probe history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AlexKimmel/accountgate/internal/probe"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	SaveSignals(ctx context.Context, account string, st risk.State) error
	LoadSignals(ctx context.Context, account string) (risk.State, error)

	SavePlan(ctx context.Context, p recovery.Plan) error
	LoadPlan(ctx context.Context, account string) (recovery.Plan, error)

	AppendProbe(ctx context.Context, p probe.Probe) error
	// RecentProbes returns up to limit probes for account, newest first.
	RecentProbes(ctx context.Context, account string, limit int) ([]probe.Probe, error)
	// PruneProbes deletes probes started before cutoff.
	PruneProbes(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
