package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
	"github.com/alanyoungcy/hyperwatch/internal/pipeline"
)

// monitorLockTTL bounds how long a dead instance can hold the polling lock.
const monitorLockTTL = time.Hour

// MonitorMode runs the orchestrator loops for the monitor, poll, and snapshot
// modes. When Redis is available and this instance polls the venue, a
// distributed lock ensures only one poller runs at a time.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if deps.Locks != nil && deps.Reconciler != nil {
		unlock, err := deps.Locks.Acquire(ctx, "monitor", monitorLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("app: another monitor instance holds the polling lock")
		}
		if err != nil {
			return fmt.Errorf("app: acquire polling lock: %w", err)
		}
		defer unlock()
	}

	orch := pipeline.NewOrchestrator(
		*a.cfg,
		deps.Decoder,
		deps.Ledger,
		deps.Reconciler,
		deps.Client,
		deps.Store,
		deps.Archiver,
		a.logger,
	)
	return orch.Run(ctx)
}

// SeedMode performs a one-shot bootstrap: sync the ledger with storage,
// decode the latest snapshot as ground truth, run one full position refresh,
// then exit.
func (a *App) SeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting seed mode")

	orch := pipeline.NewOrchestrator(
		*a.cfg,
		deps.Decoder,
		deps.Ledger,
		deps.Reconciler,
		deps.Client,
		deps.Store,
		deps.Archiver,
		a.logger,
	)
	if err := orch.Seed(ctx); err != nil {
		return fmt.Errorf("app: seed: %w", err)
	}

	a.logger.InfoContext(ctx, "seed complete",
		slog.Int("tracked_addresses", deps.Ledger.UniqueCount()))
	return nil
}
