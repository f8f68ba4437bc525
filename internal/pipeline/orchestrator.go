// Package pipeline coordinates the monitor's periodic loops: snapshot
// decoding, position refresh, removal confirmation, cleanup, and stats
// reporting.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hyperwatch/internal/config"
	"github.com/alanyoungcy/hyperwatch/internal/domain"
	"github.com/alanyoungcy/hyperwatch/internal/hyperliquid"
	"github.com/alanyoungcy/hyperwatch/internal/ledger"
	"github.com/alanyoungcy/hyperwatch/internal/reconciler"
	"github.com/alanyoungcy/hyperwatch/internal/snapshot"
)

// statsInterval is how often the stats reporter logs and writes its file.
const statsInterval = 5 * time.Minute

// Orchestrator runs all monitor loops over a shared errgroup. Which loops
// start depends on the configured mode: "monitor" runs everything, "poll"
// skips snapshot decoding, "snapshot" skips database polling.
type Orchestrator struct {
	cfg      config.Config
	decoder  *snapshot.Decoder
	ledger   *ledger.Ledger
	rec      *reconciler.Reconciler
	client   *hyperliquid.Client
	store    domain.LivePositionStore
	archiver domain.Archiver
	tracker  *Tracker
	logger   *slog.Logger

	lastDecode time.Time
}

// NewOrchestrator wires the monitor loops. decoder, rec, store, and archiver
// may be nil depending on mode and optional backends; the corresponding loops
// are skipped.
func NewOrchestrator(
	cfg config.Config,
	decoder *snapshot.Decoder,
	ldg *ledger.Ledger,
	rec *reconciler.Reconciler,
	client *hyperliquid.Client,
	store domain.LivePositionStore,
	archiver domain.Archiver,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		decoder:  decoder,
		ledger:   ldg,
		rec:      rec,
		client:   client,
		store:    store,
		archiver: archiver,
		tracker:  NewTracker(),
		logger:   logger,
	}
}

// Run seeds the ledger and store, then starts the periodic loops. It returns
// when ctx is cancelled or a loop fails with a non-context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	mode := strings.ToLower(o.cfg.Mode)
	o.logger.Info("orchestrator starting",
		slog.String("mode", mode),
		slog.Any("markets", o.cfg.Markets.Targets),
	)

	if err := o.Seed(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		o.logger.Error("initial seeding failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	if o.decoder != nil {
		g.Go(func() error {
			o.logger.Info("starting snapshot loop",
				slog.Duration("interval", o.cfg.Snapshot.CheckInterval.Duration))
			err := o.runSnapshotLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("snapshot loop: %w", err)
		})
	}

	if o.rec != nil {
		g.Go(func() error {
			o.logger.Info("starting position refresh loop",
				slog.Duration("interval", o.cfg.Reconciler.RefreshInterval.Duration))
			err := o.runRefreshLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("refresh loop: %w", err)
		})

		g.Go(func() error {
			o.logger.Info("starting removal check loop",
				slog.Duration("interval", o.cfg.Reconciler.RemovalCheckInterval.Duration))
			err := o.runRemovalLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("removal loop: %w", err)
		})
	}

	if o.store != nil {
		g.Go(func() error {
			o.logger.Info("starting cleanup loop",
				slog.Duration("interval", o.cfg.Reconciler.CleanupInterval.Duration))
			err := o.runCleanupLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("cleanup loop: %w", err)
		})
	}

	g.Go(func() error {
		err := o.runStatsLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("stats loop: %w", err)
	})

	if err := g.Wait(); err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped cleanly")
	return nil
}

// Seed brings the ledger and store to a consistent starting state: merge
// store-known addresses into the ledger, decode the latest snapshot as
// ground truth (full replace, whatever the configured removal mode), and run
// one full position refresh.
func (o *Orchestrator) Seed(ctx context.Context) error {
	if o.store != nil {
		stored, err := o.store.AddressesByMarket(ctx, 0)
		if err != nil {
			return fmt.Errorf("seed: load stored addresses: %w", err)
		}
		if err := o.ledger.SyncWithStore(stored); err != nil {
			return fmt.Errorf("seed: ledger sync: %w", err)
		}
	}

	if o.decoder != nil {
		o.checkSnapshot(ctx, true)
	}

	if o.rec != nil {
		if err := o.refreshPositions(ctx); err != nil {
			return fmt.Errorf("seed: initial refresh: %w", err)
		}
	}

	o.logger.Info("seeding complete",
		slog.Int("tracked_addresses", o.ledger.UniqueCount()))
	return nil
}

func (o *Orchestrator) runSnapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Snapshot.CheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.checkSnapshot(ctx, o.replaceMode())
		}
	}
}

func (o *Orchestrator) replaceMode() bool {
	return strings.ToLower(o.cfg.Ledger.Mode) == "replace"
}

// checkSnapshot decodes the newest unprocessed snapshot, if any, and applies
// its address sets to the ledger. Errors are logged, never fatal: the next
// tick retries.
func (o *Orchestrator) checkSnapshot(ctx context.Context, replace bool) {
	if since := time.Since(o.lastDecode); since < o.cfg.Snapshot.Cooldown.Duration {
		return
	}

	sets, snap, err := o.decoder.ProcessLatest(ctx)
	if snap == nil && err == nil {
		return // nothing new
	}
	o.lastDecode = time.Now()

	if err != nil {
		hash := ""
		if snap != nil {
			hash = snap.Hash
		}
		o.tracker.RecordSnapshot(hash, false)
		o.logger.Error("snapshot processing failed", slog.String("error", err.Error()))
		return
	}

	o.tracker.RecordSnapshot(snap.Hash, true)
	o.applySets(ctx, sets, *snap, replace)
}

// applySets folds decoded address sets into the ledger, replacing outright
// or flagging removal candidates, then ships archive artifacts when an
// archiver is wired.
func (o *Orchestrator) applySets(ctx context.Context, sets domain.AddressSets, snap domain.Snapshot, replace bool) {
	if replace {
		stats, err := o.ledger.Replace(sets)
		if err != nil {
			o.logger.Error("ledger replace failed", slog.String("error", err.Error()))
			return
		}
		o.tracker.RecordLedgerChange(stats.Added, stats.Removed)
		o.logger.Info("ledger replaced from snapshot",
			slog.Int64("height", snap.Height),
			slog.Int("added", stats.Added),
			slog.Int("removed", stats.Removed),
			slog.Int("total", stats.Total),
		)

		// In replace mode the snapshot is ground truth for storage too.
		if o.rec != nil {
			if removed, err := o.rec.CleanupAgainstSnapshot(ctx, sets); err != nil {
				o.logger.Error("snapshot cleanup failed", slog.String("error", err.Error()))
			} else if removed > 0 {
				o.logger.Info("storage rows removed by snapshot cleanup", slog.Int64("removed", removed))
			}
		}
	} else {
		added, candidates, err := o.ledger.UpdateFromSnapshot(sets)
		if err != nil {
			o.logger.Error("ledger update failed", slog.String("error", err.Error()))
			return
		}
		o.tracker.RecordLedgerChange(added.Total(), 0)
		o.logger.Info("ledger updated from snapshot",
			slog.Int64("height", snap.Height),
			slog.Int("added", added.Total()),
			slog.Int("removal_candidates", candidates.Total()),
			slog.Int("total", o.ledger.UniqueCount()),
		)
	}

	if o.archiver != nil {
		if err := o.archiver.ArchiveLedger(ctx, snap.Hash); err != nil {
			o.logger.Warn("ledger archive failed", slog.String("error", err.Error()))
		}
		if err := o.archiver.ArchiveDecodeSummary(ctx, snap, sets); err != nil {
			o.logger.Warn("decode summary archive failed", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) runRefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Reconciler.RefreshInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.refreshPositions(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.logger.Error("position refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (o *Orchestrator) refreshPositions(ctx context.Context) error {
	active := o.ledger.AddressesByMarket()
	if active.Total() == 0 {
		return nil
	}

	upserted, err := o.rec.UpdatePositions(ctx, active)
	if err != nil {
		return err
	}
	o.tracker.RecordUpdateCycle(upserted)
	return nil
}

func (o *Orchestrator) runRemovalLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Reconciler.RemovalCheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			candidates := o.ledger.RemovalCandidates()
			if candidates.Total() == 0 {
				continue
			}

			confirmed, err := o.rec.CheckRemovalCandidates(ctx, candidates)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.logger.Error("removal check failed", slog.String("error", err.Error()))
				continue
			}

			removed, err := o.ledger.ConfirmRemovals(confirmed)
			if err != nil {
				o.logger.Error("removal confirmation failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				o.tracker.RecordLedgerChange(0, removed)
				o.logger.Info("confirmed closed addresses removed", slog.Int("removed", removed))
			}
		}
	}
}

func (o *Orchestrator) runCleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Reconciler.CleanupInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-o.cfg.Reconciler.ClosedRowMaxAge.Duration)

			// Archive before the sweep so nothing is lost to retention.
			if o.archiver != nil {
				if n, err := o.archiver.ArchivePositions(ctx, cutoff); err != nil {
					o.logger.Warn("position archive failed", slog.String("error", err.Error()))
				} else if n > 0 {
					o.logger.Info("positions archived", slog.Int64("count", n))
				}
			}

			removed, err := o.store.DeleteStale(ctx,
				o.cfg.Reconciler.ClosedRowMaxAge.Duration,
				o.cfg.Reconciler.StaleRowMaxAge.Duration,
			)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.logger.Error("stale cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				o.logger.Info("stale rows removed", slog.Int64("removed", removed))
			}
		}
	}
}

func (o *Orchestrator) runStatsLoop(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.reportStats(ctx)
		}
	}
}

// reportStats logs a stats summary and writes the stats file.
func (o *Orchestrator) reportStats(ctx context.Context) {
	r := o.tracker.Snapshot()
	if o.client != nil {
		r.API = o.client.Stats()
	}
	r.Ledger = o.ledger.Stats()

	if o.store != nil {
		ss, err := o.store.Stats(ctx, o.cfg.Markets.MinPositionUSD)
		if err != nil {
			o.logger.Warn("store stats query failed", slog.String("error", err.Error()))
		} else {
			r.Store = &ss
		}
	}

	o.logger.Info("monitor stats",
		slog.Int64("snapshots_processed", r.SnapshotsProcessed),
		slog.Int64("snapshots_failed", r.SnapshotsFailed),
		slog.Int64("addresses_added", r.AddressesAdded),
		slog.Int64("addresses_removed", r.AddressesRemoved),
		slog.Int64("positions_upserted", r.PositionsUpserted),
		slog.Int("tracked_addresses", r.Ledger.TotalUnique),
		slog.Int64("api_queries", r.API.TotalQueries),
	)

	path := filepath.Join(o.cfg.Snapshot.DataDir, "monitor_stats.json")
	if err := WriteReport(path, r); err != nil {
		o.logger.Warn("stats file write failed", slog.String("error", err.Error()))
	}
}
