// Package reconciler converges stored live positions with what the venue
// reports for the monitored addresses. Queries fan out in bounded batches; a
// failed query never causes a delete.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/hyperwatch/internal/config"
	"github.com/alanyoungcy/hyperwatch/internal/domain"
	"github.com/alanyoungcy/hyperwatch/internal/hyperliquid"
)

// StateQuerier is the live-query dependency, satisfied by *hyperliquid.Client.
type StateQuerier interface {
	ClearinghouseState(ctx context.Context, address string) (*hyperliquid.ClearinghouseState, hyperliquid.Source, error)
}

type Reconciler struct {
	client      StateQuerier
	store       domain.LivePositionStore
	cache       domain.PositionCache // optional
	markets     []string
	minValueUSD float64

	batchSize       int
	batchTimeout    time.Duration
	batchDelay      time.Duration
	batchErrorDelay time.Duration
	concurrency     int64

	logger *slog.Logger
}

func New(
	client StateQuerier,
	store domain.LivePositionStore,
	cache domain.PositionCache,
	markets config.MarketsConfig,
	cfg config.ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		client:          client,
		store:           store,
		cache:           cache,
		markets:         markets.Targets,
		minValueUSD:     markets.MinPositionUSD,
		batchSize:       cfg.BatchSize,
		batchTimeout:    cfg.BatchTimeout.Duration,
		batchDelay:      cfg.BatchDelay.Duration,
		batchErrorDelay: cfg.BatchErrorDelay.Duration,
		concurrency:     int64(cfg.Concurrency),
		logger:          logger,
	}
}

// batchResult is the three-way split of one batch: records to upsert,
// addresses confirmed flat (delete), and addresses whose query failed
// (leave untouched).
type batchResult struct {
	records []domain.PositionRecord
	closed  []string
	failed  []string
}

// UpdatePositions refreshes live positions for every address in active,
// market by market. Returns the number of position rows written.
func (r *Reconciler) UpdatePositions(ctx context.Context, active domain.AddressSets) (int, error) {
	run := uuid.NewString()[:8]
	log := r.logger.With(slog.String("run", run))

	written := 0
	for _, market := range r.markets {
		addrs := sortedAddrs(active[market])
		if len(addrs) == 0 {
			continue
		}
		n, err := r.updateMarket(ctx, log, market, addrs)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (r *Reconciler) updateMarket(ctx context.Context, log *slog.Logger, market string, addrs []string) (int, error) {
	log = log.With(slog.String("market", market))
	log.Info("updating positions", slog.Int("addresses", len(addrs)))

	written := 0
	failures := 0
	active := make([]domain.PositionRecord, 0, len(addrs))
	allowed := make(map[string]struct{}, len(addrs))

	batches := (len(addrs) + r.batchSize - 1) / r.batchSize
	for i := 0; i < len(addrs); i += r.batchSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		end := i + r.batchSize
		if end > len(addrs) {
			end = len(addrs)
		}
		batchNum := i/r.batchSize + 1
		res := r.queryBatch(ctx, market, addrs[i:end])

		log.Info("batch complete",
			slog.Int("batch", batchNum),
			slog.Int("batches", batches),
			slog.Int("open", len(res.records)),
			slog.Int("closed", len(res.closed)),
			slog.Int("failed", len(res.failed)),
		)
		failures += len(res.failed)
		for _, addr := range res.failed {
			// Unreachable addresses keep whatever row they had.
			allowed[addr] = struct{}{}
		}

		converged := true
		if len(res.records) > 0 {
			if err := r.store.UpsertBatch(ctx, res.records); err != nil {
				log.Error("position upsert failed", slog.String("error", err.Error()))
				converged = false
			} else {
				written += len(res.records)
				r.cacheSet(ctx, log, res.records)
			}
			// Addresses with an open qualifying position are computed
			// active even when the write fails: they stay in the allowed
			// set and verification retries the upsert, never a delete.
			active = append(active, res.records...)
			for _, rec := range res.records {
				allowed[rec.Address] = struct{}{}
			}
		}
		if len(res.closed) > 0 {
			deleted, err := r.store.DeleteBatch(ctx, market, res.closed)
			if err != nil {
				log.Error("position delete failed", slog.String("error", err.Error()))
				converged = false
			} else if deleted > 0 {
				log.Info("closed positions removed", slog.Int64("rows", deleted))
			}
			r.cacheDelete(ctx, log, market, res.closed)
		}

		delay := r.batchDelay
		if !converged {
			delay = r.batchErrorDelay
		}
		if batchNum < batches {
			if err := sleep(ctx, delay); err != nil {
				return written, err
			}
		}
	}

	if err := r.verifyMarket(ctx, log, market, active, allowed); err != nil {
		log.Error("count verification failed", slog.String("error", err.Error()))
	}

	log.Info("market update complete",
		slog.Int("written", written),
		slog.Int("failures", failures),
	)
	return written, nil
}

// queryBatch fans out one live query per address under a shared semaphore and
// a batch-wide deadline. Each query gets its own context so one slow address
// cannot cancel its siblings before the batch deadline.
func (r *Reconciler) queryBatch(ctx context.Context, market string, addrs []string) batchResult {
	bctx, cancel := context.WithTimeout(ctx, r.batchTimeout)
	defer cancel()

	target := map[string]struct{}{market: {}}
	sem := semaphore.NewWeighted(r.concurrency)
	now := time.Now().UTC()

	var mu sync.Mutex
	var res batchResult
	var wg sync.WaitGroup

	for _, addr := range addrs {
		if err := sem.Acquire(bctx, 1); err != nil {
			// Batch deadline hit; everything not yet started counts failed.
			mu.Lock()
			res.failed = append(res.failed, addr)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			defer sem.Release(1)

			qctx, qcancel := context.WithCancel(bctx)
			defer qcancel()

			state, _, err := r.client.ClearinghouseState(qctx, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.failed = append(res.failed, addr)
				return
			}
			records := state.Records(addr, target, r.minValueUSD, now)
			if len(records) == 0 {
				res.closed = append(res.closed, domain.NormalizeAddress(addr))
				return
			}
			res.records = append(res.records, records...)
		}(addr)
	}
	wg.Wait()
	return res
}

// verifyMarket compares the stored row count against this run's computed
// active set and repairs drift: rows for addresses outside the allowed set
// are deleted, the run's records are re-upserted (retrying any batch whose
// write failed), then the count is checked once more. Query and write
// failures both keep their addresses in the allowed set, so verification
// never undoes the no-delete-on-failure rule.
func (r *Reconciler) verifyMarket(ctx context.Context, log *slog.Logger, market string, active []domain.PositionRecord, allowed map[string]struct{}) error {
	before, err := r.store.CountByMarket(ctx, market)
	if err != nil {
		return fmt.Errorf("count %s rows: %w", market, err)
	}
	if before <= int64(len(allowed)) && before >= int64(len(active)) {
		return nil
	}

	log.Warn("stored count outside expected bounds, repairing",
		slog.Int64("stored", before),
		slog.Int("expected_min", len(active)),
		slog.Int("expected_max", len(allowed)),
	)

	removed, err := r.store.DeleteMarketExcept(ctx, market, allowed)
	if err != nil {
		return fmt.Errorf("repair delete: %w", err)
	}
	if err := r.store.UpsertBatch(ctx, active); err != nil {
		return fmt.Errorf("repair upsert: %w", err)
	}

	after, err := r.store.CountByMarket(ctx, market)
	if err != nil {
		return fmt.Errorf("recount %s rows: %w", market, err)
	}
	if after > int64(len(allowed)) || after < int64(len(active)) {
		return fmt.Errorf("%w: %s holds %d rows after repair, expected %d to %d",
			domain.ErrConsistency, market, after, len(active), len(allowed))
	}
	log.Info("count repair complete",
		slog.Int64("before", before),
		slog.Int64("after", after),
		slog.Int("removed", len(removed)),
	)
	return nil
}

// CheckRemovalCandidates live-queries each candidate and returns those whose
// position is confirmed closed in its market. Confirmed rows are deleted from
// storage; query failures leave the candidate pending.
func (r *Reconciler) CheckRemovalCandidates(ctx context.Context, candidates domain.AddressSets) (domain.AddressSets, error) {
	confirmed := domain.NewAddressSets(r.markets)

	for _, market := range r.markets {
		addrs := sortedAddrs(candidates[market])
		if len(addrs) == 0 {
			continue
		}
		res := r.queryBatch(ctx, market, addrs)
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		for _, addr := range res.closed {
			confirmed.Add(market, addr)
		}

		if len(res.closed) > 0 {
			if _, err := r.store.DeleteBatch(ctx, market, res.closed); err != nil {
				r.logger.Error("removal delete failed",
					slog.String("market", market),
					slog.String("error", err.Error()),
				)
			}
			r.cacheDelete(ctx, r.logger, market, res.closed)
		}
		r.logger.Info("removal candidates checked",
			slog.String("market", market),
			slog.Int("candidates", len(addrs)),
			slog.Int("confirmed", len(res.closed)),
			slog.Int("still_open", len(res.records)),
			slog.Int("unreachable", len(res.failed)),
		)
	}
	return confirmed, nil
}

// CleanupAgainstSnapshot removes stored rows whose address is absent from the
// snapshot's set for its market. Used after a full decode, when the snapshot
// is trusted as complete ground truth.
func (r *Reconciler) CleanupAgainstSnapshot(ctx context.Context, sets domain.AddressSets) (int64, error) {
	var total int64
	for _, market := range r.markets {
		keep := sets[market]
		removed, err := r.store.DeleteMarketExcept(ctx, market, keep)
		if err != nil {
			return total, err
		}
		if len(removed) > 0 {
			r.logger.Info("pruned rows absent from snapshot",
				slog.String("market", market),
				slog.Int("removed", len(removed)),
			)
			r.cacheDelete(ctx, r.logger, market, removed)
			total += int64(len(removed))
		}
	}
	return total, nil
}

func (r *Reconciler) cacheSet(ctx context.Context, log *slog.Logger, records []domain.PositionRecord) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetPositions(ctx, records); err != nil {
		log.Debug("position cache write failed", slog.String("error", err.Error()))
	}
}

func (r *Reconciler) cacheDelete(ctx context.Context, log *slog.Logger, market string, addrs []string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.DeletePositions(ctx, market, addrs); err != nil {
		log.Debug("position cache delete failed", slog.String("error", err.Error()))
	}
}

func sortedAddrs(set map[string]struct{}) []string {
	addrs := make([]string, 0, len(set))
	for addr := range set {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
