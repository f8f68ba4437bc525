package domain

import (
	"context"
	"time"
)

// LivePositionStore persists PositionRecord rows keyed by (address, market).
// The reconciler is the only writer; everything else reads.
type LivePositionStore interface {
	// UpsertBatch inserts records, updating every field on (address, market)
	// conflict.
	UpsertBatch(ctx context.Context, records []PositionRecord) error

	// DeleteBatch removes rows for the given (address, market) pairs.
	DeleteBatch(ctx context.Context, market string, addresses []string) (int64, error)

	// DeleteMarketExcept removes all rows for a market whose address is not in
	// keep, and returns the removed addresses.
	DeleteMarketExcept(ctx context.Context, market string, keep map[string]struct{}) ([]string, error)

	// CountByMarket returns the number of stored rows for a market.
	CountByMarket(ctx context.Context, market string) (int64, error)

	// AddressesByMarket returns the stored address set per market, filtered to
	// rows at or above minValueUSD.
	AddressesByMarket(ctx context.Context, minValueUSD float64) (map[string]map[string]struct{}, error)

	// ListByMarket returns stored rows for one market ordered by value.
	ListByMarket(ctx context.Context, market string) ([]PositionRecord, error)

	// DeleteStale removes zero rows older than closedAge and any row older
	// than staleAge, returning the number removed.
	DeleteStale(ctx context.Context, closedAge, staleAge time.Duration) (int64, error)

	// Stats returns aggregate counters for the stats reporter.
	Stats(ctx context.Context, minValueUSD float64) (StoreStats, error)
}

// StoreStats is an aggregate view over live positions.
type StoreStats struct {
	UniqueAddresses int64                  `json:"unique_addresses"`
	TotalPositions  int64                  `json:"total_positions"`
	TotalValueUSD   float64                `json:"total_value_usd"`
	ByMarket        map[string]MarketStats `json:"by_market"`
}

// MarketStats is the per-market slice of StoreStats.
type MarketStats struct {
	Addresses  int64   `json:"addresses"`
	Positions  int64   `json:"positions"`
	TotalValue float64 `json:"total_value"`
}

// PositionCache mirrors the latest PositionRecord per (address, market) into a
// fast shared store so sidecars and dashboards can read without touching
// Postgres. Writes are best-effort.
type PositionCache interface {
	SetPositions(ctx context.Context, records []PositionRecord) error
	DeletePositions(ctx context.Context, market string, addresses []string) error
	GetPosition(ctx context.Context, address, market string) (PositionRecord, error)
}

// LockManager provides a distributed lock so only one monitor instance polls a
// venue at a time.
type LockManager interface {
	// Acquire returns an unlock function, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
