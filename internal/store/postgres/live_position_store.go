package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// LivePositionStore implements domain.LivePositionStore using PostgreSQL.
type LivePositionStore struct {
	pool *pgxpool.Pool
}

// NewLivePositionStore creates a store backed by the given connection pool.
func NewLivePositionStore(pool *pgxpool.Pool) *LivePositionStore {
	return &LivePositionStore{pool: pool}
}

// writeErr tags a failed write so callers can match it with
// errors.Is(err, domain.ErrStorageFailed).
func writeErr(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w: %w", op, domain.ErrStorageFailed, err)
}

const livePositionCols = `address, market, position_size, entry_price,
	liquidation_price, margin_used, position_value, unrealized_pnl,
	return_on_equity, leverage_type, leverage_value, leverage_raw_usd,
	account_value, total_margin_used, withdrawable, last_updated`

func scanLivePositionRows(rows pgx.Rows) ([]domain.PositionRecord, error) {
	var records []domain.PositionRecord
	for rows.Next() {
		var r domain.PositionRecord
		var leverageType string

		if err := rows.Scan(
			&r.Address, &r.Market, &r.PositionSize, &r.EntryPrice,
			&r.LiquidationPrice, &r.MarginUsed, &r.PositionValue, &r.UnrealizedPnL,
			&r.ReturnOnEquity, &leverageType, &r.LeverageValue, &r.LeverageRawUSD,
			&r.AccountValue, &r.TotalMarginUsed, &r.Withdrawable, &r.LastUpdated,
		); err != nil {
			return nil, err
		}
		r.LeverageType = domain.LeverageType(leverageType)
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpsertBatch writes records in a single pipelined batch, replacing every
// field on (address, market) conflict.
func (s *LivePositionStore) UpsertBatch(ctx context.Context, records []domain.PositionRecord) error {
	if len(records) == 0 {
		return nil
	}

	const query = `
		INSERT INTO live_positions (
			address, market, position_size, entry_price,
			liquidation_price, margin_used, position_value, unrealized_pnl,
			return_on_equity, leverage_type, leverage_value, leverage_raw_usd,
			account_value, total_margin_used, withdrawable, last_updated
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16
		)
		ON CONFLICT (address, market) DO UPDATE SET
			position_size     = EXCLUDED.position_size,
			entry_price       = EXCLUDED.entry_price,
			liquidation_price = EXCLUDED.liquidation_price,
			margin_used       = EXCLUDED.margin_used,
			position_value    = EXCLUDED.position_value,
			unrealized_pnl    = EXCLUDED.unrealized_pnl,
			return_on_equity  = EXCLUDED.return_on_equity,
			leverage_type     = EXCLUDED.leverage_type,
			leverage_value    = EXCLUDED.leverage_value,
			leverage_raw_usd  = EXCLUDED.leverage_raw_usd,
			account_value     = EXCLUDED.account_value,
			total_margin_used = EXCLUDED.total_margin_used,
			withdrawable      = EXCLUDED.withdrawable,
			last_updated      = EXCLUDED.last_updated`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.Address, r.Market, r.PositionSize, r.EntryPrice,
			r.LiquidationPrice, r.MarginUsed, r.PositionValue, r.UnrealizedPnL,
			r.ReturnOnEquity, string(r.LeverageType), r.LeverageValue, r.LeverageRawUSD,
			r.AccountValue, r.TotalMarginUsed, r.Withdrawable, r.LastUpdated,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return writeErr("upsert live positions", err)
		}
	}
	return nil
}

// DeleteBatch removes rows for the given addresses in one market.
func (s *LivePositionStore) DeleteBatch(ctx context.Context, market string, addresses []string) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM live_positions WHERE market = $1 AND address = ANY($2)",
		market, addresses,
	)
	if err != nil {
		return 0, writeErr("delete "+market+" positions", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteMarketExcept removes all rows for a market whose address is not in
// keep, returning the removed addresses.
func (s *LivePositionStore) DeleteMarketExcept(ctx context.Context, market string, keep map[string]struct{}) ([]string, error) {
	keepList := make([]string, 0, len(keep))
	for addr := range keep {
		keepList = append(keepList, addr)
	}

	rows, err := s.pool.Query(ctx,
		"DELETE FROM live_positions WHERE market = $1 AND NOT (address = ANY($2)) RETURNING address",
		market, keepList,
	)
	if err != nil {
		return nil, writeErr("prune "+market+" positions", err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, writeErr("prune "+market+" positions", err)
		}
		removed = append(removed, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, writeErr("prune "+market+" positions", err)
	}
	return removed, nil
}

// CountByMarket returns the number of stored rows for a market.
func (s *LivePositionStore) CountByMarket(ctx context.Context, market string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM live_positions WHERE market = $1", market,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count %s positions: %w", market, err)
	}
	return count, nil
}

// AddressesByMarket returns the stored address set per market, filtered to
// rows at or above minValueUSD.
func (s *LivePositionStore) AddressesByMarket(ctx context.Context, minValueUSD float64) (map[string]map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT market, address FROM live_positions WHERE position_value >= $1",
		minValueUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list addresses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]struct{})
	for rows.Next() {
		var market, addr string
		if err := rows.Scan(&market, &addr); err != nil {
			return nil, fmt.Errorf("postgres: list addresses: %w", err)
		}
		set, ok := out[market]
		if !ok {
			set = make(map[string]struct{})
			out[market] = set
		}
		set[addr] = struct{}{}
	}
	return out, rows.Err()
}

// ListByMarket returns stored rows for one market ordered by value.
func (s *LivePositionStore) ListByMarket(ctx context.Context, market string) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+livePositionCols+" FROM live_positions WHERE market = $1 ORDER BY position_value DESC",
		market,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s positions: %w", market, err)
	}
	defer rows.Close()

	records, err := scanLivePositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s positions: %w", market, err)
	}
	return records, nil
}

// DeleteStale removes closed rows older than closedAge and any row not
// touched within staleAge.
func (s *LivePositionStore) DeleteStale(ctx context.Context, closedAge, staleAge time.Duration) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM live_positions
		WHERE (position_size = 0 AND last_updated < $1)
		   OR last_updated < $2`,
		now.Add(-closedAge), now.Add(-staleAge),
	)
	if err != nil {
		return 0, writeErr("delete stale positions", err)
	}
	return tag.RowsAffected(), nil
}

// Stats aggregates per-market and global counters in two queries.
func (s *LivePositionStore) Stats(ctx context.Context, minValueUSD float64) (domain.StoreStats, error) {
	stats := domain.StoreStats{ByMarket: make(map[string]domain.MarketStats)}

	rows, err := s.pool.Query(ctx, `
		SELECT market, COUNT(*), COUNT(DISTINCT address), COALESCE(SUM(position_value), 0)
		FROM live_positions
		WHERE position_value >= $1
		GROUP BY market`,
		minValueUSD,
	)
	if err != nil {
		return stats, fmt.Errorf("postgres: position stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var market string
		var ms domain.MarketStats
		if err := rows.Scan(&market, &ms.Positions, &ms.Addresses, &ms.TotalValue); err != nil {
			return stats, fmt.Errorf("postgres: position stats: %w", err)
		}
		stats.ByMarket[market] = ms
		stats.TotalPositions += ms.Positions
		stats.TotalValueUSD += ms.TotalValue
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("postgres: position stats: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(DISTINCT address) FROM live_positions WHERE position_value >= $1",
		minValueUSD,
	).Scan(&stats.UniqueAddresses)
	if err != nil {
		return stats, fmt.Errorf("postgres: position stats: %w", err)
	}
	return stats, nil
}
