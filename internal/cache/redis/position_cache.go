package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// positionTTL bounds how long a cached record can outlive its last refresh.
// Rows deleted from storage while the monitor is down age out on their own.
const positionTTL = 24 * time.Hour

// PositionCache implements domain.PositionCache using Redis. Each record is
// stored as JSON at "position:{market}:{address}" so dashboards can read the
// latest state without touching Postgres.
type PositionCache struct {
	rdb *redis.Client
}

// NewPositionCache creates a PositionCache backed by the given Client.
func NewPositionCache(c *Client) *PositionCache {
	return &PositionCache{rdb: c.Underlying()}
}

func positionKey(market, address string) string {
	return "position:" + market + ":" + address
}

// SetPositions writes records in one pipeline.
func (pc *PositionCache) SetPositions(ctx context.Context, records []domain.PositionRecord) error {
	if len(records) == 0 {
		return nil
	}

	pipe := pc.rdb.Pipeline()
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("redis: marshal position %s/%s: %w", r.Market, r.Address, err)
		}
		pipe.Set(ctx, positionKey(r.Market, r.Address), data, positionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set positions: %w", err)
	}
	return nil
}

// DeletePositions removes cached records for the given addresses in one market.
func (pc *PositionCache) DeletePositions(ctx context.Context, market string, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	keys := make([]string, len(addresses))
	for i, addr := range addresses {
		keys[i] = positionKey(market, addr)
	}
	if err := pc.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: delete positions: %w", err)
	}
	return nil
}

// GetPosition retrieves one cached record. It returns domain.ErrNotFound when
// the key does not exist or has expired.
func (pc *PositionCache) GetPosition(ctx context.Context, address, market string) (domain.PositionRecord, error) {
	data, err := pc.rdb.Get(ctx, positionKey(market, address)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PositionRecord{}, domain.ErrNotFound
		}
		return domain.PositionRecord{}, fmt.Errorf("redis: get position %s/%s: %w", market, address, err)
	}

	var r domain.PositionRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("redis: decode position %s/%s: %w", market, address, err)
	}
	return r, nil
}

// Compile-time interface check.
var _ domain.PositionCache = (*PositionCache)(nil)
