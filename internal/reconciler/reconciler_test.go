package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hyperwatch/internal/config"
	"github.com/alanyoungcy/hyperwatch/internal/domain"
	"github.com/alanyoungcy/hyperwatch/internal/hyperliquid"
)

const (
	addrOpen   = "0xaaaa111111111111111111111111111111111111"
	addrClosed = "0xbbbb222222222222222222222222222222222222"
	addrDown   = "0xcccc333333333333333333333333333333333333"
	addrGhost  = "0xdddd444444444444444444444444444444444444"
)

// memStore is an in-memory domain.LivePositionStore.
type memStore struct {
	mu          sync.Mutex
	rows        map[string]domain.PositionRecord // "market|address"
	failUpserts int  // fail this many UpsertBatch calls before succeeding
	pruneFrozen bool // DeleteMarketExcept reports success without deleting
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]domain.PositionRecord)}
}

func key(market, address string) string { return market + "|" + address }

func (s *memStore) put(r domain.PositionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key(r.Market, r.Address)] = r
}

func (s *memStore) has(market, address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[key(market, address)]
	return ok
}

func (s *memStore) UpsertBatch(_ context.Context, records []domain.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpserts > 0 {
		s.failUpserts--
		return errors.New("connection reset by peer")
	}
	for _, r := range records {
		s.rows[key(r.Market, r.Address)] = r
	}
	return nil
}

func (s *memStore) DeleteBatch(_ context.Context, market string, addresses []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, addr := range addresses {
		if _, ok := s.rows[key(market, addr)]; ok {
			delete(s.rows, key(market, addr))
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteMarketExcept(_ context.Context, market string, keep map[string]struct{}) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pruneFrozen {
		return nil, nil
	}
	var removed []string
	for k, r := range s.rows {
		if r.Market != market {
			continue
		}
		if _, ok := keep[r.Address]; !ok {
			delete(s.rows, k)
			removed = append(removed, r.Address)
		}
	}
	return removed, nil
}

func (s *memStore) CountByMarket(_ context.Context, market string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.Market == market {
			n++
		}
	}
	return n, nil
}

func (s *memStore) AddressesByMarket(_ context.Context, minValueUSD float64) (map[string]map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]struct{})
	for _, r := range s.rows {
		if r.PositionValue < minValueUSD {
			continue
		}
		if out[r.Market] == nil {
			out[r.Market] = make(map[string]struct{})
		}
		out[r.Market][r.Address] = struct{}{}
	}
	return out, nil
}

func (s *memStore) ListByMarket(_ context.Context, market string) ([]domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []domain.PositionRecord
	for _, r := range s.rows {
		if r.Market == market {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *memStore) DeleteStale(_ context.Context, _, _ time.Duration) (int64, error) {
	return 0, nil
}

func (s *memStore) Stats(_ context.Context, _ float64) (domain.StoreStats, error) {
	return domain.StoreStats{}, nil
}

// fakeQuerier serves canned clearinghouse states per address.
type fakeQuerier struct {
	mu     sync.Mutex
	states map[string]*hyperliquid.ClearinghouseState
	errs   map[string]error
	calls  map[string]int
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		states: make(map[string]*hyperliquid.ClearinghouseState),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (q *fakeQuerier) ClearinghouseState(_ context.Context, address string) (*hyperliquid.ClearinghouseState, hyperliquid.Source, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls[address]++
	if err, ok := q.errs[address]; ok {
		return nil, "", err
	}
	if state, ok := q.states[address]; ok {
		return state, hyperliquid.SourcePrimary, nil
	}
	return &hyperliquid.ClearinghouseState{}, hyperliquid.SourcePrimary, nil
}

func openState(coin string, value float64) *hyperliquid.ClearinghouseState {
	return &hyperliquid.ClearinghouseState{
		AssetPositions: []hyperliquid.AssetPosition{{
			Position: hyperliquid.Position{
				Coin:          coin,
				Szi:           hyperliquid.Number(1.0),
				EntryPx:       hyperliquid.Number(value),
				PositionValue: hyperliquid.Number(value),
			},
		}},
	}
}

func newTestReconciler(q StateQuerier, store domain.LivePositionStore) *Reconciler {
	return New(q, store, nil,
		config.MarketsConfig{Targets: []string{"BTC", "ETH"}, MinPositionUSD: 300},
		config.ReconcilerConfig{
			BatchSize:    2,
			Concurrency:  2,
			BatchTimeout: config.Duration{Duration: 5 * time.Second},
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func activeSets(market string, addrs ...string) domain.AddressSets {
	s := domain.NewAddressSets([]string{"BTC", "ETH"})
	for _, a := range addrs {
		s.Add(market, a)
	}
	return s
}

func seedRow(store *memStore, market, address string) {
	store.put(domain.PositionRecord{
		Address:       address,
		Market:        market,
		PositionSize:  1,
		PositionValue: 1000,
		LastUpdated:   time.Now().UTC(),
	})
}

func TestUpdatePositionsThreeWaySplit(t *testing.T) {
	q := newFakeQuerier()
	q.states[addrOpen] = openState("BTC", 5000)
	// addrClosed answers with no positions; addrDown is unreachable.
	q.errs[addrDown] = errors.New("connection refused")

	store := newMemStore()
	seedRow(store, "BTC", addrClosed)
	seedRow(store, "BTC", addrDown)

	r := newTestReconciler(q, store)
	written, err := r.UpdatePositions(context.Background(), activeSets("BTC", addrOpen, addrClosed, addrDown))
	require.NoError(t, err)

	assert.Equal(t, 1, written)
	assert.True(t, store.has("BTC", addrOpen), "qualifying position must be upserted")
	assert.False(t, store.has("BTC", addrClosed), "confirmed-flat row must be deleted")
	assert.True(t, store.has("BTC", addrDown), "row must survive a failed query")
}

func TestUpdatePositionsFiltersOtherMarkets(t *testing.T) {
	q := newFakeQuerier()
	// The account holds only an ETH position; polled for BTC it counts as flat.
	q.states[addrOpen] = openState("ETH", 5000)

	store := newMemStore()
	seedRow(store, "BTC", addrOpen)

	r := newTestReconciler(q, store)
	_, err := r.UpdatePositions(context.Background(), activeSets("BTC", addrOpen))
	require.NoError(t, err)
	assert.False(t, store.has("BTC", addrOpen))
}

func TestVerificationRemovesForeignRows(t *testing.T) {
	q := newFakeQuerier()
	q.states[addrOpen] = openState("BTC", 5000)

	store := newMemStore()
	// A row for an address nobody monitors anymore.
	seedRow(store, "BTC", addrGhost)

	r := newTestReconciler(q, store)
	_, err := r.UpdatePositions(context.Background(), activeSets("BTC", addrOpen))
	require.NoError(t, err)

	assert.True(t, store.has("BTC", addrOpen))
	assert.False(t, store.has("BTC", addrGhost), "unmonitored row must be repaired away")
}

func TestUpsertFailureKeepsExistingRows(t *testing.T) {
	q := newFakeQuerier()
	q.states[addrOpen] = openState("BTC", 5000)

	store := newMemStore()
	seedRow(store, "BTC", addrOpen)
	store.failUpserts = 2 // the batch write and the verification retry

	r := newTestReconciler(q, store)
	written, err := r.UpdatePositions(context.Background(), activeSets("BTC", addrOpen))
	require.NoError(t, err)

	assert.Equal(t, 0, written)
	assert.True(t, store.has("BTC", addrOpen),
		"open position row must survive a transient upsert failure")
}

func TestUpsertFailureRetriedByVerification(t *testing.T) {
	q := newFakeQuerier()
	q.states[addrOpen] = openState("BTC", 5000)
	q.states[addrGhost] = openState("BTC", 7000)

	store := newMemStore()
	store.failUpserts = 1

	r := newTestReconciler(q, store)
	written, err := r.UpdatePositions(context.Background(), activeSets("BTC", addrOpen, addrGhost))
	require.NoError(t, err)

	// The batch write failed, but verification re-upserts the run's records.
	assert.Equal(t, 0, written)
	assert.True(t, store.has("BTC", addrOpen))
	assert.True(t, store.has("BTC", addrGhost))
}

func TestVerificationReportsUnrepairedDrift(t *testing.T) {
	store := newMemStore()
	store.pruneFrozen = true
	seedRow(store, "BTC", addrGhost)

	r := newTestReconciler(newFakeQuerier(), store)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := r.verifyMarket(context.Background(), log, "BTC", nil, map[string]struct{}{})
	assert.ErrorIs(t, err, domain.ErrConsistency)
}

func TestCheckRemovalCandidates(t *testing.T) {
	q := newFakeQuerier()
	q.states[addrOpen] = openState("BTC", 5000) // still open
	q.errs[addrDown] = errors.New("timeout")    // unreachable

	store := newMemStore()
	seedRow(store, "BTC", addrOpen)
	seedRow(store, "BTC", addrClosed)
	seedRow(store, "BTC", addrDown)

	r := newTestReconciler(q, store)
	candidates := activeSets("BTC", addrOpen, addrClosed, addrDown)
	confirmed, err := r.CheckRemovalCandidates(context.Background(), candidates)
	require.NoError(t, err)

	assert.Contains(t, confirmed["BTC"], addrClosed)
	assert.NotContains(t, confirmed["BTC"], addrOpen)
	assert.NotContains(t, confirmed["BTC"], addrDown, "unreachable candidate must stay pending")

	assert.False(t, store.has("BTC", addrClosed))
	assert.True(t, store.has("BTC", addrOpen))
	assert.True(t, store.has("BTC", addrDown))
}

func TestCleanupAgainstSnapshot(t *testing.T) {
	store := newMemStore()
	seedRow(store, "BTC", addrOpen)
	seedRow(store, "BTC", addrGhost)
	seedRow(store, "ETH", addrGhost)

	r := newTestReconciler(newFakeQuerier(), store)
	snapshot := domain.NewAddressSets([]string{"BTC", "ETH"})
	snapshot.Add("BTC", addrOpen)
	snapshot.Add("ETH", addrGhost)

	removed, err := r.CleanupAgainstSnapshot(context.Background(), snapshot)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.True(t, store.has("BTC", addrOpen))
	assert.False(t, store.has("BTC", addrGhost))
	assert.True(t, store.has("ETH", addrGhost))
}

func TestUpdatePositionsBatchesAllAddresses(t *testing.T) {
	q := newFakeQuerier()
	addrs := []string{addrOpen, addrClosed, addrDown, addrGhost}
	for _, a := range addrs {
		q.states[a] = openState("BTC", 5000)
	}

	store := newMemStore()
	r := newTestReconciler(q, store) // batch size 2 forces two batches

	written, err := r.UpdatePositions(context.Background(), activeSets("BTC", addrs...))
	require.NoError(t, err)
	assert.Equal(t, 4, written)
	for _, a := range addrs {
		assert.Equal(t, 1, q.calls[a])
		assert.True(t, store.has("BTC", a))
	}
}
