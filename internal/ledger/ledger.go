// Package ledger maintains the authoritative in-memory set of monitored
// addresses per market, persisted as a line-oriented text file. Removal uses a
// dual-check protocol: an address leaves only after a snapshot stops listing
// it and a live query confirms its position is closed.
package ledger

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

type Ledger struct {
	file    string
	markets []string
	logger  *slog.Logger

	mu                sync.RWMutex
	byMarket          map[string]map[string]struct{}
	lastSnapshot      map[string]map[string]struct{}
	removalCandidates map[string]map[string]struct{}
}

// ReplaceStats summarizes a full ledger replacement.
type ReplaceStats struct {
	Added   int
	Removed int
	Total   int
}

// MarketStats holds per-market ledger counters.
type MarketStats struct {
	Active            int `json:"active"`
	RemovalCandidates int `json:"removal_candidates"`
}

// Stats is a point-in-time summary of ledger contents.
type Stats struct {
	TotalUnique       int                    `json:"total_unique"`
	RemovalCandidates int                    `json:"removal_candidates"`
	Markets           map[string]MarketStats `json:"markets"`
}

// New builds a ledger for the given markets, loading any previously persisted
// addresses from file. A missing file is not an error.
func New(file string, markets []string, logger *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		file:              file,
		markets:           markets,
		logger:            logger,
		byMarket:          emptySets(markets),
		lastSnapshot:      emptySets(markets),
		removalCandidates: emptySets(markets),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func emptySets(markets []string) map[string]map[string]struct{} {
	m := make(map[string]map[string]struct{}, len(markets))
	for _, market := range markets {
		m[market] = make(map[string]struct{})
	}
	return m
}

// UpdateFromSnapshot applies one snapshot's address sets incrementally.
// Addresses new to a market are added immediately. Addresses present in the
// previous snapshot but absent from this one become removal candidates; they
// stay monitored until ConfirmRemovals sees their position closed live.
// Returns the added addresses and the newly flagged candidates.
func (l *Ledger) UpdateFromSnapshot(sets domain.AddressSets) (domain.AddressSets, domain.AddressSets, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := domain.NewAddressSets(l.markets)
	newCandidates := domain.NewAddressSets(l.markets)
	dirty := false

	for _, market := range l.markets {
		current := sets[market]
		active := l.byMarket[market]
		previous := l.lastSnapshot[market]

		for addr := range current {
			if _, ok := active[addr]; !ok {
				active[addr] = struct{}{}
				added.Add(market, addr)
				dirty = true
			}
			// Reappearance clears candidate status.
			delete(l.removalCandidates[market], addr)
		}

		for addr := range previous {
			if _, inCurrent := current[addr]; inCurrent {
				continue
			}
			if _, inActive := active[addr]; inActive {
				l.removalCandidates[market][addr] = struct{}{}
				newCandidates.Add(market, addr)
			}
		}

		next := make(map[string]struct{}, len(current))
		for addr := range current {
			next[addr] = struct{}{}
		}
		l.lastSnapshot[market] = next

		if n := len(added[market]); n > 0 {
			l.logger.Info("ledger additions", slog.String("market", market), slog.Int("added", n))
		}
		if n := len(newCandidates[market]); n > 0 {
			l.logger.Info("ledger removal candidates", slog.String("market", market), slog.Int("candidates", n))
		}
	}

	if dirty {
		if err := l.saveLocked(); err != nil {
			return nil, nil, err
		}
	}
	return added, newCandidates, nil
}

// Replace overwrites the ledger with sets as complete ground truth, clearing
// all removal candidates. Used by seed runs and the "replace" ledger mode.
func (l *Ledger) Replace(sets domain.AddressSets) (ReplaceStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats ReplaceStats
	for market, next := range sets {
		old := l.byMarket[market]
		for addr := range next {
			if _, ok := old[addr]; !ok {
				stats.Added++
			}
		}
		for addr := range old {
			if _, ok := next[addr]; !ok {
				stats.Removed++
			}
		}

		replacement := make(map[string]struct{}, len(next))
		for addr := range next {
			replacement[addr] = struct{}{}
		}
		l.byMarket[market] = replacement
		l.lastSnapshot[market] = copySet(next)
	}
	for market := range l.removalCandidates {
		l.removalCandidates[market] = make(map[string]struct{})
	}

	stats.Total = l.uniqueCountLocked()
	l.logger.Info("ledger replaced",
		slog.Int("total", stats.Total),
		slog.Int("added", stats.Added),
		slog.Int("removed", stats.Removed),
	)
	return stats, l.saveLocked()
}

// ConfirmRemovals completes the dual check: only addresses that are both
// removal candidates and confirmed closed are dropped. Closed positions for
// non-candidate addresses are ignored.
func (l *Ledger) ConfirmRemovals(closed domain.AddressSets) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for market, closedAddrs := range closed {
		candidates, ok := l.removalCandidates[market]
		if !ok {
			continue
		}
		n := 0
		for addr := range closedAddrs {
			if _, isCandidate := candidates[addr]; isCandidate {
				delete(l.byMarket[market], addr)
				delete(candidates, addr)
				n++
			}
		}
		if n > 0 {
			l.logger.Info("ledger removals confirmed", slog.String("market", market), slog.Int("removed", n))
			removed += n
		}
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, l.saveLocked()
}

// AddBatch inserts addresses into one market, persisting if anything changed.
// Returns the number actually added.
func (l *Ledger) AddBatch(market string, addresses []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.byMarket[market]
	if !ok {
		set = make(map[string]struct{})
		l.byMarket[market] = set
	}
	added := 0
	for _, addr := range addresses {
		addr = domain.NormalizeAddress(addr)
		if !domain.TrackableAddress(addr) {
			continue
		}
		if _, exists := set[addr]; !exists {
			set[addr] = struct{}{}
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	return added, l.saveLocked()
}

// SyncWithStore reconciles the ledger against the address sets currently in
// storage. Addresses known only to storage are adopted into the ledger;
// addresses known only to the ledger are reported and left for the next poll
// cycle to upsert.
func (l *Ledger) SyncWithStore(stored domain.AddressSets) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dirty := false
	for _, market := range l.markets {
		ledgerAddrs := l.byMarket[market]
		storeAddrs := stored[market]

		onlyLedger := 0
		for addr := range ledgerAddrs {
			if _, ok := storeAddrs[addr]; !ok {
				onlyLedger++
			}
		}
		if onlyLedger > 0 {
			l.logger.Warn("addresses in ledger but not storage",
				slog.String("market", market), slog.Int("count", onlyLedger))
		}

		for addr := range storeAddrs {
			if _, ok := ledgerAddrs[addr]; !ok {
				ledgerAddrs[addr] = struct{}{}
				dirty = true
			}
		}
	}

	if !dirty {
		return nil
	}
	l.logger.Info("ledger adopted storage-only addresses")
	return l.saveLocked()
}

// Addresses returns a sorted copy of one market's active addresses.
func (l *Ledger) Addresses(market string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.byMarket[market])
}

// AddressesByMarket returns a deep copy of all active address sets.
func (l *Ledger) AddressesByMarket() domain.AddressSets {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(domain.AddressSets, len(l.byMarket))
	for market, set := range l.byMarket {
		out[market] = copySet(set)
	}
	return out
}

// RemovalCandidates returns a deep copy of the pending removal candidates.
func (l *Ledger) RemovalCandidates() domain.AddressSets {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(domain.AddressSets, len(l.removalCandidates))
	for market, set := range l.removalCandidates {
		out[market] = copySet(set)
	}
	return out
}

// UniqueCount returns the number of distinct addresses across all markets.
func (l *Ledger) UniqueCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.uniqueCountLocked()
}

func (l *Ledger) uniqueCountLocked() int {
	seen := make(map[string]struct{})
	for _, set := range l.byMarket {
		for addr := range set {
			seen[addr] = struct{}{}
		}
	}
	return len(seen)
}

// Stats returns current ledger counters.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalUnique: l.uniqueCountLocked(),
		Markets:     make(map[string]MarketStats, len(l.markets)),
	}
	for _, market := range l.markets {
		ms := MarketStats{
			Active:            len(l.byMarket[market]),
			RemovalCandidates: len(l.removalCandidates[market]),
		}
		stats.Markets[market] = ms
		stats.RemovalCandidates += ms.RemovalCandidates
	}
	return stats
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
