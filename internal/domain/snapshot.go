package domain

import "time"

// SnapshotStatus tracks progress of one decode attempt.
type SnapshotStatus string

const (
	SnapshotPending    SnapshotStatus = "pending"
	SnapshotProcessing SnapshotStatus = "processing"
	SnapshotSuccess    SnapshotStatus = "success"
	SnapshotFailed     SnapshotStatus = "failed"
)

// Snapshot is the metadata of one on-disk chain-state dump. Identity for
// deduplication is the content Hash, not the path: the same state can appear
// under several filenames.
type Snapshot struct {
	Path        string         `json:"path"`
	Height      int64          `json:"height"`
	Date        string         `json:"date"`
	Size        int64          `json:"size"`
	Hash        string         `json:"hash"`
	ProcessedAt *time.Time     `json:"processed_at"`
	Status      SnapshotStatus `json:"status"`
}

// AddressSets maps an uppercase market symbol to the set of addresses holding
// a qualifying position in it.
type AddressSets map[string]map[string]struct{}

// NewAddressSets returns sets with an empty entry per market.
func NewAddressSets(markets []string) AddressSets {
	s := make(AddressSets, len(markets))
	for _, m := range markets {
		s[m] = make(map[string]struct{})
	}
	return s
}

// Add inserts an address into a market's set, creating the set if needed.
func (s AddressSets) Add(market, address string) {
	set, ok := s[market]
	if !ok {
		set = make(map[string]struct{})
		s[market] = set
	}
	set[address] = struct{}{}
}

// Total counts addresses across all markets, with multiplicity per market.
func (s AddressSets) Total() int {
	n := 0
	for _, set := range s {
		n += len(set)
	}
	return n
}

// Unique counts distinct addresses across all markets.
func (s AddressSets) Unique() int {
	seen := make(map[string]struct{})
	for _, set := range s {
		for addr := range set {
			seen[addr] = struct{}{}
		}
	}
	return len(seen)
}
