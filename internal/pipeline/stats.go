package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
	"github.com/alanyoungcy/hyperwatch/internal/hyperliquid"
	"github.com/alanyoungcy/hyperwatch/internal/ledger"
)

// Tracker accumulates monitor-lifetime counters for the stats reporter. All
// methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	startedAt          time.Time
	snapshotsProcessed int64
	snapshotsFailed    int64
	addressesAdded     int64
	addressesRemoved   int64
	positionsUpserted  int64
	updateCycles       int64
	lastSnapshotHash   string
	lastSnapshotAt     time.Time
}

// NewTracker returns a Tracker with the uptime clock started.
func NewTracker() *Tracker {
	return &Tracker{startedAt: time.Now().UTC()}
}

// RecordSnapshot notes one decode attempt.
func (t *Tracker) RecordSnapshot(hash string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.snapshotsProcessed++
		t.lastSnapshotHash = hash
		t.lastSnapshotAt = time.Now().UTC()
	} else {
		t.snapshotsFailed++
	}
}

// RecordLedgerChange notes addresses added to and removed from the ledger.
func (t *Tracker) RecordLedgerChange(added, removed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addressesAdded += int64(added)
	t.addressesRemoved += int64(removed)
}

// RecordUpdateCycle notes one full position refresh and the rows it wrote.
func (t *Tracker) RecordUpdateCycle(upserted int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateCycles++
	t.positionsUpserted += int64(upserted)
}

// Report is the serialized stats surface, written to the stats file and logged
// periodically.
type Report struct {
	GeneratedAt        time.Time            `json:"generated_at"`
	UptimeSeconds      float64              `json:"uptime_seconds"`
	SnapshotsProcessed int64                `json:"snapshots_processed"`
	SnapshotsFailed    int64                `json:"snapshots_failed"`
	LastSnapshotHash   string               `json:"last_snapshot_hash,omitempty"`
	LastSnapshotAt     *time.Time           `json:"last_snapshot_at,omitempty"`
	AddressesAdded     int64                `json:"addresses_added"`
	AddressesRemoved   int64                `json:"addresses_removed"`
	UpdateCycles       int64                `json:"update_cycles"`
	PositionsUpserted  int64                `json:"positions_upserted"`
	API                hyperliquid.Counters `json:"api"`
	Ledger             ledger.Stats         `json:"ledger"`
	Store              *domain.StoreStats   `json:"store,omitempty"`
}

// Snapshot produces a Report from the current counters. API, ledger, and store
// sections are filled in by the caller, which owns those components.
func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Report{
		GeneratedAt:        time.Now().UTC(),
		UptimeSeconds:      time.Since(t.startedAt).Seconds(),
		SnapshotsProcessed: t.snapshotsProcessed,
		SnapshotsFailed:    t.snapshotsFailed,
		LastSnapshotHash:   t.lastSnapshotHash,
		AddressesAdded:     t.addressesAdded,
		AddressesRemoved:   t.addressesRemoved,
		UpdateCycles:       t.updateCycles,
		PositionsUpserted:  t.positionsUpserted,
	}
	if !t.lastSnapshotAt.IsZero() {
		at := t.lastSnapshotAt
		r.LastSnapshotAt = &at
	}
	return r
}

// WriteReport persists a Report as indented JSON via a temp file and rename so
// readers never observe a partial write.
func WriteReport(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal stats: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pipeline: stats dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write stats: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pipeline: rename stats: %w", err)
	}
	return nil
}
