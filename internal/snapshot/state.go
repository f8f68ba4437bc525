package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// StateCache is the persisted record of which snapshots have already been
// decoded, keyed by content hash. It survives restarts so completed work is
// never redone, and is bounded to the most recently processed entries.
type StateCache struct {
	path   string
	max    int
	logger *slog.Logger

	mu    sync.Mutex
	snaps map[string]domain.Snapshot
}

// NewStateCache loads (or initializes) the cache persisted at path. A corrupt
// or missing state file is not fatal: the cache starts empty and the next
// save rewrites it.
func NewStateCache(path string, max int, logger *slog.Logger) *StateCache {
	c := &StateCache{
		path:   path,
		max:    max,
		logger: logger,
		snaps:  make(map[string]domain.Snapshot),
	}
	c.load()
	return c
}

func (c *StateCache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("could not load snapshot state", slog.String("error", err.Error()))
		}
		return
	}

	var snaps map[string]domain.Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		c.logger.Warn("corrupt snapshot state file, starting fresh",
			slog.String("path", c.path),
			slog.String("error", err.Error()),
		)
		return
	}

	for hash, snap := range snaps {
		if len(c.snaps) >= c.max {
			break
		}
		c.snaps[hash] = snap
	}
	c.logger.Info("loaded snapshot states", slog.Int("count", len(c.snaps)))
}

// Get returns the cached entry for a content hash.
func (c *StateCache) Get(hash string) (domain.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[hash]
	return snap, ok
}

// Processed reports whether the hash has already been decoded successfully.
func (c *StateCache) Processed(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[hash]
	return ok && snap.Status == domain.SnapshotSuccess
}

// Put records or updates a snapshot entry. The caller must follow up with
// Save to persist the change.
func (c *StateCache) Put(snap domain.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.Hash] = snap
}

// MarkStatus updates the status (and processed_at on a terminal status) of an
// entry, inserting it if absent.
func (c *StateCache) MarkStatus(snap domain.Snapshot, status domain.SnapshotStatus) domain.Snapshot {
	snap.Status = status
	if status == domain.SnapshotSuccess || status == domain.SnapshotFailed {
		now := time.Now().UTC()
		snap.ProcessedAt = &now
	}
	c.Put(snap)
	return snap
}

// Save writes the cache to disk atomically (temp file + rename), retaining
// only the most recently processed max entries.
func (c *StateCache) Save() error {
	c.mu.Lock()
	entries := make([]domain.Snapshot, 0, len(c.snaps))
	for _, snap := range c.snaps {
		entries = append(entries, snap)
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if entries[i].ProcessedAt != nil {
			ti = *entries[i].ProcessedAt
		}
		if entries[j].ProcessedAt != nil {
			tj = *entries[j].ProcessedAt
		}
		return ti.After(tj)
	})
	if len(entries) > c.max {
		entries = entries[:c.max]
	}

	out := make(map[string]domain.Snapshot, len(entries))
	for _, snap := range entries {
		out[snap.Hash] = snap
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: create state dir: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write state temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("snapshot: replace state file: %w", err)
	}

	// Drop evicted entries from memory too.
	c.mu.Lock()
	c.snaps = out
	c.mu.Unlock()

	return nil
}

// Len returns the number of cached entries.
func (c *StateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}
