// Package snapshot discovers, decodes, and tracks binary chain-state dumps,
// reducing each one to the set of addresses holding a qualifying position in
// the tracked markets.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/alanyoungcy/hyperwatch/internal/config"
	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// Decoder turns on-disk snapshot files into per-market address sets. Asset
// indices and mark prices are derived from each snapshot's own universe, never
// carried over between snapshots.
type Decoder struct {
	baseDir     string
	minFileSize int64
	markets     []string
	minValueUSD float64
	state       *StateCache
	logger      *slog.Logger
}

func NewDecoder(cfg config.SnapshotConfig, markets config.MarketsConfig, state *StateCache, logger *slog.Logger) *Decoder {
	return &Decoder{
		baseDir:     cfg.BasePath,
		minFileSize: cfg.MinFileSize,
		markets:     markets.Targets,
		minValueUSD: markets.MinPositionUSD,
		state:       state,
		logger:      logger,
	}
}

// ProcessLatest finds the newest unprocessed snapshot and decodes it. It
// returns (nil, nil, nil) when there is nothing new. Decode failures are
// recorded in the state cache and reported through the error; the returned
// sets are then empty, never partial.
func (d *Decoder) ProcessLatest(ctx context.Context) (domain.AddressSets, *domain.Snapshot, error) {
	snap, err := d.FindLatestUnprocessed()
	if err != nil {
		return nil, nil, err
	}
	if snap == nil {
		return nil, nil, nil
	}

	d.logger.Info("decoding snapshot",
		slog.String("path", snap.Path),
		slog.Int64("height", snap.Height),
		slog.String("hash", snap.Hash),
		slog.Int64("size", snap.Size),
	)
	*snap = d.state.MarkStatus(*snap, domain.SnapshotProcessing)

	sets, err := d.decodeFile(ctx, snap.Path)
	if err != nil {
		*snap = d.state.MarkStatus(*snap, domain.SnapshotFailed)
		if saveErr := d.state.Save(); saveErr != nil {
			d.logger.Warn("could not persist snapshot state", slog.String("error", saveErr.Error()))
		}
		return domain.NewAddressSets(d.markets), snap, err
	}

	*snap = d.state.MarkStatus(*snap, domain.SnapshotSuccess)
	if err := d.state.Save(); err != nil {
		d.logger.Warn("could not persist snapshot state", slog.String("error", err.Error()))
	}
	return sets, snap, nil
}

// decodeFile picks the codec by extension: .json files are streamed text
// exports, everything else is binary msgpack.
func (d *Decoder) decodeFile(ctx context.Context, path string) (domain.AddressSets, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return d.DecodeTextExport(ctx, path)
	}
	return d.Decode(ctx, path)
}

// Decode reads and decodes a single snapshot file. Malformed per-user entries
// are skipped; only file-level problems (unreadable file, undecodable
// payload, missing universe) surface as errors.
func (d *Decoder) Decode(ctx context.Context, path string) (domain.AddressSets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrDecodeFailed, path, err)
	}

	var root any
	if err := msgpack.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", domain.ErrDecodeFailed, path, err)
	}
	data = nil

	return d.extract(ctx, asMap(root))
}

func (d *Decoder) extract(ctx context.Context, root map[string]any) (domain.AddressSets, error) {
	sets := domain.NewAddressSets(d.markets)

	marketToIndex, marketToPrice := d.deriveAssetIndices(root)
	if len(marketToIndex) == 0 {
		return nil, fmt.Errorf("%w: no target markets in universe", domain.ErrNoUniverse)
	}
	indexToMarket := make(map[int]string, len(marketToIndex))
	for market, idx := range marketToIndex {
		indexToMarket[idx] = market
	}

	positions := 0
	for _, dexAny := range asSlice(asMap(root["exchange"])["perp_dexs"]) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch := asMap(asMap(dexAny)["clearinghouse"])
		if ch == nil {
			continue
		}

		variant, entries := userEntries(ch)
		if variant == schemaNone {
			continue
		}
		d.logger.Info("decoding user entries",
			slog.String("schema", variant.String()),
			slog.Int("users", len(entries)),
		)

		for _, entry := range entries {
			if !domain.TrackableAddress(entry.address) {
				continue
			}
			positions += d.processUser(domain.NormalizeAddress(entry.address), entry.state,
				marketToIndex, indexToMarket, marketToPrice, sets)
		}
	}

	// Every address in a set is backed by at least one qualifying position,
	// so per-market address counts can never exceed the position count.
	if total := sets.Total(); total > positions {
		d.logger.Error("address count exceeds extracted positions",
			slog.Int("addresses", total),
			slog.Int("positions", positions),
		)
	}

	d.logger.Info("snapshot extraction complete",
		slog.Int("positions", positions),
		slog.Int("addresses", sets.Total()),
		slog.Int("unique_addresses", sets.Unique()),
		slog.Int("markets", len(sets)),
	)
	return sets, nil
}

// deriveAssetIndices maps target markets to their universe index and mark
// price in this snapshot. Indices shift between snapshots as markets list and
// delist, so they are always re-derived.
func (d *Decoder) deriveAssetIndices(root map[string]any) (map[string]int, map[string]float64) {
	marketToIndex := make(map[string]int)
	marketToPrice := make(map[string]float64)

	targets := make(map[string]struct{}, len(d.markets))
	for _, m := range d.markets {
		targets[m] = struct{}{}
	}

	for _, dexAny := range asSlice(asMap(root["exchange"])["perp_dexs"]) {
		meta := asMap(asMap(asMap(dexAny)["clearinghouse"])["meta"])
		universe := asSlice(meta["universe"])
		if universe == nil {
			continue
		}
		d.logger.Info("found universe", slog.Int("assets", len(universe)))

		for i, assetAny := range universe {
			name := strings.ToUpper(asString(asMap(assetAny)["name"]))
			if _, ok := targets[name]; ok {
				marketToIndex[name] = i
			}
		}

		ctxs := asSlice(meta["asset_ctxs"])
		if len(ctxs) == len(universe) {
			for market, idx := range marketToIndex {
				price := asFloat(asMap(ctxs[idx])["mark_px"])
				if price <= 0 {
					d.logger.Warn("invalid mark price", slog.String("market", market))
					price = 1.0
				}
				marketToPrice[market] = price
			}
		}

		// First dex with a universe wins.
		break
	}

	return marketToIndex, marketToPrice
}

// processUser scans one user's state for qualifying positions and adds the
// address to the matching market sets. Returns the number of qualifying
// positions found. Malformed entries are skipped, never fatal.
func (d *Decoder) processUser(
	address string,
	state map[string]any,
	marketToIndex map[string]int,
	indexToMarket map[int]string,
	marketToPrice map[string]float64,
	sets domain.AddressSets,
) int {
	found := 0

	if assetPositions := asSlice(state["asset_positions"]); assetPositions != nil {
		for _, apAny := range assetPositions {
			pos := asMap(asMap(apAny)["position"])
			if pos == nil {
				continue
			}
			coin := strings.ToUpper(asString(pos["coin"]))
			if _, ok := marketToIndex[coin]; !ok {
				continue
			}
			size := asFloat(pos["szi"])
			if size == 0 {
				continue
			}
			if positionValueUSD(pos, size, priceOr(marketToPrice, coin)) >= d.minValueUSD {
				sets.Add(coin, address)
				found++
			}
		}
		return found
	}

	// Legacy layout: state.p.p is a list of [assetIndex, position] pairs.
	positionsList := asSlice(asMap(state["p"])["p"])
	for _, itemAny := range positionsList {
		item := asSlice(itemAny)
		if len(item) < 2 {
			continue
		}
		idx, ok := asInt(item[0])
		if !ok {
			continue
		}
		market, ok := indexToMarket[idx]
		if !ok {
			continue
		}
		pos := asMap(item[1])
		if pos == nil {
			continue
		}
		size := asFloat(pos["s"])
		if size == 0 {
			size = asFloat(pos["sz"])
		}
		if size == 0 {
			continue
		}
		if positionValueUSD(pos, size, priceOr(marketToPrice, market)) >= d.minValueUSD {
			sets.Add(market, address)
			found++
		}
	}
	return found
}

func priceOr(prices map[string]float64, market string) float64 {
	if p, ok := prices[market]; ok {
		return p
	}
	return 1.0
}

// positionValueUSD resolves a position's USD value from whichever fields the
// snapshot provides, preferring an explicit value over reconstruction from
// price and size. The same priority chain is used for live API records so the
// qualification threshold behaves identically on both paths.
func positionValueUSD(pos map[string]any, size, markPrice float64) float64 {
	if v := firstFloat(pos, "positionValue", "position_value", "v"); v != 0 {
		return v
	}
	if e := firstFloat(pos, "entryPx", "entry_px", "e", "ep"); e > 0 {
		return math.Abs(size * e)
	}
	if markPrice > 0 {
		return math.Abs(size * markPrice)
	}
	return math.Abs(size)
}

func firstFloat(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f := asFloat(v); f != 0 {
				return f
			}
		}
	}
	return 0
}
