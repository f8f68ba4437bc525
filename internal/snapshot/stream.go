package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// DecodeTextExport decodes a JSON text export of a snapshot without loading
// the whole file. The universe and asset contexts are located by scanning for
// their markers, then user states are processed one object at a time. Only the
// user_to_state layout is produced as text exports.
func (d *Decoder) DecodeTextExport(ctx context.Context, path string) (domain.AddressSets, error) {
	sets := domain.NewAddressSets(d.markets)

	marketToIndex, marketToPrice, err := d.scanTextMetadata(path)
	if err != nil {
		return nil, err
	}
	if len(marketToIndex) == 0 {
		return nil, fmt.Errorf("%w: no target markets in universe", domain.ErrNoUniverse)
	}
	indexToMarket := make(map[int]string, len(marketToIndex))
	for market, idx := range marketToIndex {
		indexToMarket[idx] = market
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrDecodeFailed, path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	if err := seekMarker(r, `"user_to_state":`); err != nil {
		return nil, fmt.Errorf("%w: no user_to_state section in %s", domain.ErrDecodeFailed, path)
	}
	if err := expectByte(r, '{'); err != nil {
		return nil, fmt.Errorf("%w: malformed user_to_state in %s", domain.ErrDecodeFailed, path)
	}

	positions, users := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b, err := nextNonSpace(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated user_to_state in %s", domain.ErrDecodeFailed, path)
		}
		if b == '}' {
			break
		}
		if b == ',' {
			continue
		}
		if b != '"' {
			return nil, fmt.Errorf("%w: unexpected byte %q in user_to_state", domain.ErrDecodeFailed, b)
		}

		address, err := readJSONString(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bad user key: %v", domain.ErrDecodeFailed, err)
		}
		if err := expectByte(r, ':'); err != nil {
			return nil, fmt.Errorf("%w: malformed user entry for %s", domain.ErrDecodeFailed, address)
		}
		raw, err := readBalanced(r, '{', '}')
		if err != nil {
			return nil, fmt.Errorf("%w: truncated state for %s: %v", domain.ErrDecodeFailed, address, err)
		}

		if !domain.TrackableAddress(address) {
			continue
		}
		var state map[string]any
		if err := json.Unmarshal(raw, &state); err != nil {
			d.logger.Debug("skipping undecodable user state", slog.String("address", address))
			continue
		}
		positions += d.processUser(domain.NormalizeAddress(address), state,
			marketToIndex, indexToMarket, marketToPrice, sets)
		users++
		if users%10000 == 0 {
			d.logger.Info("streaming users", slog.Int("users", users), slog.Int("positions", positions))
		}
	}

	d.logger.Info("text export extraction complete",
		slog.Int("users", users),
		slog.Int("positions", positions),
		slog.Int("addresses", sets.Total()),
	)
	return sets, nil
}

// scanTextMetadata pulls the universe and asset context arrays out of a text
// export by marker scan, one pass each.
func (d *Decoder) scanTextMetadata(path string) (map[string]int, map[string]float64, error) {
	marketToIndex := make(map[string]int)
	marketToPrice := make(map[string]float64)

	targets := make(map[string]struct{}, len(d.markets))
	for _, m := range d.markets {
		targets[m] = struct{}{}
	}

	universeRaw, err := extractSection(path, `"universe":`, '[', ']')
	if err != nil {
		return nil, nil, fmt.Errorf("%w: universe section: %v", domain.ErrNoUniverse, err)
	}
	var universe []map[string]any
	if err := json.Unmarshal(universeRaw, &universe); err != nil {
		return nil, nil, fmt.Errorf("%w: decode universe: %v", domain.ErrNoUniverse, err)
	}
	for i, asset := range universe {
		name := strings.ToUpper(asString(asset["name"]))
		if _, ok := targets[name]; ok {
			marketToIndex[name] = i
		}
	}
	d.logger.Info("found universe", slog.Int("assets", len(universe)), slog.Int("targets", len(marketToIndex)))

	ctxsRaw, err := extractSection(path, `"asset_ctxs":`, '[', ']')
	if err == nil {
		var ctxs []map[string]any
		if err := json.Unmarshal(ctxsRaw, &ctxs); err == nil && len(ctxs) == len(universe) {
			for market, idx := range marketToIndex {
				if price := asFloat(ctxs[idx]["mark_px"]); price > 0 {
					marketToPrice[market] = price
				}
			}
		}
	}

	return marketToIndex, marketToPrice, nil
}

// extractSection opens path, scans for marker, and returns the balanced
// open..close block that follows it.
func extractSection(path, marker string, open, close byte) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	if err := seekMarker(r, marker); err != nil {
		return nil, err
	}
	return readBalanced(r, open, close)
}

// seekMarker consumes the reader until marker has been read.
func seekMarker(r *bufio.Reader, marker string) error {
	matched := 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("marker %s not found", marker)
			}
			return err
		}
		if b == marker[matched] {
			matched++
			if matched == len(marker) {
				return nil
			}
		} else if b == marker[0] {
			matched = 1
		} else {
			matched = 0
		}
	}
}

func nextNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b, nil
		}
	}
}

func expectByte(r *bufio.Reader, want byte) error {
	b, err := nextNonSpace(r)
	if err != nil {
		return err
	}
	if b != want {
		return fmt.Errorf("expected %q, got %q", want, b)
	}
	return nil
}

// readJSONString reads the remainder of a JSON string whose opening quote has
// already been consumed.
func readJSONString(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	escaped := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if escaped {
			sb.WriteByte(b)
			escaped = false
			continue
		}
		switch b {
		case '\\':
			escaped = true
			sb.WriteByte(b)
		case '"':
			return sb.String(), nil
		default:
			sb.WriteByte(b)
		}
	}
}

// readBalanced reads one balanced open..close block, respecting JSON strings
// so delimiters inside quoted values do not affect the depth count.
func readBalanced(r *bufio.Reader, open, close byte) ([]byte, error) {
	if err := expectByte(r, open); err != nil {
		return nil, err
	}

	buf := []byte{open}
	depth := 1
	inString := false
	escaped := false
	for depth > 0 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("unterminated %q block: %w", open, err)
		}
		buf = append(buf, b)

		if inString {
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
		}
	}
	return buf, nil
}
