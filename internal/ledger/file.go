package ledger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// load reads the persisted ledger file. Lines are "MARKET:0xaddress"; bare
// addresses from older files are assigned to every tracked market. Blank
// lines, comments, and malformed entries are skipped.
func (l *Ledger) load() error {
	f, err := os.Open(l.file)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("no ledger file yet", slog.String("path", l.file))
			return nil
		}
		return fmt.Errorf("ledger: open %s: %w", l.file, err)
	}
	defer f.Close()

	loaded := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		market, addr, hasMarket := strings.Cut(line, ":")
		if hasMarket {
			market = strings.ToUpper(strings.TrimSpace(market))
			addr = domain.NormalizeAddress(addr)
			if !domain.TrackableAddress(addr) {
				l.logger.Warn("skipping invalid ledger entry", slog.String("line", line))
				continue
			}
			if set, tracked := l.byMarket[market]; tracked {
				set[addr] = struct{}{}
				loaded++
			}
			continue
		}

		addr = domain.NormalizeAddress(line)
		if !domain.TrackableAddress(addr) {
			l.logger.Warn("skipping invalid ledger entry", slog.String("line", line))
			continue
		}
		for _, market := range l.markets {
			l.byMarket[market][addr] = struct{}{}
		}
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ledger: read %s: %w", l.file, err)
	}

	l.logger.Info("loaded ledger",
		slog.String("path", l.file),
		slog.Int("entries", loaded),
		slog.Int("unique", l.uniqueCountLocked()),
	)
	return nil
}

// saveLocked writes the ledger file atomically. Callers hold l.mu.
func (l *Ledger) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.file), 0o755); err != nil {
		return fmt.Errorf("ledger: create dir: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# Active addresses for position monitoring\n")
	sb.WriteString("# Generated: " + time.Now().UTC().Format(time.RFC3339) + "\n")
	sb.WriteString("# Format: market:address\n\n")

	markets := make([]string, 0, len(l.byMarket))
	for market := range l.byMarket {
		markets = append(markets, market)
	}
	sort.Strings(markets)
	for _, market := range markets {
		addrs := sortedKeys(l.byMarket[market])
		if len(addrs) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "# %s (%d addresses)\n", market, len(addrs))
		for _, addr := range addrs {
			sb.WriteString(market)
			sb.WriteByte(':')
			sb.WriteString(addr)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	tmp := l.file + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("ledger: write temp file: %w", err)
	}
	if err := os.Rename(tmp, l.file); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ledger: replace %s: %w", l.file, err)
	}
	return nil
}
