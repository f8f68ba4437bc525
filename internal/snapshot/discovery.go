package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// hashLen is the number of hex characters of the SHA-256 digest used to
// identify a snapshot file by content.
const hashLen = 16

// datedDir reports whether a directory name looks like a snapshot date
// partition (digits, with optional dash separators).
func datedDir(name string) bool {
	cleaned := strings.ReplaceAll(name, "-", "")
	if cleaned == "" {
		return false
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// fileHash returns the truncated hex SHA-256 digest of the file's contents.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("snapshot: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:hashLen], nil
}

// FindLatestUnprocessed scans baseDir for dated subdirectories, newest first,
// and returns the newest snapshot (binary .rmp or .json text export) that
// passes the size floor, skipping any already decoded successfully. Returns
// nil when nothing new exists.
func (d *Decoder) FindLatestUnprocessed() (*domain.Snapshot, error) {
	entries, err := os.ReadDir(d.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read base dir %s: %w", d.baseDir, err)
	}

	var dates []string
	for _, e := range entries {
		if e.IsDir() && datedDir(e.Name()) {
			dates = append(dates, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	for _, date := range dates {
		dir := filepath.Join(d.baseDir, date)
		files, err := os.ReadDir(dir)
		if err != nil {
			d.logger.Warn("could not read snapshot dir",
				slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}

		var names []string
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			switch filepath.Ext(f.Name()) {
			case ".rmp", ".json":
				names = append(names, f.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))

		for _, name := range names {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.Size() < d.minFileSize {
				d.logger.Debug("skipping undersized snapshot",
					slog.String("path", path), slog.Int64("size", info.Size()))
				continue
			}

			height, err := strconv.ParseInt(strings.TrimSuffix(name, filepath.Ext(name)), 10, 64)
			if err != nil {
				d.logger.Warn("snapshot file name is not a block height", slog.String("path", path))
				continue
			}

			hash, err := fileHash(path)
			if err != nil {
				d.logger.Warn("could not hash snapshot", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			if d.state.Processed(hash) {
				d.logger.Debug("skipping processed snapshot",
					slog.String("path", path), slog.String("hash", hash))
				continue
			}

			return &domain.Snapshot{
				Path:   path,
				Height: height,
				Date:   date,
				Size:   info.Size(),
				Hash:   hash,
				Status: domain.SnapshotPending,
			}, nil
		}
	}

	return nil, nil
}
