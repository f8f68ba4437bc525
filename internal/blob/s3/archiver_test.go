package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

type fakeWriter struct {
	puts      map[string][]byte
	multipart map[string]bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{puts: make(map[string][]byte), multipart: make(map[string]bool)}
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.puts[path] = b
	return nil
}

func (f *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.puts[path] = b
	f.multipart[path] = true
	return nil
}

type fakeArchiveStore struct {
	rows map[string][]domain.PositionRecord
}

func (f *fakeArchiveStore) ListByMarket(_ context.Context, market string) ([]domain.PositionRecord, error) {
	return f.rows[market], nil
}

func TestArchiveLedgerUploadsFileCopy(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "addresses.txt")
	content := []byte("BTC:0xabc\nETH:0xdef\n")
	require.NoError(t, os.WriteFile(ledgerPath, content, 0o644))

	w := newFakeWriter()
	a := NewArchiver(w, &fakeArchiveStore{}, []string{"BTC"}, ledgerPath)

	require.NoError(t, a.ArchiveLedger(context.Background(), "deadbeef"))
	assert.Equal(t, content, w.puts["archive/ledger/deadbeef.txt"])
}

func TestArchiveLedgerMissingFile(t *testing.T) {
	w := newFakeWriter()
	a := NewArchiver(w, &fakeArchiveStore{}, nil, filepath.Join(t.TempDir(), "absent.txt"))

	err := a.ArchiveLedger(context.Background(), "deadbeef")
	require.Error(t, err)
	assert.Empty(t, w.puts)
}

func TestArchiveDecodeSummaryWritesJSONL(t *testing.T) {
	w := newFakeWriter()
	a := NewArchiver(w, &fakeArchiveStore{}, []string{"BTC", "ETH"}, "unused")

	snap := domain.Snapshot{Height: 123456, Date: "20250102", Hash: "cafebabe"}
	sets := domain.AddressSets{
		"BTC": {"0xaaa": {}, "0xbbb": {}},
		"ETH": {"0xccc": {}},
	}
	require.NoError(t, a.ArchiveDecodeSummary(context.Background(), snap, sets))

	data, ok := w.puts["archive/snapshots/20250102/123456_cafebabe.jsonl"]
	require.True(t, ok)

	seen := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var line decodeSummaryLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		assert.Equal(t, int64(123456), line.Height)
		assert.Equal(t, "cafebabe", line.Hash)
		seen[line.Address] = line.Market
	}
	assert.Equal(t, map[string]string{"0xaaa": "BTC", "0xbbb": "BTC", "0xccc": "ETH"}, seen)
}

func TestArchivePositionsFiltersByCutoff(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	fresh := cutoff.Add(time.Hour)

	store := &fakeArchiveStore{rows: map[string][]domain.PositionRecord{
		"BTC": {
			{Address: "0xaaa", Market: "BTC", PositionSize: 1, PositionValue: 50000, LastUpdated: old},
			{Address: "0xbbb", Market: "BTC", PositionSize: 2, PositionValue: 90000, LastUpdated: fresh},
		},
		"ETH": {
			{Address: "0xccc", Market: "ETH", PositionSize: -3, PositionValue: 7000, LastUpdated: old},
		},
	}}

	w := newFakeWriter()
	a := NewArchiver(w, store, []string{"BTC", "ETH"}, "unused")

	n, err := a.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	data, ok := w.puts["archive/positions/2025-03.jsonl"]
	require.True(t, ok)
	assert.True(t, w.multipart["archive/positions/2025-03.jsonl"])

	var addrs []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec domain.PositionRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		addrs = append(addrs, rec.Address)
	}
	assert.ElementsMatch(t, []string{"0xaaa", "0xccc"}, addrs)
}

func TestArchivePositionsNothingDue(t *testing.T) {
	w := newFakeWriter()
	a := NewArchiver(w, &fakeArchiveStore{}, []string{"BTC"}, "unused")

	n, err := a.ArchivePositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.puts)
}
