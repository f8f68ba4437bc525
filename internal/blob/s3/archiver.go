package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// PositionArchiveStore is the narrow read surface the archiver needs from the
// live position store.
type PositionArchiveStore interface {
	ListByMarket(ctx context.Context, market string) ([]domain.PositionRecord, error)
}

// archiveWriter is satisfied by *Writer. Monthly position files can grow past
// a single PUT, so the archiver also needs the multipart path.
type archiveWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// ArchiveImpl implements domain.Archiver by uploading pipeline artifacts to
// S3-compatible storage: ledger copies keyed by snapshot hash, per-snapshot
// decode summaries, and monthly position history.
//
// Nothing is deleted from the primary store here; retention in Postgres is the
// cleanup loop's job.
type ArchiveImpl struct {
	writer     archiveWriter
	store      PositionArchiveStore
	markets    []string
	ledgerFile string
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer archiveWriter, store PositionArchiveStore, markets []string, ledgerFile string) *ArchiveImpl {
	return &ArchiveImpl{
		writer:     writer,
		store:      store,
		markets:    markets,
		ledgerFile: ledgerFile,
	}
}

// ArchiveLedger uploads the current ledger file to
// archive/ledger/{snapshotHash}.txt, preserving the address set that each
// snapshot produced.
func (a *ArchiveImpl) ArchiveLedger(ctx context.Context, snapshotHash string) error {
	data, err := os.ReadFile(a.ledgerFile)
	if err != nil {
		return fmt.Errorf("s3blob: read ledger file: %w", err)
	}

	path := fmt.Sprintf("archive/ledger/%s.txt", snapshotHash)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "text/plain"); err != nil {
		return fmt.Errorf("s3blob: archive ledger upload: %w", err)
	}
	return nil
}

// decodeSummaryLine is one JSONL row of a decode summary.
type decodeSummaryLine struct {
	Market  string `json:"market"`
	Address string `json:"address"`
	Height  int64  `json:"height"`
	Hash    string `json:"hash"`
}

// ArchiveDecodeSummary uploads the qualifying address sets of one decoded
// snapshot as JSONL at archive/snapshots/{date}/{height}_{hash}.jsonl.
func (a *ArchiveImpl) ArchiveDecodeSummary(ctx context.Context, snap domain.Snapshot, sets domain.AddressSets) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for market, addrs := range sets {
		for addr := range addrs {
			line := decodeSummaryLine{
				Market:  market,
				Address: addr,
				Height:  snap.Height,
				Hash:    snap.Hash,
			}
			if err := enc.Encode(line); err != nil {
				return fmt.Errorf("s3blob: archive decode summary marshal: %w", err)
			}
		}
	}

	path := fmt.Sprintf("archive/snapshots/%s/%d_%s.jsonl", snap.Date, snap.Height, snap.Hash)
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive decode summary upload: %w", err)
	}
	return nil
}

// ArchivePositions uploads all stored rows last updated before the cutoff to
// archive/positions/YYYY-MM.jsonl and returns the number archived.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	var records []domain.PositionRecord
	for _, market := range a.markets {
		rows, err := a.store.ListByMarket(ctx, market)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive positions query %s: %w", market, err)
		}
		for _, r := range rows {
			if r.LastUpdated.Before(before) {
				records = append(records, r)
			}
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := fmt.Sprintf("archive/positions/%s.jsonl", before.Format("2006-01"))
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	return int64(len(records)), nil
}

// marshalJSONL serializes a slice of records as newline-delimited JSON.
func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface checks.
var (
	_ domain.Archiver = (*ArchiveImpl)(nil)
	_ archiveWriter   = (*Writer)(nil)
)
