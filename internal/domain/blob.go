package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver ships pipeline artifacts (ledger copies, decode summaries,
// position history) to cold storage.
type Archiver interface {
	// ArchiveLedger uploads a copy of the ledger file keyed by snapshot hash.
	ArchiveLedger(ctx context.Context, snapshotHash string) error

	// ArchiveDecodeSummary uploads the decoded address sets of one snapshot
	// as JSONL.
	ArchiveDecodeSummary(ctx context.Context, snap Snapshot, sets AddressSets) error

	// ArchivePositions uploads all stored rows for cold retention, partitioned
	// by month.
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
}
