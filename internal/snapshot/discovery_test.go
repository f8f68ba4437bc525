package snapshot

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

func TestFindLatestUnprocessedSkipsDecodedSnapshots(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "20250829", "100.rmp",
		payload(t, map[string]any{whale: btcPosition("2.0", "50000")}, nil))
	newest := writeSnapshot(t, dir, "20250829", "200.rmp",
		payload(t, map[string]any{trader: btcPosition("1.0", "40000")}, nil))

	d := newTestDecoder(t, dir)
	hash, err := fileHash(newest)
	require.NoError(t, err)
	d.state.Put(domain.Snapshot{Hash: hash, Status: domain.SnapshotSuccess})

	// The newest file is already decoded; the older one still is not.
	snap, err := d.FindLatestUnprocessed()
	require.NoError(t, err)
	require.NotNil(t, snap, "an older unprocessed snapshot must still be found")
	assert.Equal(t, int64(100), snap.Height)
}

func TestFindLatestUnprocessedAllDecoded(t *testing.T) {
	dir := t.TempDir()
	path := writeSnapshot(t, dir, "20250829", "100.rmp",
		payload(t, map[string]any{whale: btcPosition("2.0", "50000")}, nil))

	d := newTestDecoder(t, dir)
	hash, err := fileHash(path)
	require.NoError(t, err)
	d.state.Put(domain.Snapshot{Hash: hash, Status: domain.SnapshotSuccess})

	snap, err := d.FindLatestUnprocessed()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestProcessLatestDecodesTextExports(t *testing.T) {
	dir := t.TempDir()
	body := fmt.Sprintf(`{
		"universe": [{"name": "BTC"}, {"name": "ETH"}],
		"user_to_state": {
			"%s": {"asset_positions": [{"position": {"coin": "BTC", "szi": "1", "positionValue": "500"}}]}
		}
	}`, whale)
	writeSnapshot(t, dir, "20250829", "300.json", []byte(body))

	d := newTestDecoder(t, dir)
	sets, snap, err := d.ProcessLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(300), snap.Height)
	assert.Equal(t, domain.SnapshotSuccess, snap.Status)
	assert.Contains(t, sets["BTC"], whale)
}
