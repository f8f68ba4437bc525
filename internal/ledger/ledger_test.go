package ledger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

const (
	addr1 = "0x1111111111111111111111111111111111111111"
	addr2 = "0x2222222222222222222222222222222222222222"
	addr3 = "0x3333333333333333333333333333333333333333"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "active_addresses.txt"), []string{"BTC", "ETH"}, testLogger())
	require.NoError(t, err)
	return l
}

func sets(market string, addrs ...string) domain.AddressSets {
	s := domain.NewAddressSets([]string{"BTC", "ETH"})
	for _, a := range addrs {
		s.Add(market, a)
	}
	return s
}

func TestUpdateFromSnapshotAddsImmediately(t *testing.T) {
	l := newTestLedger(t)

	added, candidates, err := l.UpdateFromSnapshot(sets("BTC", addr1, addr2))
	require.NoError(t, err)

	assert.Len(t, added["BTC"], 2)
	assert.Equal(t, 0, candidates.Total())
	assert.ElementsMatch(t, []string{addr1, addr2}, l.Addresses("BTC"))
}

func TestDisappearanceFlagsCandidateWithoutRemoving(t *testing.T) {
	l := newTestLedger(t)

	_, _, err := l.UpdateFromSnapshot(sets("BTC", addr1, addr2))
	require.NoError(t, err)

	// addr2 vanishes from the next snapshot.
	_, candidates, err := l.UpdateFromSnapshot(sets("BTC", addr1))
	require.NoError(t, err)

	assert.Contains(t, candidates["BTC"], addr2)
	// Still monitored until a live check confirms closure.
	assert.ElementsMatch(t, []string{addr1, addr2}, l.Addresses("BTC"))
	assert.Contains(t, l.RemovalCandidates()["BTC"], addr2)
}

func TestConfirmRemovalsRequiresBothChecks(t *testing.T) {
	l := newTestLedger(t)
	_, _, err := l.UpdateFromSnapshot(sets("BTC", addr1, addr2))
	require.NoError(t, err)
	_, _, err = l.UpdateFromSnapshot(sets("BTC", addr1))
	require.NoError(t, err)

	// addr1 is closed live but was never a candidate: it must stay.
	removed, err := l.ConfirmRemovals(sets("BTC", addr1))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Contains(t, l.Addresses("BTC"), addr1)

	// addr2 is a candidate and confirmed closed: it goes.
	removed, err = l.ConfirmRemovals(sets("BTC", addr2))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, l.Addresses("BTC"), addr2)
	assert.Empty(t, l.RemovalCandidates()["BTC"])
}

func TestReappearanceClearsCandidate(t *testing.T) {
	l := newTestLedger(t)
	_, _, err := l.UpdateFromSnapshot(sets("BTC", addr1))
	require.NoError(t, err)
	_, _, err = l.UpdateFromSnapshot(sets("BTC"))
	require.NoError(t, err)
	require.Contains(t, l.RemovalCandidates()["BTC"], addr1)

	// The position is back in the next snapshot.
	_, _, err = l.UpdateFromSnapshot(sets("BTC", addr1))
	require.NoError(t, err)
	assert.Empty(t, l.RemovalCandidates()["BTC"])

	// A later confirmed closure no longer removes it.
	removed, err := l.ConfirmRemovals(sets("BTC", addr1))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Contains(t, l.Addresses("BTC"), addr1)
}

func TestMarketsAreIndependent(t *testing.T) {
	l := newTestLedger(t)
	s := domain.NewAddressSets([]string{"BTC", "ETH"})
	s.Add("BTC", addr1)
	s.Add("ETH", addr1)
	_, _, err := l.UpdateFromSnapshot(s)
	require.NoError(t, err)

	// addr1 closes its BTC position only.
	next := domain.NewAddressSets([]string{"BTC", "ETH"})
	next.Add("ETH", addr1)
	_, candidates, err := l.UpdateFromSnapshot(next)
	require.NoError(t, err)
	assert.Contains(t, candidates["BTC"], addr1)
	assert.Empty(t, candidates["ETH"])

	removed, err := l.ConfirmRemovals(sets("BTC", addr1))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, l.Addresses("BTC"), addr1)
	assert.Contains(t, l.Addresses("ETH"), addr1)
	assert.Equal(t, 1, l.UniqueCount())
}

func TestReplaceClearsCandidates(t *testing.T) {
	l := newTestLedger(t)
	_, _, err := l.UpdateFromSnapshot(sets("BTC", addr1, addr2))
	require.NoError(t, err)
	_, _, err = l.UpdateFromSnapshot(sets("BTC", addr1))
	require.NoError(t, err)
	require.NotEmpty(t, l.RemovalCandidates()["BTC"])

	stats, err := l.Replace(sets("BTC", addr3))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 2, stats.Removed)
	assert.Equal(t, 1, stats.Total)
	assert.ElementsMatch(t, []string{addr3}, l.Addresses("BTC"))
	assert.Empty(t, l.RemovalCandidates()["BTC"])
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "active_addresses.txt")

	l, err := New(file, []string{"BTC", "ETH"}, testLogger())
	require.NoError(t, err)
	_, _, err = l.UpdateFromSnapshot(sets("BTC", addr1, addr2))
	require.NoError(t, err)

	reloaded, err := New(file, []string{"BTC", "ETH"}, testLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{addr1, addr2}, reloaded.Addresses("BTC"))
	assert.Empty(t, reloaded.Addresses("ETH"))
}

func TestLoadTolerant(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "active_addresses.txt")
	content := "# comment\n\n" +
		"BTC:" + addr1 + "\n" +
		"btc junk line\n" +
		"BTC:0xnothex\n" +
		"DOGE:" + addr2 + "\n" + // untracked market
		addr3 + "\n" // legacy bare address, assigned everywhere
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	l, err := New(file, []string{"BTC", "ETH"}, testLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{addr1, addr3}, l.Addresses("BTC"))
	assert.ElementsMatch(t, []string{addr3}, l.Addresses("ETH"))
}

func TestSyncWithStoreAdoptsStoreOnly(t *testing.T) {
	l := newTestLedger(t)
	_, _, err := l.UpdateFromSnapshot(sets("BTC", addr1))
	require.NoError(t, err)

	require.NoError(t, l.SyncWithStore(sets("BTC", addr2)))
	assert.ElementsMatch(t, []string{addr1, addr2}, l.Addresses("BTC"))
}

func TestAddBatchFiltersUntrackable(t *testing.T) {
	l := newTestLedger(t)
	added, err := l.AddBatch("BTC", []string{
		addr1,
		"0x0000000000000000000000000000000000000000",
		"garbage",
		addr1, // duplicate
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.ElementsMatch(t, []string{addr1}, l.Addresses("BTC"))
}

func TestStats(t *testing.T) {
	l := newTestLedger(t)
	s := domain.NewAddressSets([]string{"BTC", "ETH"})
	s.Add("BTC", addr1)
	s.Add("BTC", addr2)
	s.Add("ETH", addr1)
	_, _, err := l.UpdateFromSnapshot(s)
	require.NoError(t, err)
	_, _, err = l.UpdateFromSnapshot(sets("ETH", addr1))
	require.NoError(t, err)

	stats := l.Stats()
	assert.Equal(t, 2, stats.TotalUnique)
	assert.Equal(t, 2, stats.Markets["BTC"].Active)
	assert.Equal(t, 2, stats.Markets["BTC"].RemovalCandidates)
	assert.Equal(t, 2, stats.RemovalCandidates)
}
