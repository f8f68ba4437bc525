package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadTOMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
mode = "poll"
log_level = "debug"

[markets]
targets = ["BTC", "SOL"]
min_position_usd = 1000

[reconciler]
refresh_interval = "30s"
batch_size = 100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "poll", cfg.Mode)
	assert.Equal(t, []string{"BTC", "SOL"}, cfg.Markets.Targets)
	assert.Equal(t, 1000.0, cfg.Markets.MinPositionUSD)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.RefreshInterval.Duration)
	assert.Equal(t, 100, cfg.Reconciler.BatchSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.API.MaxRetries)
	assert.Equal(t, "dual-check", cfg.Ledger.Mode)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HYPERWATCH_TARGET_MARKETS", "doge, pepe")
	t.Setenv("HYPERWATCH_MIN_POSITION_USD", "2500")
	t.Setenv("HYPERWATCH_API_TIMEOUT", "45s")
	t.Setenv("HYPERWATCH_REDIS_ENABLED", "true")
	t.Setenv("HYPERWATCH_POSTGRES_PORT", "6543")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, []string{"DOGE", "PEPE"}, cfg.Markets.Targets)
	assert.Equal(t, 2500.0, cfg.Markets.MinPositionUSD)
	assert.Equal(t, 45*time.Second, cfg.API.Timeout.Duration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 6543, cfg.Postgres.Port)
}

func TestEnvDSNBeatsDatabaseURLAlias(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://shared/app")
	t.Setenv("HYPERWATCH_POSTGRES_DSN", "postgres://monitor/positions")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "postgres://monitor/positions", cfg.Postgres.DSN)
}

func TestEnvOverridesIgnoreMalformed(t *testing.T) {
	t.Setenv("HYPERWATCH_RECONCILER_BATCH_SIZE", "not-a-number")
	t.Setenv("HYPERWATCH_SNAPSHOT_COOLDOWN", "soon")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, Defaults().Reconciler.BatchSize, cfg.Reconciler.BatchSize)
	assert.Equal(t, Defaults().Snapshot.Cooldown, cfg.Snapshot.Cooldown)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "dance"
	cfg.Markets.Targets = nil
	cfg.Reconciler.BatchSize = 0
	cfg.API.PrimaryURL = ""
	cfg.API.FallbackURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "at least one target market")
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "primary_url or fallback_url")
}

func TestValidateRejectsLowercaseMarket(t *testing.T) {
	cfg := Defaults()
	cfg.Markets.Targets = []string{"btc"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uppercase")
}

func TestValidateSnapshotModeSkipsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "snapshot"
	cfg.Postgres.Host = ""
	cfg.Postgres.Database = ""

	require.NoError(t, cfg.Validate())
}

func TestLedgerFileDefault(t *testing.T) {
	cfg := Defaults()
	cfg.Snapshot.DataDir = "/var/lib/hyperwatch"
	assert.Equal(t, "/var/lib/hyperwatch/active_addresses.txt", cfg.LedgerFile())

	cfg.Ledger.File = "/tmp/custom.txt"
	assert.Equal(t, "/tmp/custom.txt", cfg.LedgerFile())
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("whenever")))
}
