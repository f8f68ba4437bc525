// Package config defines the top-level configuration for the hyperwatch
// monitor and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by HYPERWATCH_* environment variables.
type Config struct {
	Markets    MarketsConfig    `toml:"markets"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	API        APIConfig        `toml:"api"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// MarketsConfig selects which markets are tracked and the position-size floor.
type MarketsConfig struct {
	// Targets are uppercase market symbols, e.g. ["BTC", "ETH", "LINK"].
	Targets []string `toml:"targets"`
	// MinPositionUSD is the minimum USD value for a position to qualify.
	MinPositionUSD float64 `toml:"min_position_usd"`
}

// SnapshotConfig holds snapshot discovery and decoding parameters.
type SnapshotConfig struct {
	// BasePath is the root of the dated snapshot directory tree.
	BasePath string `toml:"base_path"`
	// DataDir holds the state cache, ledger file, and stats file.
	DataDir string `toml:"data_dir"`
	// MinFileSize filters out truncated snapshot files, in bytes.
	MinFileSize int64 `toml:"min_file_size"`
	// CheckInterval is how often the directory tree is rescanned.
	CheckInterval Duration `toml:"check_interval"`
	// Cooldown is the minimum spacing between decode attempts.
	Cooldown Duration `toml:"cooldown"`
	// StateCacheSize bounds the persisted snapshot state cache.
	StateCacheSize int `toml:"state_cache_size"`
}

// LedgerConfig controls the address ledger's update strategy.
type LedgerConfig struct {
	// Mode is "dual-check" (incremental with two-phase removal, the default)
	// or "replace" (trust every snapshot as complete ground truth).
	Mode string `toml:"mode"`
	// File is the ledger's persistence path; defaults under snapshot.data_dir.
	File string `toml:"file"`
}

// ReconcilerConfig holds polling and convergence parameters.
type ReconcilerConfig struct {
	RefreshInterval      Duration `toml:"refresh_interval"`
	BatchSize            int      `toml:"batch_size"`
	BatchTimeout         Duration `toml:"batch_timeout"`
	BatchDelay           Duration `toml:"batch_delay"`
	BatchErrorDelay      Duration `toml:"batch_error_delay"`
	Concurrency          int      `toml:"concurrency"`
	RemovalCheckInterval Duration `toml:"removal_check_interval"`
	CleanupInterval      Duration `toml:"cleanup_interval"`
	ClosedRowMaxAge      Duration `toml:"closed_row_max_age"`
	StaleRowMaxAge       Duration `toml:"stale_row_max_age"`
}

// APIConfig holds the clearinghouse-state query endpoints and retry policy.
type APIConfig struct {
	// PrimaryURL is the operator-local node info endpoint.
	PrimaryURL string `toml:"primary_url"`
	// FallbackURL is the public API used after primary exhaustion.
	FallbackURL string   `toml:"fallback_url"`
	Timeout     Duration `toml:"timeout"`
	MaxRetries  int      `toml:"max_retries"`
	RetryDelay  Duration `toml:"retry_delay"`
	// MinRequestGap throttles outbound requests.
	MinRequestGap Duration `toml:"min_request_gap"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: when
// Enabled is false the position cache and instance lock are skipped.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archival.
// Optional: when Enabled is false no artifacts are shipped.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Markets: MarketsConfig{
			Targets:        []string{"BTC", "ETH", "LINK"},
			MinPositionUSD: 300,
		},
		Snapshot: SnapshotConfig{
			BasePath:       "./data/periodic_abci_states",
			DataDir:        "./data",
			MinFileSize:    1000,
			CheckInterval:  Duration{2 * time.Minute},
			Cooldown:       Duration{30 * time.Second},
			StateCacheSize: 100,
		},
		Ledger: LedgerConfig{
			Mode: "dual-check",
		},
		Reconciler: ReconcilerConfig{
			RefreshInterval:      Duration{10 * time.Second},
			BatchSize:            500,
			BatchTimeout:         Duration{30 * time.Second},
			BatchDelay:           Duration{500 * time.Millisecond},
			BatchErrorDelay:      Duration{2 * time.Second},
			Concurrency:          5,
			RemovalCheckInterval: Duration{5 * time.Minute},
			CleanupInterval:      Duration{time.Hour},
			ClosedRowMaxAge:      Duration{24 * time.Hour},
			StaleRowMaxAge:       Duration{168 * time.Hour},
		},
		API: APIConfig{
			PrimaryURL:    "http://127.0.0.1:3001/info",
			FallbackURL:   "https://api.hyperliquid.xyz/info",
			Timeout:       Duration{10 * time.Second},
			MaxRetries:    3,
			RetryDelay:    Duration{time.Second},
			MinRequestGap: Duration{100 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hyperwatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  5,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "hyperwatch-archive",
			ForcePathStyle: true,
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor":  true,
	"poll":     true,
	"snapshot": true,
	"seed":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLedgerModes enumerates the accepted values for LedgerConfig.Mode.
var validLedgerModes = map[string]bool{
	"dual-check": true,
	"replace":    true,
}

// LedgerFile returns the configured ledger path, defaulting under DataDir.
func (c *Config) LedgerFile() string {
	if c.Ledger.File != "" {
		return c.Ledger.File
	}
	return c.Snapshot.DataDir + "/active_addresses.txt"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, poll, snapshot, seed)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validLedgerModes[strings.ToLower(c.Ledger.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown ledger mode %q (valid: dual-check, replace)", c.Ledger.Mode))
	}

	if len(c.Markets.Targets) == 0 {
		errs = append(errs, "markets: at least one target market must be set")
	}
	for _, m := range c.Markets.Targets {
		if m != strings.ToUpper(strings.TrimSpace(m)) || m == "" {
			errs = append(errs, fmt.Sprintf("markets: symbol %q must be a non-empty uppercase symbol", m))
		}
	}
	if c.Markets.MinPositionUSD < 0 {
		errs = append(errs, "markets: min_position_usd must be non-negative")
	}

	if c.Snapshot.BasePath == "" {
		errs = append(errs, "snapshot: base_path must not be empty")
	}
	if c.Snapshot.DataDir == "" {
		errs = append(errs, "snapshot: data_dir must not be empty")
	}
	if c.Snapshot.StateCacheSize < 1 {
		errs = append(errs, "snapshot: state_cache_size must be >= 1")
	}

	if c.Reconciler.BatchSize < 1 {
		errs = append(errs, "reconciler: batch_size must be >= 1")
	}
	if c.Reconciler.Concurrency < 1 {
		errs = append(errs, "reconciler: concurrency must be >= 1")
	}
	if c.Reconciler.BatchTimeout.Duration <= 0 {
		errs = append(errs, "reconciler: batch_timeout must be positive")
	}

	if c.API.PrimaryURL == "" && c.API.FallbackURL == "" {
		errs = append(errs, "api: at least one of primary_url or fallback_url must be set")
	}
	if c.API.MaxRetries < 1 {
		errs = append(errs, "api: max_retries must be >= 1")
	}

	// Postgres is required for every mode except snapshot (ledger only).
	if strings.ToLower(c.Mode) != "snapshot" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
