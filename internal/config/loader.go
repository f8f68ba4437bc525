package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HYPERWATCH_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HYPERWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Markets ──
	setStringSlice(&cfg.Markets.Targets, "HYPERWATCH_TARGET_MARKETS")
	setFloat64(&cfg.Markets.MinPositionUSD, "HYPERWATCH_MIN_POSITION_USD")

	// ── Snapshot ──
	setStr(&cfg.Snapshot.BasePath, "HYPERWATCH_SNAPSHOT_BASE_PATH")
	setStr(&cfg.Snapshot.DataDir, "HYPERWATCH_DATA_DIR")
	setInt64(&cfg.Snapshot.MinFileSize, "HYPERWATCH_SNAPSHOT_MIN_FILE_SIZE")
	setDuration(&cfg.Snapshot.CheckInterval, "HYPERWATCH_SNAPSHOT_CHECK_INTERVAL")
	setDuration(&cfg.Snapshot.Cooldown, "HYPERWATCH_SNAPSHOT_COOLDOWN")
	setInt(&cfg.Snapshot.StateCacheSize, "HYPERWATCH_SNAPSHOT_STATE_CACHE_SIZE")

	// ── Ledger ──
	setStr(&cfg.Ledger.Mode, "HYPERWATCH_LEDGER_MODE")
	setStr(&cfg.Ledger.File, "HYPERWATCH_LEDGER_FILE")

	// ── Reconciler ──
	setDuration(&cfg.Reconciler.RefreshInterval, "HYPERWATCH_RECONCILER_REFRESH_INTERVAL")
	setInt(&cfg.Reconciler.BatchSize, "HYPERWATCH_RECONCILER_BATCH_SIZE")
	setDuration(&cfg.Reconciler.BatchTimeout, "HYPERWATCH_RECONCILER_BATCH_TIMEOUT")
	setDuration(&cfg.Reconciler.BatchDelay, "HYPERWATCH_RECONCILER_BATCH_DELAY")
	setDuration(&cfg.Reconciler.BatchErrorDelay, "HYPERWATCH_RECONCILER_BATCH_ERROR_DELAY")
	setInt(&cfg.Reconciler.Concurrency, "HYPERWATCH_RECONCILER_CONCURRENCY")
	setDuration(&cfg.Reconciler.RemovalCheckInterval, "HYPERWATCH_RECONCILER_REMOVAL_CHECK_INTERVAL")
	setDuration(&cfg.Reconciler.CleanupInterval, "HYPERWATCH_RECONCILER_CLEANUP_INTERVAL")

	// ── API ──
	setStr(&cfg.API.PrimaryURL, "HYPERWATCH_API_PRIMARY_URL")
	setStr(&cfg.API.FallbackURL, "HYPERWATCH_API_FALLBACK_URL")
	setDuration(&cfg.API.Timeout, "HYPERWATCH_API_TIMEOUT")
	setInt(&cfg.API.MaxRetries, "HYPERWATCH_API_MAX_RETRIES")
	setDuration(&cfg.API.RetryDelay, "HYPERWATCH_API_RETRY_DELAY")
	setDuration(&cfg.API.MinRequestGap, "HYPERWATCH_API_MIN_REQUEST_GAP")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias, lowest precedence
	setStr(&cfg.Postgres.DSN, "HYPERWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HYPERWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HYPERWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HYPERWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HYPERWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HYPERWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HYPERWATCH_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HYPERWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HYPERWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HYPERWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "HYPERWATCH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "HYPERWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HYPERWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HYPERWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HYPERWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HYPERWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HYPERWATCH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "HYPERWATCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "HYPERWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HYPERWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "HYPERWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HYPERWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HYPERWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "HYPERWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "HYPERWATCH_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	setStr(&cfg.Mode, "HYPERWATCH_MODE")
	setStr(&cfg.LogLevel, "HYPERWATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.ToUpper(strings.TrimSpace(p))
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
