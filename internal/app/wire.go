package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	s3blob "github.com/alanyoungcy/hyperwatch/internal/blob/s3"
	"github.com/alanyoungcy/hyperwatch/internal/cache/redis"
	"github.com/alanyoungcy/hyperwatch/internal/config"
	"github.com/alanyoungcy/hyperwatch/internal/domain"
	"github.com/alanyoungcy/hyperwatch/internal/hyperliquid"
	"github.com/alanyoungcy/hyperwatch/internal/ledger"
	"github.com/alanyoungcy/hyperwatch/internal/reconciler"
	"github.com/alanyoungcy/hyperwatch/internal/snapshot"
	"github.com/alanyoungcy/hyperwatch/internal/store/postgres"
)

// Dependencies bundles every component the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function. Optional
// backends (Redis, S3) and mode-gated components are nil when absent.
type Dependencies struct {
	Store      domain.LivePositionStore
	Cache      domain.PositionCache
	Locks      domain.LockManager
	Archiver   domain.Archiver
	Client     *hyperliquid.Client
	Ledger     *ledger.Ledger
	Decoder    *snapshot.Decoder
	Reconciler *reconciler.Reconciler
}

// needsPostgres returns true for modes that persist positions.
func needsPostgres(mode string) bool {
	return mode != "snapshot"
}

// needsDecoder returns true for modes that read chain-state snapshots.
func needsDecoder(mode string) bool {
	switch mode {
	case "monitor", "snapshot", "seed":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (all modes except snapshot) ---
	if needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Store = postgres.NewLivePositionStore(pgClient.Pool())
	}

	// --- Redis (optional; position cache + instance lock) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewPositionCache(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
	}

	// --- Venue API client ---
	deps.Client = hyperliquid.NewClient(cfg.API, logger)

	// --- Address ledger ---
	ldg, err := ledger.New(cfg.LedgerFile(), cfg.Markets.Targets, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger: %w", err)
	}
	deps.Ledger = ldg

	// --- Snapshot decoder ---
	if needsDecoder(mode) {
		statePath := filepath.Join(cfg.Snapshot.DataDir, "snapshot_state.json")
		state := snapshot.NewStateCache(statePath, cfg.Snapshot.StateCacheSize, logger)
		deps.Decoder = snapshot.NewDecoder(cfg.Snapshot, cfg.Markets, state, logger)
	}

	// --- Reconciler ---
	if deps.Store != nil {
		deps.Reconciler = reconciler.New(
			deps.Client, deps.Store, deps.Cache, cfg.Markets, cfg.Reconciler, logger,
		)
	}

	// --- S3 blob storage (optional; cold archival) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		var archiveStore s3blob.PositionArchiveStore
		if deps.Store != nil {
			archiveStore = deps.Store
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			archiveStore,
			cfg.Markets.Targets,
			cfg.LedgerFile(),
		)
	}

	return deps, cleanup, nil
}
