package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/twapindexer/internal/blob/s3"
	"github.com/alanyoungcy/twapindexer/internal/cache/redis"
	"github.com/alanyoungcy/twapindexer/internal/config"
	"github.com/alanyoungcy/twapindexer/internal/domain"
	"github.com/alanyoungcy/twapindexer/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Fields of optional backends are nil when disabled.
type Dependencies struct {
	// Stores
	Postgres    *postgres.Client
	Cursors     domain.CursorStore
	Orders      domain.OrderStore
	Writer      domain.ReconciliationWriter
	DeadLetters domain.DeadLetterStore

	// Redis
	Redis       *redis.Client
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	DomainCache domain.DomainCache

	// Blob storage
	S3      *s3blob.Client
	Archive *s3blob.DeadLetterArchive
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgresConfig(cfg.Postgres))
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

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Cursors = postgres.NewCursorStore(pool)
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Writer = postgres.NewReconciliationWriter(pool)
	deps.DeadLetters = postgres.NewDeadLetterStore(pool)

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.DomainCache = redis.NewDomainCache(redisClient)
	} else {
		logger.WarnContext(ctx, "redis disabled: no leader lock, domain cache or status stream")
	}

	// --- S3 dead-letter archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
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

		deps.S3 = s3Client
		deps.Archive = s3blob.NewDeadLetterArchive(s3blob.NewWriter(s3Client))
	}

	return deps, cleanup, nil
}

func postgresConfig(c config.PostgresConfig) postgres.ClientConfig {
	return postgres.ClientConfig{
		DSN:      c.DSN,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		User:     c.User,
		Password: c.Password,
		SSLMode:  c.SSLMode,
		MaxConns: c.PoolMaxConns,
		MinConns: c.PoolMinConns,
	}
}

// Migrate applies the embedded schema migrations and exits.
func Migrate(ctx context.Context, cfg *config.Config) error {
	pgClient, err := postgres.New(ctx, postgresConfig(cfg.Postgres))
	if err != nil {
		return fmt.Errorf("migrate: postgres: %w", err)
	}
	defer pgClient.Close()
	return pgClient.RunMigrations(ctx)
}
