package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailgraph/adapter/out/cache"
	"mailgraph/adapter/out/messaging"
	"mailgraph/adapter/out/persistence"
	"mailgraph/adapter/out/provider"
	"mailgraph/config"
	"mailgraph/core/port/out"
	"mailgraph/core/service/blacklist"
	"mailgraph/core/service/ingest"
	"mailgraph/core/service/query"
	"mailgraph/infra/database"
	rediscache "mailgraph/pkg/cache"
	"mailgraph/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Dependencies carries every shared component. Both the API and the
// ingest worker are built on top of one instance.
type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	// Stores
	EntityStore    *persistence.EntityStoreAdapter
	BlacklistStore out.BlacklistStore
	BlacklistCache out.BlacklistCache
	SyncStates     out.SyncStateStore
	Processed      out.ProcessedStore

	// Providers, keyed by account label
	Providers map[string]out.MailProvider

	// Messaging
	Producer out.JobProducer

	// Services
	Engine       *blacklist.Engine
	Processor    *ingest.Processor
	Coordinator  *ingest.Coordinator
	QueryService *query.Service
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Database (pgxpool, health checks)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the store adapters)
	// simple_protocol avoids prepared statement conflicts behind PgBouncer
	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("sqlx: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	logger.Info("Database connections established (pool: max=%d, idle=%d)", 25, 10)

	// Redis: job queue and blacklist snapshot cache
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	// Stores
	deps.EntityStore = persistence.NewEntityStoreAdapter(sqlDB)
	deps.BlacklistStore = persistence.NewBlacklistAdapter(sqlDB)
	deps.SyncStates = persistence.NewSyncStateAdapter(sqlDB)
	deps.Processed = persistence.NewProcessedAdapter(sqlDB)
	deps.BlacklistCache = cache.NewBlacklistCacheAdapter(rediscache.NewRedisCache(redisClient))

	// Messaging (Redis Streams)
	deps.Producer = messaging.NewRedisProducer(redisClient)

	// Blacklist engine with Redis snapshot cache
	deps.Engine = blacklist.NewEngine(deps.BlacklistStore, deps.BlacklistCache, cfg.WhitelistDomains)

	// Mail providers, one adapter per configured account
	deps.Providers = make(map[string]out.MailProvider, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		if acct.RefreshToken == "" {
			logger.Warn("Account %q has no refresh token, skipping", acct.Label)
			continue
		}
		adapter, err := provider.NewGmailAdapter(context.Background(), provider.GmailConfig{
			Account:      acct.Label,
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RefreshToken: acct.RefreshToken,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("provider %q: %w", acct.Label, err)
		}
		deps.Providers[acct.Label] = adapter
	}
	logger.Info("Mail providers initialized: %d account(s)", len(deps.Providers))

	// Ingestion pipeline
	deps.Processor = ingest.NewProcessor(deps.EntityStore, deps.Engine)
	deps.Coordinator = ingest.NewCoordinator(
		deps.Providers,
		deps.SyncStates,
		deps.Processed,
		deps.Engine,
		deps.Processor,
		ingest.CoordinatorConfig{
			PageSize:  int64(cfg.SyncPageSize),
			Budget:    cfg.SyncBudget,
			StartDate: cfg.BatchStartDate,
		},
	)

	// Query surface
	deps.QueryService = query.NewService(
		deps.EntityStore,
		deps.SyncStates,
		deps.Engine,
		deps.Producer,
		deps.Coordinator.Accounts(),
	)

	return deps, cleanup, nil
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}
