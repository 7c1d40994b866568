// Package bootstrap wires the adapters, services, and transports into
// runnable API and worker processes.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"inbox_server/adapter/out/messaging"
	"inbox_server/adapter/out/mongodb"
	"inbox_server/adapter/out/persistence"
	"inbox_server/adapter/out/provider"
	"inbox_server/adapter/out/realtime"
	"inbox_server/config"
	"inbox_server/core/port/in"
	"inbox_server/core/port/out"
	"inbox_server/core/service/inbox"
	"inbox_server/core/service/sync"
	"inbox_server/infra/database"
	"inbox_server/pkg/cache"
	"inbox_server/pkg/logger"
	"inbox_server/pkg/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	AccountRepo      out.AccountRepository
	ConversationRepo out.ConversationRepository
	MessageRepo      out.MessageRepository
	UserStateRepo    out.UserStateRepository
	SyncStateRepo    out.SyncStateRepository
	BodyRepo         out.BodyRepository

	// Messaging: one Redis producer serves the queue, the sync lock,
	// and webhook dedup.
	Producer *messaging.RedisProducer

	// Realtime (SSE)
	RealtimeAdapter *realtime.SSEAdapter
	SSEHub          *realtime.SSEHub

	// Providers
	ProviderFactory *provider.Factory

	// Services
	SyncService         in.SyncService
	ConversationService in.ConversationService
	BodyService         in.BodyService

	// Observability
	HTTPLatency *metrics.LatencyTracker

	ZLog zerolog.Logger
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	deps.ZLog = zlog

	// Postgres (pgxpool for health probes, sqlx for the adapters)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlx: %w", err)
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	deps.Producer = messaging.NewRedisProducer(redisClient)

	// MongoDB (message bodies)
	mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("mongodb: %w", err)
	}
	deps.MongoDB = mongoClient
	cleanups = append(cleanups, func() {
		mongoClient.Disconnect(context.Background())
	})

	bodyAdapter := mongodb.NewBodyAdapter(mongoClient.Database(cfg.MongoDBName))
	if err := bodyAdapter.EnsureIndexes(context.Background()); err != nil {
		logger.Warn("Failed to ensure MongoDB indexes: %v", err)
	}
	deps.BodyRepo = mongodb.NewCachedBodyStore(bodyAdapter, cache.NewRedisCache(redisClient))

	// Postgres repositories
	deps.AccountRepo = persistence.NewAccountAdapter(sqlDB)
	deps.ConversationRepo = persistence.NewConversationAdapter(sqlDB)
	deps.MessageRepo = persistence.NewMessageAdapter(sqlDB)
	deps.UserStateRepo = persistence.NewUserStateAdapter(sqlDB)
	deps.SyncStateRepo = persistence.NewSyncAdapter(sqlDB)

	// Realtime (SSE)
	deps.RealtimeAdapter = realtime.NewSSEAdapter(zlog)
	deps.SSEHub = realtime.NewSSEHub(deps.RealtimeAdapter, zlog)

	// Channel providers
	factoryCfg := &provider.FactoryConfig{}
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		factoryCfg.Gmail = &provider.GmailConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}
		logger.Info("Gmail provider configured")
	}
	if cfg.MicrosoftClientID != "" && cfg.MicrosoftClientSecret != "" {
		factoryCfg.Outlook = &provider.OutlookConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			TenantID:     cfg.MicrosoftTenantID,
		}
		logger.Info("Outlook provider configured")
	}
	if cfg.AggregatorBaseURL != "" {
		factoryCfg.LinkedIn = &provider.LinkedInConfig{
			BaseURL: cfg.AggregatorBaseURL,
			APIKey:  cfg.AggregatorAPIKey,
		}
		logger.Info("LinkedIn aggregator provider configured")
	}
	deps.ProviderFactory = provider.NewFactory(factoryCfg)

	// Core services
	writer := sync.NewUpsertWriter(
		sync.NewThreadResolver(deps.ConversationRepo, sync.NewInheritanceResolver(deps.ConversationRepo)),
		deps.MessageRepo,
		deps.ConversationRepo,
	)

	deps.SyncService = sync.NewSyncService(
		deps.AccountRepo,
		deps.SyncStateRepo,
		writer,
		deps.ProviderFactory,
		deps.Producer,
		deps.Producer,
		deps.RealtimeAdapter,
		&sync.Options{
			InitialDaysBack: cfg.SyncInitialDaysBack,
			PageSize:        cfg.SyncPageSize,
			MaxPages:        cfg.SyncMaxPages,
			Folders:         cfg.SyncFolders,
		},
	)

	deps.ConversationService = inbox.NewConversationService(
		deps.ConversationRepo,
		deps.MessageRepo,
		deps.UserStateRepo,
		deps.RealtimeAdapter,
		cfg.WorkQueueSLAHours,
	)

	deps.BodyService = inbox.NewBodyService(
		deps.MessageRepo,
		deps.BodyRepo,
		deps.AccountRepo,
		deps.ProviderFactory,
	)

	deps.HTTPLatency = metrics.NewLatencyTracker(1000)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

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
