// Package daemon composes the tuskersd process: configuration in,
// remote stores, cache, session manager, outbox, gateway and metrics
// wired together under one fx lifecycle.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/bus"
	"github.com/sejijohn/tuskersd/internal/cache"
	"github.com/sejijohn/tuskersd/internal/config"
	"github.com/sejijohn/tuskersd/internal/gateway"
	"github.com/sejijohn/tuskersd/internal/lock"
	"github.com/sejijohn/tuskersd/internal/logging"
	"github.com/sejijohn/tuskersd/internal/metrics"
	"github.com/sejijohn/tuskersd/internal/outbox"
	"github.com/sejijohn/tuskersd/internal/remote/mongodb"
	"github.com/sejijohn/tuskersd/internal/session"
)

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideCache,
			provideMongo,
			provideRedis,
			provideStores,
			provideManager,
			provideSender,
			provideGateway,
			provideMetrics,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath()), 0o755); err != nil {
		return nil, err
	}
	return logging.New(cfg.LogPath(), cfg.Instance)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideCache(cfg *config.Config, logger *zap.Logger) (*cache.DB, error) {
	db, err := cache.Open(cfg.CachePath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	return db, nil
}

func provideMongo(cfg *config.Config) (*mongo.Client, error) {
	return mongodb.Connect(context.Background(), cfg)
}

func provideRedis(cfg *config.Config) *redis.Client {
	return mongodb.ConnectRedis(cfg)
}

func provideStores(cfg *config.Config, client *mongo.Client, rdb *redis.Client, logger *zap.Logger) *mongodb.Stores {
	return mongodb.NewStores(client, rdb, cfg.Mongo.Database, logger)
}

func provideManager(cfg *config.Config, stores *mongodb.Stores, db *cache.DB, b *bus.Bus, logger *zap.Logger) *session.Manager {
	return session.NewManager(stores.Messages, stores.Conversations, stores.Profiles, db, b, logger, session.Options{
		PageSize:            cfg.Chat.PageSize,
		VisibilityThreshold: cfg.Chat.VisibilityThreshold,
		FetchTimeout:        cfg.FetchTimeout(),
	})
}

func provideSender(db *cache.DB, stores *mongodb.Stores, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *outbox.Sender {
	return outbox.NewSender(db, stores.Messages, stores.Conversations, b, logger, 0, cfg.FetchTimeout())
}

func provideGateway(cfg *config.Config, manager *session.Manager, db *cache.DB, b *bus.Bus, logger *zap.Logger) *gateway.Server {
	return gateway.New(cfg.Gateway.ListenAddr, cfg.Gateway.JWTSecret, manager, db, b, logger)
}

func provideMetrics(cfg *config.Config, logger *zap.Logger) *metrics.Server {
	return metrics.NewServer(cfg.Metrics.ListenAddr, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, gw *gateway.Server, ms *metrics.Server, sender *outbox.Sender, manager *session.Manager, lk *lock.Lock, client *mongo.Client, rdb *redis.Client, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sender.Start(context.Background())
			go func() {
				if err := ms.Start(); err != nil {
					logger.Error("metrics listener error", zap.Error(err))
				}
			}()
			gw.Start()
			logger.Info("daemon started",
				zap.String("gateway", cfg.Gateway.ListenAddr),
				zap.String("metrics", cfg.Metrics.ListenAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.CloseAll()
			sender.Stop()
			if err := gw.Stop(ctx); err != nil {
				logger.Warn("gateway shutdown", zap.Error(err))
			}
			ms.Stop(ctx)

			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.Warn("mongo disconnect", zap.Error(err))
			}
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("cache close", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
